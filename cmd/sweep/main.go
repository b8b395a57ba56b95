// Command sweep finalizes every expired in-progress attempt once and exits.
// It is meant for cron or for recovering after an outage, when no server
// instance has been running its periodic sweeper.
//
// Usage:
//
//	go run ./cmd/sweep [-dry-run]
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/realtime"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "list expired attempts without finalizing them")
	timeout := flag.Duration("timeout", 5*time.Minute, "abort the sweep after this long")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "sweep")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	attemptRepo := repository.NewAttemptRepository(pool)

	if *dryRun {
		rows, err := attemptRepo.ListInProgressDeadlines(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to list in-progress attempts")
		}
		now := time.Now()
		expired := 0
		for _, row := range rows {
			deadline := clock.ResolveRow(row).Deadline(row.StartedAt)
			if now.Before(deadline.Add(cfg.SweepGrace)) {
				continue
			}
			expired++
			log.Info().
				Str("attempt_id", row.AttemptID.String()).
				Time("deadline", deadline).
				Msg("Expired attempt")
		}
		log.Info().Int("in_progress", len(rows)).Int("expired", expired).Msg("Dry run complete")
		return
	}

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	attemptService := service.NewAttemptService(
		repository.NewExamRepository(pool),
		repository.NewAssignmentRepository(pool),
		repository.NewQuestionRepository(pool),
		attemptRepo,
		rdb,
		realtime.NewRedisBroker(rdb, log),
		service.AttemptServiceConfig{
			MaxViolations: cfg.MaxViolations,
			SweepGrace:    cfg.SweepGrace,
			Clock:         clock.System{},
		},
		log,
	)

	results, err := attemptService.SweepExpired(ctx)
	for _, res := range results {
		log.Info().
			Str("attempt_id", res.AttemptID.String()).
			Str("status", string(res.Status)).
			Float64("score", res.Score).
			Msg("Attempt finalized")
	}
	if err != nil {
		log.Error().Err(err).Int("finalized", len(results)).Msg("Sweep finished with errors")
		os.Exit(1)
	}
	log.Info().Int("finalized", len(results)).Msg("Sweep complete")
}
