package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/realtime"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "server")
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Dur("tick_interval", cfg.TickInterval).
		Int("max_violations", cfg.MaxViolations).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator & Metrics ────────────────────────────────
	validator.Setup()
	observability.RegisterMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Realtime Fan-out ──────────────────────────────────────────────
	// Redis pub/sub always carries the live tabs and the monitor. NATS and
	// RabbitMQ are optional mirrors for downstream consumers.
	broker := realtime.NewRedisBroker(rdb, log)
	publisher := realtime.Fanout{broker}

	nc, err := database.NewNATSConn(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	if nc != nil {
		defer nc.Drain()
		publisher = append(publisher, realtime.NewNATSPublisher(nc, cfg.NATSSubjectPrefix))
	}

	mq, err := database.NewAMQP(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	if mq != nil {
		defer mq.Close()
		amqpPub, err := realtime.NewAMQPPublisher(mq.Channel, cfg.AMQPExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to declare RabbitMQ exchange")
		}
		publisher = append(publisher, amqpPub)
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	assignmentRepo := repository.NewAssignmentRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	responseRepo := repository.NewResponseRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool, rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	attemptService := service.NewAttemptService(
		examRepo, assignmentRepo, questionRepo, attemptRepo, rdb, publisher,
		service.AttemptServiceConfig{
			MaxViolations: cfg.MaxViolations,
			SweepGrace:    cfg.SweepGrace,
			Clock:         clock.System{},
		},
		log,
	)
	paperService := service.NewPaperService(examRepo, questionRepo, attemptRepo, rdb, cfg.PaperCacheTTL, log)
	answerStore := service.NewAnswerStore(responseRepo, attemptRepo, paperService, rdb, publisher, log)
	violationStore := service.NewViolationStore(attemptRepo, rdb, publisher, log)
	monitorService := service.NewMonitorService(monitorRepo, examRepo, questionRepo)

	limiter := middleware.NewResponseRateLimiter(rdb, cfg.ResponseRateLimit, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		StudentPortal: handler.NewStudentPortalHandler(attemptService, paperService, answerStore),
		Supervisor:    handler.NewSupervisorHandler(attemptService, attemptService, monitorService, log),
		Monitor:       handler.NewMonitorHandler(monitorService, broker, log),
		WS: handler.NewWSHandler(handler.WSDeps{
			Attempts:       attemptService,
			Answers:        answerStore,
			Violations:     violationStore,
			Events:         broker,
			Limiter:        limiter,
			Clock:          clock.System{},
			TickInterval:   cfg.TickInterval,
			AllowedOrigins: cfg.AllowedOrigins,
		}, log),
		System: handler.NewSystemHandler(pool, rdb, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	starters := []func(context.Context){
		worker.NewAutosaveWorker(responseRepo, rdb, log).Start,
		worker.NewViolationWorker(pool, rdb, log).Start,
		worker.NewQuestionOrderWorker(pool, rdb, log).Start,
		worker.NewExpirySweeper(attemptService, cfg.SweepInterval, log).Start,
	}
	for _, start := range starters {
		workers.Add(1)
		go func() {
			defer workers.Done()
			start(workerCtx)
		}()
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Papers of upcoming exams are cached BEFORE accepting traffic so the
	// window opening does not stampede Postgres.
	upcoming, err := examRepo.ListUpcoming(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("Listing upcoming exams failed, skipping prewarm")
	} else {
		warmed, err := paperService.Prewarm(ctx, upcoming)
		if err != nil {
			log.Warn().Err(err).Msg("Paper prewarm partially failed")
		}
		log.Info().Int("exams", len(upcoming)).Int("warmed", warmed).Msg("Paper cache prewarmed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, limiter, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Hijacked WebSocket
	// connections are not tracked by Shutdown; their runners stop with the
	// process and the sweeper on another instance finalizes what expires.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for queues to drain.
	workerCancel()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Workers did not drain in time")
	}

	log.Info().Msg("Shutdown complete")
}
