package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ResponseWriter is the conditional response upsert.
type ResponseWriter interface {
	Upsert(ctx context.Context, resp *model.Response) error
}

// AutosaveWorker consumes persist_responses_queue: responses whose
// synchronous upsert failed. Each retry is still conditional on the attempt
// being in progress, so a queued write never lands after finalize.
type AutosaveWorker struct {
	responses  ResponseWriter
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(responses ResponseWriter, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		responses:  responses,
		rdb:        rdb,
		log:        log.With().Str("component", "autosave_worker").Logger(),
		retryDelay: 5 * time.Second,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistResponsesQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	if ok := w.handle(ctx, result[1]); !ok {
		// Push back to queue for retry.
		w.rdb.RPush(ctx, config.WorkerKey.PersistResponsesQueue, result[1])
		select {
		case <-ctx.Done():
		case <-time.After(w.retryDelay):
		}
	}
}

// handle persists one queued response. It returns false when the item
// should be retried.
func (w *AutosaveWorker) handle(ctx context.Context, raw string) bool {
	var resp model.Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		// Malformed payloads can never succeed.
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed response payload")
		return true
	}

	err := w.responses.Upsert(ctx, &resp)
	switch {
	case err == nil:
		return true
	case errors.Is(err, pgx.ErrNoRows):
		w.log.Info().
			Str("attempt_id", resp.AttemptID.String()).
			Str("question_id", resp.QuestionID.String()).
			Msg("Dropping queued response: attempt already finalized")
		return true
	case errors.Is(err, repository.ErrStaleResponse):
		return true
	case repository.IsPermanent(err):
		w.log.Error().Err(err).
			Str("attempt_id", resp.AttemptID.String()).
			Str("question_id", resp.QuestionID.String()).
			Msg("Dropping queued response: rejected by the database")
		return true
	default:
		w.log.Error().Err(err).
			Str("attempt_id", resp.AttemptID.String()).
			Msg("Persist error, retrying")
		return false
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistResponsesQueue).Result()
		if err != nil {
			break
		}
		if !w.handle(ctx, raw) {
			w.rdb.RPush(ctx, config.WorkerKey.PersistResponsesQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
