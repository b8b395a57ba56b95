package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// AuditDB is the part of *pgxpool.Pool the violation worker writes with.
type AuditDB interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ViolationWorker moves queued integrity violations into the
// violation_events audit table.
type ViolationWorker struct {
	db           AuditDB
	rdb          *redis.Client
	log          zerolog.Logger
	requeueDelay time.Duration
}

// NewViolationWorker creates a new ViolationWorker.
func NewViolationWorker(db AuditDB, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		db:           db,
		rdb:          rdb,
		log:          log.With().Str("component", "violation_worker").Logger(),
		requeueDelay: 2 * time.Second,
	}
}

// Start begins the batching loop. Call in a goroutine.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*service.ViolationAudit, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var audit service.ViolationAudit
		if err := json.Unmarshal([]byte(result[1]), &audit); err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, &audit)
	}
}

// flushSafe attempts bulk insert, then fallback insert, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*service.ViolationAudit) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func auditRow(a *service.ViolationAudit) ([]any, error) {
	attemptID, err := uuid.Parse(a.AttemptID)
	if err != nil {
		return nil, err
	}
	examID, err := uuid.Parse(a.ExamID)
	if err != nil {
		return nil, err
	}
	return []any{
		attemptID, examID, a.StudentID, a.Type, a.Description, time.Unix(0, a.OccurredAt).UTC(),
	}, nil
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []*service.ViolationAudit) error {
	rows := make([][]any, 0, len(batch))
	for _, a := range batch {
		row, err := auditRow(a)
		if err != nil {
			// Bad ids are dropped one by one in the fallback.
			return err
		}
		rows = append(rows, row)
	}

	_, err := w.db.CopyFrom(
		ctx,
		pgx.Identifier{"violation_events"},
		[]string{"attempt_id", "exam_id", "student_id", "type", "description", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// fallbackInsert skips duplicates, so a batch that failed on one replayed
// event still lands the rest.
func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*service.ViolationAudit) {
	requeueList := make([]*service.ViolationAudit, 0)

	for _, a := range batch {
		row, err := auditRow(a)
		if err != nil {
			w.log.Error().Str("attempt_id", a.AttemptID).Msg("Dropping violation with invalid UUID")
			continue
		}

		_, err = w.db.Exec(ctx,
			`INSERT INTO violation_events (attempt_id, exam_id, student_id, type, description, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT ON CONSTRAINT uq_violation_events DO NOTHING`,
			row...,
		)
		switch {
		case err == nil:
		case repository.IsPermanent(err):
			w.log.Error().Err(err).Str("attempt_id", a.AttemptID).Msg("Dropping violation rejected by the database")
		default:
			w.log.Error().Err(err).Str("attempt_id", a.AttemptID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, a)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*service.ViolationAudit) {
	pipe := w.rdb.Pipeline()
	for _, a := range items {
		data, _ := json.Marshal(a)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the DB is down.
	time.Sleep(w.requeueDelay)
}

func (w *ViolationWorker) shutdown(buffer []*service.ViolationAudit) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
