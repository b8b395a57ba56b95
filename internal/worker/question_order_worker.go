package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// QuestionOrderWorker persists the per-attempt shuffled question order.
// An order that is already stored is never replaced.
type QuestionOrderWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewQuestionOrderWorker creates a new QuestionOrderWorker.
func NewQuestionOrderWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *QuestionOrderWorker {
	return &QuestionOrderWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "question_order_worker").Logger(),
	}
}

func (w *QuestionOrderWorker) Start(ctx context.Context) {
	w.log.Info().Msg("QuestionOrderWorker started")

	batch := make([]*service.QuestionOrderPayload, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return

		default:
			item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistQuestionOrderQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}
			if len(item) < 2 {
				continue
			}

			var p service.QuestionOrderPayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}
			batch = append(batch, &p)
		}
	}
}

func (w *QuestionOrderWorker) flushSafe(ctx context.Context, batch []*service.QuestionOrderPayload) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkUpdate(ctx, batch); err != nil {
		w.log.Warn().Err(err).Msg("Bulk question order update failed, using fallback")

		for _, p := range batch {
			if err := w.persistSingle(ctx, p); err != nil {
				w.log.Error().Err(err).Str("attempt_id", p.AttemptID).Msg("persistSingle failed, requeueing")
				raw, _ := json.Marshal(p)
				w.rdb.RPush(ctx, config.WorkerKey.PersistQuestionOrderQueue, raw)
			}
		}
	}
}

// arrayLiteral renders an order as a Postgres array literal so a batch can
// travel as one text[] parameter.
func arrayLiteral(order []string) (string, error) {
	for _, id := range order {
		if _, err := uuid.Parse(id); err != nil {
			return "", err
		}
	}
	return "{" + strings.Join(order, ",") + "}", nil
}

func (w *QuestionOrderWorker) bulkUpdate(ctx context.Context, batch []*service.QuestionOrderPayload) error {
	attemptIDs := make([]uuid.UUID, 0, len(batch))
	orders := make([]string, 0, len(batch))

	for _, p := range batch {
		id, err := uuid.Parse(p.AttemptID)
		if err != nil {
			return err
		}
		lit, err := arrayLiteral(p.Order)
		if err != nil {
			return err
		}
		attemptIDs = append(attemptIDs, id)
		orders = append(orders, lit)
	}

	query := `
		UPDATE attempts AS a
		SET question_order = t.qo::uuid[]
		FROM UNNEST($1::uuid[], $2::text[]) AS t (attempt_id, qo)
		WHERE a.id = t.attempt_id
		  AND (a.question_order IS NULL OR cardinality(a.question_order) = 0)
	`

	_, err := w.pool.Exec(ctx, query, attemptIDs, orders)
	return err
}

func (w *QuestionOrderWorker) persistSingle(ctx context.Context, p *service.QuestionOrderPayload) error {
	id, err := uuid.Parse(p.AttemptID)
	if err != nil {
		w.log.Error().Str("attempt_id", p.AttemptID).Msg("Dropping question order with invalid UUID")
		return nil
	}
	lit, err := arrayLiteral(p.Order)
	if err != nil {
		w.log.Error().Str("attempt_id", p.AttemptID).Msg("Dropping question order with invalid question id")
		return nil
	}

	_, err = w.pool.Exec(ctx,
		`UPDATE attempts
		 SET question_order = $1::text::uuid[]
		 WHERE id = $2 AND (question_order IS NULL OR cardinality(question_order) = 0)`,
		lit, id,
	)
	return err
}
