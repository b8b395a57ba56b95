package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MonitorRow is one attempt as seen on the supervisor's live monitor.
type MonitorRow struct {
	AttemptID       uuid.UUID           `json:"attempt_id"`
	StudentID       int                 `json:"student_id"`
	Status          model.AttemptStatus `json:"status"`
	StartedAt       time.Time           `json:"started_at"`
	SubmittedAt     *time.Time          `json:"submitted_at,omitempty"`
	Score           *float64            `json:"score,omitempty"`
	Percentage      *int                `json:"percentage,omitempty"`
	ViolationsCount int                 `json:"violations_count"`
	AnsweredCount   int64               `json:"answered_count"`
	ForcedBy        *int                `json:"forced_by,omitempty"`
}

// MonitorRepository provides data access for the live exam monitoring feature.
// It combines PostgreSQL (attempt state) and Redis (live draft answer counts).
type MonitorRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool, rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{pool: pool, rdb: rdb}
}

// ListByExam returns every attempt of the exam with its persisted answer count.
func (r *MonitorRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]MonitorRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.student_id, a.status, a.started_at, a.submitted_at, a.score, a.percentage,
		        a.violations_count, a.forced_by,
		        COALESCE((SELECT COUNT(DISTINCT r.question_id) FROM responses r WHERE r.attempt_id = a.id), 0)
		 FROM attempts a
		 WHERE a.exam_id = $1
		 ORDER BY a.started_at`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MonitorRow
	for rows.Next() {
		var m MonitorRow
		if err := rows.Scan(&m.AttemptID, &m.StudentID, &m.Status, &m.StartedAt, &m.SubmittedAt, &m.Score,
			&m.Percentage, &m.ViolationsCount, &m.ForcedBy, &m.AnsweredCount); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DraftCounts returns the number of answered questions in each attempt's
// Redis draft. Drafts run ahead of Postgres while the response retry queue
// is draining. Sub-item fields ("question:sub_item") count once per question.
func (r *MonitorRepository) DraftCounts(ctx context.Context, attemptIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	if len(attemptIDs) == 0 {
		return map[uuid.UUID]int64{}, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make(map[uuid.UUID]*redis.StringSliceCmd, len(attemptIDs))
	for _, id := range attemptIDs {
		cmds[id] = pipe.HKeys(ctx, config.CacheKey.AttemptDraftKey(id.String()))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	counts := make(map[uuid.UUID]int64, len(cmds))
	for id, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			continue
		}
		questions := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			q, _, _ := strings.Cut(f, ":")
			questions[q] = struct{}{}
		}
		counts[id] = int64(len(questions))
	}
	return counts, nil
}
