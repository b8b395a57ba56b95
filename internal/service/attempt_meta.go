package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const attemptMetaTTL = 24 * time.Hour

// attemptMeta is the immutable part of an attempt needed on the hot path:
// who owns it and which exam it belongs to.
type attemptMeta struct {
	ExamID    uuid.UUID
	StudentID int
}

// metaCache keeps attemptMeta in Redis so answer writes and violation saves
// can check ownership while Postgres is unreachable.
type metaCache struct {
	rdb      *redis.Client
	attempts AttemptStore
}

func (c *metaCache) get(ctx context.Context, attemptID uuid.UUID) (*attemptMeta, error) {
	key := config.CacheKey.AttemptMetaKey(attemptID.String())
	if vals, err := c.rdb.HGetAll(ctx, key).Result(); err == nil && vals["exam_id"] != "" {
		examID, perr := uuid.Parse(vals["exam_id"])
		studentID, serr := strconv.Atoi(vals["student_id"])
		if perr == nil && serr == nil {
			return &attemptMeta{ExamID: examID, StudentID: studentID}, nil
		}
	}

	a, err := c.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("%w: load attempt: %w", model.ErrPersistenceUnavailable, err)
	}
	c.put(ctx, a)
	return &attemptMeta{ExamID: a.ExamID, StudentID: a.StudentID}, nil
}

// put is best-effort; a miss only costs a database read.
func (c *metaCache) put(ctx context.Context, a *model.Attempt) {
	key := config.CacheKey.AttemptMetaKey(a.ID.String())
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "exam_id", a.ExamID.String(), "student_id", a.StudentID)
	pipe.Expire(ctx, key, attemptMetaTTL)
	_, _ = pipe.Exec(ctx)
}
