package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/integrity"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/realtime"
)

// ViolationAudit is one row queued for the violation_events table.
type ViolationAudit struct {
	AttemptID   string `json:"attempt_id"`
	ExamID      string `json:"exam_id"`
	StudentID   int    `json:"student_id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	OccurredAt  int64  `json:"occurred_at"` // unix nanoseconds
}

// ViolationStore persists integrity monitor logs on the attempt row. Every
// newly stored violation is also queued for the audit table and pushed to
// the exam's live monitor.
type ViolationStore struct {
	attempts  AttemptStore
	meta      *metaCache
	rdb       *redis.Client
	publisher realtime.Publisher
	policy    *bluemonday.Policy
	log       zerolog.Logger
}

// NewViolationStore creates a new ViolationStore.
func NewViolationStore(attempts AttemptStore, rdb *redis.Client, publisher realtime.Publisher, log zerolog.Logger) *ViolationStore {
	if publisher == nil {
		publisher = realtime.Nop{}
	}
	return &ViolationStore{
		attempts:  attempts,
		meta:      &metaCache{rdb: rdb, attempts: attempts},
		rdb:       rdb,
		publisher: publisher,
		policy:    bluemonday.StrictPolicy(),
		log:       log.With().Str("component", "violation_store").Logger(),
	}
}

var _ integrity.Store = (*ViolationStore)(nil)

// LoadViolations implements integrity.Store.
func (s *ViolationStore) LoadViolations(ctx context.Context, attemptID uuid.UUID) ([]model.Violation, error) {
	vs, err := s.attempts.LoadViolations(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("%w: load violations: %w", model.ErrPersistenceUnavailable, err)
	}
	return vs, nil
}

// SaveViolations implements integrity.Store. A log shorter than the stored
// one is silently ignored.
func (s *ViolationStore) SaveViolations(ctx context.Context, attemptID uuid.UUID, violations []model.Violation) error {
	prev, applied, err := s.attempts.SaveViolations(ctx, attemptID, violations)
	if err != nil {
		return fmt.Errorf("%w: save violations: %w", model.ErrPersistenceUnavailable, err)
	}
	if !applied || prev >= len(violations) {
		return nil
	}
	fresh := violations[prev:]

	for _, v := range fresh {
		observability.ViolationsRecorded().WithLabelValues(string(v.Type)).Inc()
	}

	meta, err := s.meta.get(ctx, attemptID)
	if err != nil {
		// The log itself is stored; only the audit trail and the push are lost.
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Attempt meta unavailable, skipping violation fan-out")
		return nil
	}

	s.enqueueAudit(ctx, attemptID, meta, fresh)

	for i := range fresh {
		v := fresh[i]
		if err := s.publisher.Publish(ctx, model.AttemptEvent{
			Type:            model.AttemptEventViolation,
			AttemptID:       attemptID,
			ExamID:          meta.ExamID,
			StudentID:       meta.StudentID,
			Status:          model.AttemptStatusInProgress,
			ViolationsCount: prev + i + 1,
			Violation:       &v,
			Timestamp:       v.Timestamp,
		}); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Realtime publish failed")
		}
	}
	return nil
}

func (s *ViolationStore) enqueueAudit(ctx context.Context, attemptID uuid.UUID, meta *attemptMeta, fresh []model.Violation) {
	pipe := s.rdb.Pipeline()
	for _, v := range fresh {
		data, err := json.Marshal(ViolationAudit{
			AttemptID:   attemptID.String(),
			ExamID:      meta.ExamID.String(),
			StudentID:   meta.StudentID,
			Type:        string(v.Type),
			Description: s.policy.Sanitize(v.Description),
			OccurredAt:  v.Timestamp.UnixNano(),
		})
		if err != nil {
			continue
		}
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Error().Err(err).Str("attempt_id", attemptID.String()).Int("count", len(fresh)).Msg("Failed to queue violation audit")
	}
}
