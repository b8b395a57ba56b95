package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/observability"
)

// SweepExpired finalizes, as timeout, every in-progress attempt whose
// deadline plus the sweep grace has passed. It covers tabs that were closed
// or lost before their own timer fired. Only attempts this pass actually
// finalized are returned; attempts that a tab, a supervisor or a concurrent
// sweep finalized first are skipped. A failure on one attempt does not stop
// the others.
func (s *AttemptService) SweepExpired(ctx context.Context) ([]model.FinalizeResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "attempt.sweep_expired")
	defer span.End()

	rows, err := s.attempts.ListInProgressDeadlines(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list_failed")
		return nil, fmt.Errorf("%w: list in-progress attempts: %w", model.ErrPersistenceUnavailable, err)
	}

	now := s.clock.Now()
	var (
		finalized []model.FinalizeResult
		errs      []error
	)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		deadline := clock.ResolveRow(row).Deadline(row.StartedAt).Add(s.sweepGrace)
		if now.Before(deadline) {
			continue
		}

		res, err := s.Finalize(ctx, row.AttemptID, model.FinalizeTimeout, model.SystemActor)
		if err != nil {
			s.log.Error().Err(err).Str("attempt_id", row.AttemptID.String()).Msg("Sweep finalize failed")
			errs = append(errs, fmt.Errorf("attempt %s: %w", row.AttemptID, err))
			continue
		}
		if res.AlreadyFinalized {
			continue
		}
		observability.SweepFinalized().Inc()
		finalized = append(finalized, *res)
	}

	span.SetAttributes(
		attribute.Int("sweep.candidates", len(rows)),
		attribute.Int("sweep.finalized", len(finalized)),
	)
	if len(finalized) > 0 {
		s.log.Info().Int("count", len(finalized)).Msg("Expired attempts finalized")
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial_failure")
	}
	return finalized, err
}
