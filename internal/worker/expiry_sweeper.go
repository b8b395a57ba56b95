package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Sweeper finalizes in-progress attempts whose deadline has passed.
type Sweeper interface {
	SweepExpired(ctx context.Context) ([]model.FinalizeResult, error)
}

// ExpirySweeper runs a sweep on a fixed interval. It is the safety net for
// attempts whose client went away before the countdown reached zero.
type ExpirySweeper struct {
	sweeper  Sweeper
	interval time.Duration
	log      zerolog.Logger
}

// NewExpirySweeper creates a new ExpirySweeper. A non-positive interval
// falls back to one minute.
func NewExpirySweeper(sweeper Sweeper, interval time.Duration, log zerolog.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{
		sweeper:  sweeper,
		interval: interval,
		log:      log.With().Str("component", "expiry_sweeper").Logger(),
	}
}

// Start sweeps once immediately, then on every tick until ctx is done.
func (w *ExpirySweeper) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("ExpirySweeper started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("ExpirySweeper stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns how many attempts it closed.
func (w *ExpirySweeper) RunOnce(ctx context.Context) int {
	results, err := w.sweeper.SweepExpired(ctx)
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Int("finalized", len(results)).Msg("Sweep finished with errors")
	}
	if len(results) > 0 {
		w.log.Info().Int("finalized", len(results)).Msg("Expired attempts finalized")
	}
	return len(results)
}
