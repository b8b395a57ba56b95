package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

type countingSweeper struct {
	calls   atomic.Int32
	results []model.FinalizeResult
	err     error
}

func (s *countingSweeper) SweepExpired(context.Context) ([]model.FinalizeResult, error) {
	s.calls.Add(1)
	return s.results, s.err
}

func TestExpirySweeperRunOnce(t *testing.T) {
	s := &countingSweeper{
		results: []model.FinalizeResult{
			{AttemptID: uuid.New(), Status: model.AttemptStatusTimeout},
			{AttemptID: uuid.New(), Status: model.AttemptStatusTimeout},
		},
		err: errors.New("one attempt failed"),
	}
	w := NewExpirySweeper(s, time.Minute, zerolog.Nop())

	require.Equal(t, 2, w.RunOnce(context.Background()))
	require.EqualValues(t, 1, s.calls.Load())
}

func TestExpirySweeperTicksUntilCancelled(t *testing.T) {
	s := &countingSweeper{}
	w := NewExpirySweeper(s, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
