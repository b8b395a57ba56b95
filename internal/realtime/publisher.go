// Package realtime delivers attempt events to supervisors' monitors, to the
// session runner owning the attempt and to optional external brokers.
package realtime

import (
	"context"
	"errors"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Publisher pushes one attempt event to a transport.
type Publisher interface {
	Publish(ctx context.Context, ev model.AttemptEvent) error
}

// Fanout publishes to every transport in order and joins their errors. A
// failing transport never stops the others.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev model.AttemptEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, model.AttemptEvent) error { return nil }
