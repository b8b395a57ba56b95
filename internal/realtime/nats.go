package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// NATSPublisher mirrors attempt events onto NATS subjects of the form
// <prefix>.exam.<exam_id>.<event_type> for downstream consumers.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a new NATSPublisher.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev model.AttemptEvent) string {
	return fmt.Sprintf("%s.exam.%s.%s", p.prefix, ev.ExamID, ev.Type)
}

// Publish implements Publisher. NATS core publish is fire-and-forget; ctx is
// only checked before sending.
func (p *NATSPublisher) Publish(ctx context.Context, ev model.AttemptEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}
