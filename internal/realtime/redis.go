package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const subscriptionBuffer = 16

// RedisBroker publishes attempt events on Redis Pub/Sub. Every event goes to
// the exam's monitor channel and to the attempt's own channel.
type RedisBroker struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisBroker creates a new RedisBroker.
func NewRedisBroker(rdb *redis.Client, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		rdb: rdb,
		log: log.With().Str("component", "realtime_redis").Logger(),
	}
}

// Publish implements Publisher.
func (b *RedisBroker) Publish(ctx context.Context, ev model.AttemptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(ev.ExamID.String()), payload)
	pipe.Publish(ctx, config.CacheKey.AttemptEventsChannel(ev.AttemptID.String()), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// SubscribeAttempt streams the events of one attempt until the returned
// release func is called or ctx ends. The channel is closed afterwards.
func (b *RedisBroker) SubscribeAttempt(ctx context.Context, attemptID uuid.UUID) (<-chan model.AttemptEvent, func() error, error) {
	pubsub := b.rdb.Subscribe(ctx, config.CacheKey.AttemptEventsChannel(attemptID.String()))
	// Wait for the subscription confirmation so no event published after
	// this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe attempt: %w", err)
	}

	out := make(chan model.AttemptEvent, subscriptionBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev model.AttemptEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn().Err(err).Msg("Discarding malformed attempt event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, pubsub.Close, nil
}

// SubscribeExam returns the raw monitor channel subscription of an exam.
// Payloads are forwarded to SSE clients without decoding.
func (b *RedisBroker) SubscribeExam(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return b.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}
