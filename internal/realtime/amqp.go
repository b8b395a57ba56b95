package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// AMQPPublisher publishes attempt events to a RabbitMQ topic exchange with
// routing key <event_type>.<exam_id>, e.g. attempt_finalized.<uuid>.
type AMQPPublisher struct {
	mu       sync.Mutex // amqp channels are not safe for concurrent publish
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher declares the exchange and returns a publisher bound to it.
func NewAMQPPublisher(ch *amqp.Channel, exchange string) (*AMQPPublisher, error) {
	err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}, nil
}

// RoutingKey returns the routing key an event is published with.
func RoutingKey(ev model.AttemptEvent) string {
	return fmt.Sprintf("%s.%s", ev.Type, ev.ExamID)
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, ev model.AttemptEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(
		ctx,
		p.exchange,
		RoutingKey(ev),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.AttemptID.String(),
			Timestamp:    ev.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}
