package database

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
)

// AMQP holds the RabbitMQ connection and the channel used for publishing.
type AMQP struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

// Close closes the channel, then the connection.
func (a *AMQP) Close() error {
	if a == nil {
		return nil
	}
	if a.Channel != nil {
		a.Channel.Close()
	}
	if a.Conn != nil {
		return a.Conn.Close()
	}
	return nil
}

// NewAMQP connects to RabbitMQ when AMQP_URL is set. It returns nil, nil
// when the publisher is disabled.
func NewAMQP(cfg *config.Config, log zerolog.Logger) (*AMQP, error) {
	if cfg.AMQPURL == "" {
		return nil, nil
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	log.Info().
		Str("exchange", cfg.AMQPExchange).
		Msg("RabbitMQ connected")

	return &AMQP{Conn: conn, Channel: ch}, nil
}
