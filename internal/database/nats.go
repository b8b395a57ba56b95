package database

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
)

// NewNATSConn connects to NATS when NATS_URL is set. It returns nil, nil
// when the publisher is disabled.
func NewNATSConn(cfg *config.Config, log zerolog.Logger) (*nats.Conn, error) {
	if cfg.NATSURL == "" {
		return nil, nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("exstem-proctor"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("subject_prefix", cfg.NATSSubjectPrefix).
		Msg("NATS connected")

	return nc, nil
}
