package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger. format "pretty" gives console output for
// development; anything else writes JSON lines. Every line carries the
// binary name so server, sweep and migrate logs can share one sink.
func Setup(level, format, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	// Violation and finalize events are ordered by log time when audited.
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var writer io.Writer = os.Stdout
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}

	ctx := zerolog.New(writer).With().
		Timestamp().
		Str("service", service)
	if host, err := os.Hostname(); err == nil {
		ctx = ctx.Str("host", host)
	}
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}
