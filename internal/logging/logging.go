// Package logging builds the process-wide structured logger and a panic
// recovery helper used by every long-running goroutine.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger from a level/format pair, matching the
// convention used across the gateway's components.
func New(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(parseLevel(level))

	return zerolog.New(output).With().
		Timestamp().
		Str("service", "marketdata-gateway").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// RecoverPanic is deferred at the top of the gateway's per-socket read
// and write pumps and the stream multiplexer's run and drain loops; other
// background goroutines (batch timers, periodic workers) do not defer it.
// It logs and
// swallows the panic instead of crashing the process, per the ticker
// error handling policy ("ticker error is logged and metered, never
// crashes the process") generalized to all background work.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic", r).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("recovered panic, goroutine terminated")
	}
}
