// Package logging builds the structured loggers used across clustervisor and
// keeps a bounded in-memory copy of recent records for the HTTP API.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a slog.Logger tagged with serviceName. logLevel is one of
// "debug", "info", "warn" or "error" and falls back to info; format selects the
// "json" (default) or "text" handler. A nil buf disables the in-memory copy.
func NewLogger(serviceName, logLevel, format string, buf *LogBuffer) *slog.Logger {
	return newLogger(os.Stdout, serviceName, logLevel, format, buf)
}

func newLogger(w io.Writer, serviceName, logLevel, format string, buf *LogBuffer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	if buf != nil {
		handler = NewHandler(handler, buf)
	}

	return slog.New(handler).With("service", serviceName)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
