package helpers

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a new Logger with structured logging using slog.
// logLevel can be "debug", "info", "warn", or "error"; anything else falls back to info.
// Output goes to stderr because the kernel's stdout belongs to the notebook launcher.
func NewLogger(serviceName, logLevel string) *slog.Logger {
	return NewLoggerTo(os.Stderr, serviceName, logLevel)
}

// NewLoggerTo is NewLogger with an explicit writer
func NewLoggerTo(w io.Writer, serviceName, logLevel string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With("service", serviceName)
}

// NopLogger returns a Logger that discards all output
func NopLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
