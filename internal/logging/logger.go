// Package logging provides centralized logging for the SMTP server.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// connectionCounter is used to generate unique connection IDs.
var connectionCounter atomic.Uint64

// NewLogger creates a new slog.Logger with the specified level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}

// WithConnection returns a new logger with connection-specific attributes.
// It generates a unique connection ID for log correlation.
func WithConnection(logger *slog.Logger, remoteAddr string) *slog.Logger {
	connID := connectionCounter.Add(1)
	return logger.With(
		slog.Uint64("conn_id", connID),
		slog.String("remote_addr", remoteAddr),
	)
}

// WithListener returns a new logger with listener-specific attributes,
// used to scope every log line an accept loop emits (started, accept
// failures) to the listening address it came from.
func WithListener(logger *slog.Logger, address string, mode string) *slog.Logger {
	return logger.With(
		slog.String("listener", address),
		slog.String("mode", mode),
	)
}
