package logging

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warn level", "warn", slog.LevelWarn},
		{"warning level", "warning", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"unknown defaults to info", "unknown", slog.LevelInfo},
		{"empty defaults to info", "", slog.LevelInfo},
		{"case insensitive", "DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.level)
			if logger == nil {
				t.Fatal("expected logger, got nil")
			}
			if !logger.Enabled(context.Background(), tt.want) {
				t.Errorf("level %v not enabled for %q", tt.want, tt.level)
			}
			if logger.Enabled(context.Background(), tt.want-1) {
				t.Errorf("level below %v enabled for %q", tt.want, tt.level)
			}
		})
	}
}

func TestWithConnection(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, nil)
	logger := slog.New(handler)

	connLogger := WithConnection(logger, "127.0.0.1:12345")
	connLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "conn_id=") {
		t.Error("expected conn_id in log output")
	}
	if !strings.Contains(output, "remote_addr=127.0.0.1:12345") {
		t.Error("expected remote_addr in log output")
	}
}

func TestWithConnectionIncrementsID(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, nil)
	logger := slog.New(handler)

	// Get two connection loggers
	conn1 := WithConnection(logger, "127.0.0.1:1")
	conn2 := WithConnection(logger, "127.0.0.1:2")

	// Log from both
	conn1.Info("first")
	conn2.Info("second")

	// The IDs should be different (incrementing)
	output := buf.String()
	if !strings.Contains(output, "conn_id=") {
		t.Error("expected conn_id in log output")
	}
	ids := regexp.MustCompile(`conn_id=(\d+)`).FindAllStringSubmatch(output, -1)
	if len(ids) != 2 || ids[0][1] == ids[1][1] {
		t.Errorf("expected two distinct conn_id values, got %q", output)
	}
}

func TestWithListener(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, nil)
	logger := slog.New(handler)

	listenerLogger := WithListener(logger, ":25", "smtp")
	listenerLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "listener=:25") {
		t.Error("expected listener in log output")
	}
	if !strings.Contains(output, "mode=smtp") {
		t.Error("expected mode in log output")
	}
}
