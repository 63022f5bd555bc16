package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name          string
		level         string
		expectedLevel slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warn level", "warn", slog.LevelWarn},
		{"warning level", "warning", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"invalid level defaults to info", "invalid", slog.LevelInfo},
		{"empty level defaults to info", "", slog.LevelInfo},
		{"uppercase DEBUG", "DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.level)
			if logger == nil {
				t.Fatal("expected logger to be non-nil")
			}
			if logger.Level() != tt.expectedLevel {
				t.Errorf("expected level %v, got %v", tt.expectedLevel, logger.Level())
			}
		})
	}
}

func TestLoggerContext(t *testing.T) {
	logger := NewLogger("warn")
	ctx := logger.WithContext(context.Background())

	if got := FromContext(ctx); got != logger {
		t.Error("FromContext should return the stored logger")
	}

	fallback := FromContext(context.Background())
	if fallback == nil || fallback.Level() != slog.LevelInfo {
		t.Error("FromContext without logger should return an info logger")
	}
}

func TestLoggerAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf).
		WithComponent("engine").
		WithSession("sess-1").
		WithError(errors.New("boom"))

	logger.Info("tracking started", "radius_m", 500)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}

	want := map[string]any{
		"msg":        "tracking started",
		"component":  "engine",
		"session_id": "sess-1",
		"error":      "boom",
		"radius_m":   float64(500),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level      string
		logFn      func(l *Logger)
		shouldEmit bool
	}{
		{"info", func(l *Logger) { l.Debug("d") }, false},
		{"info", func(l *Logger) { l.Info("i") }, true},
		{"warn", func(l *Logger) { l.Info("i") }, false},
		{"warn", func(l *Logger) { l.Warn("w") }, true},
		{"error", func(l *Logger) { l.Warn("w") }, false},
		{"debug", func(l *Logger) { l.Debug("d") }, true},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		tt.logFn(NewLoggerWithWriter(tt.level, &buf))
		if emitted := buf.Len() > 0; emitted != tt.shouldEmit {
			t.Errorf("level %s: emitted=%v, want %v (%s)", tt.level, emitted, tt.shouldEmit, buf.String())
		}
	}
}

func TestDebugSourceInformation(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerWithWriter("debug", &buf).Debug("with source")

	if !strings.Contains(buf.String(), `"source"`) {
		t.Error("debug logger should include source information")
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Error("dropped")
	logger.With("k", "v").Info("dropped")
}
