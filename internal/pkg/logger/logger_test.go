package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	appctx "github.com/voxrelay/voxrelay/internal/pkg/context"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug text", "debug", "text"},
		{"info json", "info", "json"},
		{"warn text", "warn", "text"},
		{"error json", "error", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.Logger == nil {
				t.Fatal("New() returned logger with nil slog.Logger")
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	// Context without IDs returns the same logger
	if l := logger.WithContext(context.Background()); l != logger {
		t.Error("WithContext() without values should return the receiver")
	}

	ctx := appctx.WithRequestID(context.Background(), "req-123")
	ctx = appctx.WithConnectionID(ctx, "conn-9")
	logger.WithContext(ctx).Info("Message received")

	output := buf.String()
	if !strings.Contains(output, `"request_id":"req-123"`) {
		t.Errorf("output missing request_id: %s", output)
	}
	if !strings.Contains(output, `"connection_id":"conn-9"`) {
		t.Errorf("output missing connection_id: %s", output)
	}
}

func TestLogger_WithConnection(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	logger.WithConnection("abc").Info("Connected")
	if !strings.Contains(buf.String(), `"connection_id":"abc"`) {
		t.Errorf("output missing connection_id: %s", buf.String())
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text")

	logger.WithComponent("broadcast").Info("Broadcast finished")
	if !strings.Contains(buf.String(), "component=broadcast") {
		t.Errorf("output missing component: %s", buf.String())
	}
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	logger.WithError(errors.New("registry down")).Error("Scan failed")
	if !strings.Contains(buf.String(), `"error":"registry down"`) {
		t.Errorf("output missing error: %s", buf.String())
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic and must not write anywhere visible
	Discard().Error("dropped")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("info message should be filtered at warn level, got: %s", output)
	}
	if !strings.Contains(output, "shown") {
		t.Errorf("warn message missing, got: %s", output)
	}
}
