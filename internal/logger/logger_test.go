package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New("info")
	log = log.Output(&buf)

	log.Info().Msg("test message")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v, output: %s", err, buf.String())
	}

	if entry["message"] != "test message" {
		t.Errorf("expected message 'test message', got %v", entry["message"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON output")
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		logLevel  string // level to log at
		shouldLog bool
	}{
		{"info logger logs info", "info", "info", true},
		{"info logger logs warn", "info", "warn", true},
		{"info logger skips debug", "info", "debug", false},
		{"debug logger logs debug", "debug", "debug", true},
		{"warn logger skips info", "warn", "info", false},
		{"error logger skips warn", "error", "warn", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := New(tt.level).Output(&buf)

			switch tt.logLevel {
			case "debug":
				log.Debug().Msg("test")
			case "info":
				log.Info().Msg("test")
			case "warn":
				log.Warn().Msg("test")
			case "error":
				log.Error().Msg("test")
			}

			hasOutput := buf.Len() > 0
			if hasOutput != tt.shouldLog {
				t.Errorf("level=%s, logAt=%s: expected shouldLog=%v, got output=%v (%s)",
					tt.level, tt.logLevel, tt.shouldLog, hasOutput, buf.String())
			}
		})
	}
}

func TestNew_InvalidLevel_DefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New("invalid_level").Output(&buf)

	// Should default to info, so debug should not appear
	log.Debug().Msg("debug message")
	if buf.Len() > 0 {
		t.Error("expected debug message to be filtered at info level")
	}

	log.Info().Msg("info message")
	if buf.Len() == 0 {
		t.Error("expected info message to be logged")
	}
}

func TestNewFromConfig_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sender.log")
	log := NewFromConfig(Config{
		Level:    "info",
		Output:   "file",
		FilePath: path,
	})

	log.Info().Msg("to file")
	// lumberjack creates the file on first write. zerolog reports a failed
	// write on stderr instead of panicking, so this only checks that logging
	// to a file output does not panic.
}

func TestCorrelationID_RoundTrip(t *testing.T) {
	id := NewCorrelationID()
	if id == "" {
		t.Fatal("empty correlation id")
	}

	ctx := WithCorrelationID(context.Background(), id)
	if got := CorrelationIDFromContext(ctx); got != id {
		t.Errorf("correlation id = %q, want %q", got, id)
	}

	if got := CorrelationIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty correlation id, got %q", got)
	}
}

func TestFromContext_AttachesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	log := New("info").Output(&buf)

	ctx := WithLogger(context.Background(), log)
	ctx = WithCorrelationID(ctx, "abc-123")

	fromCtx := FromContext(ctx)
	fromCtx.Info().Msg("with correlation")

	if !strings.Contains(buf.String(), "abc-123") {
		t.Errorf("correlation id missing from output: %s", buf.String())
	}
}

func TestFromContext_DefaultLogger(t *testing.T) {
	// No logger in context: a usable default is returned.
	log := FromContext(context.Background())
	log.Info().Msg("does not panic")
}
