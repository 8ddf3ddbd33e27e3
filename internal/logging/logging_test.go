package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf)
	logger.Debug().Str("chat_id", "c1").Msg("synced")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if line["chat_id"] != "c1" || line["message"] != "synced" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New("loud", "json", &buf)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered, got %q", buf.String())
	}
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "console", &buf)
	logger.Info().Msg("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected console output to contain message, got %q", buf.String())
	}
}
