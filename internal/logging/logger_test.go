package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriter_RenamesErrorKey(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, FormatText)

	logger.Info("stage failed", "error", errors.New("boom"))

	out := buf.String()
	if !strings.Contains(out, "err=boom") {
		t.Errorf("expected err key, got %q", out)
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelDebug, FormatJSON)

	logger.Debug("enter", "stage", "research")

	if !strings.Contains(buf.String(), `"stage":"research"`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
