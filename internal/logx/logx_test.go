package logx

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetup_WritesAtConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("warn", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("info line leaked through at warn level: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestSetup_DefaultsWriterToStderr(t *testing.T) {
	// Passing a nil writer must not panic; Setup falls back to os.Stderr.
	logger := Setup("info", nil)
	if logger == nil {
		t.Fatal("Setup returned nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":       slog.LevelDebug,
		"DEBUG":       slog.LevelDebug,
		"warn":        slog.LevelWarn,
		"warning":     slog.LevelWarn,
		"error":       slog.LevelError,
		"info":        slog.LevelInfo,
		"":            slog.LevelInfo,
		"nonexistent": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
