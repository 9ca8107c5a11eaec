package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("debug message logged at warn level")
	}
	if strings.Contains(out, "info message") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("warn message missing")
	}
	if !strings.Contains(out, "error message") {
		t.Error("error message missing")
	}
}

func TestKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("configure done", "sector_size", 4096, "payload", 1048576)

	out := buf.String()
	if !strings.Contains(out, "sector_size=4096") {
		t.Errorf("missing kv pair in %q", out)
	}
	if !strings.Contains(out, "payload=1048576") {
		t.Errorf("missing kv pair in %q", out)
	}
}

func TestWithTag(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.WithTag("firehose").Info("ack received")

	if !strings.Contains(buf.String(), "[firehose]") {
		t.Errorf("tag missing in %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"garbage", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNilConfigDefaults(t *testing.T) {
	logger := NewLogger(nil)
	if logger.level != LevelInfo {
		t.Errorf("default level = %d, want %d", logger.level, LevelInfo)
	}
}
