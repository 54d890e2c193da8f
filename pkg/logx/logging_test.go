package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestLoggerWritesFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info").With(String("comp", "engine"))

	log.Debug("hidden")
	log.Warn("task.failed", Int("attempts", 3), Err(errors.New("boom")))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %s", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal(lines[0], &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["message"] != "task.failed" || m["comp"] != "engine" || m["level"] != "warn" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["attempts"] != float64(3) {
		t.Fatalf("attempts = %v, want 3", m["attempts"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if l.With(String("a", "b")).IsZero() {
		t.Fatal("logger with fields is not zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConsoleLoggerHonorsLevel(t *testing.T) {
	l := NewConsole("warn")
	if l.IsZero() {
		t.Fatal("console logger should not be zero")
	}
	if got := l.root().GetLevel(); got != LevelWarn {
		t.Fatalf("level = %v, want warn", got)
	}
	l.Warn("startup failed", String("config", "missing.yaml"))
}
