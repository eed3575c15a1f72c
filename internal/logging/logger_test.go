package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// capture swaps the global logger for an observer at min and restores it
// when the test ends.
func capture(t *testing.T, min zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	prev := Global()
	core, logs := observer.New(min)
	SetGlobal(zap.New(core))
	t.Cleanup(func() { SetGlobal(prev) })
	return logs
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	} {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	l, err := New("warn")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) || !l.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn logger has the wrong threshold")
	}
}

func TestGlobalWrappers(t *testing.T) {
	logs := capture(t, zapcore.DebugLevel)

	Debug("rule evaluated", zap.String("rule", "traversal"))
	Info("config reloaded", zap.Int("behaviors", 3))
	Warn("origin fetch failed", zap.String("origin", "api"))
	Error("listener shutdown error")

	want := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	entries := logs.All()
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, lvl := range want {
		if entries[i].Level != lvl {
			t.Errorf("entry %d (%s) level = %v, want %v", i, entries[i].Message, entries[i].Level, lvl)
		}
	}
	if got := entries[2].ContextMap()["origin"]; got != "api" {
		t.Errorf("origin field = %v", got)
	}
}

func TestGlobalThreshold(t *testing.T) {
	logs := capture(t, zapcore.WarnLevel)

	Debug("dropped")
	Info("dropped")
	Warn("kept")

	if n := logs.FilterMessage("dropped").Len(); n != 0 {
		t.Errorf("%d entries below threshold were written", n)
	}
	if n := logs.FilterMessage("kept").Len(); n != 1 {
		t.Errorf("kept entries = %d, want 1", n)
	}
}

func TestWithCarriesFields(t *testing.T) {
	logs := capture(t, zapcore.InfoLevel)

	With(zap.String("behavior", "/api/*")).Info("request")

	entries := logs.FilterField(zap.String("behavior", "/api/*")).All()
	if len(entries) != 1 || entries[0].Message != "request" {
		t.Errorf("entries = %+v", logs.All())
	}
}

func TestNewWithOptions_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.log")
	l, err := NewWithOptions(Options{Level: "info", Output: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	l.Info("written to file", zap.String("origin", "site"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for _, want := range []string{`"origin":"site"`, `"timestamp"`, `"level":"info"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %s, got %s", want, data)
		}
	}
}
