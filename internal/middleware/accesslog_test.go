package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/edgegate/internal/logging"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	prev := logging.Global()
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(prev) })
	return logs
}

func TestAccessLog(t *testing.T) {
	logs := observeLogs(t)

	var gotStatus int
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := InfoFromContext(r.Context())
		info.Behavior = "/api/*"
		info.Origin = "api"
		info.Cache = "miss"
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "hello")
	})
	final := NewChain(
		AccessLogWithConfig(AccessLogConfig{OnComplete: func(status int, _ time.Duration) { gotStatus = status }}),
		RequestIDWithConfig(RequestIDConfig{Generator: func() string { return "req-1" }}),
	).Then(handler)

	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/users", nil))

	if gotStatus != http.StatusAccepted {
		t.Errorf("OnComplete status = %d", gotStatus)
	}
	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	want := map[string]interface{}{
		"request_id": "req-1",
		"behavior":   "/api/*",
		"origin":     "api",
		"cache":      "miss",
		"path":       "/api/users",
		"status":     int64(http.StatusAccepted),
		"body_bytes": int64(5),
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v (%T), want %v", k, fields[k], fields[k], v)
		}
	}
}

func TestAccessLogSkipPaths(t *testing.T) {
	logs := observeLogs(t)
	mw := AccessLogWithConfig(AccessLogConfig{SkipPaths: []string{"/healthz"}})
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if InfoFromContext(r.Context()) != nil {
			t.Error("skipped paths should not carry request info")
		}
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	if logs.Len() != 0 {
		t.Errorf("Expected no log entries, got %d", logs.Len())
	}
}

func TestAccessLogFirstStatusWins(t *testing.T) {
	var gotStatus int
	mw := AccessLogWithConfig(AccessLogConfig{OnComplete: func(status int, _ time.Duration) { gotStatus = status }})
	observeLogs(t)
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if gotStatus != http.StatusNotFound {
		t.Errorf("status = %d, want 404", gotStatus)
	}
}
