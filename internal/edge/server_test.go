package edge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/edgegate/internal/middleware"
)

func TestNewServerRequiresViewerListener(t *testing.T) {
	api := newAPIOrigin(t)
	cfg := testConfig(newSiteDir(t), api.addr(), api.ca)
	cfg.Listeners.HTTP.Address = ""
	cfg.Admin.Address = ""
	if _, err := NewServer(context.Background(), cfg, ""); err == nil {
		t.Fatal("expected error without a viewer listener")
	}
}

func TestServerViewerChain(t *testing.T) {
	api := newAPIOrigin(t)
	cfg := testConfig(newSiteDir(t), api.addr(), api.ca)
	cfg.Listeners.HTTP.Address = "127.0.0.1:0"
	cfg.Admin.Address = ""
	s, err := NewServer(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Shutdown(time.Second)

	viewer := s.viewerHandler()

	rec := httptest.NewRecorder()
	viewer.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://edge.test/api/users", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("response has no request id")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "https://edge.test/", nil)
	req.Header.Set(middleware.RequestIDHeader, "spoofed")
	viewer.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	id := rec.Header().Get(middleware.RequestIDHeader)
	if id == "" || id == "spoofed" {
		t.Errorf("request id = %q, want a generated id", id)
	}
	if !strings.Contains(rec.Body.String(), id) {
		t.Errorf("error body does not carry request id: %s", rec.Body.String())
	}

	out := scrape(t, s.metrics)
	for _, want := range []string{
		`edgegate_responses_total{code="2xx"} 1`,
		`edgegate_responses_total{code="4xx"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	api := newAPIOrigin(t)
	cfg := testConfig(newSiteDir(t), api.addr(), api.ca)
	cfg.Listeners.HTTP.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Metrics.Sampling.Enabled = true
	s, err := NewServer(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
