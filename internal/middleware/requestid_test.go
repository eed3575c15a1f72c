package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestID(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		if r.Header.Get(RequestIDHeader) != seen {
			t.Error("request header does not carry the request ID")
		}
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, "spoofed")
	RequestID()(handler).ServeHTTP(rr, req)

	if seen == "" || seen == "spoofed" {
		t.Errorf("Expected a generated request ID, got %q", seen)
	}
	if rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("Response header = %q, want %q", rr.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestIDTrusted(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromContext(r.Context()); got != "existing-request-id" {
			t.Errorf("Expected existing-request-id, got %s", got)
		}
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, "existing-request-id")
	RequestIDWithConfig(RequestIDConfig{TrustHeader: true})(handler).ServeHTTP(httptest.NewRecorder(), req)
}

func TestRequestIDCustomGenerator(t *testing.T) {
	rr := httptest.NewRecorder()
	mw := RequestIDWithConfig(RequestIDConfig{Generator: func() string { return "fixed" }})
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Header().Get(RequestIDHeader) != "fixed" {
		t.Errorf("Expected fixed, got %s", rr.Header().Get(RequestIDHeader))
	}
}
