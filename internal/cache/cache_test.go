package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStoreGetSet(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	entry := &Entry{StatusCode: 200, Headers: http.Header{"Content-Type": {"text/css"}}, Body: []byte("body{}")}
	s.Set(ctx, "k1", entry, time.Minute)

	got, ok := s.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.StatusCode != 200 || string(got.Body) != "body{}" {
		t.Errorf("unexpected entry %+v", got)
	}
	if got.StoredAt.IsZero() || got.ExpiresAt.Before(got.StoredAt) {
		t.Errorf("timestamps not set: %+v", got)
	}
	if _, ok := s.Get(ctx, "missing"); ok {
		t.Error("expected miss")
	}
}

func TestMemoryStoreZeroTTLNotStored(t *testing.T) {
	s := NewMemoryStore(10)
	s.Set(context.Background(), "k", &Entry{StatusCode: 200}, 0)
	if s.Stats().Size != 0 {
		t.Error("zero ttl entry stored")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Set(ctx, "k", &Entry{StatusCode: 200}, 10*time.Second)
	now = now.Add(9 * time.Second)
	if _, ok := s.Get(ctx, "k"); !ok {
		t.Fatal("entry expired early")
	}
	now = now.Add(2 * time.Second)
	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("entry served after expiry")
	}
	if s.Stats().Size != 0 {
		t.Error("expired entry not removed")
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		s.Set(ctx, k, &Entry{StatusCode: 200}, time.Minute)
	}
	st := s.Stats()
	if st.Size != 2 || st.Evictions != 1 {
		t.Errorf("stats = %+v", st)
	}
	if _, ok := s.Get(ctx, "a"); ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestCacheSkipsOversizedBodies(t *testing.T) {
	c := New(NewMemoryStore(10), 4)
	ctx := context.Background()
	c.Set(ctx, "big", &Entry{StatusCode: 200, Body: []byte("12345")}, time.Minute)
	if _, ok := c.Get(ctx, "big"); ok {
		t.Error("oversized body was cached")
	}
	c.Set(ctx, "small", &Entry{StatusCode: 200, Body: []byte("1234")}, time.Minute)
	if _, ok := c.Get(ctx, "small"); !ok {
		t.Error("body at the limit was not cached")
	}
}

func TestCacheDoCoalesces(t *testing.T) {
	c := New(NewMemoryStore(10), 0)

	var fills atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*Entry, 5)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := c.Do("key", func() (*Entry, error) {
				fills.Add(1)
				<-release
				return &Entry{StatusCode: 200, Body: []byte("x")}, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = e
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := fills.Load(); n < 1 || n > 5 {
		t.Fatalf("fills = %d", n)
	}
	for i, e := range results {
		if e == nil || e.StatusCode != 200 {
			t.Errorf("result %d = %+v", i, e)
		}
	}
}

func TestTTL(t *testing.T) {
	tests := []struct {
		name string
		cc   string
		min  time.Duration
		def  time.Duration
		max  time.Duration
		want time.Duration
	}{
		{"default when absent", "", 0, time.Hour, 0, time.Hour},
		{"max-age", "public, max-age=120", 0, time.Hour, 0, 2 * time.Minute},
		{"s-maxage wins", "max-age=60, s-maxage=300", 0, 0, 0, 5 * time.Minute},
		{"clamped to max", "max-age=86400", 0, 0, time.Hour, time.Hour},
		{"raised to min", "max-age=1", time.Minute, 0, 0, time.Minute},
		{"no-store", "no-store", time.Minute, time.Hour, 0, 0},
		{"private", "private, max-age=600", 0, time.Hour, 0, 0},
		{"no-cache without min", "no-cache", 0, time.Hour, 0, 0},
		{"default clamped", "", 0, 2 * time.Hour, time.Hour, time.Hour},
		{"sets cookie", "max-age=600", time.Minute, time.Hour, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.cc != "" {
				h.Set("Cache-Control", tt.cc)
			}
			if tt.name == "sets cookie" {
				h.Add("Set-Cookie", "session=abc; Path=/")
			}
			if got := TTL(h, tt.min, tt.def, tt.max); got != tt.want {
				t.Errorf("TTL = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheableStatus(t *testing.T) {
	for _, code := range []int{200, 203, 301, 404} {
		if !CacheableStatus(code) {
			t.Errorf("%d should be cacheable", code)
		}
	}
	for _, code := range []int{201, 302, 403, 500, 502} {
		if CacheableStatus(code) {
			t.Errorf("%d should not be cacheable", code)
		}
	}
}

func TestRequestBypass(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if RequestBypass(r) {
		t.Error("plain request bypassed")
	}
	r.Header.Set("Cache-Control", "no-cache")
	if !RequestBypass(r) {
		t.Error("no-cache request not bypassed")
	}
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer x")
	if !RequestBypass(r) {
		t.Error("authorized request not bypassed")
	}
}

func TestEntryResponse(t *testing.T) {
	now := time.Now()
	e := &Entry{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte("hello"),
		StoredAt:   now.Add(-30 * time.Second),
	}

	get := e.Response(httptest.NewRequest(http.MethodGet, "/", nil), now)
	body, _ := io.ReadAll(get.Body)
	if string(body) != "hello" || get.ContentLength != 5 {
		t.Errorf("body = %q, len = %d", body, get.ContentLength)
	}
	if get.Header.Get("Age") != "30" {
		t.Errorf("Age = %q", get.Header.Get("Age"))
	}
	if e.Headers.Get("Age") != "" {
		t.Error("entry headers mutated")
	}

	head := e.Response(httptest.NewRequest(http.MethodHead, "/", nil), now)
	if head.Body != http.NoBody {
		t.Error("HEAD response has a body")
	}
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(configFor("memory"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Stats().Type != "memory" {
		t.Errorf("type = %q", s.Stats().Type)
	}
	if _, err := NewStore(configFor("disk")); err == nil {
		t.Error("expected error for unknown type")
	}
}
