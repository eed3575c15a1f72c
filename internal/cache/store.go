// Package cache stores origin responses under the router's cache key. A
// behavior's TTL bounds decide how long an entry lives.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/edgegate/internal/config"
)

// Entry represents a cached response
type Entry struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Response materializes the entry as a response to r. Each call returns an
// independent body reader.
func (e *Entry) Response(r *http.Request, now time.Time) *http.Response {
	h := e.Headers.Clone()
	if h == nil {
		h = make(http.Header)
	}
	age := now.Sub(e.StoredAt)
	if age < 0 {
		age = 0
	}
	h.Set("Age", strconv.Itoa(int(age.Seconds())))
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		ContentLength: int64(len(e.Body)),
		Request:       r,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
	}
	if r != nil && r.Method == http.MethodHead {
		resp.Body = http.NoBody
	}
	return resp
}

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Type      string `json:"type"`
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`  // 0 if N/A (e.g., Redis)
	Evictions int64  `json:"evictions"` // 0 if not tracked (e.g., Redis)
}

// Store abstracts the cache storage backend. Backend failures are treated
// as misses; a store never fails a request.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Purge(ctx context.Context)
	Stats() StoreStats
}

// NewStore builds the backend named by cfg.Type.
func NewStore(cfg config.CacheConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(cfg.MaxSize), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisStore(client, cfg.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("cache: unknown store type %q", cfg.Type)
	}
}
