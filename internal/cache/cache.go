package cache

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache fronts a Store with request coalescing: concurrent misses for the
// same key share a single fill.
type Cache struct {
	store       Store
	maxBodySize int64
	group       singleflight.Group
}

// New wraps store. Bodies larger than maxBodySize are never stored.
func New(store Store, maxBodySize int64) *Cache {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20 // 1MB
	}
	return &Cache{store: store, maxBodySize: maxBodySize}
}

// MaxBodySize is the largest body the cache will hold.
func (c *Cache) MaxBodySize() int64 { return c.maxBodySize }

// Get retrieves an entry.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	return c.store.Get(ctx, key)
}

// Set stores an entry for ttl. A non-positive ttl is a no-op.
func (c *Cache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if int64(len(entry.Body)) > c.maxBodySize {
		return
	}
	c.store.Set(ctx, key, entry, ttl)
}

// Do runs fill once per key among concurrent callers. shared is true for
// callers that received another caller's result.
func (c *Cache) Do(key string, fill func() (*Entry, error)) (entry *Entry, shared bool, err error) {
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		return fill()
	})
	if v != nil {
		entry = v.(*Entry)
	}
	return entry, shared, err
}

// Purge removes every entry.
func (c *Cache) Purge(ctx context.Context) {
	c.store.Purge(ctx)
}

// Stats returns the store statistics.
func (c *Cache) Stats() StoreStats {
	return c.store.Stats()
}

// Close releases the backing store if it holds resources.
func (c *Cache) Close() error {
	if cl, ok := c.store.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}

// CacheableStatus reports whether responses with this status may be stored.
func CacheableStatus(code int) bool {
	switch code {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusMovedPermanently, http.StatusNotFound:
		return true
	}
	return false
}

// RequestBypass reports whether the viewer asked to skip the cache.
func RequestBypass(r *http.Request) bool {
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") ||
		r.Header.Get("Authorization") != ""
}

// TTL computes how long a response may be cached given the behavior bounds.
// The origin's s-maxage or max-age is clamped to [min, max]; without one the
// default applies. no-store and private responses, and responses that set
// cookies, are not cached. A zero max means unbounded.
func TTL(h http.Header, minTTL, defTTL, maxTTL time.Duration) time.Duration {
	if len(h.Values("Set-Cookie")) > 0 {
		return 0
	}
	cc := parseCacheControl(h.Get("Cache-Control"))
	if _, ok := cc["no-store"]; ok {
		return 0
	}
	if _, ok := cc["private"]; ok {
		return 0
	}

	ttl := defTTL
	if v, ok := cc["s-maxage"]; ok {
		if secs, err := strconv.Atoi(v); err == nil {
			ttl = time.Duration(secs) * time.Second
		}
	} else if v, ok := cc["max-age"]; ok {
		if secs, err := strconv.Atoi(v); err == nil {
			ttl = time.Duration(secs) * time.Second
		}
	} else if _, ok := cc["no-cache"]; ok {
		ttl = 0
	}

	if ttl < minTTL {
		ttl = minTTL
	}
	if maxTTL > 0 && ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

func parseCacheControl(v string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, val, _ := strings.Cut(part, "=")
		out[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	return out
}
