package cache

import (
	"context"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-memory LRU cache implementing Store. Entries carry
// their own expiry, checked on read.
type MemoryStore struct {
	lru       *expirable.LRU[string, *Entry]
	evictions atomic.Int64
	maxSize   int
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory LRU store with the given max size.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &MemoryStore{maxSize: maxSize, now: time.Now}
	s.lru = expirable.NewLRU[string, *Entry](maxSize, func(key string, value *Entry) {
		s.evictions.Add(1)
	}, 0)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool) {
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.Expired(s.now()) {
		s.lru.Remove(key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := s.now()
	stored := *entry
	stored.StoredAt = now
	stored.ExpiresAt = now.Add(ttl)
	s.lru.Add(key, &stored)
}

func (s *MemoryStore) Delete(_ context.Context, key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) Purge(context.Context) {
	s.lru.Purge()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Type:      "memory",
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}
