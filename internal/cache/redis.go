package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/logging"
)

const (
	redisOpTimeout   = 100 * time.Millisecond
	redisScanTimeout = 5 * time.Second
	redisScanCount   = 100
)

// RedisStore shares cached responses between edge instances. Entries are
// JSON documents under prefix; Redis enforces the TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// redisEntry is the stored form of an Entry.
type redisEntry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	StoredAt  time.Time   `json:"stored_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// NewRedisStore wraps client. Every key is stored under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Warn("Redis cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var re redisEntry
	if err := json.Unmarshal(data, &re); err != nil {
		logging.Warn("Redis cache entry corrupt, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &Entry{
		StatusCode: re.Status,
		Headers:    re.Header,
		Body:       re.Body,
		StoredAt:   re.StoredAt,
		ExpiresAt:  re.ExpiresAt,
	}, true
}

func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()
	data, err := json.Marshal(redisEntry{
		Status:    entry.StatusCode,
		Header:    entry.Headers,
		Body:      entry.Body,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		logging.Warn("Redis cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}

	// The fill outlives the viewer that triggered it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisOpTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		logging.Warn("Redis cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *RedisStore) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		logging.Warn("Redis cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Purge deletes every key under the prefix, one SCAN page at a time.
func (s *RedisStore) Purge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, redisScanTimeout)
	defer cancel()

	err := s.scan(ctx, func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		logging.Warn("Redis cache purge failed", zap.String("prefix", s.prefix), zap.Error(err))
	}
}

// Stats counts keys under the prefix. Size is zero if Redis is unreachable.
func (s *RedisStore) Stats() StoreStats {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var n int
	err := s.scan(ctx, func(keys []string) error {
		n += len(keys)
		return nil
	})
	if err != nil {
		logging.Warn("Redis cache stats failed", zap.String("prefix", s.prefix), zap.Error(err))
		return StoreStats{Type: "redis"}
	}
	return StoreStats{Type: "redis", Size: n}
}

func (s *RedisStore) scan(ctx context.Context, page func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", redisScanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := page(keys); err != nil {
				return err
			}
		}
		if cursor = next; cursor == 0 {
			return nil
		}
	}
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
