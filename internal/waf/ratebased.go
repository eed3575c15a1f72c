package waf

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/wudi/edgegate/internal/config"
)

const defaultRateKeys = 10000

// rateBased fires once a client address exceeds limit requests per window.
// Each address gets a token bucket of size limit refilled at limit/window;
// the least recently seen addresses are forgotten past maxKeys.
type rateBased struct {
	limit    int
	window   time.Duration
	limiters *lru.Cache[string, *rate.Limiter]
}

func newRateBased(cfg config.RateBasedConfig) (*rateBased, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("rate_based: limit must be > 0")
	}
	window := cfg.Window
	if window <= 0 {
		window = 5 * time.Minute
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultRateKeys
	}
	limiters, err := lru.New[string, *rate.Limiter](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("rate_based: %w", err)
	}
	return &rateBased{limit: cfg.Limit, window: window, limiters: limiters}, nil
}

func (rb *rateBased) limiter(key string) *rate.Limiter {
	if l, ok := rb.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(rb.limit)/rb.window.Seconds()), rb.limit)
	if prev, ok, _ := rb.limiters.PeekOrAdd(key, l); ok {
		return prev
	}
	return l
}

func (rb *rateBased) Match(req *Request) bool {
	return !rb.limiter(req.clientIPString()).Allow()
}
