package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/wudi/edgegate/internal/logging"
)

// Sample summarizes one request for offline inspection of access decisions.
type Sample struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	ClientIP  string    `json:"client_ip"`
	Method    string    `json:"method"`
	Host      string    `json:"host"`
	Path      string    `json:"path"`
	Rule      string    `json:"rule,omitempty"`
	Action    string    `json:"action"`
}

// Sampler buffers samples in a bounded channel and publishes them to a
// gocloud.dev/pubsub topic from a single goroutine. When the buffer is full
// the newest sample is dropped.
type Sampler struct {
	topic   *pubsub.Topic
	ch      chan Sample
	publish time.Duration

	published atomic.Int64
	failed    atomic.Int64
	running   atomic.Bool

	once sync.Once
	done chan struct{}
}

// NewSampler opens topicURL (e.g. "mem://edge-samples", "awssns:///...").
func NewSampler(ctx context.Context, topicURL string, bufferSize int) (*Sampler, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("sampler: buffer size must be > 0")
	}
	topic, err := pubsub.OpenTopic(ctx, topicURL)
	if err != nil {
		return nil, fmt.Errorf("sampler: open topic %s: %w", topicURL, err)
	}
	return &Sampler{
		topic:   topic,
		ch:      make(chan Sample, bufferSize),
		publish: 2 * time.Second,
		done:    make(chan struct{}),
	}, nil
}

// Offer enqueues s without blocking. It reports false if s was dropped.
func (s *Sampler) Offer(sample Sample) bool {
	select {
	case s.ch <- sample:
		return true
	default:
		return false
	}
}

// Run drains the buffer until ctx is cancelled. Publish failures are retried
// briefly and then dropped.
func (s *Sampler) Run(ctx context.Context) {
	s.running.Store(true)
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-s.ch:
			s.send(ctx, sample)
		}
	}
}

func (s *Sampler) send(ctx context.Context, sample Sample) {
	body, err := json.Marshal(sample)
	if err != nil {
		s.failed.Add(1)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = s.publish

	err = backoff.Retry(func() error {
		sendCtx, cancel := context.WithTimeout(ctx, s.publish)
		defer cancel()
		return s.topic.Send(sendCtx, &pubsub.Message{
			Body:     body,
			Metadata: map[string]string{"action": sample.Action},
		})
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		s.failed.Add(1)
		logging.Debug("Dropping request sample", zap.Error(err))
		return
	}
	s.published.Add(1)
}

// Stats returns sampler counters.
func (s *Sampler) Stats() map[string]interface{} {
	return map[string]interface{}{
		"buffered":  len(s.ch),
		"capacity":  cap(s.ch),
		"published": s.published.Load(),
		"failed":    s.failed.Load(),
	}
}

// Close waits for a started Run to return and shuts the topic down. Cancel
// the context given to Run first.
func (s *Sampler) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		if s.running.Load() {
			select {
			case <-s.done:
			case <-ctx.Done():
			}
		}
		err = s.topic.Shutdown(ctx)
	})
	return err
}
