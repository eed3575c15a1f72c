// Package metrics is the edge's telemetry sink: Prometheus counters for rule
// evaluations, behavior selection, origin latency and cache lookups, plus an
// optional request sampler. Nothing in this package returns an error to the
// request path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgegate"

// DefaultBuckets are origin latency histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// Collector owns a private registry so that several collectors (tests,
// reloads) never collide on registration. All methods are nil-safe.
type Collector struct {
	registry *prometheus.Registry

	ruleEvaluations  *prometheus.CounterVec
	behaviorRequests *prometheus.CounterVec
	originDuration   *prometheus.HistogramVec
	originErrors     *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	responses        *prometheus.CounterVec
	samplesDropped   prometheus.Counter
	configReloads    *prometheus.CounterVec

	sampler *Sampler
}

// NewCollector creates a collector with all edge metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ruleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_rule_evaluations_total",
			Help:      "Access control rule evaluations by rule and verdict.",
		}, []string{"rule", "verdict"}),
		behaviorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "behavior_requests_total",
			Help:      "Requests routed per cache behavior and origin.",
		}, []string{"behavior", "origin"}),
		originDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "origin_request_duration_seconds",
			Help:      "Latency of origin fetches.",
			Buckets:   DefaultBuckets,
		}, []string{"origin"}),
		originErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_errors_total",
			Help:      "Failed origin fetches by kind (timeout, connect, breaker_open, signature).",
		}, []string{"origin", "kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses sent to viewers by status code class.",
		}, []string{"code"}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Request samples dropped because the sampler buffer was full.",
		}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		c.ruleEvaluations,
		c.behaviorRequests,
		c.originDuration,
		c.originErrors,
		c.cacheLookups,
		c.responses,
		c.samplesDropped,
		c.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetSampler attaches a sampler; Sample calls are forwarded to it.
func (c *Collector) SetSampler(s *Sampler) {
	if c == nil {
		return
	}
	c.sampler = s
}

// RecordRuleEvaluation increments the (rule, verdict) counter.
func (c *Collector) RecordRuleEvaluation(rule, verdict string) {
	if c == nil {
		return
	}
	c.ruleEvaluations.WithLabelValues(rule, verdict).Inc()
}

// RecordBehavior records that a request was routed to behavior/origin.
func (c *Collector) RecordBehavior(behavior, origin string) {
	if c == nil {
		return
	}
	c.behaviorRequests.WithLabelValues(behavior, origin).Inc()
}

// RecordOriginFetch observes the duration of one origin fetch.
func (c *Collector) RecordOriginFetch(origin string, d time.Duration) {
	if c == nil {
		return
	}
	c.originDuration.WithLabelValues(origin).Observe(d.Seconds())
}

// RecordOriginError counts a failed origin fetch.
func (c *Collector) RecordOriginError(origin, kind string) {
	if c == nil {
		return
	}
	c.originErrors.WithLabelValues(origin, kind).Inc()
}

// RecordCacheLookup counts a cache hit, miss or bypass.
func (c *Collector) RecordCacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordResponse counts a viewer response by status class ("2xx", "4xx"...).
func (c *Collector) RecordResponse(status int) {
	if c == nil {
		return
	}
	c.responses.WithLabelValues(statusClass(status)).Inc()
}

// RecordReload counts a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.configReloads.WithLabelValues(result).Inc()
}

// Sample offers s to the attached sampler, if any. It never blocks.
func (c *Collector) Sample(s Sample) {
	if c == nil || c.sampler == nil {
		return
	}
	if !c.sampler.Offer(s) {
		c.samplesDropped.Inc()
	}
}

// SamplingEnabled reports whether a sampler is attached.
func (c *Collector) SamplingEnabled() bool {
	return c != nil && c.sampler != nil
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
