// Package edge wires the behavior table, access filter, response cache and
// origins into the viewer-facing request pipeline.
package edge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/cache"
	"github.com/wudi/edgegate/internal/config"
	edgeerrors "github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/middleware"
	"github.com/wudi/edgegate/internal/router"
	"github.com/wudi/edgegate/internal/signing"
	"github.com/wudi/edgegate/internal/tracing"
)

// DefaultRetireDelay is how long a replaced state stays open so in-flight
// requests can finish against it.
const DefaultRetireDelay = 30 * time.Second

// Cache results reported in X-Cache, access logs and metrics.
const (
	cacheHit       = "hit"
	cacheMiss      = "miss"
	cacheCoalesced = "coalesced"
	cacheBypass    = "bypass"
)

// Options configures a Handler.
type Options struct {
	Metrics     *metrics.Collector
	Tracer      *tracing.Tracer
	RetireDelay time.Duration
}

// Handler serves viewer requests against the live configuration. It is safe
// for concurrent use; Reload swaps configurations without blocking requests.
type Handler struct {
	current atomic.Pointer[state]
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	retire  time.Duration

	mu      sync.Mutex // serializes Reload
	history []ReloadResult
	now     func() time.Time
}

// New builds the initial state from cfg. Any invalid component fails
// construction and nothing is left running.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Handler, error) {
	if opts.Tracer == nil {
		opts.Tracer = tracing.Disabled()
	}
	if opts.RetireDelay < 0 {
		opts.RetireDelay = 0
	}
	st, err := buildState(ctx, cfg, opts.Metrics)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		retire:  opts.RetireDelay,
		now:     time.Now,
	}
	h.current.Store(st)
	return h, nil
}

// Config returns the live configuration.
func (h *Handler) Config() *config.Config {
	return h.current.Load().cfg
}

// Table returns the live behavior table.
func (h *Handler) Table() *router.Table {
	return h.current.Load().table
}

// Close releases the live state.
func (h *Handler) Close() error {
	if st := h.current.Swap(nil); st != nil {
		st.close()
	}
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := h.current.Load()
	if st == nil {
		edgeerrors.ErrInternalServer.WriteJSON(w)
		return
	}
	info := middleware.InfoFromContext(r.Context())
	if info == nil {
		info = &middleware.RequestInfo{}
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	b := st.table.Match(r.URL.Path)
	info.Behavior = b.Pattern
	info.Origin = b.OriginID

	if scheme == "http" {
		switch b.ViewerProtocolPolicy {
		case router.RedirectToHTTPS:
			http.Redirect(w, r, st.httpsURL(r), http.StatusMovedPermanently)
			return
		case router.HTTPSOnly:
			h.writeError(w, r, info, edgeerrors.ErrProtocolRequired)
			return
		}
	}

	verdict := st.filter.Evaluate(r)
	info.Rule = verdict.Rule
	if verdict.Blocked() {
		logging.Debug("Request blocked by access rule",
			zap.String("rule", verdict.Rule),
			zap.String("path", r.URL.Path),
		)
		h.writeError(w, r, info, edgeerrors.ErrAccessBlocked)
		return
	}

	res, err := st.table.Resolve(r.URL.Path, r.Method)
	if err != nil {
		var mna *router.MethodNotAllowedError
		if errors.As(err, &mna) {
			w.Header().Set("Allow", mna.Allow())
		}
		h.writeError(w, r, info, err)
		return
	}
	h.metrics.RecordBehavior(b.Pattern, b.OriginID)

	if st.cache == nil || !b.CachedMethods.Has(r.Method) || cache.RequestBypass(r) {
		if st.cache != nil {
			info.Cache = cacheBypass
			h.metrics.RecordCacheLookup(cacheBypass)
		}
		resp, err := h.fetch(r.Context(), res, r)
		if err != nil {
			h.writeError(w, r, info, err)
			return
		}
		if !b.CachedMethods.Has(r.Method) {
			resp.Header.Set("Cache-Control", "no-store")
		}
		writeResponse(w, resp, "")
		return
	}

	h.serveCached(w, r, st, res, scheme, info)
}

// serveCached answers from the cache, or fetches once per key among
// concurrent misses and stores the result when it is cacheable.
func (h *Handler) serveCached(w http.ResponseWriter, r *http.Request, st *state, res router.Resolution, scheme string, info *middleware.RequestInfo) {
	b := res.Behavior
	key := b.CacheKey(r, scheme).Hex()
	now := h.now()

	if e, ok := st.cache.Get(r.Context(), key); ok && !e.Expired(now) {
		info.Cache = cacheHit
		h.metrics.RecordCacheLookup(cacheHit)
		writeResponse(w, e.Response(r, now), "Hit")
		return
	}

	// The fill runs only in the leader's goroutine. Its viewer going away
	// must not fail the waiters, so the fetch is detached from cancellation
	// and bounded by the origin timeout instead.
	var (
		own    *http.Response
		filled bool
	)
	fillCtx := context.WithoutCancel(r.Context())
	entry, _, err := st.cache.Do(key, func() (*cache.Entry, error) {
		filled = true
		// Entries always hold the full body; HEAD viewers have it
		// stripped on the way out.
		fillReq := r
		if r.Method == http.MethodHead {
			fillReq = r.Clone(fillCtx)
			fillReq.Method = http.MethodGet
		}
		resp, err := h.fetch(fillCtx, res, fillReq)
		if err != nil {
			return nil, err
		}
		ttl := cache.TTL(resp.Header, b.TTL.Min, b.TTL.Default, b.TTL.Max)
		limit := st.cache.MaxBodySize()
		if !cache.CacheableStatus(resp.StatusCode) || ttl <= 0 || resp.ContentLength > limit {
			own = resp
			return nil, nil
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			resp.Body.Close()
			return nil, edgeerrors.WrapKind(edgeerrors.ErrBadGateway, err)
		}
		if int64(len(body)) > limit {
			resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
			own = resp
			return nil, nil
		}
		resp.Body.Close()

		stored := h.now()
		e := &cache.Entry{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header.Clone(),
			Body:       body,
			StoredAt:   stored,
			ExpiresAt:  stored.Add(ttl),
		}
		st.cache.Set(fillCtx, key, e, ttl)
		return e, nil
	})
	if err != nil {
		h.writeError(w, r, info, err)
		return
	}

	switch {
	case own != nil:
		info.Cache = cacheMiss
		h.metrics.RecordCacheLookup(cacheMiss)
		if r.Method == http.MethodHead {
			own.Body.Close()
			own.Body = http.NoBody
		}
		writeResponse(w, own, "Miss")
	case entry != nil:
		result := cacheMiss
		if !filled {
			result = cacheCoalesced
		}
		info.Cache = result
		h.metrics.RecordCacheLookup(result)
		writeResponse(w, entry.Response(r, h.now()), "Miss")
	default:
		// Another viewer's fill was not cacheable; fetch for this viewer.
		info.Cache = cacheMiss
		h.metrics.RecordCacheLookup(cacheMiss)
		resp, err := h.fetch(r.Context(), res, r)
		if err != nil {
			h.writeError(w, r, info, err)
			return
		}
		writeResponse(w, resp, "Miss")
	}
}

// fetch signs and forwards r to the resolved origin.
func (h *Handler) fetch(ctx context.Context, res router.Resolution, r *http.Request) (*http.Response, error) {
	originID := res.Origin.ID()
	ctx, span := h.tracer.StartSpan(ctx, "origin.fetch",
		attribute.String("edge.origin", originID),
		attribute.String("edge.origin.kind", res.Origin.Kind().String()),
		attribute.String("edge.behavior", res.Behavior.Pattern),
	)
	defer span.End()

	fwd := res.ForwardRequest(ctx, r)
	h.tracer.InjectHeaders(ctx, fwd)

	if s, ok := res.Origin.(interface{ Authenticator() *signing.Authenticator }); ok {
		if auth := s.Authenticator(); auth != nil {
			if _, err := auth.SignRequest(fwd); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, edgeerrors.WrapKind(edgeerrors.ErrInternalServer, err)
			}
		}
	}

	start := time.Now()
	resp, err := res.Origin.Fetch(ctx, fwd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "origin unavailable")
		if r.Context().Err() == nil {
			h.metrics.RecordOriginError(originID, string(edgeerrors.KindOf(err)))
			logging.Warn("Origin fetch failed",
				zap.String("origin", originID),
				zap.String("path", fwd.URL.Path),
				zap.Error(err),
			)
		}
		return nil, err
	}
	h.metrics.RecordOriginFetch(originID, time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, info *middleware.RequestInfo, err error) {
	ee, ok := edgeerrors.IsEdgeError(err)
	if !ok {
		ee = edgeerrors.WrapKind(edgeerrors.ErrInternalServer, err)
	}
	info.Error = string(ee.Kind)
	if info.Error == "" {
		info.Error = err.Error()
	}
	// Details and the underlying error stay in logs.
	out := &edgeerrors.EdgeError{Kind: ee.Kind, Code: ee.Code, Message: ee.Message}
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		out = out.WithRequestID(id)
	}
	out.WriteJSON(w)
}

// httpsURL is the https:// equivalent of r's URL on the HTTPS listener.
func (st *state) httpsURL(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if st.httpsPort != "" {
		host = net.JoinHostPort(host, st.httpsPort)
	}
	return "https://" + host + r.URL.RequestURI()
}

// Hop-by-hop response headers are not relayed to viewers.
var hopResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// writeResponse relays resp to w and closes its body. xcache, when set, is
// reported in the X-Cache header.
func writeResponse(w http.ResponseWriter, resp *http.Response, xcache string) {
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, k := range hopResponseHeaders {
		dst.Del(k)
	}
	if xcache != "" {
		dst.Set("X-Cache", xcache)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug("Response copy interrupted", zap.Error(err))
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
