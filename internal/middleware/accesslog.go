package middleware

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/logging"
)

// RequestInfo collects per-request routing facts for the access log. The
// edge handler fills it in as the request moves through the pipeline.
type RequestInfo struct {
	RequestID string
	Behavior  string
	Origin    string
	Rule      string
	Cache     string
	Error     string
}

type infoKey struct{}

// WithInfo attaches info to ctx.
func WithInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the request info, or nil outside AccessLog.
func InfoFromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(infoKey{}).(*RequestInfo)
	return info
}

var accessRWPool = sync.Pool{
	New: func() any { return &accessResponseWriter{} },
}

// AccessLogConfig configures the access log middleware
type AccessLogConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
	// OnComplete, if set, observes every finished request (metrics)
	OnComplete func(status int, duration time.Duration)
}

// AccessLog creates an access log middleware with default config
func AccessLog() Middleware {
	return AccessLogWithConfig(AccessLogConfig{})
}

// AccessLogWithConfig writes one structured log line per request.
func AccessLogWithConfig(cfg AccessLogConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			info := &RequestInfo{}
			arw := accessRWPool.Get().(*accessResponseWriter)
			arw.ResponseWriter = w
			arw.status = http.StatusOK
			arw.bytes = 0
			arw.wroteHeader = false

			next.ServeHTTP(arw, r.WithContext(WithInfo(r.Context(), info)))

			duration := time.Since(start)
			if cfg.OnComplete != nil {
				cfg.OnComplete(arw.status, duration)
			}

			fields := make([]zap.Field, 0, 14)
			fields = append(fields,
				zap.String("request_id", info.RequestID),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("method", r.Method),
				zap.String("host", r.Host),
				zap.String("path", r.URL.Path),
				zap.Int("status", arw.status),
				zap.Int64("body_bytes", arw.bytes),
				zap.Duration("duration", duration),
			)
			if info.Behavior != "" {
				fields = append(fields, zap.String("behavior", info.Behavior))
			}
			if info.Origin != "" {
				fields = append(fields, zap.String("origin", info.Origin))
			}
			if info.Rule != "" {
				fields = append(fields, zap.String("rule", info.Rule))
			}
			if info.Cache != "" {
				fields = append(fields, zap.String("cache", info.Cache))
			}
			if info.Error != "" {
				fields = append(fields, zap.String("error", info.Error))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			logging.Info("HTTP request", fields...)

			arw.ResponseWriter = nil
			accessRWPool.Put(arw)
		})
	}
}

// accessResponseWriter wraps http.ResponseWriter to capture status and bytes
type accessResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *accessResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *accessResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (w *accessResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker
func (w *accessResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *accessResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
