package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
)

// PanicHandler observes a recovered panic. stack is nil unless the
// middleware was configured to capture it.
type PanicHandler func(r *http.Request, v any, stack []byte)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	CaptureStack bool
	OnPanic      PanicHandler
}

// Recovery turns handler panics into a 500 and logs them with the routing
// facts known so far.
func Recovery() Middleware {
	return RecoveryWithConfig(RecoveryConfig{CaptureStack: true, OnPanic: logPanic})
}

func logPanic(r *http.Request, v any, stack []byte) {
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("panic", fmt.Sprint(v)),
		zap.ByteString("stack", stack),
	}
	if info := InfoFromContext(r.Context()); info != nil {
		fields = append(fields,
			zap.String("request_id", info.RequestID),
			zap.String("behavior", info.Behavior),
			zap.String("origin", info.Origin),
		)
	}
	logging.Error("Panic recovered", fields...)
}

// RecoveryWithConfig creates a recovery middleware with custom config.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				var stack []byte
				if cfg.CaptureStack {
					stack = debug.Stack()
				}
				if cfg.OnPanic != nil {
					cfg.OnPanic(r, v, stack)
				}
				if info := InfoFromContext(r.Context()); info != nil {
					info.Error = "panic"
				}

				e := errors.ErrInternalServer
				if id := RequestIDFromContext(r.Context()); id != "" {
					e = e.WithRequestID(id)
				}
				e.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
