package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/middleware"
	"github.com/wudi/edgegate/internal/origin"
	"github.com/wudi/edgegate/internal/tracing"
)

// ShutdownTimeout bounds graceful shutdown of the listeners.
const ShutdownTimeout = 30 * time.Second

// Server runs the viewer listeners and the admin listener around a Handler.
type Server struct {
	cfg        *config.Config
	configPath string

	handler *Handler
	admin   *Admin
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	sampler *metrics.Sampler
	watcher *config.Watcher

	httpsServer *http.Server
	httpServer  *http.Server
	adminServer *http.Server
}

// NewServer builds the edge from cfg. configPath, when set, is watched for
// changes and used by SIGHUP and the admin reload endpoint.
func NewServer(ctx context.Context, cfg *config.Config, configPath string) (s *Server, err error) {
	s = &Server{
		cfg:        cfg,
		configPath: configPath,
		metrics:    metrics.NewCollector(),
	}
	defer func() {
		if err != nil {
			s.closeResources(context.Background())
		}
	}()

	if cfg.Metrics.Sampling.Enabled {
		s.sampler, err = metrics.NewSampler(ctx, cfg.Metrics.Sampling.TopicURL, cfg.Metrics.Sampling.BufferSize)
		if err != nil {
			return nil, err
		}
		s.metrics.SetSampler(s.sampler)
	}

	if s.tracer, err = tracing.New(ctx, cfg.Tracing); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	s.handler, err = New(ctx, cfg, Options{
		Metrics:     s.metrics,
		Tracer:      s.tracer,
		RetireDelay: DefaultRetireDelay,
	})
	if err != nil {
		return nil, err
	}
	s.admin = NewAdmin(s.handler, s.metrics, s.sampler, cfg.Metrics.Path, configPath)

	viewer := s.viewerHandler()
	l := cfg.Listeners
	if l.HTTPS.Address != "" {
		minVersion, err := origin.ParseTLSVersion(l.HTTPS.TLS.MinVersion)
		if err != nil {
			return nil, fmt.Errorf("https listener: %w", err)
		}
		s.httpsServer = &http.Server{
			Addr:         l.HTTPS.Address,
			Handler:      viewer,
			TLSConfig:    &tls.Config{MinVersion: minVersion},
			ReadTimeout:  l.HTTPS.ReadTimeout,
			WriteTimeout: l.HTTPS.WriteTimeout,
			IdleTimeout:  l.HTTPS.IdleTimeout,
		}
	}
	if l.HTTP.Address != "" {
		s.httpServer = &http.Server{
			Addr:         l.HTTP.Address,
			Handler:      viewer,
			ReadTimeout:  l.HTTP.ReadTimeout,
			WriteTimeout: l.HTTP.WriteTimeout,
			IdleTimeout:  l.HTTP.IdleTimeout,
		}
	}
	if cfg.Admin.Address != "" {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.admin.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	if s.httpsServer == nil && s.httpServer == nil {
		return nil, errors.New("no viewer listener configured")
	}
	return s, nil
}

// viewerHandler is the middleware chain in front of the edge handler.
func (s *Server) viewerHandler() http.Handler {
	return middleware.NewChain(
		middleware.AccessLogWithConfig(middleware.AccessLogConfig{
			OnComplete: func(status int, _ time.Duration) { s.metrics.RecordResponse(status) },
		}),
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.UseIf(s.tracer.IsEnabled(), s.tracer.Middleware()),
	).Then(s.handler)
}

// Handler returns the edge handler.
func (s *Server) Handler() *Handler { return s.handler }

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully. SIGHUP reloads the config file.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		opened    []net.Listener
		listeners []func() error
	)
	listen := func(name, addr string) (net.Listener, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			return nil, fmt.Errorf("%s listener: %w", name, err)
		}
		opened = append(opened, ln)
		return ln, nil
	}

	if s.httpsServer != nil {
		ln, err := listen("https", s.httpsServer.Addr)
		if err != nil {
			return err
		}
		tlsCfg := s.cfg.Listeners.HTTPS.TLS
		listeners = append(listeners, func() error {
			logging.Info("Starting HTTPS listener", zap.String("address", ln.Addr().String()))
			return s.httpsServer.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		})
	}
	if s.httpServer != nil {
		ln, err := listen("http", s.httpServer.Addr)
		if err != nil {
			return err
		}
		listeners = append(listeners, func() error {
			logging.Info("Starting HTTP listener", zap.String("address", ln.Addr().String()))
			return s.httpServer.Serve(ln)
		})
	}
	if s.adminServer != nil {
		ln, err := listen("admin", s.adminServer.Addr)
		if err != nil {
			return err
		}
		listeners = append(listeners, func() error {
			logging.Info("Starting admin server", zap.String("address", ln.Addr().String()))
			return s.adminServer.Serve(ln)
		})
	}

	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath)
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			return fmt.Errorf("config watcher: %w", err)
		}
		w.OnChange(func(cfg *config.Config) {
			s.handler.Reload(ctx, cfg)
		})
		if err := w.Start(); err != nil {
			w.Stop()
			for _, o := range opened {
				o.Close()
			}
			return fmt.Errorf("config watcher: %w", err)
		}
		s.watcher = w
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, serve := range listeners {
		g.Go(func() error {
			if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if s.sampler != nil {
		g.Go(func() error {
			s.sampler.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return s.handleSignals(gctx, cancel)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(ShutdownTimeout)
	})

	return g.Wait()
}

func (s *Server) handleSignals(ctx context.Context, stop context.CancelFunc) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			if sig != syscall.SIGHUP {
				logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
				stop()
				return nil
			}
			if s.configPath == "" {
				logging.Warn("SIGHUP ignored, no config path configured")
				continue
			}
			s.handler.ReloadFile(ctx, s.configPath)
		}
	}
}

// Shutdown stops the listeners, waiting up to timeout for in-flight
// requests, then releases the edge state.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	var firstErr error
	for _, srv := range []*http.Server{s.httpsServer, s.httpServer, s.adminServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logging.Error("Listener shutdown error", zap.String("address", srv.Addr), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.closeResources(ctx)
	logging.Info("Server shutdown complete")
	return firstErr
}

func (s *Server) closeResources(ctx context.Context) {
	if s.handler != nil {
		s.handler.Close()
	}
	if s.sampler != nil {
		if err := s.sampler.Close(ctx); err != nil {
			logging.Warn("Sampler close error", zap.Error(err))
		}
	}
	if s.tracer != nil {
		if err := s.tracer.Close(ctx); err != nil {
			logging.Warn("Tracer close error", zap.Error(err))
		}
	}
}
