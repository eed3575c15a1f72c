package edge

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/cache"
	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/origin"
	"github.com/wudi/edgegate/internal/router"
	"github.com/wudi/edgegate/internal/waf"
)

// state is one immutable generation of routing configuration. Requests load
// the current state once and use it throughout.
type state struct {
	cfg     *config.Config
	origins map[string]origin.Origin
	table   *router.Table
	filter  *waf.Filter
	cache   *cache.Cache

	// httpsPort is appended to redirect targets when the HTTPS listener is
	// not on 443.
	httpsPort string
}

// buildState constructs every component from cfg. Nothing is returned, and
// nothing is left open, unless every component validated.
func buildState(ctx context.Context, cfg *config.Config, m *metrics.Collector) (*state, error) {
	built := &state{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			built.close()
		}
	}()

	var err error
	if built.origins, err = origin.BuildAll(ctx, cfg.Origins); err != nil {
		return nil, err
	}
	if built.table, err = router.NewTable(cfg.Behaviors, built.origins); err != nil {
		return nil, err
	}
	if built.filter, err = waf.New(cfg.AccessControl, m); err != nil {
		return nil, err
	}
	if cfg.Cache.Enabled {
		store, err := cache.NewStore(cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		built.cache = cache.New(store, cfg.Cache.MaxBodySize)
	}

	if addr := cfg.Listeners.HTTPS.Address; addr != "" {
		if _, port, splitErr := net.SplitHostPort(addr); splitErr == nil && port != "443" {
			built.httpsPort = port
		}
	}
	ok = true
	return built, nil
}

// close releases origins, the filter and the cache.
func (st *state) close() {
	if st.origins != nil {
		origin.CloseAll(st.origins)
	}
	if st.filter != nil {
		st.filter.Close()
	}
	if st.cache != nil {
		if err := st.cache.Close(); err != nil {
			logging.Warn("Failed to close cache", zap.Error(err))
		}
	}
}
