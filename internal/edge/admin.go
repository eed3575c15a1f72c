package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/origin"
	"github.com/wudi/edgegate/internal/router"
	"github.com/wudi/edgegate/internal/signing"
)

// Admin serves the operator API: metrics, health, the live behavior table,
// access rules, cache control and reloads.
type Admin struct {
	handler     *Handler
	metrics     *metrics.Collector
	sampler     *metrics.Sampler
	metricsPath string
	configPath  string
	startTime   time.Time
}

// NewAdmin creates the admin API for h. configPath enables POST /reload.
func NewAdmin(h *Handler, m *metrics.Collector, sampler *metrics.Sampler, metricsPath, configPath string) *Admin {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Admin{
		handler:     h,
		metrics:     m,
		sampler:     sampler,
		metricsPath: metricsPath,
		configPath:  configPath,
		startTime:   time.Now(),
	}
}

// Handler returns the admin mux.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/healthz", a.handleHealth)

	if a.metrics != nil {
		mux.Handle(a.metricsPath, a.metrics.Handler())
	}

	mux.HandleFunc("/routes", a.handleRoutes)
	mux.HandleFunc("/origins", a.handleOrigins)
	mux.HandleFunc("/access-rules", a.handleAccessRules)

	mux.HandleFunc("/cache", a.handleCache)
	mux.HandleFunc("/cache/purge", a.handleCachePurge)

	mux.HandleFunc("/reload", a.handleReload)
	mux.HandleFunc("/reload/status", a.handleReloadStatus)

	mux.HandleFunc("/sampling", a.handleSampling)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness and the size of the live configuration.
func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := a.handler.current.Load()
	if st == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(a.startTime).Round(time.Second).String(),
		"behaviors": len(st.table.Behaviors()),
		"origins":   len(st.origins),
		"rules":     len(st.filter.Rules()),
		"cache":     st.cache != nil,
	})
}

type ttlInfo struct {
	Min     string `json:"min"`
	Default string `json:"default"`
	Max     string `json:"max"`
}

type routeInfo struct {
	Pattern              string   `json:"pattern"`
	Default              bool     `json:"default,omitempty"`
	Origin               string   `json:"origin"`
	OriginKind           string   `json:"origin_kind"`
	AllowedMethods       []string `json:"allowed_methods"`
	CachedMethods        []string `json:"cached_methods"`
	ForwardQueryString   bool     `json:"forward_query_string"`
	Cookies              string   `json:"cookies"`
	CookieNames          []string `json:"cookie_names,omitempty"`
	ViewerProtocolPolicy string   `json:"viewer_protocol_policy"`
	TTL                  ttlInfo  `json:"ttl"`
}

func describeBehavior(t *router.Table, b *router.Behavior) routeInfo {
	info := routeInfo{
		Pattern:              b.Pattern,
		Default:              b.IsDefault(),
		Origin:               b.OriginID,
		AllowedMethods:       b.AllowedMethods.Methods(),
		CachedMethods:        b.CachedMethods.Methods(),
		ForwardQueryString:   b.ForwardQueryString,
		Cookies:              b.Cookies.Forward.String(),
		CookieNames:          b.Cookies.Names,
		ViewerProtocolPolicy: b.ViewerProtocolPolicy.String(),
		TTL: ttlInfo{
			Min:     b.TTL.Min.String(),
			Default: b.TTL.Default.String(),
			Max:     b.TTL.Max.String(),
		},
	}
	if o, ok := t.Origin(b.OriginID); ok {
		info.OriginKind = o.Kind().String()
	}
	return info
}

// handleRoutes dumps the live behavior table in evaluation order.
func (a *Admin) handleRoutes(w http.ResponseWriter, r *http.Request) {
	t := a.handler.Table()
	behaviors := t.Behaviors()
	result := make([]routeInfo, 0, len(behaviors))
	for _, b := range behaviors {
		result = append(result, describeBehavior(t, b))
	}
	writeJSON(w, http.StatusOK, result)
}

type originInfo struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Policy  string          `json:"protocol_policy,omitempty"`
	Breaker string          `json:"circuit_breaker,omitempty"`
	RootObj string          `json:"default_root_object,omitempty"`
	Signing *signing.Status `json:"signing,omitempty"`
}

// handleOrigins reports per-origin state: breaker state for dynamic origins,
// signing counters for static ones.
func (a *Admin) handleOrigins(w http.ResponseWriter, r *http.Request) {
	st := a.handler.current.Load()
	result := make([]originInfo, 0, len(st.cfg.Origins))
	for _, oc := range st.cfg.Origins {
		o, ok := st.origins[oc.ID]
		if !ok {
			continue
		}
		info := originInfo{ID: o.ID(), Kind: o.Kind().String()}
		switch v := o.(type) {
		case *origin.Dynamic:
			info.Policy = v.Policy().String()
			info.Breaker = v.BreakerState()
		case *origin.Static:
			info.RootObj = v.DefaultRootObject()
			if auth := v.Authenticator(); auth != nil {
				status := auth.Status()
				info.Signing = &status
			}
		}
		result = append(result, info)
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAccessRules lists the compiled access rules in evaluation order.
func (a *Admin) handleAccessRules(w http.ResponseWriter, r *http.Request) {
	f := a.handler.current.Load().filter
	writeJSON(w, http.StatusOK, map[string]any{
		"default_action": f.DefaultAction().String(),
		"rules":          f.Rules(),
	})
}

// handleCache reports cache store statistics.
func (a *Admin) handleCache(w http.ResponseWriter, r *http.Request) {
	c := a.handler.current.Load().cache
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":       true,
		"max_body_size": c.MaxBodySize(),
		"store":         c.Stats(),
	})
}

// handleCachePurge drops every cached response (POST only).
func (a *Admin) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c := a.handler.current.Load().cache
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]any{"purged": false})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	c.Purge(ctx)
	writeJSON(w, http.StatusOK, map[string]any{"purged": true})
}

// handleReload reloads from the config file (POST only).
func (a *Admin) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.configPath == "" {
		writeJSON(w, http.StatusConflict, ReloadResult{Timestamp: time.Now(), Error: "no config path configured"})
		return
	}
	result := a.handler.ReloadFile(r.Context(), a.configPath)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// handleReloadStatus returns the reload history.
func (a *Admin) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.handler.History())
}

// handleSampling reports sampler counters.
func (a *Admin) handleSampling(w http.ResponseWriter, r *http.Request) {
	if a.sampler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	stats := a.sampler.Stats()
	stats["enabled"] = true
	writeJSON(w, http.StatusOK, stats)
}
