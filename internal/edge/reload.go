package edge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/logging"
)

// ReloadResult describes the outcome of a configuration reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload builds a complete state from cfg and swaps it in. On any error the
// live state is untouched. The replaced state is closed after the retire
// delay.
func (h *Handler) Reload(ctx context.Context, cfg *config.Config) ReloadResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, err := buildState(ctx, cfg, h.metrics)
	if err != nil {
		return h.reject(err)
	}

	result := ReloadResult{Timestamp: h.now()}

	old := h.current.Swap(st)
	if old != nil {
		result.Changes = diffConfig(old.cfg, cfg)
		h.retireState(old)
	}
	result.Success = true
	h.metrics.RecordReload(true)
	h.history = appendReloadHistory(h.history, result)
	logging.Info("Config reloaded",
		zap.Int("behaviors", len(cfg.Behaviors)),
		zap.Int("origins", len(cfg.Origins)),
		zap.Strings("changes", result.Changes),
	)
	return result
}

// ReloadFile loads the configuration at path and reloads from it.
func (h *Handler) ReloadFile(ctx context.Context, path string) ReloadResult {
	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.reject(fmt.Errorf("config load failed: %w", err))
	}
	return h.Reload(ctx, cfg)
}

// reject records a failed reload. h.mu must be held.
func (h *Handler) reject(err error) ReloadResult {
	result := ReloadResult{Timestamp: h.now(), Error: err.Error()}
	h.metrics.RecordReload(false)
	h.history = appendReloadHistory(h.history, result)
	logging.Error("Config reload rejected, keeping current configuration", zap.Error(err))
	return result
}

// History returns recent reload results, oldest first.
func (h *Handler) History() []ReloadResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ReloadResult, len(h.history))
	copy(out, h.history)
	return out
}

func (h *Handler) retireState(st *state) {
	if h.retire == 0 {
		st.close()
		return
	}
	time.AfterFunc(h.retire, st.close)
}

// appendReloadHistory appends a result and keeps last 50 entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > 50 {
		history = history[len(history)-50:]
	}
	return history
}

// diffConfig summarizes added and removed origins, behaviors and rules.
func diffConfig(old, cur *config.Config) []string {
	var changes []string
	diff := func(kind string, before, after []string) {
		b := toSet(before)
		a := toSet(after)
		for _, k := range sortedKeys(a) {
			if !b[k] {
				changes = append(changes, fmt.Sprintf("%s added: %s", kind, k))
			}
		}
		for _, k := range sortedKeys(b) {
			if !a[k] {
				changes = append(changes, fmt.Sprintf("%s removed: %s", kind, k))
			}
		}
	}

	diff("origin", originIDs(old), originIDs(cur))
	diff("behavior", behaviorPatterns(old), behaviorPatterns(cur))
	diff("access rule", ruleNames(old), ruleNames(cur))
	return changes
}

func originIDs(cfg *config.Config) []string {
	out := make([]string, len(cfg.Origins))
	for i, o := range cfg.Origins {
		out[i] = o.ID
	}
	return out
}

func behaviorPatterns(cfg *config.Config) []string {
	out := make([]string, len(cfg.Behaviors))
	for i, b := range cfg.Behaviors {
		out[i] = b.Pattern
	}
	return out
}

func ruleNames(cfg *config.Config) []string {
	out := make([]string, len(cfg.AccessControl.Rules))
	for i, r := range cfg.AccessControl.Rules {
		out[i] = r.Name
	}
	return out
}

func toSet(in []string) map[string]bool {
	m := make(map[string]bool, len(in))
	for _, s := range in {
		m[s] = true
	}
	return m
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
