// Package waf implements the access control filter: an ordered list of
// prioritized rules evaluated against each viewer request before routing.
package waf

import (
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
)

// Action is what a firing rule does.
type Action int

const (
	ActionAllow Action = iota
	ActionBlock
	ActionCount
)

func (a Action) String() string {
	switch a {
	case ActionBlock:
		return "block"
	case ActionCount:
		return "count"
	default:
		return "allow"
	}
}

func parseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow":
		return ActionAllow, nil
	case "block":
		return ActionBlock, nil
	case "count":
		return ActionCount, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// DefaultRuleName labels metrics and samples when no terminating rule fired.
const DefaultRuleName = "default_action"

// Verdict is the filter's decision: allow, or block naming the rule that
// fired. Rule is empty when the default action decided.
type Verdict struct {
	Action Action
	Rule   string
}

// Blocked reports whether the request must be rejected.
func (v Verdict) Blocked() bool { return v.Action == ActionBlock }

// Statement is the condition of a rule.
type Statement interface {
	Match(req *Request) bool
}

type closer interface {
	Close() error
}

type rule struct {
	name     string
	priority int
	action   Action
	kind     string
	stmt     Statement
}

// RuleInfo describes a compiled rule for the admin API.
type RuleInfo struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Action   string `json:"action"`
	Kind     string `json:"kind"`
}

// Filter evaluates rules in ascending priority. A block or allow rule ends
// evaluation; a count rule is recorded and evaluation continues. It is
// immutable after construction and safe for concurrent use.
type Filter struct {
	rules         []*rule
	defaultAction Action
	sampling      bool
	metrics       *metrics.Collector
}

// New compiles the access control configuration. Rule names and priorities
// must be unique; any invalid rule fails the whole filter.
func New(cfg config.AccessControlConfig, m *metrics.Collector) (*Filter, error) {
	f := &Filter{sampling: cfg.Sampling, metrics: m}

	switch strings.ToLower(cfg.DefaultAction) {
	case "", "allow":
		f.defaultAction = ActionAllow
	case "block":
		f.defaultAction = ActionBlock
	default:
		return nil, fmt.Errorf("access_control: invalid default_action %q", cfg.DefaultAction)
	}

	names := make(map[string]struct{}, len(cfg.Rules))
	priorities := make(map[int]string, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		if _, dup := names[rc.Name]; dup {
			f.Close()
			return nil, fmt.Errorf("access rule %q: duplicate name", rc.Name)
		}
		if other, dup := priorities[rc.Priority]; dup {
			f.Close()
			return nil, fmt.Errorf("access rule %q: priority %d already used by %q", rc.Name, rc.Priority, other)
		}
		names[rc.Name] = struct{}{}
		priorities[rc.Priority] = rc.Name

		r, err := compileRule(rc)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("access rule %q: %w", rc.Name, err)
		}
		f.rules = append(f.rules, r)
	}

	sort.Slice(f.rules, func(i, j int) bool { return f.rules[i].priority < f.rules[j].priority })
	return f, nil
}

func compileRule(rc config.AccessRuleConfig) (*rule, error) {
	if rc.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	action, err := parseAction(rc.Action)
	if err != nil {
		return nil, err
	}
	r := &rule{name: rc.Name, priority: rc.Priority, action: action}

	var stmts int
	for _, set := range []bool{
		rc.ManagedRuleGroup != nil, rc.Expression != "", rc.ByteMatch != nil,
		rc.IPSet != nil, rc.GeoMatch != nil, rc.RateBased != nil,
	} {
		if set {
			stmts++
		}
	}
	if stmts != 1 {
		return nil, fmt.Errorf("exactly one statement is required (got %d)", stmts)
	}

	switch {
	case rc.ManagedRuleGroup != nil:
		r.kind = "managed_rule_group"
		r.stmt, err = newManagedGroup(*rc.ManagedRuleGroup)
	case rc.Expression != "":
		r.kind = "expression"
		r.stmt, err = newExpression(rc.Expression)
	case rc.ByteMatch != nil:
		r.kind = "byte_match"
		r.stmt, err = newByteMatch(*rc.ByteMatch)
	case rc.IPSet != nil:
		r.kind = "ip_set"
		r.stmt, err = newIPSet(*rc.IPSet)
	case rc.GeoMatch != nil:
		r.kind = "geo_match"
		r.stmt, err = newGeoMatch(*rc.GeoMatch)
	case rc.RateBased != nil:
		r.kind = "rate_based"
		r.stmt, err = newRateBased(*rc.RateBased)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Evaluate runs the rules against r and returns the verdict.
func (f *Filter) Evaluate(r *http.Request) Verdict {
	req := newRequest(r)

	verdict := Verdict{Action: f.defaultAction}
	decided := false
	for _, rl := range f.rules {
		if !rl.stmt.Match(req) {
			continue
		}
		f.metrics.RecordRuleEvaluation(rl.name, rl.action.String())
		if rl.action == ActionCount {
			logging.Debug("Access rule counted",
				zap.String("rule", rl.name),
				zap.String("path", r.URL.Path),
			)
			continue
		}
		verdict = Verdict{Action: rl.action, Rule: rl.name}
		decided = true
		break
	}
	if !decided {
		f.metrics.RecordRuleEvaluation(DefaultRuleName, verdict.Action.String())
	}

	if f.sampling {
		rule := verdict.Rule
		if rule == "" {
			rule = DefaultRuleName
		}
		f.metrics.Sample(metrics.Sample{
			Time:      time.Now(),
			RequestID: r.Header.Get("X-Request-ID"),
			ClientIP:  req.clientIPString(),
			Method:    r.Method,
			Host:      r.Host,
			Path:      r.URL.Path,
			Rule:      rule,
			Action:    verdict.Action.String(),
		})
	}
	return verdict
}

// DefaultAction returns the action applied when no terminating rule fires.
func (f *Filter) DefaultAction() Action { return f.defaultAction }

// Rules lists the compiled rules in evaluation order.
func (f *Filter) Rules() []RuleInfo {
	out := make([]RuleInfo, len(f.rules))
	for i, r := range f.rules {
		out[i] = RuleInfo{Name: r.name, Priority: r.priority, Action: r.action.String(), Kind: r.kind}
	}
	return out
}

// Close releases resources held by statements (geo databases).
func (f *Filter) Close() error {
	var firstErr error
	for _, r := range f.rules {
		if c, ok := r.stmt.(closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Request is the per-evaluation view of a viewer request. Derived values
// are computed at most once.
type Request struct {
	*http.Request
	ClientIP netip.Addr

	rawClient string
	env       *Env
}

func newRequest(r *http.Request) *Request {
	req := &Request{Request: r, rawClient: r.RemoteAddr}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		req.ClientIP = ap.Addr().Unmap()
		req.rawClient = req.ClientIP.String()
	} else if a, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		req.ClientIP = a.Unmap()
		req.rawClient = req.ClientIP.String()
	}
	return req
}

func (r *Request) clientIPString() string { return r.rawClient }

// Env returns the expression environment, building it on first use.
func (r *Request) Env() *Env {
	if r.env == nil {
		r.env = newEnv(r)
	}
	return r.env
}
