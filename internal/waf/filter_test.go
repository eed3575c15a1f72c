package waf

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/metrics"
)

func newReq(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.Header.Set("User-Agent", "test-agent/1.0")
	return r
}

func mustFilter(t *testing.T, cfg config.AccessControlConfig, m *metrics.Collector) *Filter {
	t.Helper()
	f, err := New(cfg, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func scrape(t *testing.T, m *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestFilterPriorityOrder(t *testing.T) {
	cfg := config.AccessControlConfig{
		Rules: []config.AccessRuleConfig{
			{Name: "allow-all", Priority: 2, Action: "allow", Expression: "true"},
			{Name: "traversal", Priority: 1, Action: "block", Expression: `http.request.uri.path contains "../"`},
		},
	}
	f := mustFilter(t, cfg, nil)

	tests := []struct {
		path string
		want Verdict
	}{
		{"/../etc/passwd", Verdict{Action: ActionBlock, Rule: "traversal"}},
		{"/normal", Verdict{Action: ActionAllow, Rule: "allow-all"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := f.Evaluate(newReq(http.MethodGet, tt.path))
			if got != tt.want {
				t.Errorf("Evaluate = %+v, want %+v", got, tt.want)
			}
		})
	}

	rules := f.Rules()
	if rules[0].Name != "traversal" || rules[1].Name != "allow-all" {
		t.Errorf("rules not sorted by priority: %+v", rules)
	}
}

func TestFilterAllowTerminates(t *testing.T) {
	cfg := config.AccessControlConfig{
		Rules: []config.AccessRuleConfig{
			{Name: "office", Priority: 0, Action: "allow", IPSet: &config.IPSetConfig{Addresses: []string{"10.0.0.0/8"}}},
			{Name: "block-admin", Priority: 1, Action: "block", ByteMatch: &config.ByteMatchConfig{
				Field: "uri_path", PositionalConstraint: "starts_with", SearchString: "/admin",
			}},
		},
	}
	f := mustFilter(t, cfg, nil)

	r := newReq(http.MethodGet, "/admin/panel")
	r.RemoteAddr = "10.1.2.3:5555"
	if v := f.Evaluate(r); v.Blocked() {
		t.Errorf("allow rule should terminate evaluation, got %+v", v)
	}

	r = newReq(http.MethodGet, "/admin/panel")
	r.RemoteAddr = "203.0.113.9:5555"
	if v := f.Evaluate(r); !v.Blocked() || v.Rule != "block-admin" {
		t.Errorf("expected block-admin, got %+v", v)
	}
}

func TestFilterCountContinues(t *testing.T) {
	m := metrics.NewCollector()
	cfg := config.AccessControlConfig{
		DefaultAction: "block",
		Rules: []config.AccessRuleConfig{
			{Name: "watch", Priority: 1, Action: "count", Expression: `http.request.method == "GET"`},
			{Name: "api", Priority: 2, Action: "allow", Expression: `http.request.uri.path startsWith "/api/"`},
		},
	}
	f := mustFilter(t, cfg, m)

	if v := f.Evaluate(newReq(http.MethodGet, "/api/users")); v != (Verdict{Action: ActionAllow, Rule: "api"}) {
		t.Errorf("got %+v", v)
	}
	v := f.Evaluate(newReq(http.MethodGet, "/other"))
	if !v.Blocked() || v.Rule != "" {
		t.Errorf("default action should block without a rule name, got %+v", v)
	}

	out := scrape(t, m)
	for _, want := range []string{
		`edgegate_access_rule_evaluations_total{rule="watch",verdict="count"} 2`,
		`edgegate_access_rule_evaluations_total{rule="api",verdict="allow"} 1`,
		`edgegate_access_rule_evaluations_total{rule="default_action",verdict="block"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestFilterNoRulesDefaultsToAllow(t *testing.T) {
	f := mustFilter(t, config.AccessControlConfig{}, nil)
	if v := f.Evaluate(newReq(http.MethodGet, "/")); v.Blocked() {
		t.Errorf("got %+v", v)
	}
}

func TestFilterSampling(t *testing.T) {
	ctx := context.Background()
	s, err := metrics.NewSampler(ctx, "mem://waf-sampling", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	m := metrics.NewCollector()
	m.SetSampler(s)

	f := mustFilter(t, config.AccessControlConfig{
		Sampling: true,
		Rules:    []config.AccessRuleConfig{{Name: "r", Priority: 1, Action: "block", Expression: "true"}},
	}, m)
	f.Evaluate(newReq(http.MethodGet, "/x"))

	if got := s.Stats()["buffered"]; got != 1 {
		t.Errorf("buffered = %v, want 1", got)
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AccessControlConfig
		wantErr string
	}{
		{
			name: "duplicate priority",
			cfg: config.AccessControlConfig{Rules: []config.AccessRuleConfig{
				{Name: "a", Priority: 1, Action: "allow", Expression: "true"},
				{Name: "b", Priority: 1, Action: "block", Expression: "true"},
			}},
			wantErr: "priority 1",
		},
		{
			name: "duplicate name",
			cfg: config.AccessControlConfig{Rules: []config.AccessRuleConfig{
				{Name: "a", Priority: 1, Action: "allow", Expression: "true"},
				{Name: "a", Priority: 2, Action: "block", Expression: "true"},
			}},
			wantErr: "duplicate name",
		},
		{
			name: "bad expression",
			cfg: config.AccessControlConfig{Rules: []config.AccessRuleConfig{
				{Name: "a", Priority: 1, Action: "block", Expression: "http.request.nope =="},
			}},
			wantErr: "compile",
		},
		{
			name: "non-bool expression",
			cfg: config.AccessControlConfig{Rules: []config.AccessRuleConfig{
				{Name: "a", Priority: 1, Action: "block", Expression: "http.request.method"},
			}},
			wantErr: "compile",
		},
		{
			name: "unknown managed group",
			cfg: config.AccessControlConfig{Rules: []config.AccessRuleConfig{
				{Name: "a", Priority: 1, Action: "block", ManagedRuleGroup: &config.ManagedRuleGroupConfig{Vendor: "AWS", Name: "Nope"}},
			}},
			wantErr: "unknown group",
		},
		{
			name: "two statements",
			cfg: config.AccessControlConfig{Rules: []config.AccessRuleConfig{
				{Name: "a", Priority: 1, Action: "block", Expression: "true", IPSet: &config.IPSetConfig{Addresses: []string{"1.2.3.4"}}},
			}},
			wantErr: "exactly one statement",
		},
		{
			name: "bad action",
			cfg: config.AccessControlConfig{Rules: []config.AccessRuleConfig{
				{Name: "a", Priority: 1, Action: "drop", Expression: "true"},
			}},
			wantErr: "unknown action",
		},
		{
			name:    "bad default action",
			cfg:     config.AccessControlConfig{DefaultAction: "count"},
			wantErr: "default_action",
		},
		{
			name: "bad cidr",
			cfg: config.AccessControlConfig{Rules: []config.AccessRuleConfig{
				{Name: "a", Priority: 1, Action: "block", IPSet: &config.IPSetConfig{Addresses: []string{"10.0.0.0/33"}}},
			}},
			wantErr: "ip_set",
		},
		{
			name: "missing geo database",
			cfg: config.AccessControlConfig{Rules: []config.AccessRuleConfig{
				{Name: "a", Priority: 1, Action: "block", GeoMatch: &config.GeoMatchConfig{CountryCodes: []string{"KP"}, Database: "/nonexistent/GeoLite2.mmdb"}},
			}},
			wantErr: "geo_match",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestByteMatch(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ByteMatchConfig
		req  func() *http.Request
		want bool
	}{
		{
			name: "exact method",
			cfg:  config.ByteMatchConfig{Field: "method", PositionalConstraint: "exactly", SearchString: "DELETE"},
			req:  func() *http.Request { return newReq(http.MethodDelete, "/") },
			want: true,
		},
		{
			name: "ends with path",
			cfg:  config.ByteMatchConfig{Field: "uri_path", PositionalConstraint: "ends_with", SearchString: ".php"},
			req:  func() *http.Request { return newReq(http.MethodGet, "/index.php") },
			want: true,
		},
		{
			name: "header lowercase",
			cfg:  config.ByteMatchConfig{Field: "header:User-Agent", SearchString: "sqlmap", Transforms: []string{"lowercase"}},
			req: func() *http.Request {
				r := newReq(http.MethodGet, "/")
				r.Header.Set("User-Agent", "SQLMap/1.7")
				return r
			},
			want: true,
		},
		{
			name: "query url decoded",
			cfg:  config.ByteMatchConfig{Field: "query_string", SearchString: "<script>", Transforms: []string{"url_decode"}},
			req:  func() *http.Request { return newReq(http.MethodGet, "/?q=%3Cscript%3E") },
			want: true,
		},
		{
			name: "query not decoded",
			cfg:  config.ByteMatchConfig{Field: "query_string", SearchString: "<script>"},
			req:  func() *http.Request { return newReq(http.MethodGet, "/?q=%3Cscript%3E") },
			want: false,
		},
		{
			name: "host header",
			cfg:  config.ByteMatchConfig{Field: "header:host", PositionalConstraint: "exactly", SearchString: "example.com"},
			req:  func() *http.Request { return newReq(http.MethodGet, "/") },
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := newByteMatch(tt.cfg)
			if err != nil {
				t.Fatalf("newByteMatch: %v", err)
			}
			if got := m.Match(newRequest(tt.req())); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIPSet(t *testing.T) {
	s, err := newIPSet(config.IPSetConfig{Addresses: []string{"192.0.2.0/24", "2001:db8::1", "198.51.100.7"}})
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]bool{
		"192.0.2.55:1234":      true,
		"198.51.100.7:80":      true,
		"198.51.100.8:80":      false,
		"[2001:db8::1]:443":    true,
		"[2001:db8::2]:443":    false,
		"[::ffff:192.0.2.1]:1": true,
		"garbage":              false,
	}
	for addr, want := range tests {
		r := newReq(http.MethodGet, "/")
		r.RemoteAddr = addr
		if got := s.Match(newRequest(r)); got != want {
			t.Errorf("Match(%s) = %v, want %v", addr, got, want)
		}
	}
}

type fakeCountries map[string]string

func (f fakeCountries) Country(addr netip.Addr) (string, error) {
	if c, ok := f[addr.String()]; ok {
		return c, nil
	}
	return "", errors.New("not found")
}

func (f fakeCountries) Close() error { return nil }

func TestGeoMatch(t *testing.T) {
	g := newGeoMatchWithLookup([]string{"kp", "IR"}, fakeCountries{
		"203.0.113.1": "KP",
		"203.0.113.2": "US",
	})
	tests := map[string]bool{
		"203.0.113.1:1": true,
		"203.0.113.2:1": false,
		"203.0.113.3:1": false,
	}
	for addr, want := range tests {
		r := newReq(http.MethodGet, "/")
		r.RemoteAddr = addr
		if got := g.Match(newRequest(r)); got != want {
			t.Errorf("Match(%s) = %v, want %v", addr, got, want)
		}
	}
}

func TestRateBased(t *testing.T) {
	rb, err := newRateBased(config.RateBasedConfig{Limit: 3, Window: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	hit := func(addr string) bool {
		r := newReq(http.MethodGet, "/")
		r.RemoteAddr = addr
		return rb.Match(newRequest(r))
	}
	for i := 0; i < 3; i++ {
		if hit("198.51.100.1:1000") {
			t.Fatalf("request %d fired before limit", i+1)
		}
	}
	if !hit("198.51.100.1:1001") {
		t.Error("request over limit did not fire")
	}
	if hit("198.51.100.2:1000") {
		t.Error("limit leaked across clients")
	}
}

func TestExpressionEnv(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`http.request.uri.args["id"] == "7"`, true},
		{`http.request.headers["X-Env"] == "prod"`, true},
		{`http.request.cookies["session"] == "s1"`, true},
		{`ip.src == "192.0.2.10"`, true},
		{`http.request.scheme == "https"`, false},
		{`http.request.uri.full == "/p?id=7"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := newExpression(tt.expr)
			if err != nil {
				t.Fatal(err)
			}
			r := newReq(http.MethodGet, "/p?id=7")
			r.RemoteAddr = "192.0.2.10:4000"
			r.Header.Set("X-Env", "prod")
			r.AddCookie(&http.Cookie{Name: "session", Value: "s1"})
			if got := e.Match(newRequest(r)); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}
