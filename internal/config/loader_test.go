package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
listeners:
  http:
    address: ":8080"
origins:
  - id: site
    kind: static
    address: "mem://"
    default_root_object: index.html
    signing:
      behavior: Always
      protocol_version: v1
      key_id: edge
      secret: "${EDGE_TEST_SECRET}"
  - id: api
    kind: dynamic
    address: api.internal.example.com
    protocol_policy: https-only
    timeout: 5s
    tls:
      min_version: "1.2"
behaviors:
  - pattern: /api/*
    origin: api
    allowed_methods: [get, head, options, put, post, patch, delete]
    cached_methods: [GET, HEAD]
    forward_query_string: true
    cookies:
      forward: whitelist
      names: [session]
    viewer_protocol_policy: https-only
  - pattern: "*"
    origin: site
    allowed_methods: [GET, HEAD, OPTIONS]
    cached_methods: [GET, HEAD]
    viewer_protocol_policy: redirect-to-https
    ttl:
      default: 24h
      max: 48h
access_control:
  default_action: allow
  rules:
    - name: traversal
      priority: 1
      action: block
      expression: 'http.request.uri.path contains "../"'
    - name: allow-all
      priority: 2
      action: allow
      expression: "true"
`

func TestLoaderParse(t *testing.T) {
	t.Setenv("EDGE_TEST_SECRET", "c2VjcmV0")

	cfg, err := NewLoader().Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(cfg.Origins) != 2 {
		t.Fatalf("expected 2 origins, got %d", len(cfg.Origins))
	}
	if cfg.Origins[0].Signing == nil || cfg.Origins[0].Signing.Secret != "c2VjcmV0" {
		t.Errorf("expected env-expanded signing secret, got %+v", cfg.Origins[0].Signing)
	}
	if cfg.Origins[0].Signing.Behavior != "always" {
		t.Errorf("expected normalized signing behavior, got %q", cfg.Origins[0].Signing.Behavior)
	}
	if cfg.Origins[1].Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", cfg.Origins[1].Timeout)
	}

	api := cfg.Behaviors[0]
	if api.AllowedMethods[0] != "GET" || api.AllowedMethods[6] != "DELETE" {
		t.Errorf("expected upper-cased methods, got %v", api.AllowedMethods)
	}
	if !api.ForwardQueryString {
		t.Error("expected forward_query_string true")
	}
	if api.Cookies.Forward != "whitelist" || api.Cookies.Names[0] != "session" {
		t.Errorf("unexpected cookie policy %+v", api.Cookies)
	}
	if cfg.Behaviors[1].TTL.Default != 24*time.Hour {
		t.Errorf("expected default ttl 24h, got %v", cfg.Behaviors[1].TTL.Default)
	}

	if len(cfg.AccessControl.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.AccessControl.Rules))
	}

	// defaults survive partial documents
	if cfg.Admin.Address != ":9090" {
		t.Errorf("expected default admin address, got %q", cfg.Admin.Address)
	}
	if cfg.Metrics.Sampling.TopicURL != "mem://edge-samples" {
		t.Errorf("expected default sampling topic, got %q", cfg.Metrics.Sampling.TopicURL)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	l := NewLoader()

	t.Setenv("EDGE_HOST", "origin.example.com")
	got := l.expandEnvVars("address: ${EDGE_HOST} missing: ${EDGE_UNSET_VAR}")
	want := "address: origin.example.com missing: ${EDGE_UNSET_VAR}"
	if got != want {
		t.Errorf("expandEnvVars = %q, want %q", got, want)
	}
}

func TestLoaderValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no origins",
			yaml:    "listeners: {http: {address: ':80'}}\nbehaviors: [{pattern: '*', origin: x, allowed_methods: [GET]}]\n",
			wantErr: "at least one origin",
		},
		{
			name: "bad origin kind",
			yaml: `
origins: [{id: a, kind: lambda, address: x}]
behaviors: [{pattern: "*", origin: a, allowed_methods: [GET]}]
`,
			wantErr: `invalid kind "lambda"`,
		},
		{
			name: "signing on dynamic origin",
			yaml: `
origins: [{id: a, kind: dynamic, address: x, signing: {behavior: always}}]
behaviors: [{pattern: "*", origin: a, allowed_methods: [GET]}]
`,
			wantErr: "signing is only valid on static origins",
		},
		{
			name: "bad method",
			yaml: `
origins: [{id: a, kind: dynamic, address: x}]
behaviors: [{pattern: "*", origin: a, allowed_methods: [FETCH]}]
`,
			wantErr: `invalid HTTP method "FETCH"`,
		},
		{
			name: "whitelist without names",
			yaml: `
origins: [{id: a, kind: dynamic, address: x}]
behaviors: [{pattern: "*", origin: a, allowed_methods: [GET], cookies: {forward: whitelist}}]
`,
			wantErr: "whitelist requires at least one name",
		},
		{
			name: "rule with two statements",
			yaml: `
origins: [{id: a, kind: dynamic, address: x}]
behaviors: [{pattern: "*", origin: a, allowed_methods: [GET]}]
access_control:
  rules:
    - {name: r, priority: 1, action: block, expression: "true", ip_set: {addresses: [10.0.0.0/8]}}
`,
			wantErr: "exactly one statement",
		},
		{
			name: "bad default action",
			yaml: `
origins: [{id: a, kind: dynamic, address: x}]
behaviors: [{pattern: "*", origin: a, allowed_methods: [GET]}]
access_control: {default_action: drop}
`,
			wantErr: `invalid default_action "drop"`,
		},
		{
			name: "https listener without cert",
			yaml: `
listeners: {https: {address: ":443"}}
origins: [{id: a, kind: dynamic, address: x}]
behaviors: [{pattern: "*", origin: a, allowed_methods: [GET]}]
`,
			wantErr: "cert_file and key_file are required",
		},
		{
			name: "tls floor below 1.2",
			yaml: `
origins: [{id: a, kind: dynamic, address: x, tls: {min_version: "1.0"}}]
behaviors: [{pattern: "*", origin: a, allowed_methods: [GET]}]
`,
			wantErr: "unsupported TLS min_version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoaderLoadFile(t *testing.T) {
	t.Setenv("EDGE_TEST_SECRET", "c2VjcmV0")
	path := filepath.Join(t.TempDir(), "edge.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Behaviors[0].Pattern != "/api/*" {
		t.Errorf("unexpected first pattern %q", cfg.Behaviors[0].Pattern)
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
