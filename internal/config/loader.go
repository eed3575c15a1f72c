package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	normalize(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// normalize upper-cases methods and lower-cases enum-like strings so later
// stages compare without folding.
func normalize(cfg *Config) {
	for i := range cfg.Origins {
		o := &cfg.Origins[i]
		o.Kind = strings.ToLower(strings.TrimSpace(o.Kind))
		o.ProtocolPolicy = strings.ToLower(o.ProtocolPolicy)
		if o.Signing != nil {
			o.Signing.Behavior = strings.ToLower(o.Signing.Behavior)
		}
	}
	for i := range cfg.Behaviors {
		b := &cfg.Behaviors[i]
		b.AllowedMethods = upperAll(b.AllowedMethods)
		b.CachedMethods = upperAll(b.CachedMethods)
		b.Cookies.Forward = strings.ToLower(b.Cookies.Forward)
		b.ViewerProtocolPolicy = strings.ToLower(b.ViewerProtocolPolicy)
	}
	cfg.AccessControl.DefaultAction = strings.ToLower(cfg.AccessControl.DefaultAction)
	for i := range cfg.AccessControl.Rules {
		r := &cfg.AccessControl.Rules[i]
		r.Action = strings.ToLower(r.Action)
	}
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

// validate checks the configuration for structural errors. Cross-entity
// invariants (default behavior, pattern uniqueness, rule priorities) are
// enforced when the routing table and filter are built.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listeners.HTTPS.Address == "" && cfg.Listeners.HTTP.Address == "" {
		return fmt.Errorf("at least one listener is required")
	}
	if cfg.Listeners.HTTPS.Address != "" {
		tlsCfg := cfg.Listeners.HTTPS.TLS
		if tlsCfg.CertFile == "" || tlsCfg.KeyFile == "" {
			return fmt.Errorf("listeners.https: cert_file and key_file are required")
		}
		if err := validateTLSVersion(tlsCfg.MinVersion); err != nil {
			return fmt.Errorf("listeners.https: %w", err)
		}
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: invalid level %q", cfg.Logging.Level)
	}

	if cfg.Cache.Enabled {
		switch cfg.Cache.Type {
		case "memory", "redis":
		default:
			return fmt.Errorf("cache: invalid type %q", cfg.Cache.Type)
		}
	}

	if cfg.Metrics.Sampling.Enabled && cfg.Metrics.Sampling.BufferSize <= 0 {
		return fmt.Errorf("metrics.sampling: buffer_size must be > 0")
	}

	if len(cfg.Origins) == 0 {
		return fmt.Errorf("at least one origin is required")
	}
	for i, o := range cfg.Origins {
		if err := validateOrigin(o); err != nil {
			return fmt.Errorf("origin %d (%s): %w", i, o.ID, err)
		}
	}

	if len(cfg.Behaviors) == 0 {
		return fmt.Errorf("at least one behavior is required")
	}
	for i, b := range cfg.Behaviors {
		if err := validateBehavior(b); err != nil {
			return fmt.Errorf("behavior %d (%s): %w", i, b.Pattern, err)
		}
	}

	switch cfg.AccessControl.DefaultAction {
	case "allow", "block":
	default:
		return fmt.Errorf("access_control: invalid default_action %q", cfg.AccessControl.DefaultAction)
	}
	for i, r := range cfg.AccessControl.Rules {
		if err := validateRule(r); err != nil {
			return fmt.Errorf("access rule %d (%s): %w", i, r.Name, err)
		}
	}

	return nil
}

func validateTLSVersion(v string) error {
	switch v {
	case "", "1.2", "1.3":
		return nil
	}
	return fmt.Errorf("unsupported TLS min_version %q (use 1.2 or 1.3)", v)
}

func validateOrigin(o OriginConfig) error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if o.Address == "" && o.Function.Name == "" {
		return fmt.Errorf("address is required")
	}
	switch o.Kind {
	case "static":
		if o.Function.Name != "" {
			return fmt.Errorf("function is only valid on dynamic origins")
		}
	case "dynamic":
		if o.Signing != nil {
			return fmt.Errorf("signing is only valid on static origins")
		}
	default:
		return fmt.Errorf("invalid kind %q", o.Kind)
	}
	switch o.ProtocolPolicy {
	case "", "https-only", "http-or-https":
	default:
		return fmt.Errorf("invalid protocol_policy %q", o.ProtocolPolicy)
	}
	if err := validateTLSVersion(o.TLS.MinVersion); err != nil {
		return err
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	if s := o.Signing; s != nil {
		switch s.Behavior {
		case "always", "never", "if-requested":
		default:
			return fmt.Errorf("signing: invalid behavior %q", s.Behavior)
		}
	}
	return nil
}

func validateBehavior(b BehaviorConfig) error {
	if b.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if b.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	if len(b.AllowedMethods) == 0 {
		return fmt.Errorf("allowed_methods is required")
	}
	for _, m := range append(append([]string{}, b.AllowedMethods...), b.CachedMethods...) {
		if !validHTTPMethods[m] {
			return fmt.Errorf("invalid HTTP method %q", m)
		}
	}
	switch b.Cookies.Forward {
	case "", "none", "all":
		if len(b.Cookies.Names) > 0 {
			return fmt.Errorf("cookies.names requires forward: whitelist")
		}
	case "whitelist":
		if len(b.Cookies.Names) == 0 {
			return fmt.Errorf("cookies: whitelist requires at least one name")
		}
	default:
		return fmt.Errorf("invalid cookies.forward %q", b.Cookies.Forward)
	}
	switch b.ViewerProtocolPolicy {
	case "", "allow-all", "redirect-to-https", "https-only":
	default:
		return fmt.Errorf("invalid viewer_protocol_policy %q", b.ViewerProtocolPolicy)
	}
	if b.TTL.Max > 0 && (b.TTL.Min > b.TTL.Max || b.TTL.Default > b.TTL.Max) {
		return fmt.Errorf("ttl: min and default must not exceed max")
	}
	return nil
}

func validateRule(r AccessRuleConfig) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch r.Action {
	case "allow", "block", "count":
	default:
		return fmt.Errorf("invalid action %q", r.Action)
	}
	statements := 0
	if r.ManagedRuleGroup != nil {
		statements++
	}
	if r.Expression != "" {
		statements++
	}
	if r.ByteMatch != nil {
		statements++
	}
	if r.IPSet != nil {
		statements++
	}
	if r.GeoMatch != nil {
		statements++
	}
	if r.RateBased != nil {
		statements++
	}
	if statements != 1 {
		return fmt.Errorf("exactly one statement is required, got %d", statements)
	}
	return nil
}
