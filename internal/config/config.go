package config

import "time"

// Config represents the complete edge configuration
type Config struct {
	Listeners     ListenersConfig     `yaml:"listeners"`
	Admin         AdminConfig         `yaml:"admin"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Cache         CacheConfig         `yaml:"cache"`
	Origins       []OriginConfig      `yaml:"origins"`
	Behaviors     []BehaviorConfig    `yaml:"behaviors"`
	AccessControl AccessControlConfig `yaml:"access_control"`
}

// ListenersConfig holds the viewer-facing listeners. HTTP exists so that
// redirect-to-https and https-only behaviors have something to act on.
type ListenersConfig struct {
	HTTPS HTTPSListenerConfig `yaml:"https"`
	HTTP  HTTPListenerConfig  `yaml:"http"`
}

// HTTPSListenerConfig configures the TLS listener
type HTTPSListenerConfig struct {
	Address      string        `yaml:"address"`
	TLS          TLSConfig     `yaml:"tls"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// HTTPListenerConfig configures the plain-HTTP listener
type HTTPListenerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// TLSConfig defines TLS settings for listeners and origins
type TLSConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	MinVersion         string `yaml:"min_version"` // "1.2" or "1.3"
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// AdminConfig configures the admin listener (metrics, health, route dump)
type AdminConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"` // days
	Compress   bool `yaml:"compress"`
}

// MetricsConfig configures telemetry emission
type MetricsConfig struct {
	Path     string         `yaml:"path"`
	Sampling SamplingConfig `yaml:"sampling"`
}

// SamplingConfig configures request sampling for later inspection.
type SamplingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BufferSize int    `yaml:"buffer_size"`
	TopicURL   string `yaml:"topic_url"` // gocloud.dev/pubsub URL
}

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// CacheConfig configures the edge response cache
type CacheConfig struct {
	Enabled     bool        `yaml:"enabled"`
	Type        string      `yaml:"type"` // "memory" or "redis"
	MaxSize     int         `yaml:"max_size"`
	MaxBodySize int64       `yaml:"max_body_size"`
	Redis       RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis cache backend
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// OriginConfig describes one origin
type OriginConfig struct {
	ID                string               `yaml:"id"`
	Kind              string               `yaml:"kind"`    // "static" or "dynamic"
	Address           string               `yaml:"address"` // bucket URL for static, host[:port] for dynamic
	ProtocolPolicy    string               `yaml:"protocol_policy"`
	DefaultRootObject string               `yaml:"default_root_object"`
	Timeout           time.Duration        `yaml:"timeout"`
	TLS               TLSConfig            `yaml:"tls"`
	Signing           *SigningConfig       `yaml:"signing"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	Function          FunctionConfig       `yaml:"function"`
}

// SigningConfig binds origin authentication to a static origin.
type SigningConfig struct {
	Behavior        string        `yaml:"behavior"` // "always", "never", "if-requested"
	ProtocolVersion string        `yaml:"protocol_version"`
	KeyID           string        `yaml:"key_id"`
	Secret          string        `yaml:"secret"` // base64, at least 32 bytes decoded
	MaxAge          time.Duration `yaml:"max_age"`
}

// CircuitBreakerConfig configures fast-fail for a dynamic origin
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// FunctionConfig makes a dynamic origin invoke a serverless function instead of HTTPS.
type FunctionConfig struct {
	Name   string `yaml:"name"`
	Region string `yaml:"region"`
}

// BehaviorConfig is one entry of the cache behavior table
type BehaviorConfig struct {
	Pattern              string        `yaml:"pattern"`
	Origin               string        `yaml:"origin"`
	AllowedMethods       []string      `yaml:"allowed_methods"`
	CachedMethods        []string      `yaml:"cached_methods"`
	ForwardQueryString   bool          `yaml:"forward_query_string"`
	Cookies              CookiesConfig `yaml:"cookies"`
	ViewerProtocolPolicy string        `yaml:"viewer_protocol_policy"`
	TTL                  TTLConfig     `yaml:"ttl"`
}

// CookiesConfig is the cookie forwarding policy for a behavior
type CookiesConfig struct {
	Forward string   `yaml:"forward"` // "none", "all", "whitelist"
	Names   []string `yaml:"names"`
}

// TTLConfig bounds how long responses for a behavior may be cached
type TTLConfig struct {
	Min     time.Duration `yaml:"min"`
	Default time.Duration `yaml:"default"`
	Max     time.Duration `yaml:"max"`
}

// AccessControlConfig configures the access control filter
type AccessControlConfig struct {
	DefaultAction string             `yaml:"default_action"` // "allow" or "block"
	Sampling      bool               `yaml:"sampling"`
	Rules         []AccessRuleConfig `yaml:"rules"`
}

// AccessRuleConfig defines one prioritized access rule. Exactly one statement
// field must be set.
type AccessRuleConfig struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Action   string `yaml:"action"` // "allow", "block", "count"

	ManagedRuleGroup *ManagedRuleGroupConfig `yaml:"managed_rule_group"`
	Expression       string                  `yaml:"expression"`
	ByteMatch        *ByteMatchConfig        `yaml:"byte_match"`
	IPSet            *IPSetConfig            `yaml:"ip_set"`
	GeoMatch         *GeoMatchConfig         `yaml:"geo_match"`
	RateBased        *RateBasedConfig        `yaml:"rate_based"`
}

// ManagedRuleGroupConfig references a vendor-maintained rule group
type ManagedRuleGroupConfig struct {
	Vendor        string   `yaml:"vendor"`
	Name          string   `yaml:"name"`
	ExcludedRules []string `yaml:"excluded_rules"`
}

// ByteMatchConfig matches a request component against a string
type ByteMatchConfig struct {
	Field                string   `yaml:"field"` // uri_path, query_string, method, header:<name>
	PositionalConstraint string   `yaml:"positional_constraint"`
	SearchString         string   `yaml:"search_string"`
	Transforms           []string `yaml:"transforms"` // lowercase, url_decode
}

// IPSetConfig matches the client address against CIDRs
type IPSetConfig struct {
	Addresses []string `yaml:"addresses"`
}

// GeoMatchConfig matches the client country via a MaxMind database
type GeoMatchConfig struct {
	CountryCodes []string `yaml:"country_codes"`
	Database     string   `yaml:"database"`
}

// RateBasedConfig fires once a client exceeds Limit requests per Window
type RateBasedConfig struct {
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
	MaxKeys int           `yaml:"max_keys"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listeners: ListenersConfig{
			HTTPS: HTTPSListenerConfig{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
			HTTP: HTTPListenerConfig{
				Address:      ":8080",
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
		},
		Admin: AdminConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
			Sampling: SamplingConfig{
				BufferSize: 1024,
				TopicURL:   "mem://edge-samples",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "edgegate",
			SampleRate:  1.0,
		},
		Cache: CacheConfig{
			Type:        "memory",
			MaxSize:     10000,
			MaxBodySize: 1 << 20,
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "edge:cache:",
			},
		},
		AccessControl: AccessControlConfig{
			DefaultAction: "allow",
		},
	}
}
