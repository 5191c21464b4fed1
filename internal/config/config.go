package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the gatekeeper configuration.
// It is built once at process start and passed by pointer to every component;
// nothing mutates it afterwards.
type Config struct {
	// Server bind address (host:port)
	ServerAddr string `mapstructure:"server_addr"`

	// Enable debug logging
	Debug bool `mapstructure:"debug"`

	Server        ServerConfig        `mapstructure:"server"`
	OIDC          OIDCConfig          `mapstructure:"oidc"`
	Session       SessionConfig       `mapstructure:"session"`
	Authz         AuthzConfig         `mapstructure:"authz"`
	Origins       OriginsConfig       `mapstructure:"origins"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Downstream    DownstreamConfig    `mapstructure:"downstream"`
	Observability ObservabilityConfig `mapstructure:"observability"`

	// Routes overrides the built-in route table when non-empty.
	Routes []RouteConfig `mapstructure:"routes"`
}

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For /
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`
}

// OIDCConfig describes the identity provider whose tokens are accepted.
//
// The gatekeeper is a pure resource server: it never issues tokens, it only
// verifies them against the provider's published JWKS.
type OIDCConfig struct {
	// Issuer is the expected "iss" claim (e.g., "https://login.example.com/realms/ops")
	Issuer string `mapstructure:"issuer"`

	// Audience is the expected "aud" claim. Empty disables the audience check.
	Audience string `mapstructure:"audience"`

	// JWKSURL is the key set endpoint. When empty it is discovered from
	// <issuer>/.well-known/openid-configuration.
	JWKSURL string `mapstructure:"jwks_url"`

	// Algorithm is the only accepted signing algorithm (RS256, ES256, EdDSA...).
	Algorithm string `mapstructure:"algorithm"`

	// JWT claim extraction configuration
	GroupsClaimField string `mapstructure:"groups_claim"` // Default: "groups"
	GroupsClaimPath  string `mapstructure:"groups_path"`  // Optional: for nested extraction (e.g., "name" for [{name:"dev"}])
	EmailClaimField  string `mapstructure:"email_claim"`  // Default: "email"

	// KeyFreshness is the age after which a cached key triggers a background refresh.
	KeyFreshness time.Duration `mapstructure:"key_freshness"`

	// MinRefreshInterval bounds how often an unknown key id may force a JWKS fetch.
	MinRefreshInterval time.Duration `mapstructure:"min_refresh_interval"`

	// FetchTimeout bounds a single JWKS or discovery request.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// SessionConfig controls the near-expiry advisory.
type SessionConfig struct {
	WarnWindow time.Duration `mapstructure:"warn_window"`
}

// AuthzConfig selects and tunes the permission source.
type AuthzConfig struct {
	// Source is "static" (casbin group table), "database" (casbin rules stored
	// in SQL) or "rego" (OPA policy bundle).
	Source string `mapstructure:"source"`

	// PolicyPath is a casbin CSV policy file. Empty uses the embedded default table.
	PolicyPath string `mapstructure:"policy_path"`

	// DatabaseURL holds the casbin_rules table (Source == "database").
	// Empty falls back to audit.database_url.
	DatabaseURL string `mapstructure:"database_url"`

	// RegoPath is the OPA bundle directory or .rego file (Source == "rego").
	RegoPath string `mapstructure:"rego_path"`

	// RegoQuery is the query evaluated against the bundle.
	RegoQuery string `mapstructure:"rego_query"`

	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	CacheSize     int           `mapstructure:"cache_size"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

// OriginsConfig configures the CORS origin guard.
type OriginsConfig struct {
	Allowed          []string      `mapstructure:"allowed"`
	Window           time.Duration `mapstructure:"window"`
	AnomalyThreshold int           `mapstructure:"anomaly_threshold"`
	BufferSize       int           `mapstructure:"buffer_size"`
	RecentLimit      int           `mapstructure:"recent_limit"`
	MaxTracked       int           `mapstructure:"max_tracked"`
}

// AuditConfig configures audit delivery.
type AuditConfig struct {
	// Sinks lists the enabled sinks: "log", "database", "redis".
	Sinks []string `mapstructure:"sinks"`

	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisStream string `mapstructure:"redis_stream"`

	QueueSize       int           `mapstructure:"queue_size"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// DownstreamConfig describes the operations service behind the gatekeeper.
type DownstreamConfig struct {
	URL        string        `mapstructure:"url"`
	ServiceKey string        `mapstructure:"service_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ObservabilityConfig holds OpenTelemetry settings.
type ObservabilityConfig struct {
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool   `mapstructure:"otlp_insecure"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`

	// SampleRatio is the fraction of new traces recorded; parent decisions are honoured.
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// RouteConfig maps a request to the permission it requires and how it is audited.
type RouteConfig struct {
	Method     string `mapstructure:"method"`
	Pattern    string `mapstructure:"pattern"`
	Permission string `mapstructure:"permission"`
	Action     string `mapstructure:"action"`
	Audit      string `mapstructure:"audit"` // "sync", "outcome" or "none"
}

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", "localhost:8080")
	v.SetDefault("debug", false)

	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trust_proxy_headers", false)

	v.SetDefault("oidc.issuer", "")
	v.SetDefault("oidc.audience", "")
	v.SetDefault("oidc.jwks_url", "")
	v.SetDefault("oidc.algorithm", "RS256")
	v.SetDefault("oidc.groups_claim", "groups")
	v.SetDefault("oidc.groups_path", "")
	v.SetDefault("oidc.email_claim", "email")
	v.SetDefault("oidc.key_freshness", time.Hour)
	v.SetDefault("oidc.min_refresh_interval", 30*time.Second)
	v.SetDefault("oidc.fetch_timeout", 3*time.Second)

	v.SetDefault("session.warn_window", 5*time.Minute)

	v.SetDefault("authz.source", "static")
	v.SetDefault("authz.policy_path", "")
	v.SetDefault("authz.database_url", "")
	v.SetDefault("authz.rego_path", "")
	v.SetDefault("authz.rego_query", "data.gatekeeper.grants")
	v.SetDefault("authz.cache_ttl", 60*time.Second)
	v.SetDefault("authz.cache_size", 10000)
	v.SetDefault("authz.lookup_timeout", 2*time.Second)

	v.SetDefault("origins.allowed", []string{})
	v.SetDefault("origins.window", 10*time.Minute)
	v.SetDefault("origins.anomaly_threshold", 5)
	v.SetDefault("origins.buffer_size", 500)
	v.SetDefault("origins.recent_limit", 50)
	v.SetDefault("origins.max_tracked", 10000)

	v.SetDefault("audit.sinks", []string{"log"})
	v.SetDefault("audit.database_url", "")
	v.SetDefault("audit.redis_addr", "")
	v.SetDefault("audit.redis_stream", "gatekeeper:audit")
	v.SetDefault("audit.queue_size", 1000)
	v.SetDefault("audit.initial_backoff", 200*time.Millisecond)
	v.SetDefault("audit.max_backoff", 30*time.Second)
	v.SetDefault("audit.delivery_timeout", 3*time.Second)

	v.SetDefault("downstream.url", "")
	v.SetDefault("downstream.service_key", "")
	v.SetDefault("downstream.timeout", 30*time.Second)

	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_insecure", false)
	v.SetDefault("observability.service_name", "gatekeeper")
	v.SetDefault("observability.service_version", "dev")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.sample_ratio", 1.0)
}

// Load reads configuration from the global viper instance (defaults, optional
// config file, GATEKEEPER_ prefixed environment variables) and validates it.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom builds a Config from the given viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("GATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("gatekeeper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gatekeeper")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// AutomaticEnv does not split list values; accept comma separated origins and sinks.
	cfg.Origins.Allowed = splitList(cfg.Origins.Allowed)
	cfg.Audit.Sinks = splitList(cfg.Audit.Sinks)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the cross-field requirements of the configuration.
func (c *Config) Validate() error {
	if c.OIDC.Issuer == "" {
		return fmt.Errorf("oidc.issuer is required")
	}
	if c.OIDC.Algorithm == "" {
		return fmt.Errorf("oidc.algorithm is required")
	}
	if strings.HasPrefix(strings.ToUpper(c.OIDC.Algorithm), "HS") || strings.EqualFold(c.OIDC.Algorithm, "none") {
		return fmt.Errorf("oidc.algorithm %q is not an asymmetric algorithm", c.OIDC.Algorithm)
	}
	if c.Downstream.URL == "" {
		return fmt.Errorf("downstream.url is required")
	}
	if _, err := url.ParseRequestURI(c.Downstream.URL); err != nil {
		return fmt.Errorf("downstream.url is invalid: %w", err)
	}

	switch c.Authz.Source {
	case "static":
	case "database":
		if c.Authz.DatabaseURL == "" {
			c.Authz.DatabaseURL = c.Audit.DatabaseURL
		}
		if c.Authz.DatabaseURL == "" {
			return fmt.Errorf("authz.database_url is required when authz.source is database")
		}
	case "rego":
		if c.Authz.RegoPath == "" {
			return fmt.Errorf("authz.rego_path is required when authz.source is rego")
		}
	default:
		return fmt.Errorf("authz.source must be static, database or rego, got %q", c.Authz.Source)
	}

	if c.Origins.AnomalyThreshold < 1 {
		return fmt.Errorf("origins.anomaly_threshold must be at least 1")
	}
	if c.Origins.BufferSize < 1 {
		return fmt.Errorf("origins.buffer_size must be at least 1")
	}
	if c.Origins.MaxTracked < 1 {
		return fmt.Errorf("origins.max_tracked must be at least 1")
	}
	if c.Audit.QueueSize < 1 {
		return fmt.Errorf("audit.queue_size must be at least 1")
	}

	for _, sink := range c.Audit.Sinks {
		switch sink {
		case "log":
		case "database":
			if c.Audit.DatabaseURL == "" {
				return fmt.Errorf("audit.database_url is required for the database sink")
			}
		case "redis":
			if c.Audit.RedisAddr == "" {
				return fmt.Errorf("audit.redis_addr is required for the redis sink")
			}
		default:
			return fmt.Errorf("unknown audit sink %q", sink)
		}
	}

	for i, route := range c.Routes {
		if route.Method == "" || route.Pattern == "" {
			return fmt.Errorf("routes[%d]: method and pattern are required", i)
		}
		switch route.Audit {
		case "", "none", "sync", "outcome":
		default:
			return fmt.Errorf("routes[%d]: audit must be sync, outcome or none", i)
		}
	}

	return nil
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
