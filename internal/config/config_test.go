package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GATEKEEPER_OIDC_ISSUER", "https://login.example.com/realms/ops")
	t.Setenv("GATEKEEPER_DOWNSTREAM_URL", "http://ops-service:8081")
}

// TestLoadFrom_Defaults tests that unset values fall back to defaults
func TestLoadFrom_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.ServerAddr)
	assert.Equal(t, "RS256", cfg.OIDC.Algorithm)
	assert.Equal(t, "groups", cfg.OIDC.GroupsClaimField)
	assert.Equal(t, 30*time.Second, cfg.OIDC.MinRefreshInterval)
	assert.Equal(t, 5*time.Minute, cfg.Session.WarnWindow)
	assert.Equal(t, "static", cfg.Authz.Source)
	assert.Equal(t, 60*time.Second, cfg.Authz.CacheTTL)
	assert.Equal(t, 10*time.Minute, cfg.Origins.Window)
	assert.Equal(t, 5, cfg.Origins.AnomalyThreshold)
	assert.Equal(t, 10000, cfg.Origins.MaxTracked)
	assert.False(t, cfg.Server.TrustProxyHeaders)
	assert.Equal(t, []string{"log"}, cfg.Audit.Sinks)
	assert.Equal(t, 200*time.Millisecond, cfg.Audit.InitialBackoff)
	assert.Empty(t, cfg.Routes)
}

// TestLoadFrom_WithEnvironmentVariables tests GATEKEEPER_ prefixed overrides
func TestLoadFrom_WithEnvironmentVariables(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GATEKEEPER_SERVER_ADDR", "0.0.0.0:9090")
	t.Setenv("GATEKEEPER_DEBUG", "true")
	t.Setenv("GATEKEEPER_OIDC_AUDIENCE", "ops-dashboard")
	t.Setenv("GATEKEEPER_ORIGINS_ALLOWED", "https://ops.example.com, http://localhost:5173")
	t.Setenv("GATEKEEPER_AUTHZ_CACHE_TTL", "30s")
	t.Setenv("GATEKEEPER_AUDIT_SINKS", "log,redis")
	t.Setenv("GATEKEEPER_AUDIT_REDIS_ADDR", "localhost:6379")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.ServerAddr)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "ops-dashboard", cfg.OIDC.Audience)
	assert.Equal(t, []string{"https://ops.example.com", "http://localhost:5173"}, cfg.Origins.Allowed)
	assert.Equal(t, 30*time.Second, cfg.Authz.CacheTTL)
	assert.Equal(t, []string{"log", "redis"}, cfg.Audit.Sinks)
}

// TestLoadFrom_WithConfigFile tests YAML loading including the route table
func TestLoadFrom_WithConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	content := `
server_addr: "127.0.0.1:8888"
oidc:
  issuer: "https://file.example.com"
  jwks_url: "https://file.example.com/keys"
  algorithm: "ES256"
downstream:
  url: "http://ops:8081"
  service_key: "file-key"
authz:
  source: "database"
audit:
  sinks: ["log", "database"]
  database_url: "postgres://gk:gk@localhost:5432/gatekeeper"
routes:
  - method: POST
    pattern: /api/flags/{name}
    permission: manage_flags
    action: toggle_flag
    audit: sync
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	v := viper.New()
	v.SetConfigFile(configPath)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8888", cfg.ServerAddr)
	assert.Equal(t, "ES256", cfg.OIDC.Algorithm)
	assert.Equal(t, "https://file.example.com/keys", cfg.OIDC.JWKSURL)
	assert.Equal(t, "file-key", cfg.Downstream.ServiceKey)
	assert.Equal(t, "postgres://gk:gk@localhost:5432/gatekeeper", cfg.Authz.DatabaseURL, "database source falls back to the audit database")
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "/api/flags/{name}", cfg.Routes[0].Pattern)
	assert.Equal(t, "sync", cfg.Routes[0].Audit)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := viper.New()
		SetDefaults(v)
		cfg := &Config{}
		require.NoError(t, v.Unmarshal(cfg))
		cfg.OIDC.Issuer = "https://login.example.com"
		cfg.Downstream.URL = "http://ops:8081"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing issuer", mutate: func(c *Config) { c.OIDC.Issuer = "" }, wantErr: "oidc.issuer"},
		{name: "symmetric algorithm", mutate: func(c *Config) { c.OIDC.Algorithm = "HS256" }, wantErr: "asymmetric"},
		{name: "none algorithm", mutate: func(c *Config) { c.OIDC.Algorithm = "none" }, wantErr: "asymmetric"},
		{name: "missing downstream", mutate: func(c *Config) { c.Downstream.URL = "" }, wantErr: "downstream.url"},
		{name: "unknown source", mutate: func(c *Config) { c.Authz.Source = "ldap" }, wantErr: "authz.source"},
		{name: "rego without path", mutate: func(c *Config) { c.Authz.Source = "rego" }, wantErr: "authz.rego_path"},
		{name: "database without url", mutate: func(c *Config) { c.Authz.Source = "database" }, wantErr: "authz.database_url"},
		{name: "zero threshold", mutate: func(c *Config) { c.Origins.AnomalyThreshold = 0 }, wantErr: "anomaly_threshold"},
		{name: "zero max tracked", mutate: func(c *Config) { c.Origins.MaxTracked = 0 }, wantErr: "max_tracked"},
		{name: "redis sink without addr", mutate: func(c *Config) { c.Audit.Sinks = []string{"redis"} }, wantErr: "redis_addr"},
		{name: "unknown sink", mutate: func(c *Config) { c.Audit.Sinks = []string{"kafka"} }, wantErr: "unknown audit sink"},
		{name: "route without pattern", mutate: func(c *Config) { c.Routes = []RouteConfig{{Method: "GET"}} }, wantErr: "routes[0]"},
		{name: "route bad audit mode", mutate: func(c *Config) {
			c.Routes = []RouteConfig{{Method: "GET", Pattern: "/x", Audit: "later"}}
		}, wantErr: "audit must be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
