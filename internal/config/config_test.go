package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hugr-engine/internal/catalog"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Schema: SchemaConfig{Path: "schema.graphql"},
		Sources: []SourceConfig{
			{Name: "pg", Kind: "postgres", DSN: "postgres://local"},
			{Name: "duck", Kind: "duckdb", DSN: "analytics.db", ReadOnly: true},
		},
		Engine: EngineConfig{
			MaxDepth:         20,
			MaxConcurrency:   4,
			StatementTimeout: 30 * time.Second,
		},
		Server: ServerConfig{Port: 8080, TLSMode: "off"},
		Observability: ObservabilityConfig{
			TraceSampleRatio: 1.0,
			Logging:          LoggingConfig{Level: "info", Format: "json"},
		},
	}
}

func TestValidateAcceptsFullConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing schema path", func(c *Config) { c.Schema.Path = "" }, "schema.path"},
		{"no sources", func(c *Config) { c.Sources = nil }, "at least one data source"},
		{"duplicate source", func(c *Config) { c.Sources[1].Name = "pg" }, "duplicate source name"},
		{"bad kind", func(c *Config) { c.Sources[0].Kind = "oracle" }, "unsupported kind"},
		{"missing dsn", func(c *Config) { c.Sources[0].DSN = "" }, "dsn or dsn_file"},
		{"zero depth", func(c *Config) { c.Engine.MaxDepth = 0 }, "max_depth"},
		{"zero timeout", func(c *Config) { c.Engine.StatementTimeout = 0 }, "statement_timeout"},
		{"oidc without issuer", func(c *Config) { c.Auth.OIDCEnabled = true }, "oidc_issuer_url"},
		{"unknown default role", func(c *Config) {
			c.Auth.Roles = map[string]RoleConfig{"viewer": {}}
			c.Auth.DefaultRole = "stranger"
		}, "default_role"},
		{"bad tls mode", func(c *Config) { c.Server.TLSMode = "maybe" }, "tls_mode"},
		{"file tls without cert", func(c *Config) { c.Server.TLSMode = "file" }, "tls_cert_file"},
		{"rate limit without rps", func(c *Config) { c.Server.RateLimitEnabled = true }, "rate_limit_rps"},
		{"admin without token", func(c *Config) { c.Server.Admin.SchemaReloadEnabled = true }, "auth_token"},
		{"bad log level", func(c *Config) { c.Observability.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigFileDecoding(t *testing.T) {
	raw := []byte(`
schema:
  path: schema.graphql
  refresh_interval: 1m
sources:
  - name: pg
    kind: postgres
    dsn: postgres://app@db/app
    pool:
      max_open: 10
  - name: events
    kind: mysql
    dsn: app@tcp(db:3306)/events
    read_only: true
engine:
  statement_timeout: 5s
cache:
  enabled: true
auth:
  default_role: anonymous
  roles:
    anonymous:
      objects:
        customers:
          disabled: true
    viewer:
      objects:
        customers:
          disabled_fields: [email]
          filter:
            region:
              eq: west
`)

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(raw)))

	var cfg Config
	require.NoError(t, v.UnmarshalExact(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToStringSliceHookFunc(","),
		),
	)))

	assert.Equal(t, time.Minute, cfg.Schema.RefreshInterval)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, 10, cfg.Sources[0].Pool.MaxOpen)
	assert.True(t, cfg.Sources[1].ReadOnly)
	assert.Equal(t, 5*time.Second, cfg.Engine.StatementTimeout)

	viewer := cfg.Auth.Roles["viewer"].Objects["customers"]
	assert.Equal(t, []string{"email"}, viewer.DisabledFields)
	assert.Equal(t,
		map[string]interface{}{"region": map[string]interface{}{"eq": "west"}},
		viewer.Filter)
}

func TestResolveSourceDSNFiles(t *testing.T) {
	dsnFile := filepath.Join(t.TempDir(), "dsn")
	require.NoError(t, os.WriteFile(dsnFile, []byte("postgres://secret@db/app\n"), 0o600))

	cfg := &Config{Sources: []SourceConfig{
		{Name: "pg", Kind: "postgres", DSNFile: dsnFile},
		{Name: "duck", Kind: "duckdb", DSN: "analytics.db", DSNFile: dsnFile},
	}}
	require.NoError(t, resolveSourceDSNFiles(cfg))

	assert.Equal(t, "postgres://secret@db/app", cfg.Sources[0].DSN)
	assert.Equal(t, "analytics.db", cfg.Sources[1].DSN, "explicit DSN wins over dsn_file")
}

func TestAuthResolverDecisions(t *testing.T) {
	ac := AuthConfig{
		DefaultRole: "anonymous",
		Roles: map[string]RoleConfig{
			"anonymous": {Objects: map[string]ObjectRuleConfig{
				"customers": {Disabled: true},
			}},
			"viewer": {Objects: map[string]ObjectRuleConfig{
				"customers": {HiddenFields: []string{"email"}},
			}},
		},
	}

	r := ac.Resolver()
	assert.True(t, r.Object("stranger", "customers").Disabled, "unknown roles fall back to the default role")
	assert.True(t, r.Field("viewer", "customers", "email").Hidden)
	assert.False(t, r.Object("viewer", "customers").Disabled)

	open := AuthConfig{}
	assert.False(t, open.Resolver().Object("any", "customers").Disabled)
}

func TestCatalogSources(t *testing.T) {
	cfg := validConfig()
	sources := cfg.CatalogSources()
	require.Len(t, sources, 2)
	assert.Equal(t, catalog.SourcePostgres, sources[0].Kind)
	assert.True(t, sources[1].ReadOnly)
}
