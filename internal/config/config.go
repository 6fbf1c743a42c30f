// Package config loads and validates the engine configuration from flags,
// environment variables, and a YAML config file.
package config

import (
	"time"

	"hugr-engine/internal/auth"
	"hugr-engine/internal/catalog"
)

// Config holds the application configuration.
type Config struct {
	Schema        SchemaConfig        `mapstructure:"schema"`
	Sources       []SourceConfig      `mapstructure:"sources"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// SchemaConfig locates the SDL document the catalog is compiled from.
type SchemaConfig struct {
	// Path is the SDL file. Supports "@-" to read from stdin.
	Path string `mapstructure:"path"`
	// RefreshInterval is how often the file is checked for changes.
	// Zero disables background refresh.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// SourceConfig describes one backing database.
type SourceConfig struct {
	Name string `mapstructure:"name"`
	// Kind is one of mysql, postgres, duckdb.
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
	// DSNFile is a path to a file containing the DSN (for secrets
	// management). Supports "@-" to read from stdin.
	DSNFile  string     `mapstructure:"dsn_file"`
	ReadOnly bool       `mapstructure:"read_only"`
	Pool     PoolConfig `mapstructure:"pool"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// EngineConfig bounds query planning and execution.
type EngineConfig struct {
	MaxDepth         int           `mapstructure:"max_depth"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	// ConnectionTimeout is the max time to wait for sources on startup.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ConnectionRetryInterval is the initial interval between connection retries.
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ObjectRuleConfig is one object's permission rules for a role.
type ObjectRuleConfig struct {
	Hidden         bool                   `mapstructure:"hidden"`
	Disabled       bool                   `mapstructure:"disabled"`
	HiddenFields   []string               `mapstructure:"hidden_fields"`
	DisabledFields []string               `mapstructure:"disabled_fields"`
	Filter         map[string]interface{} `mapstructure:"filter"`
}

// RoleConfig is one role's permission table.
type RoleConfig struct {
	Objects map[string]ObjectRuleConfig `mapstructure:"objects"`
}

// AuthConfig holds authentication and authorization parameters.
type AuthConfig struct {
	OIDCEnabled       bool          `mapstructure:"oidc_enabled"`
	OIDCIssuerURL     string        `mapstructure:"oidc_issuer_url"`
	OIDCAudience      string        `mapstructure:"oidc_audience"`
	OIDCClockSkew     time.Duration `mapstructure:"oidc_clock_skew"`
	OIDCSkipTLSVerify bool          `mapstructure:"oidc_skip_tls_verify"`
	// RoleClaimName is the JWT claim carrying the caller's role.
	RoleClaimName string `mapstructure:"role_claim_name"`
	// DefaultRole applies to requests carrying no role.
	DefaultRole string                `mapstructure:"default_role"`
	Roles       map[string]RoleConfig `mapstructure:"roles"`
}

// AdminConfig controls administrative endpoint exposure and authentication.
type AdminConfig struct {
	SchemaReloadEnabled bool   `mapstructure:"schema_reload_enabled"`
	AuthToken           string `mapstructure:"auth_token"`
	AuthTokenFile       string `mapstructure:"auth_token_file"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port                 int           `mapstructure:"port"`
	Admin                AdminConfig   `mapstructure:"admin"`
	RateLimitEnabled     bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRPS         float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	CORSEnabled          bool          `mapstructure:"cors_enabled"`
	CORSAllowedOrigins   []string      `mapstructure:"cors_allowed_origins"`
	CORSAllowedMethods   []string      `mapstructure:"cors_allowed_methods"`
	CORSAllowedHeaders   []string      `mapstructure:"cors_allowed_headers"`
	CORSExposeHeaders    []string      `mapstructure:"cors_expose_headers"`
	CORSAllowCredentials bool          `mapstructure:"cors_allow_credentials"`
	CORSMaxAge           int           `mapstructure:"cors_max_age"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout   time.Duration `mapstructure:"health_check_timeout"`

	// TLS Configuration
	TLSMode        string `mapstructure:"tls_mode"`          // "off", "auto", or "file" (default: "off")
	TLSCertFile    string `mapstructure:"tls_cert_file"`     // Path to certificate file (for "file" mode)
	TLSKeyFile     string `mapstructure:"tls_key_file"`      // Path to private key file (for "file" mode)
	TLSAutoCertDir string `mapstructure:"tls_auto_cert_dir"` // Directory for auto-generated certs (default: ".tls")
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`           // debug, info, warn, error
	Format         string `mapstructure:"format"`          // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"` // Enable OTLP log export
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName      string        `mapstructure:"service_name"`
	ServiceVersion   string        `mapstructure:"service_version"`
	Environment      string        `mapstructure:"environment"`
	MetricsEnabled   bool          `mapstructure:"metrics_enabled"`
	TracingEnabled   bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio float64       `mapstructure:"trace_sample_ratio"`
	Logging          LoggingConfig `mapstructure:"logging"`

	// Global OTLP settings (defaults for all signals)
	OTLP OTLPConfig `mapstructure:"otlp"`

	// Signal-specific overrides (optional)
	Traces  *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs    *OTLPConfig `mapstructure:"logs,omitempty"`
	Metrics *OTLPConfig `mapstructure:"metrics,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // "none", "gzip"
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if c.Traces != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Traces)
	}
	return c.OTLP
}

// GetLogsConfig returns the effective OTLP config for logs
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if c.Logs != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Logs)
	}
	return c.OTLP
}

// GetMetricsConfig returns the effective OTLP config for metrics
func (c *ObservabilityConfig) GetMetricsConfig() OTLPConfig {
	if c.Metrics != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Metrics)
	}
	return c.OTLP
}

// mergeOTLPConfigs merges signal-specific config over global defaults.
func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base

	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	// Insecure is a bool, so an explicit false is indistinguishable from
	// unset. An override struct existing means its Insecure value wins.
	result.Insecure = override.Insecure

	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}

	if override.Headers != nil {
		result.Headers = make(map[string]string)
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	if override.RetryMaxAttempts != 0 {
		result.RetryEnabled = override.RetryEnabled
		result.RetryMaxAttempts = override.RetryMaxAttempts
	}

	return result
}

// CatalogSources converts the configured sources to catalog descriptors.
func (c *Config) CatalogSources() []catalog.DataSource {
	out := make([]catalog.DataSource, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, catalog.DataSource{
			Name:     s.Name,
			Kind:     catalog.SourceKind(s.Kind),
			DSN:      s.DSN,
			ReadOnly: s.ReadOnly,
		})
	}
	return out
}

// Resolver builds the permission resolver from the configured role table.
// An empty table allows everything.
func (c *AuthConfig) Resolver() auth.Resolver {
	if len(c.Roles) == 0 {
		return auth.AllowAll{}
	}
	roles := make(map[string]auth.RolePolicy, len(c.Roles))
	for name, rc := range c.Roles {
		objects := make(map[string]auth.ObjectPolicy, len(rc.Objects))
		for obj, rule := range rc.Objects {
			objects[obj] = auth.ObjectPolicy{
				Hidden:         rule.Hidden,
				Disabled:       rule.Disabled,
				HiddenFields:   rule.HiddenFields,
				DisabledFields: rule.DisabledFields,
				Filter:         rule.Filter,
			}
		}
		roles[name] = auth.RolePolicy{Objects: objects}
	}
	return auth.NewStatic(roles, c.DefaultRole)
}
