package config

import (
	"fmt"
	"strings"
)

var validSourceKinds = map[string]bool{
	"mysql":    true,
	"postgres": true,
	"duckdb":   true,
}

// Validate checks the configuration for inconsistencies that would fail at
// runtime. It returns the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Schema.Path) == "" {
		return fmt.Errorf("schema.path is required")
	}
	if c.Schema.RefreshInterval < 0 {
		return fmt.Errorf("schema.refresh_interval must not be negative")
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one data source is required")
	}
	seen := map[string]bool{}
	for i, s := range c.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, s.Name)
		}
		seen[s.Name] = true
		if !validSourceKinds[s.Kind] {
			return fmt.Errorf("sources[%d] (%s): unsupported kind %q (mysql, postgres, duckdb)", i, s.Name, s.Kind)
		}
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("sources[%d] (%s): dsn or dsn_file is required", i, s.Name)
		}
		if s.Pool.MaxOpen < 0 || s.Pool.MaxIdle < 0 {
			return fmt.Errorf("sources[%d] (%s): pool sizes must not be negative", i, s.Name)
		}
	}

	if c.Engine.MaxDepth < 1 {
		return fmt.Errorf("engine.max_depth must be at least 1")
	}
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine.max_concurrency must be at least 1")
	}
	if c.Engine.StatementTimeout <= 0 {
		return fmt.Errorf("engine.statement_timeout must be positive")
	}

	if c.Auth.OIDCEnabled && strings.TrimSpace(c.Auth.OIDCIssuerURL) == "" {
		return fmt.Errorf("auth.oidc_issuer_url is required when auth.oidc_enabled is true")
	}
	if c.Auth.DefaultRole != "" && len(c.Auth.Roles) > 0 {
		if _, ok := c.Auth.Roles[c.Auth.DefaultRole]; !ok {
			return fmt.Errorf("auth.default_role %q is not defined in auth.roles", c.Auth.DefaultRole)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of valid range (1-65535)", c.Server.Port)
	}
	switch c.Server.TLSMode {
	case "off", "auto":
	case "file":
		if c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_cert_file and server.tls_key_file are required for tls_mode file")
		}
	default:
		return fmt.Errorf("unsupported server.tls_mode %q (off, auto, file)", c.Server.TLSMode)
	}
	if c.Server.RateLimitEnabled && c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("server.rate_limit_rps must be positive when rate limiting is enabled")
	}
	if c.Server.Admin.SchemaReloadEnabled && !c.Auth.OIDCEnabled && c.Server.Admin.AuthToken == "" {
		return fmt.Errorf("server.admin.auth_token is required when the admin endpoint is enabled without OIDC")
	}

	if c.Observability.TraceSampleRatio < 0 || c.Observability.TraceSampleRatio > 1 {
		return fmt.Errorf("observability.trace_sample_ratio must be between 0.0 and 1.0")
	}
	switch c.Observability.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported observability.logging.level %q", c.Observability.Logging.Level)
	}
	switch c.Observability.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported observability.logging.format %q", c.Observability.Logging.Format)
	}

	return nil
}
