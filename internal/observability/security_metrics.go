package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SecurityMetrics counts authentication outcomes and admin endpoint
// access.
type SecurityMetrics struct {
	authAttempts          metric.Int64Counter
	authFailures          metric.Int64Counter
	authSuccesses         metric.Int64Counter
	adminEndpointAccess   metric.Int64Counter
	unauthorizedAttempts  metric.Int64Counter
	tokenValidationErrors metric.Int64Counter
}

// InitSecurityMetrics registers the security instruments on the global
// meter provider.
func InitSecurityMetrics() (*SecurityMetrics, error) {
	meter := otel.Meter("hugr-engine/security")

	counter := func(name, desc string) (metric.Int64Counter, error) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		return c, nil
	}

	m := &SecurityMetrics{}
	var err error
	if m.authAttempts, err = counter("security.auth.attempts.total", "Total number of authentication attempts"); err != nil {
		return nil, err
	}
	if m.authFailures, err = counter("security.auth.failures.total", "Total number of authentication failures"); err != nil {
		return nil, err
	}
	if m.authSuccesses, err = counter("security.auth.successes.total", "Total number of successful authentications"); err != nil {
		return nil, err
	}
	if m.adminEndpointAccess, err = counter("security.admin.access.total", "Total number of admin endpoint access attempts"); err != nil {
		return nil, err
	}
	if m.unauthorizedAttempts, err = counter("security.unauthorized.attempts.total", "Total number of unauthorized access attempts"); err != nil {
		return nil, err
	}
	if m.tokenValidationErrors, err = counter("security.token.validation_errors.total", "Total number of token validation errors"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SecurityMetrics) RecordAuthAttempt(ctx context.Context, endpoint string) {
	m.authAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

func (m *SecurityMetrics) RecordAuthFailure(ctx context.Context, endpoint, reason string) {
	m.authFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}

func (m *SecurityMetrics) RecordAuthSuccess(ctx context.Context, endpoint, issuer string) {
	m.authSuccesses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("issuer", issuer),
	))
}

func (m *SecurityMetrics) RecordAdminEndpointAccess(ctx context.Context, operation string, authenticated bool, success bool) {
	m.adminEndpointAccess.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("authenticated", authenticated),
		attribute.Bool("success", success),
	))
}

func (m *SecurityMetrics) RecordUnauthorizedAttempt(ctx context.Context, endpoint, reason string) {
	m.unauthorizedAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}

func (m *SecurityMetrics) RecordTokenValidationError(ctx context.Context, errorType string) {
	m.tokenValidationErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", errorType),
	))
}
