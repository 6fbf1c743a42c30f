package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds custom metrics for engine request handling.
type EngineMetrics struct {
	requestDuration    metric.Float64Histogram
	requestCounter     metric.Int64Counter
	errorCounter       metric.Int64Counter
	activeRequests     metric.Int64UpDownCounter
	queryDepth         metric.Int64Histogram
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheInvalidations metric.Int64Counter
	transformDuration  metric.Float64Histogram
	transformCounter   metric.Int64Counter
}

// InitEngineMetrics initializes engine-specific metrics.
func InitEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter("hugr-engine")

	requestDuration, err := meter.Float64Histogram(
		"engine.request.duration",
		metric.WithDescription("Duration of GraphQL requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	requestCounter, err := meter.Int64Counter(
		"engine.requests.total",
		metric.WithDescription("Total number of GraphQL requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"engine.errors.total",
		metric.WithDescription("Total number of GraphQL requests completing with errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"engine.requests.active",
		metric.WithDescription("Number of in-flight GraphQL requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}

	queryDepth, err := meter.Int64Histogram(
		"engine.query.depth",
		metric.WithDescription("Selection depth of GraphQL queries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query depth histogram: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"engine.cache.hits",
		metric.WithDescription("Number of responses served from the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"engine.cache.misses",
		metric.WithDescription("Number of cacheable requests not served from the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	cacheInvalidations, err := meter.Int64Counter(
		"engine.cache.invalidations",
		metric.WithDescription("Number of cache tag invalidations triggered by mutations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache invalidations counter: %w", err)
	}

	transformDuration, err := meter.Float64Histogram(
		"engine.transform.duration",
		metric.WithDescription("Duration of JQ transformation chains in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transform duration histogram: %w", err)
	}

	transformCounter, err := meter.Int64Counter(
		"engine.transforms.total",
		metric.WithDescription("Total number of JQ transformation chains"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transform counter: %w", err)
	}

	return &EngineMetrics{
		requestDuration:    requestDuration,
		requestCounter:     requestCounter,
		errorCounter:       errorCounter,
		activeRequests:     activeRequests,
		queryDepth:         queryDepth,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
		cacheInvalidations: cacheInvalidations,
		transformDuration:  transformDuration,
		transformCounter:   transformCounter,
	}, nil
}

// RecordRequest records a GraphQL request with its duration and outcome.
func (m *EngineMetrics) RecordRequest(ctx context.Context, duration time.Duration, hasErrors bool, operationType string) {
	attrs := []attribute.KeyValue{
		attribute.String("operation_type", operationType),
		attribute.Bool("has_errors", hasErrors),
	}

	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if hasErrors {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation_type", operationType),
		))
	}
}

// RecordQueryDepth records the selection depth of a request.
func (m *EngineMetrics) RecordQueryDepth(ctx context.Context, depth int64, operationType string) {
	m.queryDepth.Record(ctx, depth, metric.WithAttributes(
		attribute.String("operation_type", operationType),
	))
}

// RecordCacheHit records a response served from the cache.
func (m *EngineMetrics) RecordCacheHit(ctx context.Context) {
	m.cacheHits.Add(ctx, 1)
}

// RecordCacheMiss records a cacheable request that had to execute.
func (m *EngineMetrics) RecordCacheMiss(ctx context.Context) {
	m.cacheMisses.Add(ctx, 1)
}

// RecordCacheInvalidation records tags invalidated after a mutation.
func (m *EngineMetrics) RecordCacheInvalidation(ctx context.Context, tagCount int64) {
	if tagCount <= 0 {
		return
	}
	m.cacheInvalidations.Add(ctx, tagCount)
}

// RecordTransform records one JQ transformation chain.
func (m *EngineMetrics) RecordTransform(ctx context.Context, duration time.Duration, stages int, failed bool) {
	attrs := []attribute.KeyValue{
		attribute.Int("stages", stages),
		attribute.Bool("failed", failed),
	}
	m.transformDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.transformCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// IncrementActiveRequests increments the active requests counter.
func (m *EngineMetrics) IncrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, 1)
}

// DecrementActiveRequests decrements the active requests counter.
func (m *EngineMetrics) DecrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the EngineMetrics instance.
func InitMetrics(logger *slog.Logger) (*EngineMetrics, error) {
	metrics, err := InitEngineMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine metrics: %w", err)
	}

	logger.Info("custom engine metrics initialized")
	return metrics, nil
}

type engineMetricsContextKey struct{}

// ContextWithEngineMetrics stores engine metrics in the provided context.
func ContextWithEngineMetrics(ctx context.Context, metrics *EngineMetrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, engineMetricsContextKey{}, metrics)
}

// EngineMetricsFromContext retrieves engine metrics from the context.
func EngineMetricsFromContext(ctx context.Context) *EngineMetrics {
	if ctx == nil {
		return nil
	}
	metrics, _ := ctx.Value(engineMetricsContextKey{}).(*EngineMetrics)
	return metrics
}
