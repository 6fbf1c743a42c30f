package observability

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestInitMeterProviderAndEngineMetrics(t *testing.T) {
	mp, err := InitMeterProvider(Config{
		ServiceName:    "hugr-engine-test",
		ServiceVersion: "0.0.0",
		Environment:    "test",
	})
	require.NoError(t, err)
	require.NotNil(t, mp.Exporter())
	t.Cleanup(func() { _ = mp.Shutdown(context.Background(), quietLogger()) })

	metrics, err := InitMetrics(quietLogger())
	require.NoError(t, err)

	require.NotNil(t, metrics.requestDuration)
	require.NotNil(t, metrics.requestCounter)
	require.NotNil(t, metrics.errorCounter)
	require.NotNil(t, metrics.activeRequests)
	require.NotNil(t, metrics.cacheHits)
	require.NotNil(t, metrics.transformDuration)
	require.NotNil(t, metrics.transformCounter)
}

func TestBuildTLSConfigErrors(t *testing.T) {
	t.Run("missing CA file", func(t *testing.T) {
		_, err := buildTLSConfig(OTLPExporterConfig{TLSCertFile: "/nonexistent/ca.pem"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read OTLP TLS CA file")
	})

	t.Run("CA file is not PEM", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0o600))

		_, err := buildTLSConfig(OTLPExporterConfig{TLSCertFile: path})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse OTLP TLS CA file")
	})

	t.Run("client cert without key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "client.crt")
		require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0o600))

		_, err := buildTLSConfig(OTLPExporterConfig{TLSClientCertFile: path})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "client cert and key must both be set")
	})
}

func TestParseOTLPProtocol(t *testing.T) {
	for raw, want := range map[string]otlpProtocol{
		"":              otlpProtocolGRPC,
		"grpc":          otlpProtocolGRPC,
		"http":          otlpProtocolHTTP,
		"http/protobuf": otlpProtocolHTTP,
		" GRPC ":        otlpProtocolGRPC,
	} {
		got, err := parseOTLPProtocol(raw)
		require.NoError(t, err, "protocol %q", raw)
		assert.Equal(t, want, got, "protocol %q", raw)
	}

	_, err := parseOTLPProtocol("thrift")
	require.Error(t, err)
}

func TestTraceSamplerForRatio(t *testing.T) {
	sample := func(s sdktrace.Sampler, ctx context.Context, id byte) sdktrace.SamplingDecision {
		return s.ShouldSample(sdktrace.SamplingParameters{
			ParentContext: ctx,
			TraceID:       trace.TraceID{id},
			Name:          "op",
		}).Decision
	}

	assert.Equal(t, sdktrace.Drop, sample(traceSamplerForRatio(0), context.Background(), 1))
	assert.Equal(t, sdktrace.RecordAndSample, sample(traceSamplerForRatio(1), context.Background(), 2))

	// Mid-range ratios honor the parent's decision.
	mid := traceSamplerForRatio(0.5)
	sampledParent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{3},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	assert.Equal(t, sdktrace.RecordAndSample, sample(mid, sampledParent, 4))

	droppedParent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{5},
		SpanID:  trace.SpanID{2},
		Remote:  true,
	}))
	assert.Equal(t, sdktrace.Drop, sample(mid, droppedParent, 6))
}
