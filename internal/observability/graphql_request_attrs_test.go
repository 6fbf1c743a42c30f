package observability

import (
	"context"
	"testing"

	"hugr-engine/internal/gqlrequest"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestGraphQLSpanAttributes(t *testing.T) {
	analysis := &gqlrequest.Analysis{
		Envelope: gqlrequest.Envelope{
			Query:             "query Q { customers { id } }",
			DocumentSizeBytes: 28,
			Transform:         &gqlrequest.TransformRequest{Stages: []string{".customers"}},
		},
		RequestedOperationName: "Q",
		OperationName:          "Q",
		OperationType:          "query",
		Fingerprint:            "fp-1",
		FieldCount:             2,
		SelectionDepth:         2,
		VariableCount:          1,
		Operation:              &ast.OperationDefinition{},
	}
	meta := gqlrequest.ExecMeta{Role: "viewer"}

	attrs := GraphQLSpanAttributes(analysis, meta)
	assert.NotEmpty(t, attrs)

	keys := make([]string, 0, len(attrs))
	for _, a := range attrs {
		keys = append(keys, string(a.Key))
	}
	assert.Contains(t, keys, "graphql.operation.type")
	assert.Contains(t, keys, "graphql.request.fingerprint")
	assert.Contains(t, keys, "graphql.transform.stages")
	assert.Contains(t, keys, "auth.role")
}

func TestGraphQLLogFieldsIncludesTraceID(t *testing.T) {
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
		Remote:  true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)
	fields := GraphQLLogFields(ctx, &gqlrequest.Analysis{
		RequestedOperationName: "Q",
		OperationName:          "Q",
		OperationType:          "query",
		Fingerprint:            "fp-1",
	}, gqlrequest.ExecMeta{Role: "viewer"})

	assert.NotEmpty(t, fields)
}
