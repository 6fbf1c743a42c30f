package gqlrequest

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopeJSONBody(t *testing.T) {
	body := `{
		"query": "query Customers($region: String) { customers { id } }",
		"operationName": "Customers",
		"variables": {"region": "west"},
		"extensions": {"transform": {"stages": ["[.customers[].id]"], "include_origin": true}}
	}`
	r := httptest.NewRequest("POST", "/graphql", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")

	env, err := DecodeEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, "Customers", env.OperationName)
	assert.Contains(t, env.Query, "customers { id }")

	vars, err := env.Variables()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"region": "west"}, vars)

	require.NotNil(t, env.Transform)
	assert.Equal(t, []string{"[.customers[].id]"}, env.Transform.Stages)
	assert.True(t, env.Transform.IncludeOrigin)

	// body is rewound for downstream handlers
	again, err := DecodeEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, env.Query, again.Query)
}

func TestDecodeEnvelopeGraphQLBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/graphql", strings.NewReader(`{ customers { id } }`))
	r.Header.Set("Content-Type", "application/graphql")

	env, err := DecodeEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, `{ customers { id } }`, env.Query)
	assert.Nil(t, env.Transform)
}

func TestDecodeEnvelopeGet(t *testing.T) {
	r := httptest.NewRequest("GET", "/graphql?query=%7B+customers+%7B+id+%7D+%7D&operationName=Q", nil)

	env, err := DecodeEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, "{ customers { id } }", env.Query)
	assert.Equal(t, "Q", env.OperationName)
}

func TestAnalyzeEnvelopeDerivesMetadata(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{
		Query: `query Orders { customers { id orders { id total } } }`,
	})

	require.Nil(t, a.ParseError)
	require.Nil(t, a.SelectionError)
	assert.Equal(t, "Orders", a.OperationName)
	assert.Equal(t, "query", a.OperationType)
	assert.Equal(t, 5, a.FieldCount)
	assert.Equal(t, 3, a.SelectionDepth)
	assert.NotEmpty(t, a.Fingerprint)
}

func TestAnalyzeEnvelopeSelectsNamedOperation(t *testing.T) {
	env := Envelope{
		Query:         `query A { customers { id } } mutation B { delete_customers(filter: {}) { affected_rows } }`,
		OperationName: "B",
	}
	a := AnalyzeEnvelope(env)
	require.Nil(t, a.SelectionError)
	assert.Equal(t, "mutation", a.OperationType)

	env.OperationName = ""
	a = AnalyzeEnvelope(env)
	assert.Error(t, a.SelectionError, "multiple operations require operationName")
}

func TestFingerprintStableAcrossVariables(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{Query: `{ customers { id } }`, VariablesRaw: []byte(`{"a":1}`)})
	b := AnalyzeEnvelope(Envelope{Query: `{ customers { id } }`, VariablesRaw: []byte(`{"a":2}`)})
	c := AnalyzeEnvelope(Envelope{Query: `{ orders { id } }`})

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestExecMetaContextRoundTrip(t *testing.T) {
	ctx := WithExecMeta(t.Context(), ExecMeta{Role: "viewer", OperationType: "query"})
	meta, ok := ExecMetaFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "viewer", meta.Role)

	_, ok = ExecMetaFromContext(t.Context())
	assert.False(t, ok)
}
