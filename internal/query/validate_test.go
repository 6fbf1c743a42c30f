package query

import (
	"testing"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/gqlerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileWith(t *testing.T, sdl string) (*catalog.Snapshot, error) {
	t.Helper()
	return catalog.Compile(sdl, []catalog.DataSource{
		{Name: "pg_main", Kind: catalog.SourcePostgres, DSN: "postgres://local"},
		{Name: "duck_analytics", Kind: catalog.SourceDuckDB, DSN: "analytics.db"},
	})
}

func singleErr(t *testing.T, queryText string) error {
	t.Helper()
	errs := parseErrs(t, queryText)
	require.Len(t, errs, 1)
	return errs[0]
}

func TestValidateUnknownField(t *testing.T) {
	err := singleErr(t, `{ customers { id nickname } }`)
	assert.Equal(t, gqlerr.CodeFieldNotFound, gqlerr.CodeOf(err))
	assert.Equal(t, gqlerr.Path{"customers", "nickname"}, gqlerr.PathOf(err))
}

func TestValidateFilterOperators(t *testing.T) {
	cases := []struct {
		name  string
		query string
		code  gqlerr.Code
	}{
		{
			name:  "unknown operator",
			query: `{ customers(filter: {name: {startsWith: "A"}}) { id } }`,
			code:  gqlerr.CodeInvalidArgumentType,
		},
		{
			name:  "unknown filter field",
			query: `{ customers(filter: {nickname: {eq: "A"}}) { id } }`,
			code:  gqlerr.CodeFieldNotFound,
		},
		{
			name:  "is_null requires boolean",
			query: `{ customers(filter: {region: {is_null: "yes"}}) { id } }`,
			code:  gqlerr.CodeInvalidArgumentType,
		},
		{
			name:  "in requires list",
			query: `{ customers(filter: {region: {in: "west"}}) { id } }`,
			code:  gqlerr.CodeInvalidArgumentType,
		},
		{
			name:  "regex requires string",
			query: `{ customers(filter: {name: {regex: 5}}) { id } }`,
			code:  gqlerr.CodeInvalidArgumentType,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := singleErr(t, tc.query)
			assert.Equal(t, tc.code, gqlerr.CodeOf(err))
		})
	}
}

func TestValidateVectorFieldFilter(t *testing.T) {
	// Null checks are the only legal predicate on vector fields.
	node := parseOne(t, `{ documents(filter: {embedding: {is_null: false}}) { id } }`, nil)
	require.NotNil(t, node.Filter)

	err := singleErr(t, `{ documents(filter: {embedding: {eq: "x"}}) { id } }`)
	assert.Equal(t, gqlerr.CodeUnsupportedFilterTarget, gqlerr.CodeOf(err))
}

func TestValidateCustomJoinFilterRejected(t *testing.T) {
	err := singleErr(t, `{ customers(filter: {segments: {any_of: {score: {gt: 1}}}}) { id } }`)
	assert.Equal(t, gqlerr.CodeUnsupportedFilterTarget, gqlerr.CodeOf(err))
}

func TestValidateRelationFilter(t *testing.T) {
	// Foreign-key to-many relations filter through any_of/all_of/none_of.
	node := parseOne(t, `{ customers(filter: {orders: {any_of: {total: {gt: 100}}}}) { id } }`, nil)
	require.NotNil(t, node.Filter)

	err := singleErr(t, `{ customers(filter: {orders: {total: {gt: 100}}}) { id } }`)
	assert.Equal(t, gqlerr.CodeInvalidArgumentType, gqlerr.CodeOf(err))
}

func TestValidateBooleanComposition(t *testing.T) {
	node := parseOne(t, `{
	  customers(filter: {_or: [{region: {eq: "west"}}, {_and: [{name: {like: "A%"}}, {_not: {region: {is_null: true}}}]}]}) { id }
	}`, nil)
	require.NotNil(t, node.Filter)

	err := singleErr(t, `{ customers(filter: {_or: {region: {eq: "x"}}}) { id } }`)
	assert.Equal(t, gqlerr.CodeInvalidArgumentType, gqlerr.CodeOf(err))
}

func TestValidateOrderByRelationFieldRequiresSelection(t *testing.T) {
	// Scenario: sorting orders by customer.name without selecting it.
	err := singleErr(t, `{ orders(order_by: [{field: "customer.name", direction: ASC}]) { id } }`)
	assert.Equal(t, gqlerr.CodeValidationFailed, gqlerr.CodeOf(err))
	assert.Equal(t, gqlerr.Path{"orders", "order_by"}, gqlerr.PathOf(err))

	// Selecting the relation field makes the same sort legal.
	node := parseOne(t, `{ orders(order_by: [{field: "customer.name", direction: ASC}]) { id customer { name } } }`, nil)
	require.Len(t, node.OrderBy, 1)
}

func TestValidateDistinctOn(t *testing.T) {
	err := singleErr(t, `{ customers(distinct_on: ["region"], order_by: [{field: "name"}]) { id } }`)
	assert.Equal(t, gqlerr.CodeValidationFailed, gqlerr.CodeOf(err))

	node := parseOne(t, `{ customers(distinct_on: ["region"], order_by: [{field: "region"}]) { id } }`, nil)
	assert.Equal(t, []string{"region"}, node.DistinctOn)
}

func TestValidateRequiredFilter(t *testing.T) {
	sdl := testSDL + `
type audit_events @table(name: "audit_events", source: "pg_main") @filter_required(fields: ["occurred_at"]) {
  id: Int! @pk
  occurred_at: Timestamp!
  action: String
}
`
	snap, err := compileWith(t, sdl)
	require.NoError(t, err)

	_, errs := NewParser(snap, 0).Parse(`{ audit_events { id } }`, "", nil)
	require.Len(t, errs, 1)
	assert.Equal(t, gqlerr.CodeMissingRequiredFilter, gqlerr.CodeOf(errs[0]))

	// The required field satisfies the rule at any depth of the boolean tree.
	_, errs = NewParser(snap, 0).Parse(`{
	  audit_events(filter: {_or: [{occurred_at: {gte: "2026-01-01"}}, {_and: [{occurred_at: {is_null: false}}]}]}) { id }
	}`, "", nil)
	assert.Empty(t, errs)
}

func TestMutationRefValueShape(t *testing.T) {
	_, ok := MutationRefValue(map[string]interface{}{"from_mutation": "a"})
	assert.False(t, ok)
	_, ok = MutationRefValue(map[string]interface{}{"from_mutation": "a", "field": "id", "extra": 1})
	assert.False(t, ok)
	_, ok = MutationRefValue("not-a-map")
	assert.False(t, ok)
	ref, ok := MutationRefValue(map[string]interface{}{"from_mutation": "a", "field": "id"})
	require.True(t, ok)
	require.NotNil(t, ref)
	assert.Equal(t, "a", ref.Mutation)
	assert.Equal(t, "id", ref.Field)
}
