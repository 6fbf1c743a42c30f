package planner

import (
	"testing"

	"hugr-engine/internal/gqlerr"
	"hugr-engine/internal/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planMutation(t *testing.T, queryText string) (*Plan, []error) {
	t.Helper()
	snap := testSnapshot(t)
	doc, errs := query.NewParser(snap, 0).Parse(queryText, "", nil)
	require.Empty(t, errs)
	return New(snap).Plan(doc, Options{})
}

func TestPlanInsertWithNestedRows(t *testing.T) {
	p, errs := planMutation(t, `mutation {
	  insert_customers(data: {name: "Acme", addresses: [{city: "Oslo"}, {city: "Bergen"}]}) {
	    affected_rows
	    returning { id name }
	  }
	}`)
	require.Empty(t, errs)
	require.Len(t, p.Mutations, 1)
	assert.Equal(t, "pg_main", p.TxSource)

	step := p.Mutations[0]
	require.Len(t, step.Rows, 1)
	row := step.Rows[0]
	assert.Equal(t, "Acme", row.Values["name"])
	require.Len(t, row.Nested, 1)
	nested := row.Nested[0]
	assert.Equal(t, "addresses", nested.Object.Name)
	assert.Len(t, nested.Rows, 2)
	// parent key fields ride along for foreign-key propagation
	assert.ElementsMatch(t, []string{"id", "name"}, step.Returning)
}

func TestPlanInsertReturningRelationSubtree(t *testing.T) {
	p, errs := planMutation(t, `mutation {
	  insert_customers(data: {name: "Acme", addresses: [{city: "Oslo"}, {city: "Bergen"}]}) {
	    returning { id addresses { id city } }
	  }
	}`)
	require.Empty(t, errs)

	step := p.Mutations[0]
	require.Len(t, step.Children, 1)
	child := step.Children[0]
	assert.Equal(t, "addresses", child.Query.Alias)
	assert.Equal(t, []string{"id"}, child.ParentFields)
	assert.Equal(t, []string{"customer_id"}, child.ChildKeyColumns)
	// the stitch key must be read back even when the client skips it
	assert.Contains(t, step.Returning, "id")

	// the subtree binds against the step's returned rows like any stitch
	require.NotNil(t, child.Bind)
	q, err := child.Bind([]map[string]interface{}{{"id": 1}})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `"t"."customer_id" AS "customer_id"`)
	assert.Contains(t, q.SQL, `"t"."customer_id" IN ($1)`)
	assert.Contains(t, q.Args, 1)
}

func TestPlanMutationReferenceOrdering(t *testing.T) {
	p, errs := planMutation(t, `mutation {
	  new_customer: insert_customers(data: {name: "Acme"}) { returning { id } }
	  insert_orders(data: {customer_id: {from_mutation: "new_customer", field: "id"}, total: 10.5}) { affected_rows }
	}`)
	require.Empty(t, errs)
	require.Len(t, p.Mutations, 2)

	second := p.Mutations[1]
	assert.Equal(t, []string{"new_customer"}, second.DependsOn)
	ref, ok := second.Rows[0].Values["customer_id"].(*query.MutationRef)
	require.True(t, ok)
	assert.Equal(t, "new_customer", ref.Mutation)
	assert.Equal(t, "id", ref.Field)
}

func TestPlanMutationForwardReferenceFails(t *testing.T) {
	_, errs := planMutation(t, `mutation {
	  insert_orders(data: {customer_id: {from_mutation: "later", field: "id"}, total: 1.0}) { affected_rows }
	  later: insert_customers(data: {name: "Acme"}) { returning { id } }
	}`)
	require.Len(t, errs, 1)
	assert.Equal(t, gqlerr.CodePlanningFailed, gqlerr.CodeOf(errs[0]))
}

func TestPlanMutationsCrossSourceRejected(t *testing.T) {
	_, errs := planMutation(t, `mutation {
	  insert_customers(data: {name: "Acme"}) { affected_rows }
	  insert_segments(data: {region: "north"}) { affected_rows }
	}`)
	require.Len(t, errs, 1)
	assert.Equal(t, gqlerr.CodeCrossSourceTransaction, gqlerr.CodeOf(errs[0]))
}

func TestPlanUpdateStep(t *testing.T) {
	p, errs := planMutation(t, `mutation {
	  update_orders(filter: {id: {eq: 3}}, data: {total: 99.5}) {
	    affected_rows
	    returning { id total }
	  }
	}`)
	require.Empty(t, errs)

	step := p.Mutations[0]
	assert.Equal(t, query.KindUpdate, step.Query.Kind)
	assert.Equal(t, map[string]interface{}{"total": 99.5}, step.Set)
	require.NotNil(t, step.Filter)
	assert.ElementsMatch(t, []string{"id", "total"}, step.Returning)
}

func TestPlanDeleteStep(t *testing.T) {
	p, errs := planMutation(t, `mutation {
	  delete_customers(filter: {id: {eq: 5}}, hard: true) { affected_rows }
	}`)
	require.Empty(t, errs)

	step := p.Mutations[0]
	assert.Equal(t, query.KindDelete, step.Query.Kind)
	assert.True(t, step.Hard)
	assert.Equal(t, []string{"id"}, step.Returning)
}
