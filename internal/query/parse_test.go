package query

import (
	"testing"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/gqlerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDL = `
type customers @table(name: "customers", source: "pg_main") @soft_delete(field: "deleted_at") {
  id: Int! @pk
  name: String!
  region: String
  manager_id: Int
  deleted_at: Timestamp
  manager: customers @relation(fields: ["manager_id"], references: ["id"])
  orders: [orders] @relation(fields: ["id"], references: ["customer_id"])
  addresses: [addresses] @relation(fields: ["id"], references: ["customer_id"])
  segments: [segments] @join(fields: ["region"], references: ["region"])
}

type addresses @table(name: "addresses", source: "pg_main") {
  id: Int! @pk
  customer_id: Int!
  city: String!
}

type orders @table(name: "orders", source: "pg_main") {
  id: Int! @pk
  customer_id: Int!
  total: Float!
  created_at: Timestamp!
  customer: customers @relation(fields: ["customer_id"], references: ["id"], kind: INNER)
}

type segments @table(name: "segments", source: "duck_analytics") {
  region: String! @pk
  score: Float
}

type documents @table(name: "documents", source: "pg_main") {
  id: Int! @pk
  category: String
  embedding: Vector @vector(dim: 3)
  area: Geometry @geometry(srid: 4326)
}

type regions @table(name: "regions", source: "duck_analytics") {
  id: Int! @pk
  geom: Geometry @geometry(srid: 4326)
}
`

func testSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.Compile(testSDL, []catalog.DataSource{
		{Name: "pg_main", Kind: catalog.SourcePostgres, DSN: "postgres://local"},
		{Name: "duck_analytics", Kind: catalog.SourceDuckDB, DSN: "analytics.db"},
	})
	require.NoError(t, err)
	return snap
}

func parseOne(t *testing.T, queryText string, vars map[string]interface{}) *Node {
	t.Helper()
	doc, errs := NewParser(testSnapshot(t), 0).Parse(queryText, "", vars)
	require.Empty(t, errs)
	require.Len(t, doc.Selections, 1)
	return doc.Selections[0]
}

func parseErrs(t *testing.T, queryText string) []error {
	t.Helper()
	doc, errs := NewParser(testSnapshot(t), 0).Parse(queryText, "", nil)
	if doc != nil {
		require.Empty(t, doc.Selections)
	}
	require.NotEmpty(t, errs)
	return errs
}

func TestParseSelectWithArguments(t *testing.T) {
	node := parseOne(t, `{
	  customers(filter: {region: {eq: "west"}}, order_by: [{field: "name", direction: DESC}], limit: 10, offset: 5) {
	    id
	    name
	    orders(nested_limit: 3) { id total }
	  }
	}`, nil)

	assert.Equal(t, KindSelect, node.Kind)
	assert.Equal(t, "customers", node.Object.Name)
	assert.Equal(t, []string{"id", "name"}, node.Columns)
	require.NotNil(t, node.Limit)
	assert.Equal(t, 10, *node.Limit)
	require.NotNil(t, node.Offset)
	assert.Equal(t, 5, *node.Offset)
	require.Len(t, node.OrderBy, 1)
	assert.Equal(t, OrderField{Field: "name", Direction: "DESC"}, node.OrderBy[0])

	require.Len(t, node.Children, 1)
	child := node.Children[0]
	assert.Equal(t, KindRelation, child.Kind)
	require.NotNil(t, child.Relation)
	assert.Equal(t, "orders", child.Relation.Target)
	require.NotNil(t, child.NestedLimit)
	assert.Equal(t, 3, *child.NestedLimit)
	assert.Equal(t, gqlerr.Path{"customers", "orders"}, child.Path)
}

func TestParseVariables(t *testing.T) {
	node := parseOne(t, `query q($region: String!, $max: Int) {
	  customers(filter: {region: {eq: $region}}, limit: $max) { id }
	}`, map[string]interface{}{"region": "east", "max": 7})

	require.NotNil(t, node.Limit)
	assert.Equal(t, 7, *node.Limit)
	filter := node.Filter["region"].(map[string]interface{})
	assert.Equal(t, "east", filter["eq"])
}

func TestParseSelectOnePrimaryKey(t *testing.T) {
	node := parseOne(t, `{ customer_by_pk(id: 42) { id name } }`, nil)
	assert.Equal(t, KindSelectOne, node.Kind)
	require.NotNil(t, node.Limit)
	assert.Equal(t, 1, *node.Limit)
	pkFilter := node.Filter["id"].(map[string]interface{})
	assert.Equal(t, 42, pkFilter["eq"])

	errs := parseErrs(t, `{ customer_by_pk { id } }`)
	assert.Equal(t, gqlerr.CodeInvalidArgumentType, gqlerr.CodeOf(errs[0]))
}

func TestParseSimilarity(t *testing.T) {
	node := parseOne(t, `{
	  documents(similarity: {field: "embedding", vector: [0.1, 0.2, 0.3], distance: COSINE, limit: 5},
	            filter: {category: {eq: "books"}}) { id }
	}`, nil)

	require.NotNil(t, node.Similarity)
	assert.Equal(t, "embedding", node.Similarity.Field)
	assert.Equal(t, DistanceCosine, node.Similarity.Distance)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, node.Similarity.Vector)
	assert.Equal(t, 5, node.Similarity.Limit)
}

func TestParseSimilarityDimensionMismatch(t *testing.T) {
	errs := parseErrs(t, `{ documents(similarity: {field: "embedding", vector: [0.1, 0.2]}) { id } }`)
	assert.Equal(t, gqlerr.CodeInvalidArgumentType, gqlerr.CodeOf(errs[0]))
}

func TestParseJoinAndSpatial(t *testing.T) {
	node := parseOne(t, `{
	  documents {
	    id
	    _join(references: "segments", fields: ["category"], references_fields: ["region"]) { score }
	    _spatial(references: "regions", field: "area", references_field: "geom", type: INTERSECTS) { id }
	  }
	}`, nil)

	require.Len(t, node.Children, 2)
	join := node.Children[0]
	assert.Equal(t, KindJoin, join.Kind)
	require.NotNil(t, join.Join)
	assert.Equal(t, "segments", join.Join.Object)
	assert.Equal(t, []string{"category"}, join.Join.Fields)

	spatial := node.Children[1]
	assert.Equal(t, KindSpatial, spatial.Kind)
	require.NotNil(t, spatial.Spatial)
	assert.Equal(t, SpatialIntersects, spatial.Spatial.Predicate)
	assert.Nil(t, spatial.Spatial.Buffer)
}

func TestParseAggregate(t *testing.T) {
	node := parseOne(t, `{
	  orders_aggregate(filter: {total: {gte: 10}}) {
	    key { customer_id }
	    count
	    sum { total }
	  }
	}`, nil)

	assert.Equal(t, KindAggregate, node.Kind)
	require.NotNil(t, node.Aggregate)
	assert.Equal(t, []string{"customer_id"}, node.Aggregate.Keys)
	require.Len(t, node.Aggregate.Aggregations, 2)
	assert.Equal(t, "count", node.Aggregate.Aggregations[0].Func)
	assert.Equal(t, "sum", node.Aggregate.Aggregations[1].Func)
	assert.Equal(t, "total", node.Aggregate.Aggregations[1].Field)
}

func TestParseAggregateRelationKey(t *testing.T) {
	node := parseOne(t, `{
	  orders_aggregate {
	    key { customer { name } created_at }
	    count
	  }
	}`, nil)
	assert.Equal(t, []string{"customer.name", "created_at"}, node.Aggregate.Keys)

	// to-many relations have no single key value to group on
	err := singleErr(t, `{ customers_aggregate { key { orders { total } } count } }`)
	assert.Equal(t, gqlerr.CodeInvalidArgumentType, gqlerr.CodeOf(err))
}

func TestParseInsertWithNestedRows(t *testing.T) {
	doc, errs := NewParser(testSnapshot(t), 0).Parse(`mutation {
	  insert_customers(data: {name: "Acme", addresses: [{city: "Oslo"}, {city: "Bergen"}]}) {
	    affected_rows
	    returning { id name addresses { id city } }
	  }
	}`, "", nil)
	require.Empty(t, errs)
	require.Len(t, doc.Selections, 1)

	node := doc.Selections[0]
	assert.Equal(t, KindInsert, node.Kind)
	require.Len(t, node.Data, 1)
	nested := node.Data[0]["addresses"].([]interface{})
	assert.Len(t, nested, 2)
	assert.Equal(t, []string{"id", "name"}, node.Columns)
	require.Len(t, node.Children, 1)
	assert.Equal(t, "addresses", node.Children[0].Alias)
}

func TestParseMutationReference(t *testing.T) {
	doc, errs := NewParser(testSnapshot(t), 0).Parse(`mutation {
	  new_customer: insert_customers(data: {name: "Acme"}) { returning { id } }
	  insert_orders(data: {customer_id: {from_mutation: "new_customer", field: "id"}, total: 10.5, created_at: "2026-01-01T00:00:00Z"}) {
	    affected_rows
	  }
	}`, "", nil)
	require.Empty(t, errs)
	require.Len(t, doc.Selections, 2)

	ref, ok := MutationRefValue(doc.Selections[1].Data[0]["customer_id"])
	require.True(t, ok)
	assert.Equal(t, &MutationRef{Mutation: "new_customer", Field: "id"}, ref)
}

func TestParsePartialFailureKeepsSiblings(t *testing.T) {
	doc, errs := NewParser(testSnapshot(t), 0).Parse(`{
	  customers { id }
	  nonsense { id }
	}`, "", nil)

	require.Len(t, errs, 1)
	assert.Equal(t, gqlerr.CodeFieldNotFound, gqlerr.CodeOf(errs[0]))
	assert.Equal(t, gqlerr.Path{"nonsense"}, gqlerr.PathOf(errs[0]))
	require.NotNil(t, doc)
	require.Len(t, doc.Selections, 1)
	assert.Equal(t, "customers", doc.Selections[0].Alias)
}

func TestParseDepthLimit(t *testing.T) {
	_, errs := NewParser(testSnapshot(t), 3).Parse(`{
	  customers { orders { customer { orders { id } } } }
	}`, "", nil)
	require.Len(t, errs, 1)
	assert.Equal(t, gqlerr.CodeMaxDepthExceeded, gqlerr.CodeOf(errs[0]))
}

func TestParseFragmentsExpand(t *testing.T) {
	node := parseOne(t, `
	query { customers { ...core } }
	fragment core on customers { id name }
	`, nil)
	assert.Equal(t, []string{"id", "name"}, node.Columns)
}
