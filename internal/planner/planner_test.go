package planner

import (
	"testing"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/gqlerr"
	"hugr-engine/internal/query"
	"hugr-engine/internal/sqlgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDL = `
type customers @table(name: "customers", source: "pg_main") @soft_delete(field: "deleted_at") {
  id: Int! @pk
  name: String!
  region: String
  deleted_at: Timestamp
  orders: [orders] @relation(fields: ["id"], references: ["customer_id"])
  addresses: [addresses] @relation(fields: ["id"], references: ["customer_id"])
  tags: [tags] @relation(fields: ["id"], references: ["id"], junction: "customer_tags", junction_fields: ["customer_id"], junction_references: ["tag_id"])
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
  customer: customers @relation(fields: ["customer_id"], references: ["id"], kind: INNER)
}

type tags @table(name: "tags", source: "pg_main") {
  id: Int! @pk
  label: String!
}

type customer_tags @table(name: "customer_tags", source: "pg_main") {
  customer_id: Int! @pk
  tag_id: Int! @pk
}

type segments @table(name: "segments", source: "duck_analytics") {
  region: String! @pk
  score: Float
}

type documents @table(name: "documents", source: "pg_main") {
  id: Int! @pk
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

func plan(t *testing.T, queryText string, opts Options) *Plan {
	t.Helper()
	snap := testSnapshot(t)
	doc, errs := query.NewParser(snap, 0).Parse(queryText, "", nil)
	require.Empty(t, errs)
	p, errs := New(snap).Plan(doc, opts)
	require.Empty(t, errs)
	require.NotNil(t, p)
	return p
}

func TestPlanSameSourceChildEmbedsKeySubquery(t *testing.T) {
	p := plan(t, `{ customers(filter: {region: {eq: "west"}}, limit: 10) { id name orders { id total } } }`, Options{})

	require.Len(t, p.Reads, 1)
	root := p.Reads[0]
	require.NotNil(t, root.SQL)
	assert.Equal(t, "pg_main", root.Source)

	require.Len(t, root.Children, 1)
	child := root.Children[0]
	require.NotNil(t, child.SQL, "same-source to-many child should compile eagerly")
	assert.Nil(t, child.Bind)
	assert.Contains(t, child.SQL.SQL, `"t"."customer_id" AS "customer_id"`,
		"stitch key columns ride along in the child projection")
	assert.Contains(t, child.SQL.SQL, `"t"."customer_id" IN (SELECT`)
	assert.Contains(t, child.SQL.SQL, "LIMIT 10")
	assert.Equal(t, []string{"id"}, child.ParentFields)
	assert.Equal(t, []string{"customer_id"}, child.ChildKeyColumns)
	assert.False(t, child.Single)
}

func TestPlanInlineToOneHasNoChildNode(t *testing.T) {
	p := plan(t, `{ orders { id customer { name } } }`, Options{})

	root := p.Reads[0]
	assert.Empty(t, root.Children)
	require.NotNil(t, root.SQL)
	assert.Contains(t, root.SQL.SQL, `INNER JOIN "customers"`)
	assert.Contains(t, root.SQL.SQL, sqlgen.RelAliasPrefix+"customer__name")
}

func TestPlanDistinctParentFallsBackToKeyBinding(t *testing.T) {
	p := plan(t, `{ customers(distinct_on: ["region"], order_by: [{field: "region"}]) { id orders { id } } }`, Options{})

	child := p.Reads[0].Children[0]
	assert.Nil(t, child.SQL)
	require.NotNil(t, child.Bind)

	q, err := child.Bind([]map[string]interface{}{{"id": 1}, {"id": 2}, {"id": 1}, {"id": nil}})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `"t"."customer_id" IN ($1,$2)`)
	assert.Equal(t, []interface{}{1, 2}, q.Args)
}

func TestPlanBindWithoutUsableKeys(t *testing.T) {
	p := plan(t, `{ customers(distinct_on: ["region"], order_by: [{field: "region"}]) { id orders { id } } }`, Options{})
	child := p.Reads[0].Children[0]

	_, err := child.Bind([]map[string]interface{}{{"id": nil}})
	assert.ErrorIs(t, err, ErrNoParentRows)
}

func TestPlanCrossSourceJoinDefers(t *testing.T) {
	p := plan(t, `{ customers { id region _join(references: "segments", fields: ["region"], references_fields: ["region"]) { score } } }`, Options{})

	root := p.Reads[0]
	require.NotNil(t, root.SQL)
	// the parent projects the join key even though it is also selected
	assert.Contains(t, root.SQL.SQL, `"t"."region" AS "region"`)

	require.Len(t, root.Children, 1)
	child := root.Children[0]
	assert.Equal(t, "duck_analytics", child.Source)
	assert.Nil(t, child.SQL)
	require.NotNil(t, child.Bind)
	assert.Equal(t, []string{"region"}, child.ParentFields)
	assert.Equal(t, []string{"region"}, child.ChildKeyColumns)

	q, err := child.Bind([]map[string]interface{}{{"region": "west"}, {"region": "west"}, {"region": "east"}})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `"t"."region" IN (?,?)`)
	assert.Equal(t, []interface{}{"west", "east"}, q.Args)
}

func TestPlanJunctionChild(t *testing.T) {
	p := plan(t, `{ customers { id tags { label } } }`, Options{})

	child := p.Reads[0].Children[0]
	assert.Equal(t, []string{"__parent_key_0"}, child.ChildKeyColumns)
	require.NotNil(t, child.Bind)

	q, err := child.Bind([]map[string]interface{}{{"id": 1}, {"id": 2}})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, `"j"."customer_id" AS "__parent_key_0"`)
	assert.Contains(t, q.SQL, `JOIN "tags" AS "t" ON "t"."id" = "j"."tag_id"`)
	assert.Contains(t, q.SQL, `"j"."customer_id" IN ($1,$2)`)
}

func TestPlanSpatialChild(t *testing.T) {
	p := plan(t, `{ documents { id _spatial(references: "regions", field: "area", references_field: "geom", type: WITHIN) { id } } }`, Options{})

	root := p.Reads[0]
	require.NotNil(t, root.SQL)
	assert.Contains(t, root.SQL.SQL, `ST_AsText("t"."area") AS "area"`)

	child := root.Children[0]
	assert.Equal(t, []string{sqlgen.ParentKeyColumn}, child.ChildKeyColumns)
	assert.Equal(t, []string{"id"}, child.ParentFields)
	require.NotNil(t, child.Bind)

	q, err := child.Bind([]map[string]interface{}{
		{"id": 1, "area": "POINT(1 1)"},
		{"id": 2, "area": nil},
	})
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "ST_Within(")
	assert.Equal(t, []interface{}{1, "POINT(1 1)"}, q.Args)

	_, err = child.Bind([]map[string]interface{}{{"id": 2, "area": nil}})
	assert.ErrorIs(t, err, ErrNoParentRows)
}

func TestPlanSpatialDWithinRequiresBuffer(t *testing.T) {
	snap := testSnapshot(t)
	doc, errs := query.NewParser(snap, 0).Parse(`{
	  documents { id _spatial(references: "regions", field: "area", references_field: "geom", type: DWITHIN) { id } }
	}`, "", nil)
	require.Empty(t, errs)

	p, planErrs := New(snap).Plan(doc, Options{})
	require.Len(t, planErrs, 1)
	assert.Equal(t, gqlerr.CodePlanningFailed, gqlerr.CodeOf(planErrs[0]))
	assert.Empty(t, p.Reads)
}

func TestPlanRowFilterMerged(t *testing.T) {
	opts := Options{RowFilters: map[string]map[string]interface{}{
		"customers": {"region": map[string]interface{}{"eq": "west"}},
	}}
	p := plan(t, `{ customers(filter: {name: {like: "A%"}}) { id orders { id } } }`, opts)

	root := p.Reads[0]
	assert.Contains(t, root.SQL.SQL, `"t"."region" = `)
	assert.Contains(t, root.SQL.SQL, `"t"."name" LIKE `)

	// the permission filter also constrains the embedded key subquery
	child := root.Children[0]
	require.NotNil(t, child.SQL)
	assert.Contains(t, child.SQL.SQL, `"t"."region" = `)
}

func TestPlanAggregateRoot(t *testing.T) {
	p := plan(t, `{ orders_aggregate { key { customer_id } count } }`, Options{})
	root := p.Reads[0]
	require.NotNil(t, root.SQL)
	assert.Contains(t, root.SQL.SQL, "GROUP BY")
	assert.Empty(t, root.Children)
}

func TestPlanReadRootsFailIndependently(t *testing.T) {
	snap := testSnapshot(t)
	doc, errs := query.NewParser(snap, 0).Parse(`{
	  customers { id }
	  documents { id _spatial(references: "regions", field: "area", references_field: "geom", type: DWITHIN) { id } }
	}`, "", nil)
	require.Empty(t, errs)

	p, planErrs := New(snap).Plan(doc, Options{})
	require.Len(t, planErrs, 1)
	require.Len(t, p.Reads, 1)
	assert.Equal(t, "customers", p.Reads[0].Query.Alias)
}
