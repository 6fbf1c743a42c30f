// Package planner turns a validated query document into an executable plan:
// a DAG of SQL statements per data source plus the stitch edges that merge
// dependent result sets back together.
package planner

import (
	"hugr-engine/internal/catalog"
	"hugr-engine/internal/query"
	"hugr-engine/internal/sqlgen"
)

// BindFunc compiles a deferred child statement once its parent rows are
// known. Cross-source children and dynamic joins bind this way; everything
// else carries a ready statement.
type BindFunc func(parentRows []map[string]interface{}) (sqlgen.SQLQuery, error)

// ReadNode is one statement of the read plan. Exactly one of SQL and Bind
// is set.
type ReadNode struct {
	Query   *query.Node
	Source  string
	Dialect sqlgen.Dialect

	SQL  *sqlgen.SQLQuery
	Bind BindFunc

	// ParentFields are read from parent rows to build correlation keys;
	// ChildKeyColumns are the child result columns carrying the matching
	// values. Both are empty on roots.
	ParentFields    []string
	ChildKeyColumns []string
	// Single marks to-one stitches: the child attaches as an object, not a
	// list.
	Single bool

	Children []*ReadNode
}

// RowPlan is one insert row: scalar values (literals or mutation
// references) plus nested child inserts that inherit the parent key.
type RowPlan struct {
	Values map[string]interface{}
	Nested []*NestedInsert
}

// NestedInsert carries child rows bound to a parent insert through a
// foreign-key relation.
type NestedInsert struct {
	Relation *catalog.Relation
	Object   *catalog.DataObject
	Rows     []*RowPlan
}

// MutationStep is one mutation of the request, executed in document order
// inside the shared transaction.
type MutationStep struct {
	Query   *query.Node
	Alias   string
	Source  string
	Dialect sqlgen.Dialect
	Object  *catalog.DataObject

	Rows      []*RowPlan             // inserts
	Set       map[string]interface{} // updates
	Filter    map[string]interface{} // updates and deletes, permission-merged
	Hard      bool                   // physical delete despite soft-delete
	Returning []string               // field names the statement must yield
	DependsOn []string               // aliases of earlier steps referenced by value

	// Children are relation subtrees selected under returning. They bind
	// against the step's returned rows the same way read stitches bind
	// against parent rows.
	Children []*ReadNode
}

// Plan is the executable form of one request. Reads and Mutations are
// mutually exclusive per GraphQL operation semantics.
type Plan struct {
	Snapshot  *catalog.Snapshot
	Reads     []*ReadNode
	Mutations []*MutationStep
	// TxSource is the single data source all mutations run against.
	TxSource string
}
