// Package query parses and validates GraphQL documents against the catalog,
// producing one typed abstract query tree per top-level selection. Nodes are
// created here, consumed read-only by the planner, and discarded when the
// request completes.
package query

import (
	"hugr-engine/internal/catalog"
	"hugr-engine/internal/gqlerr"
)

// OperationKind distinguishes read and write documents.
type OperationKind string

const (
	OperationQuery    OperationKind = "query"
	OperationMutation OperationKind = "mutation"
)

// Document is the validated form of one GraphQL operation.
type Document struct {
	Operation  OperationKind
	Selections []*Node
}

// NodeKind classifies what a node selects.
type NodeKind string

const (
	KindSelect    NodeKind = "select"
	KindSelectOne NodeKind = "select_one"
	KindAggregate NodeKind = "aggregate"
	KindRelation  NodeKind = "relation"
	KindJoin      NodeKind = "join"
	KindSpatial   NodeKind = "spatial"
	KindInsert    NodeKind = "insert"
	KindUpdate    NodeKind = "update"
	KindDelete    NodeKind = "delete"
)

// IsMutation reports whether the node writes data.
func (k NodeKind) IsMutation() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

// OrderField is one order_by entry. Field may be a dotted path into a
// selected relation (e.g. "customer.name").
type OrderField struct {
	Field     string
	Direction string
}

// DistanceMetric enumerates the supported vector distance metrics.
type DistanceMetric string

const (
	DistanceCosine DistanceMetric = "COSINE"
	DistanceL2     DistanceMetric = "L2"
	DistanceInner  DistanceMetric = "INNER"
)

// SimilaritySpec is a vector nearest-neighbor search request.
type SimilaritySpec struct {
	Field    string
	Vector   []float64
	Distance DistanceMetric
	Limit    int
}

// SpatialPredicate enumerates the supported spatial join predicates.
type SpatialPredicate string

const (
	SpatialIntersects SpatialPredicate = "INTERSECTS"
	SpatialWithin     SpatialPredicate = "WITHIN"
	SpatialContains   SpatialPredicate = "CONTAINS"
	SpatialDisjoint   SpatialPredicate = "DISJOINT"
	SpatialDWithin    SpatialPredicate = "DWITHIN"
)

// SpatialSpec is an ad-hoc spatial join declared with _spatial.
type SpatialSpec struct {
	Object          string
	Field           string
	ReferencesField string
	Predicate       SpatialPredicate
	Buffer          *float64
}

// JoinSpec is an ad-hoc equality join declared with _join.
type JoinSpec struct {
	Object           string
	Fields           []string
	ReferencesFields []string
}

// AggregateSpec describes a bucket aggregation selection.
type AggregateSpec struct {
	Keys         []string
	Aggregations []Aggregation
}

// Aggregation is one aggregate computation.
type Aggregation struct {
	Func  string // count, count_distinct, sum, avg, min, max
	Field string // empty for plain count
	Alias string
}

// MutationRef is a value in mutation data that refers to a field produced by
// an earlier mutation in the same request (e.g. an auto-generated id).
type MutationRef struct {
	Mutation string
	Field    string
}

// Node is one selected field or sub-selection in the parsed query.
type Node struct {
	Kind  NodeKind
	Alias string
	Field string
	Path  gqlerr.Path

	Object   *catalog.DataObject
	Relation *catalog.Relation
	Join     *JoinSpec
	Spatial  *SpatialSpec

	Columns []string

	Filter     map[string]interface{}
	OrderBy    []OrderField
	Limit      *int
	Offset     *int
	DistinctOn []string

	NestedOrderBy []OrderField
	NestedLimit   *int
	NestedOffset  *int

	Similarity *SimilaritySpec
	Aggregate  *AggregateSpec

	Inner       bool
	WithDeleted bool

	// Mutations only.
	Data         []map[string]interface{}
	UpdateSet    map[string]interface{}
	HardDelete   bool
	AffectedRows bool

	Children []*Node
}

// Child returns the child node with the given response alias, or nil.
func (n *Node) Child(alias string) *Node {
	for _, c := range n.Children {
		if c.Alias == alias {
			return c
		}
	}
	return nil
}

// Depth returns the nested-selection depth of the subtree rooted at n.
func (n *Node) Depth() int {
	max := 1
	for _, c := range n.Children {
		if d := c.Depth() + 1; d > max {
			max = d
		}
	}
	return max
}
