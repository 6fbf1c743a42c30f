// Package catalog holds the compiled, typed representation of all data
// objects, relations, and directives across every configured data source.
// Snapshots are immutable once published; reload swaps in a new snapshot
// atomically while in-flight requests keep the one they started with.
package catalog

import (
	"fmt"
	"time"
)

// SourceKind identifies the engine behind a data source. The set is closed:
// each kind maps to exactly one SQL dialect in sqlgen.
type SourceKind string

const (
	SourceMySQL    SourceKind = "mysql"
	SourcePostgres SourceKind = "postgres"
	SourceDuckDB   SourceKind = "duckdb"
)

// DataSource describes one configured backing engine.
type DataSource struct {
	Name     string
	Kind     SourceKind
	DSN      string
	ReadOnly bool
}

// FieldType is the semantic type of a data object field.
type FieldType string

const (
	TypeInt       FieldType = "Int"
	TypeBigInt    FieldType = "BigInt"
	TypeFloat     FieldType = "Float"
	TypeString    FieldType = "String"
	TypeBoolean   FieldType = "Boolean"
	TypeTimestamp FieldType = "Timestamp"
	TypeDate      FieldType = "Date"
	TypeJSON      FieldType = "JSON"
	TypeUUID      FieldType = "UUID"
	TypeBytes     FieldType = "Bytes"
	TypeVector    FieldType = "Vector"
	TypeGeometry  FieldType = "Geometry"
)

// Numeric reports whether the type supports ordering comparisons.
func (t FieldType) Numeric() bool {
	switch t {
	case TypeInt, TypeBigInt, TypeFloat:
		return true
	}
	return false
}

// Field is one column of a data object.
type Field struct {
	Name         string
	Column       string
	Type         FieldType
	Nullable     bool
	IsPrimaryKey bool

	// Vector fields only.
	VectorDim int
	// Geometry fields only.
	SRID int
}

// RelationKind is the declared cardinality of a relation edge.
type RelationKind string

const (
	RelationOneToOne   RelationKind = "one_to_one"
	RelationOneToMany  RelationKind = "one_to_many"
	RelationManyToMany RelationKind = "many_to_many"
)

// JoinKind is the default join semantics for a relation.
type JoinKind string

const (
	JoinLeft  JoinKind = "LEFT"
	JoinInner JoinKind = "INNER"
)

// Relation is a typed edge between two data objects.
//
// ForeignKey relations are declared over key column pairs and participate in
// filter push-down. Custom joins (declared with @join) only support result
// restriction via inner: true; filters targeting them are rejected at
// validation time.
type Relation struct {
	Name         string
	Kind         RelationKind
	Target       string
	LocalFields  []string
	RemoteFields []string
	Join         JoinKind
	ForeignKey   bool

	// Many-to-many only.
	Junction             string
	JunctionLocalFields  []string
	JunctionRemoteFields []string
}

// CacheDirective marks an object's read queries as cacheable.
type CacheDirective struct {
	TTL  time.Duration
	Key  string
	Tags []string
}

// SoftDeleteDirective marks an object as soft-deleted via a timestamp field.
type SoftDeleteDirective struct {
	Field string
}

// DataObject is one queryable entity (table or view) bound to a data source.
type DataObject struct {
	Name            string
	Source          string
	Table           string
	IsView          bool
	Fields          []Field
	Relations       []Relation
	Cache           *CacheDirective
	SoftDelete      *SoftDeleteDirective
	RequiredFilters []string
}

// Field returns the field with the given name, or nil.
func (o *DataObject) Field(name string) *Field {
	for i := range o.Fields {
		if o.Fields[i].Name == name {
			return &o.Fields[i]
		}
	}
	return nil
}

// Relation returns the relation with the given name, or nil.
func (o *DataObject) Relation(name string) *Relation {
	for i := range o.Relations {
		if o.Relations[i].Name == name {
			return &o.Relations[i]
		}
	}
	return nil
}

// PrimaryKey returns the primary key fields in declaration order.
func (o *DataObject) PrimaryKey() []Field {
	var pk []Field
	for _, f := range o.Fields {
		if f.IsPrimaryKey {
			pk = append(pk, f)
		}
	}
	return pk
}

// CacheTags returns the invalidation tags for the object: the declared tags
// plus the object name itself.
func (o *DataObject) CacheTags() []string {
	tags := []string{o.Name}
	if o.Cache != nil {
		tags = append(tags, o.Cache.Tags...)
	}
	return tags
}

// Snapshot is one immutable, versioned catalog state.
type Snapshot struct {
	Version     int64
	Fingerprint string
	BuiltAt     time.Time

	objects map[string]*DataObject
	sources map[string]*DataSource

	// queryRoots maps root query field names (plural object name,
	// "<name>_by_pk", "<name>_aggregate") to their object.
	queryRoots map[string]RootBinding
	// mutationRoots maps "insert_<name>", "update_<name>", "delete_<name>".
	mutationRoots map[string]RootBinding
}

// RootOp is the operation class of a root field.
type RootOp string

const (
	OpSelect    RootOp = "select"
	OpSelectOne RootOp = "select_one"
	OpAggregate RootOp = "aggregate"
	OpInsert    RootOp = "insert"
	OpUpdate    RootOp = "update"
	OpDelete    RootOp = "delete"
)

// RootBinding ties a root field name to a data object and operation class.
type RootBinding struct {
	Object *DataObject
	Op     RootOp
}

// Object resolves a data object by name.
func (s *Snapshot) Object(name string) (*DataObject, error) {
	obj, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("unknown data object: %s", name)
	}
	return obj, nil
}

// Source resolves a data source by name.
func (s *Snapshot) Source(name string) (*DataSource, error) {
	src, ok := s.sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown data source: %s", name)
	}
	return src, nil
}

// QueryRoot resolves a top-level query field.
func (s *Snapshot) QueryRoot(field string) (RootBinding, bool) {
	b, ok := s.queryRoots[field]
	return b, ok
}

// MutationRoot resolves a top-level mutation field.
func (s *Snapshot) MutationRoot(field string) (RootBinding, bool) {
	b, ok := s.mutationRoots[field]
	return b, ok
}

// Objects returns all data objects; the slice is freshly allocated but the
// objects themselves are shared and must not be mutated.
func (s *Snapshot) Objects() []*DataObject {
	out := make([]*DataObject, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj)
	}
	return out
}
