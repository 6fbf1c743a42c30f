package planner

import (
	"errors"
	"fmt"
	"strings"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/gqlerr"
	"hugr-engine/internal/query"
	"hugr-engine/internal/sqlgen"
)

// ErrNoParentRows signals a deferred child statement whose parent rows
// carried no usable correlation values. The executor treats it as an empty
// child result, not a failure.
var ErrNoParentRows = errors.New("no parent rows to correlate against")

// Options carries per-request planning context.
type Options struct {
	// RowFilters are permission filters keyed by object name, merged into
	// every statement touching that object.
	RowFilters map[string]map[string]interface{}
}

// Planner builds plans against one catalog snapshot.
type Planner struct {
	snap *catalog.Snapshot
}

func New(snap *catalog.Snapshot) *Planner {
	return &Planner{snap: snap}
}

// Plan compiles a parsed document. Read roots fail independently: a
// planning error on one selection removes it from the plan and is reported
// alongside the surviving roots. Mutation documents fail as a whole since
// they share one transaction.
func (p *Planner) Plan(doc *query.Document, opts Options) (*Plan, []error) {
	plan := &Plan{Snapshot: p.snap}

	if doc.Operation == query.OperationMutation {
		if err := p.planMutations(plan, doc, opts); err != nil {
			return nil, []error{err}
		}
		return plan, nil
	}

	var errs []error
	for _, sel := range doc.Selections {
		rn, err := p.planRead(sel, opts, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		plan.Reads = append(plan.Reads, rn)
	}
	return plan, errs
}

// stitchKind classifies how a child statement correlates with its parent.
type stitchKind int

const (
	stitchRelation stitchKind = iota
	stitchJunction
	stitchJoin
	stitchSpatial
)

// stitch describes the correlation of one pending child plan node.
type stitch struct {
	kind            stitchKind
	parentFields    []string
	childFields     []string // key fields on the child statement
	childKeyColumns []string // result columns carrying the key values
	single          bool
	subquery        *sqlgen.SQLQuery // same-source embedding, relation only
}

func (p *Planner) planRead(node *query.Node, opts Options, sc *stitch) (*ReadNode, error) {
	obj := node.Object
	src, err := p.snap.Source(obj.Source)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodePlanningFailed, node.Path, err)
	}
	dialect, err := sqlgen.ForSource(src.Kind)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodePlanningFailed, node.Path, err)
	}

	rn := &ReadNode{
		Query:   node,
		Source:  obj.Source,
		Dialect: dialect,
	}
	if sc != nil {
		rn.ParentFields = sc.parentFields
		rn.ChildKeyColumns = sc.childKeyColumns
		rn.Single = sc.single
	}

	// Classify children: to-one foreign-key relations on the same source are
	// inlined as SQL joins by the compiler; everything else becomes its own
	// plan node stitched by key.
	var (
		extras   []string
		textGeom []string
		pending  []*query.Node
		stitches []*stitch
	)
	for _, child := range node.Children {
		switch child.Kind {
		case query.KindRelation:
			rel := child.Relation
			sameSource := child.Object.Source == obj.Source
			if rel.Kind == catalog.RelationOneToOne && rel.ForeignKey && sameSource {
				continue
			}
			extras = append(extras, rel.LocalFields...)
			if rel.Kind == catalog.RelationManyToMany {
				pending = append(pending, child)
				stitches = append(stitches, &stitch{
					kind:            stitchJunction,
					parentFields:    rel.LocalFields,
					childKeyColumns: sqlgen.ParentKeyColumns(len(rel.JunctionLocalFields)),
				})
				continue
			}
			st := &stitch{
				kind:            stitchRelation,
				parentFields:    rel.LocalFields,
				childFields:     rel.RemoteFields,
				childKeyColumns: rel.RemoteFields,
				single:          rel.Kind == catalog.RelationOneToOne,
			}
			if sameSource && sc == nil && subqueryable(node) {
				sub, err := p.keySubquery(dialect, node, rel.LocalFields, opts)
				if err != nil {
					return nil, gqlerr.Wrap(gqlerr.CodePlanningFailed, child.Path, err)
				}
				st.subquery = &sub
			}
			pending = append(pending, child)
			stitches = append(stitches, st)

		case query.KindJoin:
			extras = append(extras, child.Join.Fields...)
			pending = append(pending, child)
			stitches = append(stitches, &stitch{
				kind:            stitchJoin,
				parentFields:    child.Join.Fields,
				childFields:     child.Join.ReferencesFields,
				childKeyColumns: child.Join.ReferencesFields,
			})

		case query.KindSpatial:
			if child.Spatial.Predicate == query.SpatialDWithin && child.Spatial.Buffer == nil {
				return nil, gqlerr.New(gqlerr.CodePlanningFailed, child.Path,
					"DWITHIN requires a buffer distance")
			}
			pk := obj.PrimaryKey()
			if len(pk) != 1 {
				return nil, gqlerr.New(gqlerr.CodePlanningFailed, child.Path,
					"spatial joins require a single-column primary key on %s", obj.Name)
			}
			extras = append(extras, pk[0].Name, child.Spatial.Field)
			textGeom = append(textGeom, child.Spatial.Field)
			pending = append(pending, child)
			stitches = append(stitches, &stitch{
				kind: stitchSpatial,
				// the geometry itself is read by the bind closure, only the
				// key participates in stitching
				parentFields:    []string{pk[0].Name},
				childKeyColumns: []string{sqlgen.ParentKeyColumn},
			})
		}
	}

	// The statement projects its own correlation columns for the stitch
	// pass, even when the client did not select them.
	if sc != nil {
		extras = append(extras, sc.childFields...)
	}

	rowFilter := opts.RowFilters[obj.Name]
	stmtNode := node
	if rowFilter != nil {
		withFilter := *node
		withFilter.Filter = mergeFilter(node.Filter, rowFilter)
		stmtNode = &withFilter
	}
	selOpts := sqlgen.SelectOptions{ExtraFields: dedup(extras), TextGeometry: textGeom}

	compile := func(keys *sqlgen.KeySet) (sqlgen.SQLQuery, error) {
		if node.Kind == query.KindAggregate {
			return sqlgen.CompileAggregate(dialect, p.snap, stmtNode)
		}
		if sc != nil && sc.kind == stitchJunction {
			return sqlgen.CompileJunctionChild(dialect, p.snap, stmtNode, keys)
		}
		o := selOpts
		o.Keys = keys
		return sqlgen.CompileSelect(dialect, p.snap, stmtNode, o)
	}

	switch {
	case sc == nil:
		q, err := compile(nil)
		if err != nil {
			return nil, gqlerr.Wrap(gqlerr.CodePlanningFailed, node.Path, err)
		}
		rn.SQL = &q

	case sc.subquery != nil:
		q, err := compile(&sqlgen.KeySet{Fields: sc.childFields, Subquery: sc.subquery})
		if err != nil {
			return nil, gqlerr.Wrap(gqlerr.CodePlanningFailed, node.Path, err)
		}
		rn.SQL = &q

	case sc.kind == stitchSpatial:
		spec := node.Spatial
		keyField := sc.parentFields[0]
		rn.Bind = func(parents []map[string]interface{}) (sqlgen.SQLQuery, error) {
			sps := make([]sqlgen.SpatialParent, 0, len(parents))
			for _, row := range parents {
				wkt, _ := row[spec.Field].(string)
				if wkt == "" {
					continue // null geometry matches nothing
				}
				sps = append(sps, sqlgen.SpatialParent{Key: row[keyField], WKT: wkt})
			}
			if len(sps) == 0 {
				return sqlgen.SQLQuery{}, ErrNoParentRows
			}
			return sqlgen.CompileSpatialChild(dialect, p.snap, stmtNode, sps)
		}

	default:
		fields := sc.childFields
		if sc.kind == stitchJunction {
			fields = nil // junction keys correlate through the junction table
		}
		parentFields := sc.parentFields
		rn.Bind = func(parents []map[string]interface{}) (sqlgen.SQLQuery, error) {
			values := keyTuples(parents, parentFields)
			if len(values) == 0 {
				return sqlgen.SQLQuery{}, ErrNoParentRows
			}
			return compile(&sqlgen.KeySet{Fields: fields, Values: values})
		}
	}

	for i, child := range pending {
		childPlan, err := p.planRead(child, opts, stitches[i])
		if err != nil {
			return nil, err
		}
		rn.Children = append(rn.Children, childPlan)
	}
	return rn, nil
}

// keySubquery compiles the parent statement reduced to its correlation key
// columns, for embedding into a same-source child statement.
func (p *Planner) keySubquery(d sqlgen.Dialect, parent *query.Node, localFields []string, opts Options) (sqlgen.SQLQuery, error) {
	keyNode := *parent
	keyNode.Columns = localFields
	keyNode.Children = nil
	if rf := opts.RowFilters[parent.Object.Name]; rf != nil {
		keyNode.Filter = mergeFilter(parent.Filter, rf)
	}
	return sqlgen.CompileKeySubquery(d, p.snap, &keyNode, sqlgen.SelectOptions{})
}

// subqueryable reports whether the parent's matched key set can be restated
// as a plain key-column subquery. Sorts through joined relations, distinct
// and similarity change the statement shape, so those fall back to key
// binding.
func subqueryable(parent *query.Node) bool {
	if parent.Kind != query.KindSelect && parent.Kind != query.KindSelectOne {
		return false
	}
	if parent.Similarity != nil || len(parent.DistinctOn) > 0 {
		return false
	}
	for _, of := range parent.OrderBy {
		if strings.Contains(of.Field, ".") {
			return false
		}
	}
	return true
}

// keyTuples extracts distinct, fully non-null correlation tuples from
// parent rows.
func keyTuples(parents []map[string]interface{}, fields []string) [][]interface{} {
	seen := map[string]struct{}{}
	out := make([][]interface{}, 0, len(parents))
	for _, row := range parents {
		tuple := make([]interface{}, len(fields))
		key := ""
		usable := true
		for i, f := range fields {
			v, ok := row[f]
			if !ok || v == nil {
				usable = false
				break
			}
			tuple[i] = v
			key += keyString(v) + "\x1f"
		}
		if !usable {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tuple)
	}
	return out
}

func keyString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func mergeFilter(filter, extra map[string]interface{}) map[string]interface{} {
	if len(extra) == 0 {
		return filter
	}
	if len(filter) == 0 {
		return extra
	}
	return map[string]interface{}{"_and": []interface{}{filter, extra}}
}

func dedup(fields []string) []string {
	seen := map[string]struct{}{}
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
