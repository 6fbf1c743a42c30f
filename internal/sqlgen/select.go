package sqlgen

import (
	"fmt"
	"strings"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/query"

	sq "github.com/Masterminds/squirrel"
)

// RelAliasPrefix prefixes projected columns of to-one relations inlined as
// SQL joins. The executor splits result columns on it when shaping rows.
const RelAliasPrefix = "__rel__"

// KeySet constrains a child statement to rows correlated with a set of
// parent rows. Either Values (literal tuples, for fetch-then-stitch across
// sources) or Subquery (embedded parent key select, same source) is set.
type KeySet struct {
	Fields   []string
	Values   [][]interface{}
	Subquery *SQLQuery
}

// SelectOptions carries the per-statement context the planner decides on.
type SelectOptions struct {
	// Keys correlates a child statement with its parents. Nil for roots.
	Keys *KeySet
	// ExtraFields are projected in addition to the requested columns, used
	// for stitch keys the client did not select.
	ExtraFields []string
	// TextGeometry lists geometry fields projected as WKT so spatial child
	// statements can re-bind them as parameters.
	TextGeometry []string
}

type selectCompiler struct {
	dialect Dialect
	snap    *catalog.Snapshot
	aliasN  int
	joins   map[string]string // child alias -> table alias for inlined to-one relations
}

// CompileSelect builds one SELECT statement for a select, select_one,
// relation, join, or spatial node. To-one foreign-key relations on the same
// source are inlined as SQL joins; everything else becomes its own statement
// correlated through opts.Keys.
func CompileSelect(d Dialect, snap *catalog.Snapshot, node *query.Node, opts SelectOptions) (SQLQuery, error) {
	sc := &selectCompiler{dialect: d, snap: snap, joins: map[string]string{}}
	builder, err := sc.compile(node, opts)
	if err != nil {
		return SQLQuery{}, err
	}
	return d.build(builder)
}

// CompileKeySubquery builds a select with driver-agnostic placeholders for
// embedding into another statement, which finalizes the placeholder format
// for the whole composite.
func CompileKeySubquery(d Dialect, snap *catalog.Snapshot, node *query.Node, opts SelectOptions) (SQLQuery, error) {
	sc := &selectCompiler{dialect: d, snap: snap, joins: map[string]string{}}
	builder, err := sc.compile(node, opts)
	if err != nil {
		return SQLQuery{}, err
	}
	raw, args, err := builder.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: raw, Args: args}, nil
}

func (sc *selectCompiler) compile(node *query.Node, opts SelectOptions) (sq.SelectBuilder, error) {
	obj := node.Object
	const alias = "t"
	builder := sq.Select().From(sc.dialect.QuoteIdent(obj.Table) + " AS " + sc.dialect.QuoteIdent(alias))

	// Projection: requested scalar fields plus stitch keys.
	projected := map[string]bool{}
	for _, name := range append(append([]string{}, node.Columns...), opts.ExtraFields...) {
		if projected[name] {
			continue
		}
		projected[name] = true
		f := obj.Field(name)
		if f == nil {
			return builder, fmt.Errorf("object %s has no field %q", obj.Name, name)
		}
		builder = builder.Column(sc.fieldExpr(alias, f, opts) + " AS " + sc.dialect.QuoteIdent(name))
	}

	// Inline same-source to-one foreign-key relations as joins.
	var err error
	builder, err = sc.joinToOneChildren(builder, obj, alias, node)
	if err != nil {
		return builder, err
	}

	// Soft-deleted rows are invisible unless explicitly requested.
	if obj.SoftDelete != nil && !node.WithDeleted {
		sf := obj.Field(obj.SoftDelete.Field)
		builder = builder.Where(sq.Eq{sc.dialect.QualifyColumn(alias, sf.Column): nil})
	}

	if cond, err := BuildWhere(sc.dialect, sc.snap, obj, alias, node.Filter); err != nil {
		return builder, err
	} else if cond != nil {
		builder = builder.Where(cond)
	}

	if opts.Keys != nil {
		cond, err := sc.keyCondition(obj, alias, opts.Keys)
		if err != nil {
			return builder, err
		}
		builder = builder.Where(cond)
	}

	// Similarity search orders by distance before any explicit sort.
	if node.Similarity != nil {
		f := obj.Field(node.Similarity.Field)
		distExpr, err := sc.dialect.VectorDistance(sc.dialect.QualifyColumn(alias, f.Column), node.Similarity.Distance)
		if err != nil {
			return builder, err
		}
		builder = builder.OrderByClause(distExpr+" ASC", sc.dialect.VectorParam(node.Similarity.Vector))
		if node.Limit == nil {
			builder = builder.Limit(uint64(node.Similarity.Limit))
		}
	}

	orderExprs, err := sc.orderExprs(obj, alias, node, node.OrderBy)
	if err != nil {
		return builder, err
	}
	builder = builder.OrderBy(orderExprs...)

	if len(node.DistinctOn) > 0 {
		builder, err = sc.applyDistinctOn(builder, obj, alias, node)
		if err != nil {
			return builder, err
		}
	}

	if node.Limit != nil {
		builder = builder.Limit(uint64(*node.Limit))
	}
	if node.Offset != nil {
		builder = builder.Offset(uint64(*node.Offset))
	}

	// Per-parent pagination wraps the statement in a ROW_NUMBER window
	// partitioned by the correlation key.
	if opts.Keys != nil && (node.NestedLimit != nil || node.NestedOffset != nil || len(node.NestedOrderBy) > 0) {
		return sc.wrapNestedWindow(builder, obj, alias, node, opts.Keys)
	}
	return builder, nil
}

// fieldExpr renders the projection expression for a field. Geometry fields
// needed for spatial correlation are projected as WKT.
func (sc *selectCompiler) fieldExpr(alias string, f *catalog.Field, opts SelectOptions) string {
	col := sc.dialect.QualifyColumn(alias, f.Column)
	for _, name := range opts.TextGeometry {
		if name == f.Name {
			return "ST_AsText(" + col + ")"
		}
	}
	return col
}

// joinToOneChildren inlines to-one foreign-key relations on the same data
// source as LEFT or INNER joins, projecting their columns under a reserved
// prefix. Deeper to-one chains recurse.
func (sc *selectCompiler) joinToOneChildren(builder sq.SelectBuilder, obj *catalog.DataObject, alias string, node *query.Node) (sq.SelectBuilder, error) {
	for _, child := range node.Children {
		if child.Kind != query.KindRelation || child.Relation == nil {
			continue
		}
		rel := child.Relation
		if rel.Kind != catalog.RelationOneToOne || !rel.ForeignKey {
			continue
		}
		target, err := sc.snap.Object(rel.Target)
		if err != nil {
			return builder, err
		}
		if target.Source != obj.Source {
			continue // cross-source, fetched separately and stitched
		}

		sc.aliasN++
		childAlias := fmt.Sprintf("c%d", sc.aliasN)
		onConds := make([]string, 0, len(rel.LocalFields)+1)
		for i, local := range rel.LocalFields {
			lf := obj.Field(local)
			rf := target.Field(rel.RemoteFields[i])
			onConds = append(onConds, fmt.Sprintf("%s = %s",
				sc.dialect.QualifyColumn(childAlias, rf.Column),
				sc.dialect.QualifyColumn(alias, lf.Column)))
		}
		if target.SoftDelete != nil && !child.WithDeleted {
			sf := target.Field(target.SoftDelete.Field)
			onConds = append(onConds, sc.dialect.QualifyColumn(childAlias, sf.Column)+" IS NULL")
		}
		joinExpr := sc.dialect.QuoteIdent(target.Table) + " AS " + sc.dialect.QuoteIdent(childAlias) + " ON " + strings.Join(onConds, " AND ")
		if rel.Join == catalog.JoinInner || child.Inner {
			builder = builder.InnerJoin(joinExpr)
		} else {
			builder = builder.LeftJoin(joinExpr)
		}
		sc.joins[child.Alias] = childAlias

		if cond, err := BuildWhere(sc.dialect, sc.snap, target, childAlias, child.Filter); err != nil {
			return builder, err
		} else if cond != nil {
			builder = builder.Where(cond)
		}

		for _, colName := range child.Columns {
			f := target.Field(colName)
			if f == nil {
				return builder, fmt.Errorf("object %s has no field %q", target.Name, colName)
			}
			out := RelAliasPrefix + child.Alias + "__" + colName
			builder = builder.Column(sc.dialect.QualifyColumn(childAlias, f.Column) + " AS " + sc.dialect.QuoteIdent(out))
		}

		// Nested to-one chains share the same statement.
		builder, err = sc.joinNested(builder, target, childAlias, child, child.Alias)
		if err != nil {
			return builder, err
		}
	}
	return builder, nil
}

// joinNested handles to-one relations below an already-joined to-one child,
// keeping the flattened column prefix chain.
func (sc *selectCompiler) joinNested(builder sq.SelectBuilder, obj *catalog.DataObject, alias string, node *query.Node, prefix string) (sq.SelectBuilder, error) {
	for _, child := range node.Children {
		if child.Kind != query.KindRelation || child.Relation == nil {
			continue
		}
		rel := child.Relation
		if rel.Kind != catalog.RelationOneToOne || !rel.ForeignKey {
			continue
		}
		target, err := sc.snap.Object(rel.Target)
		if err != nil {
			return builder, err
		}
		if target.Source != obj.Source {
			continue
		}
		sc.aliasN++
		childAlias := fmt.Sprintf("c%d", sc.aliasN)
		onConds := make([]string, 0, len(rel.LocalFields))
		for i, local := range rel.LocalFields {
			lf := obj.Field(local)
			rf := target.Field(rel.RemoteFields[i])
			onConds = append(onConds, fmt.Sprintf("%s = %s",
				sc.dialect.QualifyColumn(childAlias, rf.Column),
				sc.dialect.QualifyColumn(alias, lf.Column)))
		}
		joinExpr := sc.dialect.QuoteIdent(target.Table) + " AS " + sc.dialect.QuoteIdent(childAlias) + " ON " + strings.Join(onConds, " AND ")
		if rel.Join == catalog.JoinInner || child.Inner {
			builder = builder.InnerJoin(joinExpr)
		} else {
			builder = builder.LeftJoin(joinExpr)
		}
		chained := prefix + "__" + child.Alias
		sc.joins[chained] = childAlias
		for _, colName := range child.Columns {
			f := target.Field(colName)
			if f == nil {
				return builder, fmt.Errorf("object %s has no field %q", target.Name, colName)
			}
			out := RelAliasPrefix + chained + "__" + colName
			builder = builder.Column(sc.dialect.QualifyColumn(childAlias, f.Column) + " AS " + sc.dialect.QuoteIdent(out))
		}
		builder, err = sc.joinNested(builder, target, childAlias, child, chained)
		if err != nil {
			return builder, err
		}
	}
	return builder, nil
}

// keyCondition renders the correlation constraint for a child statement.
func (sc *selectCompiler) keyCondition(obj *catalog.DataObject, alias string, keys *KeySet) (sq.Sqlizer, error) {
	cols := make([]string, len(keys.Fields))
	for i, name := range keys.Fields {
		f := obj.Field(name)
		if f == nil {
			return nil, fmt.Errorf("object %s has no correlation field %q", obj.Name, name)
		}
		cols[i] = sc.dialect.QualifyColumn(alias, f.Column)
	}

	if keys.Subquery != nil {
		expr := "(" + strings.Join(cols, ", ") + ") IN (" + keys.Subquery.SQL + ")"
		if len(cols) == 1 {
			expr = cols[0] + " IN (" + keys.Subquery.SQL + ")"
		}
		return sq.Expr(expr, keys.Subquery.Args...), nil
	}

	// An empty key set means no parents matched; the child statement must
	// return nothing.
	return tupleIn(cols, keys.Values)
}

func (sc *selectCompiler) orderExprs(obj *catalog.DataObject, alias string, node *query.Node, orderBy []query.OrderField) ([]string, error) {
	out := make([]string, 0, len(orderBy))
	for _, of := range orderBy {
		dir := "ASC"
		if strings.EqualFold(of.Direction, "DESC") {
			dir = "DESC"
		}
		relName, subField, dotted := strings.Cut(of.Field, ".")
		if !dotted {
			f := obj.Field(of.Field)
			if f == nil {
				return nil, fmt.Errorf("object %s has no order field %q", obj.Name, of.Field)
			}
			out = append(out, sc.dialect.QualifyColumn(alias, f.Column)+" "+dir)
			continue
		}
		// Relation-field sorts resolve against the inlined join alias.
		joinAlias, ok := sc.joins[relName]
		if !ok {
			return nil, fmt.Errorf("order field %q requires relation %q joined on the same source", of.Field, relName)
		}
		rel := obj.Relation(relName)
		target, err := sc.snap.Object(rel.Target)
		if err != nil {
			return nil, err
		}
		f := target.Field(subField)
		if f == nil {
			return nil, fmt.Errorf("object %s has no order field %q", target.Name, subField)
		}
		out = append(out, sc.dialect.QualifyColumn(joinAlias, f.Column)+" "+dir)
	}
	return out, nil
}

// applyDistinctOn uses native DISTINCT ON where the dialect has it and a
// ROW_NUMBER window otherwise. Validation guarantees the first order_by
// entry is one of the distinct fields.
func (sc *selectCompiler) applyDistinctOn(builder sq.SelectBuilder, obj *catalog.DataObject, alias string, node *query.Node) (sq.SelectBuilder, error) {
	cols := make([]string, len(node.DistinctOn))
	for i, name := range node.DistinctOn {
		f := obj.Field(name)
		if f == nil {
			return builder, fmt.Errorf("object %s has no field %q", obj.Name, name)
		}
		cols[i] = sc.dialect.QualifyColumn(alias, f.Column)
	}

	if sc.dialect != DialectMySQL {
		return builder.Options("DISTINCT ON (" + strings.Join(cols, ", ") + ")"), nil
	}

	orderExprs, err := sc.orderExprs(obj, alias, node, node.OrderBy)
	if err != nil {
		return builder, err
	}
	window := "ROW_NUMBER() OVER (PARTITION BY " + strings.Join(cols, ", ") + " ORDER BY " + strings.Join(orderExprs, ", ") + ")"
	inner := builder.Column(window + " AS " + sc.dialect.QuoteIdent("__dn"))
	return sq.Select("*").FromSelect(inner, "d").Where(sq.Eq{sc.dialect.QuoteIdent("__dn"): 1}), nil
}

// wrapNestedWindow applies per-parent pagination: rows are numbered within
// each correlation-key partition and sliced by nested_limit/nested_offset.
func (sc *selectCompiler) wrapNestedWindow(builder sq.SelectBuilder, obj *catalog.DataObject, alias string, node *query.Node, keys *KeySet) (sq.SelectBuilder, error) {
	partCols := make([]string, len(keys.Fields))
	for i, name := range keys.Fields {
		partCols[i] = sc.dialect.QualifyColumn(alias, obj.Field(name).Column)
	}

	orderBy := node.NestedOrderBy
	if len(orderBy) == 0 {
		for _, pk := range obj.PrimaryKey() {
			orderBy = append(orderBy, query.OrderField{Field: pk.Name, Direction: "ASC"})
		}
	}
	orderExprs, err := sc.orderExprs(obj, alias, node, orderBy)
	if err != nil {
		return builder, err
	}
	if len(orderExprs) == 0 {
		orderExprs = partCols
	}

	window := "ROW_NUMBER() OVER (PARTITION BY " + strings.Join(partCols, ", ") +
		" ORDER BY " + strings.Join(orderExprs, ", ") + ")"
	inner := builder.Column(window + " AS " + sc.dialect.QuoteIdent("__rn"))

	rn := sc.dialect.QuoteIdent("__rn")
	outer := sq.Select("*").FromSelect(inner, "w").OrderBy(rn)
	offset := 0
	if node.NestedOffset != nil {
		offset = *node.NestedOffset
		outer = outer.Where(sq.Gt{rn: offset})
	}
	if node.NestedLimit != nil {
		outer = outer.Where(sq.LtOrEq{rn: offset + *node.NestedLimit})
	}
	return outer, nil
}
