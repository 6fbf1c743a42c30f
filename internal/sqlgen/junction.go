package sqlgen

import (
	"fmt"
	"strings"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/query"

	sq "github.com/Masterminds/squirrel"
)

// ParentKeyColumns names the projected junction key columns of a
// many-to-many child statement, one per local key field.
func ParentKeyColumns(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s_%d", ParentKeyColumn, i)
	}
	return out
}

// CompileJunctionChild builds the child statement of a many-to-many
// relation: the junction table joined to the target, constrained to the
// parent key set, with the junction's local key columns projected for
// stitching.
func CompileJunctionChild(d Dialect, snap *catalog.Snapshot, node *query.Node, keys *KeySet) (SQLQuery, error) {
	rel := node.Relation
	if rel == nil || rel.Kind != catalog.RelationManyToMany {
		return SQLQuery{}, fmt.Errorf("node %s is not a many-to-many relation", node.Alias)
	}
	target := node.Object
	junction, err := snap.Object(rel.Junction)
	if err != nil {
		return SQLQuery{}, err
	}

	builder := sq.Select().From(d.QuoteIdent(junction.Table) + " AS " + d.QuoteIdent("j"))

	keyCols := ParentKeyColumns(len(rel.JunctionLocalFields))
	jlocal := make([]string, len(rel.JunctionLocalFields))
	for i, name := range rel.JunctionLocalFields {
		jf := junction.Field(name)
		if jf == nil {
			return SQLQuery{}, fmt.Errorf("junction %s has no field %q", junction.Name, name)
		}
		jlocal[i] = jf.Column
		builder = builder.Column(d.QualifyColumn("j", jf.Column) + " AS " + d.QuoteIdent(keyCols[i]))
	}
	for _, name := range node.Columns {
		f := target.Field(name)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no field %q", target.Name, name)
		}
		builder = builder.Column(d.QualifyColumn("t", f.Column) + " AS " + d.QuoteIdent(name))
	}

	onConds := make([]string, 0, len(rel.RemoteFields))
	for i, remote := range rel.RemoteFields {
		rf := target.Field(remote)
		jf := junction.Field(rel.JunctionRemoteFields[i])
		if jf == nil {
			return SQLQuery{}, fmt.Errorf("junction %s has no field %q", junction.Name, rel.JunctionRemoteFields[i])
		}
		onConds = append(onConds, fmt.Sprintf("%s = %s",
			d.QualifyColumn("t", rf.Column),
			d.QualifyColumn("j", jf.Column)))
	}
	builder = builder.Join(d.QuoteIdent(target.Table) + " AS " + d.QuoteIdent("t") + " ON " + strings.Join(onConds, " AND "))

	if target.SoftDelete != nil && !node.WithDeleted {
		sf := target.Field(target.SoftDelete.Field)
		builder = builder.Where(sq.Eq{d.QualifyColumn("t", sf.Column): nil})
	}
	if cond, err := BuildWhere(d, snap, target, "t", node.Filter); err != nil {
		return SQLQuery{}, err
	} else if cond != nil {
		builder = builder.Where(cond)
	}

	// Correlation against the junction's local key columns.
	if keys != nil {
		jcols := make([]string, len(jlocal))
		for i, jcol := range jlocal {
			jcols[i] = d.QualifyColumn("j", jcol)
		}
		cond, err := tupleIn(jcols, keys.Values)
		if err != nil {
			return SQLQuery{}, err
		}
		builder = builder.Where(cond)
	}

	if node.Limit != nil {
		builder = builder.Limit(uint64(*node.Limit))
	}

	if node.NestedLimit != nil || node.NestedOffset != nil {
		jcols := make([]string, len(jlocal))
		for i, jcol := range jlocal {
			jcols[i] = d.QualifyColumn("j", jcol)
		}
		orderBy := node.NestedOrderBy
		if len(orderBy) == 0 {
			for _, pk := range target.PrimaryKey() {
				orderBy = append(orderBy, query.OrderField{Field: pk.Name, Direction: "ASC"})
			}
		}
		orderExprs := make([]string, 0, len(orderBy))
		for _, of := range orderBy {
			f := target.Field(of.Field)
			if f == nil {
				return SQLQuery{}, fmt.Errorf("object %s has no order field %q", target.Name, of.Field)
			}
			dir := "ASC"
			if strings.EqualFold(of.Direction, "DESC") {
				dir = "DESC"
			}
			orderExprs = append(orderExprs, d.QualifyColumn("t", f.Column)+" "+dir)
		}
		if len(orderExprs) == 0 {
			orderExprs = jcols
		}
		window := "ROW_NUMBER() OVER (PARTITION BY " + strings.Join(jcols, ", ") +
			" ORDER BY " + strings.Join(orderExprs, ", ") + ")"
		inner := builder.Column(window + " AS " + d.QuoteIdent("__rn"))
		rn := d.QuoteIdent("__rn")
		outer := sq.Select("*").FromSelect(inner, "w").OrderBy(rn)
		offset := 0
		if node.NestedOffset != nil {
			offset = *node.NestedOffset
			outer = outer.Where(sq.Gt{rn: offset})
		}
		if node.NestedLimit != nil {
			outer = outer.Where(sq.LtOrEq{rn: offset + *node.NestedLimit})
		}
		return d.build(outer)
	}
	return d.build(builder)
}

// tupleIn renders cols IN (tuples) with an always-false condition for an
// empty key set.
func tupleIn(cols []string, values [][]interface{}) (sq.Sqlizer, error) {
	if len(values) == 0 {
		return sq.Expr("1 = 0"), nil
	}
	if len(cols) == 1 {
		flat := make([]interface{}, len(values))
		for i, tuple := range values {
			flat[i] = tuple[0]
		}
		return sq.Eq{cols[0]: flat}, nil
	}
	tuple := "(" + strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ") + ")"
	placeholders := make([]string, len(values))
	args := make([]interface{}, 0, len(values)*len(cols))
	for i, kv := range values {
		placeholders[i] = tuple
		args = append(args, kv...)
	}
	return sq.Expr("("+strings.Join(cols, ", ")+") IN ("+strings.Join(placeholders, ", ")+")", args...), nil
}
