package sqlgen

import (
	"fmt"
	"strings"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/query"

	sq "github.com/Masterminds/squirrel"
)

// CompileAggregate builds a grouped aggregation statement. Key fields become
// GROUP BY columns projected under their field names; each aggregation is
// projected under its response alias so the executor can shape the result
// without re-deriving names. Keys reaching through to-one relations turn the
// statement into a join wrapped in a derived table, so grouping always sees
// plain columns.
func CompileAggregate(d Dialect, snap *catalog.Snapshot, node *query.Node) (SQLQuery, error) {
	for _, name := range node.Aggregate.Keys {
		if strings.Contains(name, ".") {
			return compileJoinedAggregate(d, snap, node)
		}
	}

	obj := node.Object
	const alias = "t"
	builder := sq.Select().From(d.QuoteIdent(obj.Table) + " AS " + d.QuoteIdent(alias))

	groupCols := make([]string, 0, len(node.Aggregate.Keys))
	for _, name := range node.Aggregate.Keys {
		f := obj.Field(name)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no field %q", obj.Name, name)
		}
		col := d.QualifyColumn(alias, f.Column)
		groupCols = append(groupCols, col)
		builder = builder.Column(col + " AS " + d.QuoteIdent("key."+name))
	}

	for _, agg := range node.Aggregate.Aggregations {
		expr, err := aggregateExpr(d, node, alias, agg)
		if err != nil {
			return SQLQuery{}, err
		}
		builder = builder.Column(expr + " AS " + d.QuoteIdent(agg.Alias))
	}

	if obj.SoftDelete != nil && !node.WithDeleted {
		sf := obj.Field(obj.SoftDelete.Field)
		builder = builder.Where(sq.Eq{d.QualifyColumn(alias, sf.Column): nil})
	}
	if cond, err := BuildWhere(d, snap, obj, alias, node.Filter); err != nil {
		return SQLQuery{}, err
	} else if cond != nil {
		builder = builder.Where(cond)
	}

	if len(groupCols) > 0 {
		builder = builder.GroupBy(groupCols...).OrderBy(groupCols...)
	}
	if node.Limit != nil {
		builder = builder.Limit(uint64(*node.Limit))
	}
	return d.build(builder)
}

// compileJoinedAggregate handles keys of the form relation.field: the inner
// statement joins each referenced to-one target and projects every grouped
// or aggregated column under a flat name, the outer statement groups over
// the derived table.
func compileJoinedAggregate(d Dialect, snap *catalog.Snapshot, node *query.Node) (SQLQuery, error) {
	obj := node.Object
	const alias = "t"

	inner := sq.Select().From(d.QuoteIdent(obj.Table) + " AS " + d.QuoteIdent(alias))

	type joinTarget struct {
		alias  string
		target *catalog.DataObject
	}
	joins := map[string]*joinTarget{}
	ensureJoin := func(relName string) (*joinTarget, error) {
		if j, ok := joins[relName]; ok {
			return j, nil
		}
		rel := obj.Relation(relName)
		if rel == nil || !rel.ForeignKey || rel.Kind != catalog.RelationOneToOne {
			return nil, fmt.Errorf("aggregate key %q does not name a to-one foreign-key relation of %s", relName, obj.Name)
		}
		target, err := snap.Object(rel.Target)
		if err != nil {
			return nil, err
		}
		j := &joinTarget{alias: fmt.Sprintf("j%d", len(joins)+1), target: target}
		conds := make([]string, 0, len(rel.LocalFields)+1)
		for i, local := range rel.LocalFields {
			conds = append(conds, d.QualifyColumn(alias, obj.Field(local).Column)+" = "+
				d.QualifyColumn(j.alias, target.Field(rel.RemoteFields[i]).Column))
		}
		if target.SoftDelete != nil && !node.WithDeleted {
			sf := target.Field(target.SoftDelete.Field)
			conds = append(conds, d.QualifyColumn(j.alias, sf.Column)+" IS NULL")
		}
		inner = inner.LeftJoin(d.QuoteIdent(target.Table) + " AS " + d.QuoteIdent(j.alias) +
			" ON " + strings.Join(conds, " AND "))
		joins[relName] = j
		return j, nil
	}

	projected := map[string]bool{}
	project := func(col, as string) {
		if projected[as] {
			return
		}
		projected[as] = true
		inner = inner.Column(col + " AS " + d.QuoteIdent(as))
	}

	for _, name := range node.Aggregate.Keys {
		relName, subField, dotted := strings.Cut(name, ".")
		if !dotted {
			f := obj.Field(name)
			if f == nil {
				return SQLQuery{}, fmt.Errorf("object %s has no field %q", obj.Name, name)
			}
			project(d.QualifyColumn(alias, f.Column), name)
			continue
		}
		j, err := ensureJoin(relName)
		if err != nil {
			return SQLQuery{}, err
		}
		f := j.target.Field(subField)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no field %q", j.target.Name, subField)
		}
		project(d.QualifyColumn(j.alias, f.Column), name)
	}
	for _, agg := range node.Aggregate.Aggregations {
		if agg.Func == "count" {
			continue
		}
		f := obj.Field(agg.Field)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no field %q", obj.Name, agg.Field)
		}
		project(d.QualifyColumn(alias, f.Column), agg.Field)
	}

	if obj.SoftDelete != nil && !node.WithDeleted {
		sf := obj.Field(obj.SoftDelete.Field)
		inner = inner.Where(sq.Eq{d.QualifyColumn(alias, sf.Column): nil})
	}
	if cond, err := BuildWhere(d, snap, obj, alias, node.Filter); err != nil {
		return SQLQuery{}, err
	} else if cond != nil {
		inner = inner.Where(cond)
	}

	outer := sq.Select().FromSelect(inner, "s")
	groupCols := make([]string, 0, len(node.Aggregate.Keys))
	for _, name := range node.Aggregate.Keys {
		col := d.QualifyColumn("s", name)
		groupCols = append(groupCols, col)
		outer = outer.Column(col + " AS " + d.QuoteIdent("key."+name))
	}
	for _, agg := range node.Aggregate.Aggregations {
		var expr string
		switch agg.Func {
		case "count":
			expr = "COUNT(*)"
		case "count_distinct":
			expr = "COUNT(DISTINCT " + d.QualifyColumn("s", agg.Field) + ")"
		case "sum", "avg", "min", "max":
			expr = strings.ToUpper(agg.Func) + "(" + d.QualifyColumn("s", agg.Field) + ")"
		default:
			return SQLQuery{}, fmt.Errorf("unknown aggregation %q", agg.Func)
		}
		outer = outer.Column(expr + " AS " + d.QuoteIdent(agg.Alias))
	}
	outer = outer.GroupBy(groupCols...).OrderBy(groupCols...)
	if node.Limit != nil {
		outer = outer.Limit(uint64(*node.Limit))
	}
	return d.build(outer)
}

func aggregateExpr(d Dialect, node *query.Node, alias string, agg query.Aggregation) (string, error) {
	if agg.Func == "count" {
		return "COUNT(*)", nil
	}
	f := node.Object.Field(agg.Field)
	if f == nil {
		return "", fmt.Errorf("object %s has no field %q", node.Object.Name, agg.Field)
	}
	col := d.QualifyColumn(alias, f.Column)
	switch agg.Func {
	case "count_distinct":
		return "COUNT(DISTINCT " + col + ")", nil
	case "sum", "avg", "min", "max":
		return strings.ToUpper(agg.Func) + "(" + col + ")", nil
	}
	return "", fmt.Errorf("unknown aggregation %q", agg.Func)
}
