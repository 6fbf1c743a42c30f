package sqlgen

import (
	"fmt"
	"sort"

	"hugr-engine/internal/catalog"

	sq "github.com/Masterminds/squirrel"
)

// whereBuilder compiles a validated filter tree into squirrel conditions.
// Validation has already rejected unknown fields and operators, so builder
// errors here indicate internal inconsistencies, not user mistakes.
type whereBuilder struct {
	dialect Dialect
	snap    *catalog.Snapshot
	depth   int
}

// BuildWhere compiles a filter tree against obj, with columns qualified by
// alias. A nil filter compiles to no condition.
func BuildWhere(d Dialect, snap *catalog.Snapshot, obj *catalog.DataObject, alias string, filter map[string]interface{}) (sq.Sqlizer, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	wb := &whereBuilder{dialect: d, snap: snap}
	return wb.build(obj, alias, filter)
}

func (wb *whereBuilder) build(obj *catalog.DataObject, alias string, filter map[string]interface{}) (sq.Sqlizer, error) {
	conds := sq.And{}
	for _, key := range sortedKeys(filter) {
		value := filter[key]
		switch key {
		case "_and":
			sub, err := wb.buildList(obj, alias, value)
			if err != nil {
				return nil, err
			}
			conds = append(conds, sq.And(sub))
		case "_or":
			sub, err := wb.buildList(obj, alias, value)
			if err != nil {
				return nil, err
			}
			conds = append(conds, sq.Or(sub))
		case "_not":
			inner, err := wb.build(obj, alias, value.(map[string]interface{}))
			if err != nil {
				return nil, err
			}
			conds = append(conds, not{inner})
		default:
			if f := obj.Field(key); f != nil {
				fieldConds, err := wb.buildField(alias, f, value.(map[string]interface{}))
				if err != nil {
					return nil, err
				}
				conds = append(conds, fieldConds...)
				continue
			}
			rel := obj.Relation(key)
			if rel == nil {
				return nil, fmt.Errorf("filter references unknown member %q of %s", key, obj.Name)
			}
			cond, err := wb.buildRelation(obj, alias, rel, value.(map[string]interface{}))
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return conds, nil
}

func (wb *whereBuilder) buildList(obj *catalog.DataObject, alias string, value interface{}) ([]sq.Sqlizer, error) {
	items := value.([]interface{})
	out := make([]sq.Sqlizer, 0, len(items))
	for _, item := range items {
		cond, err := wb.build(obj, alias, item.(map[string]interface{}))
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

func (wb *whereBuilder) buildField(alias string, f *catalog.Field, ops map[string]interface{}) ([]sq.Sqlizer, error) {
	column := wb.dialect.QualifyColumn(alias, f.Column)
	out := make([]sq.Sqlizer, 0, len(ops))
	for _, op := range sortedKeys(ops) {
		value := ops[op]
		switch op {
		case "eq":
			out = append(out, sq.Eq{column: value})
		case "ne":
			out = append(out, sq.NotEq{column: value})
		case "gt":
			out = append(out, sq.Gt{column: value})
		case "gte":
			out = append(out, sq.GtOrEq{column: value})
		case "lt":
			out = append(out, sq.Lt{column: value})
		case "lte":
			out = append(out, sq.LtOrEq{column: value})
		case "in":
			out = append(out, sq.Eq{column: value})
		case "like":
			out = append(out, sq.Like{column: value})
		case "ilike":
			out = append(out, wb.dialect.ILike(column, value))
		case "regex":
			out = append(out, wb.dialect.Regex(column, value))
		case "is_null":
			if value.(bool) {
				out = append(out, sq.Eq{column: nil})
			} else {
				out = append(out, sq.NotEq{column: nil})
			}
		default:
			return nil, fmt.Errorf("unknown filter operator %q", op)
		}
	}
	return out, nil
}

// buildRelation compiles relation filters as correlated subqueries. To-one
// relations nest the target filter directly; to-many relations come wrapped
// in any_of/all_of/none_of quantifiers.
func (wb *whereBuilder) buildRelation(obj *catalog.DataObject, alias string, rel *catalog.Relation, value map[string]interface{}) (sq.Sqlizer, error) {
	target, err := wb.snap.Object(rel.Target)
	if err != nil {
		return nil, err
	}
	if rel.Kind == catalog.RelationOneToOne {
		return wb.exists(obj, alias, rel, target, value)
	}

	conds := sq.And{}
	for _, op := range sortedKeys(value) {
		nested := value[op].(map[string]interface{})
		switch op {
		case "any_of":
			cond, err := wb.exists(obj, alias, rel, target, nested)
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		case "none_of":
			cond, err := wb.exists(obj, alias, rel, target, nested)
			if err != nil {
				return nil, err
			}
			conds = append(conds, not{cond})
		case "all_of":
			// Every related row matches: no related row violates the filter.
			cond, err := wb.exists(obj, alias, rel, target, map[string]interface{}{"_not": nested})
			if err != nil {
				return nil, err
			}
			conds = append(conds, not{cond})
		default:
			return nil, fmt.Errorf("unknown relation quantifier %q", op)
		}
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return conds, nil
}

// exists builds EXISTS (SELECT 1 FROM target t WHERE correlation AND filter).
// Many-to-many relations route the correlation through the junction table.
func (wb *whereBuilder) exists(obj *catalog.DataObject, alias string, rel *catalog.Relation, target *catalog.DataObject, filter map[string]interface{}) (sq.Sqlizer, error) {
	wb.depth++
	targetAlias := fmt.Sprintf("r%d", wb.depth)

	inner := sq.Select("1").From(wb.dialect.QuoteIdent(target.Table) + " AS " + wb.dialect.QuoteIdent(targetAlias))

	if rel.Kind == catalog.RelationManyToMany {
		junction, err := wb.snap.Object(rel.Junction)
		if err != nil {
			return nil, err
		}
		junctionAlias := fmt.Sprintf("j%d", wb.depth)
		inner = inner.CrossJoin(wb.dialect.QuoteIdent(junction.Table) + " AS " + wb.dialect.QuoteIdent(junctionAlias))
		for i, local := range rel.LocalFields {
			lf := obj.Field(local)
			jf := junction.Field(rel.JunctionLocalFields[i])
			if jf == nil {
				return nil, fmt.Errorf("junction %s has no field %q", junction.Name, rel.JunctionLocalFields[i])
			}
			inner = inner.Where(sq.Expr(fmt.Sprintf("%s = %s",
				wb.dialect.QualifyColumn(junctionAlias, jf.Column),
				wb.dialect.QualifyColumn(alias, lf.Column))))
		}
		for i, remote := range rel.RemoteFields {
			rf := target.Field(remote)
			jf := junction.Field(rel.JunctionRemoteFields[i])
			if jf == nil {
				return nil, fmt.Errorf("junction %s has no field %q", junction.Name, rel.JunctionRemoteFields[i])
			}
			inner = inner.Where(sq.Expr(fmt.Sprintf("%s = %s",
				wb.dialect.QualifyColumn(targetAlias, rf.Column),
				wb.dialect.QualifyColumn(junctionAlias, jf.Column))))
		}
	} else {
		for i, local := range rel.LocalFields {
			lf := obj.Field(local)
			rf := target.Field(rel.RemoteFields[i])
			inner = inner.Where(sq.Expr(fmt.Sprintf("%s = %s",
				wb.dialect.QualifyColumn(targetAlias, rf.Column),
				wb.dialect.QualifyColumn(alias, lf.Column))))
		}
	}

	if target.SoftDelete != nil {
		sf := target.Field(target.SoftDelete.Field)
		inner = inner.Where(sq.Eq{wb.dialect.QualifyColumn(targetAlias, sf.Column): nil})
	}

	if len(filter) > 0 {
		cond, err := wb.build(target, targetAlias, filter)
		if err != nil {
			return nil, err
		}
		inner = inner.Where(cond)
	}

	innerSQL, innerArgs, err := inner.ToSql()
	if err != nil {
		return nil, err
	}
	return sq.Expr("EXISTS ("+innerSQL+")", innerArgs...), nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// not negates any condition, including expression-based ones squirrel has no
// negated form for.
type not struct {
	cond sq.Sqlizer
}

func (n not) ToSql() (string, []interface{}, error) {
	inner, args, err := n.cond.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + inner + ")", args, nil
}
