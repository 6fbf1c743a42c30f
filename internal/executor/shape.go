package executor

import (
	"fmt"
	"strings"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/query"
	"hugr-engine/internal/sqlgen"
)

// shapedRow keeps a shaped response object next to its raw result row so the
// parent can read stitch key columns the client never selected.
type shapedRow struct {
	raw  map[string]interface{}
	data map[string]interface{}
}

// shapeRoot converts one executed root into its response value.
func shapeRoot(rs *resultSet) interface{} {
	q := rs.node.Query
	if q.Kind == query.KindAggregate {
		return shapeAggregate(q, rs.rows)
	}
	shaped := shapeSet(rs)
	if q.Kind == query.KindSelectOne {
		if len(shaped) == 0 {
			return nil
		}
		return shaped[0].data
	}
	out := make([]interface{}, len(shaped))
	for i, s := range shaped {
		out[i] = s.data
	}
	return out
}

// shapeSet shapes a node's rows and stitches its executed children in by
// correlation key. Parents whose inner-joined child matched nothing are
// dropped.
func shapeSet(rs *resultSet) []shapedRow {
	// Group each child's shaped rows by stitch key first.
	grouped := make([]map[string][]shapedRow, len(rs.children))
	for i, crs := range rs.children {
		byKey := map[string][]shapedRow{}
		if crs != nil {
			for _, s := range shapeSet(crs) {
				k, ok := stitchKey(s.raw, crs.node.ChildKeyColumns)
				if !ok {
					continue
				}
				byKey[k] = append(byKey[k], s)
			}
		}
		grouped[i] = byKey
	}

	out := make([]shapedRow, 0, len(rs.rows))
rows:
	for _, raw := range rs.rows {
		data := shapeRow(rs.node.Query, raw)
		for i, crs := range rs.children {
			child := crs.node
			cq := child.Query

			var matches []shapedRow
			if k, ok := stitchKey(raw, child.ParentFields); ok {
				matches = grouped[i][k]
			}
			if cq.Inner && len(matches) == 0 {
				continue rows
			}
			if child.Single {
				if len(matches) == 0 {
					data[cq.Alias] = nil
				} else {
					data[cq.Alias] = matches[0].data
				}
				continue
			}
			list := make([]interface{}, len(matches))
			for j, m := range matches {
				list[j] = m.data
			}
			data[cq.Alias] = list
		}
		out = append(out, shapedRow{raw: raw, data: data})
	}
	return out
}

// shapeRow projects the requested scalar columns and unflattens the columns
// of to-one relations that were inlined as SQL joins.
func shapeRow(q *query.Node, raw map[string]interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(q.Columns)+len(q.Children))
	for _, col := range q.Columns {
		data[col] = raw[col]
	}
	inlineToOne(q, raw, data, "")
	return data
}

// inlineToOne rebuilds nested objects from the prefixed columns an inlined
// to-one join projected. Relations fetched as separate statements carry no
// prefixed columns and are left to the stitch pass.
func inlineToOne(q *query.Node, raw map[string]interface{}, out map[string]interface{}, prefix string) {
	for _, child := range q.Children {
		if child.Kind != query.KindRelation || child.Relation == nil {
			continue
		}
		rel := child.Relation
		if rel.Kind != catalog.RelationOneToOne || !rel.ForeignKey {
			continue
		}
		chain := child.Alias
		if prefix != "" {
			chain = prefix + "__" + child.Alias
		}

		nested := make(map[string]interface{}, len(child.Columns))
		found := false
		for _, col := range child.Columns {
			v, ok := raw[sqlgen.RelAliasPrefix+chain+"__"+col]
			if !ok {
				continue
			}
			found = true
			nested[col] = v
		}
		if !found {
			continue
		}
		inlineToOne(child, raw, nested, chain)

		// A left join with no match projects all-null columns; the response
		// carries a null object instead.
		nonNull := false
		for _, v := range nested {
			if v != nil {
				nonNull = true
				break
			}
		}
		if !nonNull {
			out[child.Alias] = nil
			continue
		}
		out[child.Alias] = nested
	}
}

// shapeAggregate rebuilds the nested aggregate response from the dotted
// column aliases the statement projected.
func shapeAggregate(q *query.Node, rows []map[string]interface{}) interface{} {
	shaped := make([]interface{}, 0, len(rows))
	for _, raw := range rows {
		m := map[string]interface{}{}
		if len(q.Aggregate.Keys) > 0 {
			key := make(map[string]interface{}, len(q.Aggregate.Keys))
			for _, name := range q.Aggregate.Keys {
				// relation-path keys nest under their relation name
				setDotted(key, name, raw["key."+name])
			}
			m["key"] = key
		}
		for _, agg := range q.Aggregate.Aggregations {
			setDotted(m, agg.Alias, raw[agg.Alias])
		}
		shaped = append(shaped, m)
	}

	// Ungrouped aggregates yield a single object.
	if len(q.Aggregate.Keys) == 0 {
		if len(shaped) == 0 {
			return nil
		}
		return shaped[0]
	}
	return shaped
}

func setDotted(m map[string]interface{}, alias string, v interface{}) {
	head, rest, dotted := strings.Cut(alias, ".")
	if !dotted {
		m[alias] = v
		return
	}
	sub, _ := m[head].(map[string]interface{})
	if sub == nil {
		sub = map[string]interface{}{}
		m[head] = sub
	}
	setDotted(sub, rest, v)
}

// stitchKey joins the given fields of a row into one comparable key. A
// missing or null component makes the row unmatchable.
func stitchKey(row map[string]interface{}, fields []string) (string, bool) {
	var b strings.Builder
	for _, f := range fields {
		v, ok := row[f]
		if !ok || v == nil {
			return "", false
		}
		b.WriteString(fmt.Sprint(v))
		b.WriteByte('\x1f')
	}
	return b.String(), true
}
