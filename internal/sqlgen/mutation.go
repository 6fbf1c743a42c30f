package sqlgen

import (
	"fmt"
	"sort"
	"strings"

	"hugr-engine/internal/catalog"

	sq "github.com/Masterminds/squirrel"
)

// CompileInsert builds a single-row INSERT. Columns are emitted in sorted
// field order so statements are stable across runs. On dialects with
// RETURNING support the requested fields come back with the insert;
// elsewhere the executor follows up with a primary-key select.
func CompileInsert(d Dialect, obj *catalog.DataObject, row map[string]interface{}, returning []string) (SQLQuery, error) {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, len(names))
	values := make([]interface{}, len(names))
	for i, name := range names {
		f := obj.Field(name)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no field %q", obj.Name, name)
		}
		cols[i] = d.QuoteIdent(f.Column)
		values[i] = row[name]
	}

	builder := sq.Insert(d.QuoteIdent(obj.Table)).Columns(cols...).Values(values...)
	if len(returning) > 0 && d.SupportsReturning() {
		clause, err := returningClause(d, obj, returning)
		if err != nil {
			return SQLQuery{}, err
		}
		builder = builder.Suffix(clause)
	}
	return d.build(builder)
}

// CompileUpdate builds an UPDATE constrained by a validated filter. Soft
// deleted rows stay untouched unless withDeleted is set.
func CompileUpdate(d Dialect, snap *catalog.Snapshot, obj *catalog.DataObject, set map[string]interface{}, filter map[string]interface{}, withDeleted bool, returning []string) (SQLQuery, error) {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	builder := sq.Update(d.QuoteIdent(obj.Table))
	for _, name := range names {
		f := obj.Field(name)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no field %q", obj.Name, name)
		}
		builder = builder.Set(d.QuoteIdent(f.Column), set[name])
	}

	cond, err := mutationWhere(d, snap, obj, filter, withDeleted)
	if err != nil {
		return SQLQuery{}, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	if len(returning) > 0 && d.SupportsReturning() {
		clause, err := returningClause(d, obj, returning)
		if err != nil {
			return SQLQuery{}, err
		}
		builder = builder.Suffix(clause)
	}
	return d.build(builder)
}

// CompileDelete builds a DELETE, or for soft-delete objects an UPDATE that
// stamps the marker column. hard forces a physical delete even when the
// object declares soft deletion.
func CompileDelete(d Dialect, snap *catalog.Snapshot, obj *catalog.DataObject, filter map[string]interface{}, hard bool, returning []string) (SQLQuery, error) {
	if obj.SoftDelete != nil && !hard {
		sf := obj.Field(obj.SoftDelete.Field)
		builder := sq.Update(d.QuoteIdent(obj.Table)).
			Set(d.QuoteIdent(sf.Column), sq.Expr(d.CurrentTimestamp()))
		cond, err := mutationWhere(d, snap, obj, filter, false)
		if err != nil {
			return SQLQuery{}, err
		}
		if cond != nil {
			builder = builder.Where(cond)
		}
		if len(returning) > 0 && d.SupportsReturning() {
			clause, err := returningClause(d, obj, returning)
			if err != nil {
				return SQLQuery{}, err
			}
			builder = builder.Suffix(clause)
		}
		return d.build(builder)
	}

	builder := sq.Delete(d.QuoteIdent(obj.Table))
	cond, err := mutationWhere(d, snap, obj, filter, true)
	if err != nil {
		return SQLQuery{}, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	if len(returning) > 0 && d.SupportsReturning() {
		clause, err := returningClause(d, obj, returning)
		if err != nil {
			return SQLQuery{}, err
		}
		builder = builder.Suffix(clause)
	}
	return d.build(builder)
}

// CompileFilterSelect reads the given fields of the rows a mutation filter
// matches, used on dialects without RETURNING support to observe written
// rows before or after the write.
func CompileFilterSelect(d Dialect, snap *catalog.Snapshot, obj *catalog.DataObject, filter map[string]interface{}, withDeleted bool, fields []string) (SQLQuery, error) {
	builder := sq.Select().From(d.QuoteIdent(obj.Table))
	for _, name := range fields {
		f := obj.Field(name)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no field %q", obj.Name, name)
		}
		builder = builder.Column(d.QualifyColumn(obj.Table, f.Column) + " AS " + d.QuoteIdent(name))
	}
	cond, err := mutationWhere(d, snap, obj, filter, withDeleted)
	if err != nil {
		return SQLQuery{}, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	return d.build(builder)
}

// CompileKeyedSelect reads the given fields of the rows identified by key
// tuples, the follow-up read after a non-RETURNING insert or update.
func CompileKeyedSelect(d Dialect, obj *catalog.DataObject, keyFields []string, keys [][]interface{}, fields []string) (SQLQuery, error) {
	builder := sq.Select().From(d.QuoteIdent(obj.Table))
	for _, name := range fields {
		f := obj.Field(name)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no field %q", obj.Name, name)
		}
		builder = builder.Column(d.QualifyColumn(obj.Table, f.Column) + " AS " + d.QuoteIdent(name))
	}
	cols := make([]string, len(keyFields))
	for i, name := range keyFields {
		f := obj.Field(name)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no key field %q", obj.Name, name)
		}
		cols[i] = d.QualifyColumn(obj.Table, f.Column)
	}
	cond, err := tupleIn(cols, keys)
	if err != nil {
		return SQLQuery{}, err
	}
	return d.build(builder.Where(cond))
}

// mutationWhere compiles the mutation filter, qualifying columns with the
// bare table name since UPDATE/DELETE aliases are not portable across the
// supported dialects.
func mutationWhere(d Dialect, snap *catalog.Snapshot, obj *catalog.DataObject, filter map[string]interface{}, withDeleted bool) (sq.Sqlizer, error) {
	conds := sq.And{}
	if obj.SoftDelete != nil && !withDeleted {
		sf := obj.Field(obj.SoftDelete.Field)
		conds = append(conds, sq.Eq{d.QualifyColumn(obj.Table, sf.Column): nil})
	}
	if len(filter) > 0 {
		cond, err := BuildWhere(d, snap, obj, obj.Table, filter)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	switch len(conds) {
	case 0:
		return nil, nil
	case 1:
		return conds[0], nil
	}
	return conds, nil
}

func returningClause(d Dialect, obj *catalog.DataObject, fields []string) (string, error) {
	parts := make([]string, len(fields))
	for i, name := range fields {
		f := obj.Field(name)
		if f == nil {
			return "", fmt.Errorf("object %s has no field %q", obj.Name, name)
		}
		parts[i] = d.QuoteIdent(f.Column) + " AS " + d.QuoteIdent(name)
	}
	return "RETURNING " + strings.Join(parts, ", "), nil
}
