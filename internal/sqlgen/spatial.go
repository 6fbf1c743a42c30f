package sqlgen

import (
	"fmt"
	"strings"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/query"

	sq "github.com/Masterminds/squirrel"
)

// ParentKeyColumn is the projected alias carrying the parent correlation key
// in child statements that cannot express it as a natural column.
const ParentKeyColumn = "__parent_key"

// SpatialParent is one parent row's correlation key and its geometry as WKT.
// The parent statement projects the geometry through ST_AsText so it can be
// re-bound here as a parameter.
type SpatialParent struct {
	Key interface{}
	WKT string
}

// CompileSpatialChild builds the child statement of a _spatial selection:
// the target table joined against an inline table of parent geometries, one
// result column carrying the parent key for stitching. A single statement
// serves all parents.
func CompileSpatialChild(d Dialect, snap *catalog.Snapshot, node *query.Node, parents []SpatialParent) (SQLQuery, error) {
	target := node.Object
	spec := node.Spatial
	refField := target.Field(spec.ReferencesField)
	if refField == nil {
		return SQLQuery{}, fmt.Errorf("object %s has no geometry field %q", target.Name, spec.ReferencesField)
	}
	if len(parents) == 0 {
		return SQLQuery{}, fmt.Errorf("spatial child statement needs at least one parent row")
	}

	const alias = "t"
	builder := sq.Select().From(d.QuoteIdent(target.Table) + " AS " + d.QuoteIdent(alias))
	builder = builder.Column(d.QualifyColumn("p", ParentKeyColumn) + " AS " + d.QuoteIdent(ParentKeyColumn))
	for _, name := range node.Columns {
		f := target.Field(name)
		if f == nil {
			return SQLQuery{}, fmt.Errorf("object %s has no field %q", target.Name, name)
		}
		builder = builder.Column(d.QualifyColumn(alias, f.Column) + " AS " + d.QuoteIdent(name))
	}

	parentGeom := d.GeomFromText(refField.SRID)
	parentGeom = strings.Replace(parentGeom, "?", d.QualifyColumn("p", "__geom"), 1)
	pred, err := d.SpatialPredicate(spec.Predicate, parentGeom, d.QualifyColumn(alias, refField.Column), spec.Buffer)
	if err != nil {
		return SQLQuery{}, err
	}
	predSQL, predArgs, err := pred.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}

	table, tableArgs := inlineParentTable(d, parents)
	joinArgs := append(tableArgs, predArgs...)
	builder = builder.JoinClause("JOIN "+table+" ON "+predSQL, joinArgs...)

	if target.SoftDelete != nil && !node.WithDeleted {
		sf := target.Field(target.SoftDelete.Field)
		builder = builder.Where(sq.Eq{d.QualifyColumn(alias, sf.Column): nil})
	}
	if cond, err := BuildWhere(d, snap, target, alias, node.Filter); err != nil {
		return SQLQuery{}, err
	} else if cond != nil {
		builder = builder.Where(cond)
	}

	if node.Limit != nil {
		builder = builder.Limit(uint64(*node.Limit))
	}
	return d.build(builder)
}

// inlineParentTable renders the parent rows as an inline derived table named
// p with columns (__parent_key, __geom). MySQL has no aliased VALUES clause,
// so it falls back to a UNION ALL of scalar selects.
func inlineParentTable(d Dialect, parents []SpatialParent) (string, []interface{}) {
	args := make([]interface{}, 0, len(parents)*2)

	if d == DialectMySQL {
		selects := make([]string, len(parents))
		for i, p := range parents {
			if i == 0 {
				selects[i] = "SELECT ? AS __parent_key, ? AS __geom"
			} else {
				selects[i] = "SELECT ?, ?"
			}
			args = append(args, p.Key, p.WKT)
		}
		return "(" + strings.Join(selects, " UNION ALL ") + ") AS " + d.QuoteIdent("p"), args
	}

	rows := make([]string, len(parents))
	for i, p := range parents {
		rows[i] = "(?, ?)"
		args = append(args, p.Key, p.WKT)
	}
	return "(VALUES " + strings.Join(rows, ", ") + ") AS " + d.QuoteIdent("p") + " (__parent_key, __geom)", args
}
