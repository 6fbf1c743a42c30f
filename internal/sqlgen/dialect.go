// Package sqlgen compiles plan nodes into dialect-correct SQL. The set of
// supported dialects is closed: every data-source kind maps to exactly one
// profile, dispatched by tag rather than reflection.
package sqlgen

import (
	"fmt"
	"strings"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/query"

	sq "github.com/Masterminds/squirrel"
)

// Dialect tags one SQL dialect profile.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectDuckDB   Dialect = "duckdb"
)

// ForSource maps a data-source kind to its dialect profile.
func ForSource(kind catalog.SourceKind) (Dialect, error) {
	switch kind {
	case catalog.SourceMySQL:
		return DialectMySQL, nil
	case catalog.SourcePostgres:
		return DialectPostgres, nil
	case catalog.SourceDuckDB:
		return DialectDuckDB, nil
	}
	return "", fmt.Errorf("unsupported data source kind: %s", kind)
}

// Placeholder returns the squirrel placeholder format for the dialect.
func (d Dialect) Placeholder() sq.PlaceholderFormat {
	if d == DialectPostgres {
		return sq.Dollar
	}
	return sq.Question
}

// QuoteIdent quotes a SQL identifier, escaping embedded quote characters.
func (d Dialect) QuoteIdent(name string) string {
	if d == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifyColumn renders alias.column with dialect quoting.
func (d Dialect) QualifyColumn(alias, column string) string {
	if alias == "" {
		return d.QuoteIdent(column)
	}
	return d.QuoteIdent(alias) + "." + d.QuoteIdent(column)
}

// ILike builds a case-insensitive LIKE predicate. Postgres and DuckDB have
// native ILIKE; MySQL folds both sides to lower case.
func (d Dialect) ILike(column string, pattern interface{}) sq.Sqlizer {
	if d == DialectMySQL {
		return sq.Expr(fmt.Sprintf("LOWER(%s) LIKE LOWER(?)", column), pattern)
	}
	return sq.Expr(fmt.Sprintf("%s ILIKE ?", column), pattern)
}

// Regex builds a regular-expression match predicate.
func (d Dialect) Regex(column string, pattern interface{}) sq.Sqlizer {
	switch d {
	case DialectPostgres:
		return sq.Expr(fmt.Sprintf("%s ~ ?", column), pattern)
	case DialectDuckDB:
		return sq.Expr(fmt.Sprintf("regexp_matches(%s, ?)", column), pattern)
	default:
		return sq.Expr(fmt.Sprintf("%s REGEXP ?", column), pattern)
	}
}

// SpatialPredicate renders a spatial function call between two geometry
// expressions. DWITHIN takes the buffer distance as a bound parameter.
func (d Dialect) SpatialPredicate(pred query.SpatialPredicate, left, right string, buffer *float64) (sq.Sqlizer, error) {
	switch pred {
	case query.SpatialIntersects:
		return sq.Expr(fmt.Sprintf("ST_Intersects(%s, %s)", left, right)), nil
	case query.SpatialWithin:
		return sq.Expr(fmt.Sprintf("ST_Within(%s, %s)", left, right)), nil
	case query.SpatialContains:
		return sq.Expr(fmt.Sprintf("ST_Contains(%s, %s)", left, right)), nil
	case query.SpatialDisjoint:
		return sq.Expr(fmt.Sprintf("ST_Disjoint(%s, %s)", left, right)), nil
	case query.SpatialDWithin:
		if buffer == nil {
			return nil, fmt.Errorf("DWITHIN requires a buffer distance")
		}
		if d == DialectMySQL {
			// MySQL has no ST_DWithin; compare the distance directly.
			return sq.Expr(fmt.Sprintf("ST_Distance(%s, %s) <= ?", left, right), *buffer), nil
		}
		return sq.Expr(fmt.Sprintf("ST_DWithin(%s, %s, ?)", left, right), *buffer), nil
	}
	return nil, fmt.Errorf("unsupported spatial predicate: %s", pred)
}

// GeomFromText renders a WKT parameter as a geometry expression.
func (d Dialect) GeomFromText(srid int) string {
	if srid > 0 {
		return fmt.Sprintf("ST_GeomFromText(?, %d)", srid)
	}
	return "ST_GeomFromText(?)"
}

// VectorDistance renders the distance expression between a vector column and
// a bound query vector for the requested metric. Smaller is always nearer:
// inner product is negated where the engine returns similarity.
func (d Dialect) VectorDistance(column string, metric query.DistanceMetric) (string, error) {
	switch d {
	case DialectPostgres:
		// pgvector operators.
		switch metric {
		case query.DistanceCosine:
			return fmt.Sprintf("%s <=> ?", column), nil
		case query.DistanceL2:
			return fmt.Sprintf("%s <-> ?", column), nil
		case query.DistanceInner:
			return fmt.Sprintf("%s <#> ?", column), nil
		}
	case DialectDuckDB:
		switch metric {
		case query.DistanceCosine:
			return fmt.Sprintf("list_cosine_distance(%s, ?::DOUBLE[])", column), nil
		case query.DistanceL2:
			return fmt.Sprintf("list_distance(%s, ?::DOUBLE[])", column), nil
		case query.DistanceInner:
			return fmt.Sprintf("-list_inner_product(%s, ?::DOUBLE[])", column), nil
		}
	case DialectMySQL:
		// TiDB vector functions.
		switch metric {
		case query.DistanceCosine:
			return fmt.Sprintf("VEC_COSINE_DISTANCE(%s, ?)", column), nil
		case query.DistanceL2:
			return fmt.Sprintf("VEC_L2_DISTANCE(%s, ?)", column), nil
		case query.DistanceInner:
			return fmt.Sprintf("VEC_NEGATIVE_INNER_PRODUCT(%s, ?)", column), nil
		}
	}
	return "", fmt.Errorf("dialect %s does not support distance metric %s", d, metric)
}

// VectorParam encodes a query vector as the bound parameter value the
// dialect's distance function expects.
func (d Dialect) VectorParam(vector []float64) interface{} {
	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// SupportsReturning reports whether INSERT/UPDATE/DELETE can return rows.
func (d Dialect) SupportsReturning() bool {
	return d != DialectMySQL
}

// CurrentTimestamp is the soft-delete marker expression.
func (d Dialect) CurrentTimestamp() string {
	return "CURRENT_TIMESTAMP"
}

// SQLQuery is one compiled statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// build finalizes a squirrel builder with the dialect's placeholder format.
func (d Dialect) build(builder sq.Sqlizer) (SQLQuery, error) {
	raw, args, err := builder.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	if d == DialectPostgres {
		raw, err = sq.Dollar.ReplacePlaceholders(raw)
		if err != nil {
			return SQLQuery{}, err
		}
	}
	return SQLQuery{SQL: raw, Args: args}, nil
}
