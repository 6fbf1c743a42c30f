package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/datasource"
	"hugr-engine/internal/gqlerr"
	"hugr-engine/internal/planner"
	"hugr-engine/internal/query"
	"hugr-engine/internal/sqlgen"
)

// runMutations executes every mutation step in document order inside a
// single transaction on the plan's transaction source. Any failure rolls the
// whole request back.
func (e *Executor) runMutations(ctx context.Context, plan *planner.Plan) (map[string]interface{}, error) {
	pool, err := e.registry.Pool(plan.TxSource)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeExecutionFailed, nil, err)
	}
	if pool.ReadOnly {
		return nil, gqlerr.New(gqlerr.CodeExecutionFailed, nil, "data source %s is read-only", plan.TxSource)
	}

	tx, err := pool.BeginTx(ctx)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeExecutionFailed, nil, err)
	}

	produced := map[string][]map[string]interface{}{}
	data := make(map[string]interface{}, len(plan.Mutations))
	for _, step := range plan.Mutations {
		rows, affected, err := e.runStep(ctx, tx, plan, step, produced)
		var children []*resultSet
		if err == nil {
			children, err = e.runReturning(ctx, tx, plan.TxSource, step, rows)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Error("rollback failed",
					slog.String("source", plan.TxSource), slog.String("error", rbErr.Error()))
			}
			return nil, e.classifyMutation(err, step.Query.Path)
		}
		produced[step.Alias] = rows
		data[step.Alias] = stepResponse(step, rows, affected, children)
	}
	if err := tx.Commit(); err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeTransactionRollback, nil, err)
	}
	return data, nil
}

func (e *Executor) runStep(ctx context.Context, tx *datasource.Tx, plan *planner.Plan, step *planner.MutationStep, produced map[string][]map[string]interface{}) ([]map[string]interface{}, int64, error) {
	switch step.Query.Kind {
	case query.KindInsert:
		var (
			out      []map[string]interface{}
			affected int64
		)
		for _, rp := range step.Rows {
			returned, n, err := e.insertRow(ctx, tx, step, step.Object, rp, step.Returning, nil, produced)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, returned)
			affected += n
		}
		return out, affected, nil

	case query.KindUpdate:
		return e.runUpdate(ctx, tx, plan, step, produced)

	case query.KindDelete:
		return e.runDelete(ctx, tx, plan, step)
	}
	return nil, 0, fmt.Errorf("unexpected mutation kind %q", step.Query.Kind)
}

// insertRow writes one row and, once its generated values are known, its
// nested child rows. fkValues carries the parent-key columns a nested row
// inherits.
func (e *Executor) insertRow(ctx context.Context, tx *datasource.Tx, step *planner.MutationStep, obj *catalog.DataObject, rp *planner.RowPlan, returning []string, fkValues map[string]interface{}, produced map[string][]map[string]interface{}) (map[string]interface{}, int64, error) {
	values, err := resolveValues(rp.Values, produced, step.Query.Path)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range fkValues {
		values[k] = v
	}

	q, err := sqlgen.CompileInsert(step.Dialect, obj, values, returning)
	if err != nil {
		return nil, 0, gqlerr.Wrap(gqlerr.CodePlanningFailed, step.Query.Path, err)
	}

	var returned map[string]interface{}
	if step.Dialect.SupportsReturning() {
		rows, err := e.txQuery(ctx, tx, q)
		if err != nil {
			return nil, 0, err
		}
		if len(rows) == 0 {
			return nil, 0, fmt.Errorf("insert into %s returned no row", obj.Name)
		}
		returned = rows[0]
	} else {
		returned, err = e.insertWithoutReturning(ctx, tx, step, obj, values, returning, q)
		if err != nil {
			return nil, 0, err
		}
	}

	affected := int64(1)
	for _, ni := range rp.Nested {
		fk := make(map[string]interface{}, len(ni.Relation.LocalFields))
		for i, local := range ni.Relation.LocalFields {
			v, ok := returned[local]
			if !ok || v == nil {
				return nil, 0, fmt.Errorf("insert into %s yielded no value for %q needed by nested %s rows",
					obj.Name, local, ni.Object.Name)
			}
			fk[ni.Relation.RemoteFields[i]] = v
		}
		for _, childRow := range ni.Rows {
			_, n, err := e.insertRow(ctx, tx, step, ni.Object, childRow, nestedReturning(ni.Object, childRow), fk, produced)
			if err != nil {
				return nil, 0, err
			}
			affected += n
		}
	}
	return returned, affected, nil
}

// insertWithoutReturning re-reads a freshly inserted row by primary key,
// falling back to the driver's last-insert id when the key was generated.
func (e *Executor) insertWithoutReturning(ctx context.Context, tx *datasource.Tx, step *planner.MutationStep, obj *catalog.DataObject, values map[string]interface{}, returning []string, q sqlgen.SQLQuery) (map[string]interface{}, error) {
	res, err := e.txExec(ctx, tx, q)
	if err != nil {
		return nil, err
	}

	pk := obj.PrimaryKey()
	keyFields := make([]string, len(pk))
	key := make([]interface{}, len(pk))
	missing := -1
	for i, f := range pk {
		keyFields[i] = f.Name
		v, ok := values[f.Name]
		if !ok {
			if missing >= 0 {
				return nil, fmt.Errorf("insert into %s left multiple key columns unset", obj.Name)
			}
			missing = i
			continue
		}
		key[i] = v
	}
	if missing >= 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert into %s: resolve generated key: %w", obj.Name, err)
		}
		key[missing] = id
	}

	sel, err := sqlgen.CompileKeyedSelect(step.Dialect, obj, keyFields, [][]interface{}{key}, returning)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodePlanningFailed, step.Query.Path, err)
	}
	rows, err := e.txQuery(ctx, tx, sel)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s: written row not found by key", obj.Name)
	}
	return rows[0], nil
}

func (e *Executor) runUpdate(ctx context.Context, tx *datasource.Tx, plan *planner.Plan, step *planner.MutationStep, produced map[string][]map[string]interface{}) ([]map[string]interface{}, int64, error) {
	set, err := resolveValues(step.Set, produced, step.Query.Path)
	if err != nil {
		return nil, 0, err
	}

	if step.Dialect.SupportsReturning() {
		q, err := sqlgen.CompileUpdate(step.Dialect, plan.Snapshot, step.Object, set, step.Filter, step.Query.WithDeleted, step.Returning)
		if err != nil {
			return nil, 0, gqlerr.Wrap(gqlerr.CodePlanningFailed, step.Query.Path, err)
		}
		rows, err := e.txQuery(ctx, tx, q)
		if err != nil {
			return nil, 0, err
		}
		return rows, int64(len(rows)), nil
	}

	// Without RETURNING the matched keys are read first, then re-read after
	// the write since the update may change filtered columns.
	keyFields, keys, err := e.matchedKeys(ctx, tx, plan, step, step.Query.WithDeleted)
	if err != nil {
		return nil, 0, err
	}
	q, err := sqlgen.CompileUpdate(step.Dialect, plan.Snapshot, step.Object, set, step.Filter, step.Query.WithDeleted, nil)
	if err != nil {
		return nil, 0, gqlerr.Wrap(gqlerr.CodePlanningFailed, step.Query.Path, err)
	}
	res, err := e.txExec(ctx, tx, q)
	if err != nil {
		return nil, 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}
	if len(keys) == 0 {
		return nil, affected, nil
	}
	sel, err := sqlgen.CompileKeyedSelect(step.Dialect, step.Object, keyFields, keys, step.Returning)
	if err != nil {
		return nil, 0, gqlerr.Wrap(gqlerr.CodePlanningFailed, step.Query.Path, err)
	}
	rows, err := e.txQuery(ctx, tx, sel)
	if err != nil {
		return nil, 0, err
	}
	return rows, affected, nil
}

func (e *Executor) runDelete(ctx context.Context, tx *datasource.Tx, plan *planner.Plan, step *planner.MutationStep) ([]map[string]interface{}, int64, error) {
	if step.Dialect.SupportsReturning() {
		q, err := sqlgen.CompileDelete(step.Dialect, plan.Snapshot, step.Object, step.Filter, step.Hard, step.Returning)
		if err != nil {
			return nil, 0, gqlerr.Wrap(gqlerr.CodePlanningFailed, step.Query.Path, err)
		}
		rows, err := e.txQuery(ctx, tx, q)
		if err != nil {
			return nil, 0, err
		}
		return rows, int64(len(rows)), nil
	}

	// Deleted rows report their pre-delete values, so the read comes first.
	withDeleted := step.Hard || step.Object.SoftDelete == nil
	sel, err := sqlgen.CompileFilterSelect(step.Dialect, plan.Snapshot, step.Object, step.Filter, withDeleted, step.Returning)
	if err != nil {
		return nil, 0, gqlerr.Wrap(gqlerr.CodePlanningFailed, step.Query.Path, err)
	}
	rows, err := e.txQuery(ctx, tx, sel)
	if err != nil {
		return nil, 0, err
	}
	q, err := sqlgen.CompileDelete(step.Dialect, plan.Snapshot, step.Object, step.Filter, step.Hard, nil)
	if err != nil {
		return nil, 0, gqlerr.Wrap(gqlerr.CodePlanningFailed, step.Query.Path, err)
	}
	res, err := e.txExec(ctx, tx, q)
	if err != nil {
		return nil, 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}
	return rows, affected, nil
}

// matchedKeys reads the primary keys of the rows a mutation filter matches.
func (e *Executor) matchedKeys(ctx context.Context, tx *datasource.Tx, plan *planner.Plan, step *planner.MutationStep, withDeleted bool) ([]string, [][]interface{}, error) {
	pk := step.Object.PrimaryKey()
	keyFields := make([]string, len(pk))
	for i, f := range pk {
		keyFields[i] = f.Name
	}
	sel, err := sqlgen.CompileFilterSelect(step.Dialect, plan.Snapshot, step.Object, step.Filter, withDeleted, keyFields)
	if err != nil {
		return nil, nil, gqlerr.Wrap(gqlerr.CodePlanningFailed, step.Query.Path, err)
	}
	rows, err := e.txQuery(ctx, tx, sel)
	if err != nil {
		return nil, nil, err
	}
	keys := make([][]interface{}, len(rows))
	for i, row := range rows {
		key := make([]interface{}, len(keyFields))
		for j, f := range keyFields {
			key[j] = row[f]
		}
		keys[i] = key
	}
	return keyFields, keys, nil
}

// nestedReturning collects the fields a nested insert must yield: the
// primary key plus whatever its own nested rows inherit.
func nestedReturning(obj *catalog.DataObject, rp *planner.RowPlan) []string {
	var fields []string
	for _, pk := range obj.PrimaryKey() {
		fields = append(fields, pk.Name)
	}
	for _, ni := range rp.Nested {
		fields = append(fields, ni.Relation.LocalFields...)
	}
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

// resolveValues substitutes mutation references with values produced by
// earlier steps.
func resolveValues(values map[string]interface{}, produced map[string][]map[string]interface{}, path gqlerr.Path) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		ref, ok := v.(*query.MutationRef)
		if !ok {
			out[k] = v
			continue
		}
		rows := produced[ref.Mutation]
		if len(rows) == 0 {
			return nil, gqlerr.New(gqlerr.CodeExecutionFailed, path.Child(k),
				"mutation %q produced no rows to reference", ref.Mutation)
		}
		rv, ok := rows[0][ref.Field]
		if !ok {
			return nil, gqlerr.New(gqlerr.CodeExecutionFailed, path.Child(k),
				"mutation %q did not yield field %q", ref.Mutation, ref.Field)
		}
		out[k] = rv
	}
	return out, nil
}

// runReturning executes a step's returning relation subtrees against the
// rows it produced. Same-source reads run inside the transaction so they
// observe the uncommitted writes; other sources read through their pools.
func (e *Executor) runReturning(ctx context.Context, tx *datasource.Tx, txSource string, step *planner.MutationStep, rows []map[string]interface{}) ([]*resultSet, error) {
	if len(step.Children) == 0 {
		return nil, nil
	}
	sem := make(chan struct{}, e.cfg.MaxConcurrency)
	out := make([]*resultSet, len(step.Children))
	for i, rn := range step.Children {
		rs, err := e.runReturningRead(ctx, tx, txSource, rn, rows, sem)
		if err != nil {
			return nil, err
		}
		out[i] = rs
	}
	return out, nil
}

func (e *Executor) runReturningRead(ctx context.Context, tx *datasource.Tx, txSource string, rn *planner.ReadNode, parentRows []map[string]interface{}, sem chan struct{}) (*resultSet, error) {
	rs := &resultSet{node: rn, children: make([]*resultSet, len(rn.Children))}

	var q sqlgen.SQLQuery
	switch {
	case rn.SQL != nil:
		q = *rn.SQL
	default:
		if len(parentRows) == 0 {
			return rs, nil
		}
		bound, err := rn.Bind(parentRows)
		if errors.Is(err, planner.ErrNoParentRows) {
			return rs, nil
		}
		if err != nil {
			return nil, gqlerr.Wrap(gqlerr.CodePlanningFailed, rn.Query.Path, err)
		}
		q = bound
	}

	var (
		rows []map[string]interface{}
		err  error
	)
	if rn.Source == txSource {
		rows, err = e.txQuery(ctx, tx, q)
	} else {
		rows, err = e.query(ctx, rn.Source, q, sem)
	}
	if err != nil {
		return nil, err
	}
	rs.rows = rows

	for i, child := range rn.Children {
		crs, err := e.runReturningRead(ctx, tx, txSource, child, rows, sem)
		if err != nil {
			return nil, err
		}
		rs.children[i] = crs
	}
	return rs, nil
}

// stepResponse shapes one mutation result: affected_rows when selected, and
// the returning rows reduced to the requested columns with any relation
// subtrees stitched in by correlation key.
func stepResponse(step *planner.MutationStep, rows []map[string]interface{}, affected int64, children []*resultSet) map[string]interface{} {
	resp := map[string]interface{}{}
	if step.Query.AffectedRows {
		resp["affected_rows"] = affected
	}
	if len(step.Query.Columns) == 0 && len(step.Children) == 0 {
		return resp
	}
	rs := &resultSet{node: &planner.ReadNode{Query: step.Query}, rows: rows, children: children}
	shaped := shapeSet(rs)
	returning := make([]interface{}, len(shaped))
	for i, s := range shaped {
		returning[i] = s.data
	}
	resp["returning"] = returning
	return resp
}

func (e *Executor) txQuery(ctx context.Context, tx *datasource.Tx, q sqlgen.SQLQuery) ([]map[string]interface{}, error) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.StatementTimeout)
	defer cancel()
	rows, err := tx.QueryContext(qctx, q.SQL, q.Args...)
	if err != nil {
		return nil, ctxErr(qctx, err)
	}
	return scanRows(rows)
}

func (e *Executor) txExec(ctx context.Context, tx *datasource.Tx, q sqlgen.SQLQuery) (sql.Result, error) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.StatementTimeout)
	defer cancel()
	start := time.Now()
	res, err := tx.ExecContext(qctx, q.SQL, q.Args...)
	if err != nil {
		return nil, ctxErr(qctx, err)
	}
	e.logger.Debug("statement executed", slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

// classifyMutation maps a step failure onto the error taxonomy after the
// transaction has been rolled back.
func (e *Executor) classifyMutation(err error, path gqlerr.Path) error {
	var ge *gqlerr.Error
	if errors.As(err, &ge) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gqlerr.Wrap(gqlerr.CodeStatementTimeout, path, err)
	}
	return gqlerr.Wrap(gqlerr.CodeTransactionRollback, path, err)
}
