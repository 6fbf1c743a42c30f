// Package executor runs compiled plans against the data-source pools:
// reads as a bounded-concurrency DAG walk with fetch-then-stitch merging,
// mutations inside a single transaction per request.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hugr-engine/internal/datasource"
	"hugr-engine/internal/gqlerr"
	"hugr-engine/internal/planner"
	"hugr-engine/internal/sqlgen"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConcurrency   = 4
	DefaultStatementTimeout = 30 * time.Second
)

// Config bounds execution.
type Config struct {
	MaxConcurrency   int
	StatementTimeout time.Duration
}

// Executor coordinates plan execution.
type Executor struct {
	registry *datasource.Registry
	logger   *slog.Logger
	cfg      Config
}

func New(registry *datasource.Registry, logger *slog.Logger, cfg Config) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = DefaultStatementTimeout
	}
	return &Executor{registry: registry, logger: logger, cfg: cfg}
}

// Execute runs a plan and returns the response data keyed by root alias.
// Read roots fail independently; a mutation failure rolls back and fails the
// whole request.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) (map[string]interface{}, []error) {
	if len(plan.Mutations) > 0 {
		data, err := e.runMutations(ctx, plan)
		if err != nil {
			return nil, []error{err}
		}
		return data, nil
	}
	return e.runReads(ctx, plan)
}

// resultSet pairs one plan node's raw rows with its executed children,
// index-aligned with the node's plan children.
type resultSet struct {
	node     *planner.ReadNode
	rows     []map[string]interface{}
	children []*resultSet
}

func (e *Executor) runReads(ctx context.Context, plan *planner.Plan) (map[string]interface{}, []error) {
	sem := make(chan struct{}, e.cfg.MaxConcurrency)

	results := make([]*resultSet, len(plan.Reads))
	errs := make([]error, len(plan.Reads))

	g, gctx := errgroup.WithContext(ctx)
	for i, rn := range plan.Reads {
		g.Go(func() error {
			rs, err := e.runRead(gctx, rn, nil, sem, rn.Query.Path)
			if err != nil {
				// root selections fail independently, so the error is
				// recorded instead of cancelling the group
				errs[i] = err
				return nil
			}
			results[i] = rs
			return nil
		})
	}
	_ = g.Wait()

	data := make(map[string]interface{}, len(plan.Reads))
	var out []error
	for i, rn := range plan.Reads {
		if errs[i] != nil {
			out = append(out, errs[i])
			data[rn.Query.Alias] = nil
			continue
		}
		data[rn.Query.Alias] = shapeRoot(results[i])
	}
	return data, out
}

// runRead executes one plan node and, recursively, its stitch children.
// Failures surface at the enclosing root selection's path so the response
// can null that root; the failing node's own locus stays in the message.
func (e *Executor) runRead(ctx context.Context, rn *planner.ReadNode, parentRows []map[string]interface{}, sem chan struct{}, rootPath gqlerr.Path) (*resultSet, error) {
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
			return nil, gqlerr.New(gqlerr.CodePlanningFailed, rootPath,
				"binding statement for %s: %v", rn.Query.Path, err)
		}
		q = bound
	}

	rows, err := e.query(ctx, rn.Source, q, sem)
	if err != nil {
		return nil, e.classify(err, rootPath, rn.Query.Path)
	}
	rs.rows = rows

	if len(rn.Children) == 0 {
		return rs, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range rn.Children {
		g.Go(func() error {
			childRS, err := e.runRead(gctx, child, rs.rows, sem, rootPath)
			if err != nil {
				return err
			}
			rs.children[i] = childRS
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rs, nil
}

// query runs one statement under the concurrency bound and the statement
// timeout, scanning all rows into maps keyed by result column.
func (e *Executor) query(ctx context.Context, source string, q sqlgen.SQLQuery, sem chan struct{}) ([]map[string]interface{}, error) {
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	pool, err := e.registry.Pool(source)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, e.cfg.StatementTimeout)
	defer cancel()

	start := time.Now()
	rows, err := pool.QueryContext(qctx, q.SQL, q.Args...)
	if err != nil {
		return nil, ctxErr(qctx, err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("statement executed",
		slog.String("source", source),
		slog.Int("rows", len(out)),
		slog.Duration("elapsed", time.Since(start)))
	return out, nil
}

func scanRows(rows datasource.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// classify maps driver failures onto the response error taxonomy. The error
// path is the root selection's, since that is the value the response nulls;
// a nested statement keeps its own locus in the message.
func (e *Executor) classify(err error, rootPath, nodePath gqlerr.Path) error {
	code := gqlerr.CodeExecutionFailed
	if errors.Is(err, context.DeadlineExceeded) {
		code = gqlerr.CodeStatementTimeout
	}
	if len(nodePath) > len(rootPath) {
		return gqlerr.New(code, rootPath, "statement for %s failed: %v", nodePath, err)
	}
	return gqlerr.Wrap(code, rootPath, err)
}

// ctxErr prefers the statement context's own error since drivers report
// cancellation in driver-specific ways.
func ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
