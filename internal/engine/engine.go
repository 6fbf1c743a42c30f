// Package engine is the request facade: parse, authorize, plan, execute,
// cache, and optionally post-process one GraphQL request. It is reentrant;
// the JQ processor's queryHugr primitive loops back into Execute with a
// fresh request context.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"hugr-engine/internal/auth"
	"hugr-engine/internal/cache"
	"hugr-engine/internal/catalog"
	"hugr-engine/internal/executor"
	"hugr-engine/internal/gqlerr"
	"hugr-engine/internal/jqproc"
	"hugr-engine/internal/logging"
	"hugr-engine/internal/observability"
	"hugr-engine/internal/planner"
	"hugr-engine/internal/query"
)

const DefaultMaxDepth = 20

// Config bounds request handling.
type Config struct {
	MaxDepth int
}

// Engine wires the pipeline stages together.
type Engine struct {
	catalog  *catalog.Manager
	executor *executor.Executor
	cache    cache.Cache
	auth     auth.Resolver
	logger   *logging.Logger
	maxDepth int
}

func New(cat *catalog.Manager, exec *executor.Executor, c cache.Cache, authz auth.Resolver, logger *logging.Logger, cfg Config) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if c == nil {
		c = cache.None{}
	}
	if authz == nil {
		authz = auth.AllowAll{}
	}
	return &Engine{
		catalog:  cat,
		executor: exec,
		cache:    c,
		auth:     authz,
		logger:   logger,
		maxDepth: cfg.MaxDepth,
	}
}

// Request is one GraphQL request with its resolved role.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]interface{}
	Role          string
}

// Execute runs one request through the pipeline and returns the
// partial-success response envelope.
func (e *Engine) Execute(ctx context.Context, req Request) *gqlerr.Response {
	resp := &gqlerr.Response{}
	snap := e.catalog.Snapshot()

	doc, errs := query.NewParser(snap, e.maxDepth).Parse(req.Query, req.OperationName, req.Variables)
	if len(errs) > 0 {
		for _, err := range errs {
			resp.AddError(err)
		}
		return resp
	}

	denied := e.applyPermissions(doc, req.Role, resp)
	if len(doc.Selections) == 0 {
		resp.Data = nulledData(nil, denied)
		return resp
	}

	metrics := observability.EngineMetricsFromContext(ctx)

	key, ttl, tags := e.cachePlan(doc, req)
	if key != "" {
		if b, ok := e.cache.Get(ctx, key); ok {
			var data map[string]interface{}
			if json.Unmarshal(b, &data) == nil {
				e.logger.Debug("cache hit", "key", key)
				if metrics != nil {
					metrics.RecordCacheHit(ctx)
				}
				resp.Data = nulledData(data, denied)
				return resp
			}
		}
		if metrics != nil {
			metrics.RecordCacheMiss(ctx)
		}
	}

	opts := planner.Options{RowFilters: e.rowFilters(doc, req.Role)}
	plan, planErrs := planner.New(snap).Plan(doc, opts)
	nulled := denied
	for _, err := range planErrs {
		resp.AddError(err)
		// roots dropped at planning still appear in data as explicit nulls
		if p := gqlerr.PathOf(err); len(p) > 0 {
			if alias, ok := p[0].(string); ok {
				nulled = append(nulled, alias)
			}
		}
	}
	if plan == nil || (len(plan.Reads) == 0 && len(plan.Mutations) == 0) {
		resp.Data = nulledData(nil, nulled)
		return resp
	}

	data, execErrs := e.executor.Execute(ctx, plan)
	for _, err := range execErrs {
		resp.AddError(err)
	}
	resp.Data = nulledData(data, nulled)

	if len(plan.Mutations) > 0 && len(execErrs) == 0 {
		invalidated := mutationTags(plan)
		e.cache.Invalidate(ctx, invalidated...)
		if metrics != nil {
			metrics.RecordCacheInvalidation(ctx, int64(len(invalidated)))
		}
	}
	if key != "" && len(resp.Errors) == 0 && data != nil {
		if b, err := json.Marshal(data); err == nil {
			e.cache.Put(ctx, key, b, ttl, tags)
		}
	}
	return resp
}

// TransformSpec is an optional JQ post-processing stage chain.
type TransformSpec struct {
	Stages    []string
	Variables map[string]interface{}
	// Envelope feeds the full response envelope to the first stage instead
	// of only the data subtree.
	Envelope bool
	// IncludeOrigin retains the untransformed input alongside the output.
	IncludeOrigin bool
}

// ExecuteTransformed runs a request and applies the JQ stage chain to its
// response. queryHugr calls inside the stages re-enter Execute with the same
// role and no shared transaction scope.
func (e *Engine) ExecuteTransformed(ctx context.Context, req Request, spec TransformSpec) (interface{}, error) {
	resp := e.Execute(ctx, req)
	if len(spec.Stages) == 0 {
		return resp, nil
	}

	proc := jqproc.New(e.queryFunc(req.Role))
	var input interface{}
	if spec.Envelope {
		input = resp
	} else {
		input = resp.Data
	}
	start := time.Now()
	out, err := proc.RunChain(ctx, spec.Stages, input, spec.Variables)
	if metrics := observability.EngineMetricsFromContext(ctx); metrics != nil {
		metrics.RecordTransform(ctx, time.Since(start), len(spec.Stages), err != nil)
	}
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeExecutionFailed, nil, err)
	}
	if spec.IncludeOrigin {
		return map[string]interface{}{"origin": input, "result": out}, nil
	}
	return out, nil
}

func (e *Engine) queryFunc(role string) jqproc.QueryFunc {
	return func(ctx context.Context, q string, vars map[string]interface{}) (interface{}, error) {
		return e.Execute(ctx, Request{Query: q, Variables: vars, Role: role}), nil
	}
}

// applyPermissions prunes denied selections, recording one error per denial.
// Returns the aliases of dropped root selections so the response can null
// them.
func (e *Engine) applyPermissions(doc *query.Document, role string, resp *gqlerr.Response) []string {
	var denied []string
	kept := doc.Selections[:0]
	for _, sel := range doc.Selections {
		if e.allowNode(sel, role, resp) {
			kept = append(kept, sel)
			continue
		}
		denied = append(denied, sel.Alias)
	}
	doc.Selections = kept
	return denied
}

func (e *Engine) allowNode(n *query.Node, role string, resp *gqlerr.Response) bool {
	if n.Object != nil {
		od := e.auth.Object(role, n.Object.Name)
		if od.Hidden {
			resp.AddError(gqlerr.New(gqlerr.CodeFieldNotFound, n.Path, "field %q does not exist", n.Field))
			return false
		}
		if od.Disabled {
			resp.AddError(gqlerr.New(gqlerr.CodeFieldDenied, n.Path, "field %q is not permitted", n.Field))
			return false
		}
		cols := n.Columns[:0]
		for _, col := range n.Columns {
			fd := e.auth.Field(role, n.Object.Name, col)
			if fd.Hidden {
				resp.AddError(gqlerr.New(gqlerr.CodeFieldNotFound, n.Path.Child(col), "field %q does not exist", col))
				continue
			}
			if fd.Disabled {
				resp.AddError(gqlerr.New(gqlerr.CodeFieldDenied, n.Path.Child(col), "field %q is not permitted", col))
				continue
			}
			cols = append(cols, col)
		}
		n.Columns = cols
	}

	kept := n.Children[:0]
	for _, child := range n.Children {
		if e.allowNode(child, role, resp) {
			kept = append(kept, child)
		}
	}
	n.Children = kept
	return true
}

// rowFilters collects the role's configured row filters for every object the
// document touches.
func (e *Engine) rowFilters(doc *query.Document, role string) map[string]map[string]interface{} {
	seen := map[string]struct{}{}
	var objects []string
	var walk func(n *query.Node)
	walk = func(n *query.Node) {
		if n.Object != nil {
			if _, ok := seen[n.Object.Name]; !ok {
				seen[n.Object.Name] = struct{}{}
				objects = append(objects, n.Object.Name)
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, sel := range doc.Selections {
		walk(sel)
	}
	return auth.RowFilters(e.auth, role, objects)
}

// cachePlan decides whether the document is cacheable: a read document whose
// every root object declares @cache. The key uses the declared key override
// when a single root provides one; the TTL is the smallest declared.
func (e *Engine) cachePlan(doc *query.Document, req Request) (string, time.Duration, []string) {
	if doc.Operation != query.OperationQuery {
		return "", 0, nil
	}
	var (
		ttl  time.Duration
		tags []string
	)
	for _, sel := range doc.Selections {
		if sel.Object == nil || sel.Object.Cache == nil {
			return "", 0, nil
		}
		if ttl == 0 || sel.Object.Cache.TTL < ttl {
			ttl = sel.Object.Cache.TTL
		}
		tags = append(tags, sel.Object.CacheTags()...)
	}
	base := req.Query
	if len(doc.Selections) == 1 && doc.Selections[0].Object.Cache.Key != "" {
		base = doc.Selections[0].Object.Cache.Key
	}
	return cache.Key(base, req.Variables, req.Role), ttl, dedupStrings(tags)
}

// mutationTags collects the invalidation tags of every mutated object.
func mutationTags(plan *planner.Plan) []string {
	var tags []string
	for _, step := range plan.Mutations {
		tags = append(tags, step.Object.CacheTags()...)
	}
	return dedupStrings(tags)
}

// nulledData fills denied and planning-failed root aliases with explicit
// nulls.
func nulledData(data map[string]interface{}, aliases []string) map[string]interface{} {
	if data == nil {
		data = map[string]interface{}{}
	}
	for _, alias := range aliases {
		data[alias] = nil
	}
	return data
}

func dedupStrings(in []string) []string {
	seen := map[string]struct{}{}
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
