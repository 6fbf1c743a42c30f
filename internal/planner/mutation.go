package planner

import (
	"hugr-engine/internal/catalog"
	"hugr-engine/internal/gqlerr"
	"hugr-engine/internal/query"
	"hugr-engine/internal/sqlgen"
)

// planMutations builds the mutation steps of a request. All steps share one
// transaction, so they must target a single data source; steps execute in
// document order and may reference values produced by earlier steps.
func (p *Planner) planMutations(plan *Plan, doc *query.Document, opts Options) error {
	seen := map[string]bool{}

	for _, sel := range doc.Selections {
		if !sel.Kind.IsMutation() {
			return gqlerr.New(gqlerr.CodePlanningFailed, sel.Path, "selection %q is not a mutation", sel.Alias)
		}
		obj := sel.Object
		src, err := p.snap.Source(obj.Source)
		if err != nil {
			return gqlerr.Wrap(gqlerr.CodePlanningFailed, sel.Path, err)
		}
		dialect, err := sqlgen.ForSource(src.Kind)
		if err != nil {
			return gqlerr.Wrap(gqlerr.CodePlanningFailed, sel.Path, err)
		}

		if plan.TxSource == "" {
			plan.TxSource = obj.Source
		} else if plan.TxSource != obj.Source {
			return gqlerr.New(gqlerr.CodeCrossSourceTransaction, sel.Path,
				"mutations span data sources %s and %s; cross-source transactions are not supported",
				plan.TxSource, obj.Source)
		}

		step := &MutationStep{
			Query:   sel,
			Alias:   sel.Alias,
			Source:  obj.Source,
			Dialect: dialect,
			Object:  obj,
		}

		switch sel.Kind {
		case query.KindInsert:
			for _, row := range sel.Data {
				rp, err := p.buildRowPlan(obj, row, sel.Path, seen, step)
				if err != nil {
					return err
				}
				step.Rows = append(step.Rows, rp)
			}
			step.Returning = insertReturning(obj, sel, step.Rows)

		case query.KindUpdate:
			step.Set = map[string]interface{}{}
			for key, value := range sel.UpdateSet {
				if ref, ok := query.MutationRefValue(value); ok {
					if !seen[ref.Mutation] {
						return gqlerr.New(gqlerr.CodePlanningFailed, sel.Path.Child(key),
							"mutation %q references %q, which does not precede it", sel.Alias, ref.Mutation)
					}
					step.DependsOn = append(step.DependsOn, ref.Mutation)
					step.Set[key] = ref
					continue
				}
				step.Set[key] = value
			}
			step.Filter = mergeFilter(sel.Filter, opts.RowFilters[obj.Name])
			step.Returning = withPrimaryKey(obj, sel.Columns)

		case query.KindDelete:
			step.Filter = mergeFilter(sel.Filter, opts.RowFilters[obj.Name])
			step.Hard = sel.HardDelete
			step.Returning = withPrimaryKey(obj, sel.Columns)
		}

		// Relation subtrees under returning read back through the stitch
		// machinery once the step's rows are known; their correlation keys
		// ride along in Returning.
		for _, child := range sel.Children {
			rel := child.Relation
			st := &stitch{
				kind:            stitchRelation,
				parentFields:    rel.LocalFields,
				childFields:     rel.RemoteFields,
				childKeyColumns: rel.RemoteFields,
				single:          rel.Kind == catalog.RelationOneToOne,
			}
			if rel.Kind == catalog.RelationManyToMany {
				st = &stitch{
					kind:            stitchJunction,
					parentFields:    rel.LocalFields,
					childKeyColumns: sqlgen.ParentKeyColumns(len(rel.JunctionLocalFields)),
				}
			}
			rn, err := p.planRead(child, opts, st)
			if err != nil {
				return err
			}
			step.Children = append(step.Children, rn)
			step.Returning = dedup(append(step.Returning, rel.LocalFields...))
		}

		plan.Mutations = append(plan.Mutations, step)
		seen[sel.Alias] = true
	}
	return nil
}

// buildRowPlan splits one insert row into scalar values (literals or
// mutation references) and nested child inserts.
func (p *Planner) buildRowPlan(obj *catalog.DataObject, row map[string]interface{}, path gqlerr.Path, seen map[string]bool, step *MutationStep) (*RowPlan, error) {
	rp := &RowPlan{Values: map[string]interface{}{}}
	for key, value := range row {
		if obj.Field(key) != nil {
			if ref, ok := query.MutationRefValue(value); ok {
				if !seen[ref.Mutation] {
					return nil, gqlerr.New(gqlerr.CodePlanningFailed, path.Child(key),
						"mutation %q references %q, which does not precede it", step.Alias, ref.Mutation)
				}
				step.DependsOn = append(step.DependsOn, ref.Mutation)
				rp.Values[key] = ref
				continue
			}
			rp.Values[key] = value
			continue
		}

		// Validation has already limited nested data to foreign-key
		// one-to-many relations with list values.
		rel := obj.Relation(key)
		target, err := p.snap.Object(rel.Target)
		if err != nil {
			return nil, gqlerr.Wrap(gqlerr.CodePlanningFailed, path.Child(key), err)
		}
		ni := &NestedInsert{Relation: rel, Object: target}
		for i, item := range value.([]interface{}) {
			childRow, err := p.buildRowPlan(target, item.(map[string]interface{}), path.Child(key).Child(i), seen, step)
			if err != nil {
				return nil, err
			}
			ni.Rows = append(ni.Rows, childRow)
		}
		rp.Nested = append(rp.Nested, ni)
	}
	return rp, nil
}

// insertReturning collects the fields an insert must yield: the primary key,
// the requested returning columns, and any local fields nested inserts copy
// into child foreign keys.
func insertReturning(obj *catalog.DataObject, sel *query.Node, rows []*RowPlan) []string {
	fields := withPrimaryKey(obj, sel.Columns)
	for _, rp := range rows {
		for _, ni := range rp.Nested {
			fields = append(fields, ni.Relation.LocalFields...)
		}
	}
	return dedup(fields)
}

func withPrimaryKey(obj *catalog.DataObject, columns []string) []string {
	fields := make([]string, 0, len(columns)+1)
	for _, pk := range obj.PrimaryKey() {
		fields = append(fields, pk.Name)
	}
	fields = append(fields, columns...)
	return dedup(fields)
}
