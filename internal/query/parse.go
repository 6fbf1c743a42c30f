package query

import (
	"fmt"
	"strconv"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/gqlerr"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

// DefaultMaxDepth bounds nested-selection depth when no limit is configured.
const DefaultMaxDepth = 20

// Parser validates GraphQL documents against a catalog snapshot.
type Parser struct {
	snapshot *catalog.Snapshot
	maxDepth int
}

// NewParser builds a parser bound to one immutable snapshot.
func NewParser(snapshot *catalog.Snapshot, maxDepth int) *Parser {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Parser{snapshot: snapshot, maxDepth: maxDepth}
}

// Parse parses and validates one operation from the document. Top-level
// selections validate independently: a selection that fails contributes an
// error and is dropped, while its siblings still parse (partial-success
// convention). A document-level failure returns a single error and no
// document.
func (p *Parser) Parse(queryText, operationName string, vars map[string]interface{}) (*Document, []error) {
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(queryText), Name: "graphql"}),
	})
	if err != nil {
		return nil, []error{gqlerr.Wrap(gqlerr.CodeValidationFailed, nil, err)}
	}

	op, err := selectOperation(doc, operationName)
	if err != nil {
		return nil, []error{gqlerr.Wrap(gqlerr.CodeValidationFailed, nil, err)}
	}

	fragments := collectFragments(doc)
	out := &Document{Operation: OperationKind(op.Operation)}
	var errs []error

	for _, sel := range expandSelections(op.SelectionSet, fragments) {
		field, ok := sel.(*ast.Field)
		if !ok || field.Name == nil {
			continue
		}
		path := gqlerr.Path{responseKey(field)}

		node, err := p.buildRoot(out.Operation, field, path, vars, fragments)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if depth := node.Depth(); depth > p.maxDepth {
			errs = append(errs, gqlerr.New(gqlerr.CodeMaxDepthExceeded, path,
				"selection depth %d exceeds maximum of %d", depth, p.maxDepth))
			continue
		}
		out.Selections = append(out.Selections, node)
	}

	return out, errs
}

func selectOperation(doc *ast.Document, name string) (*ast.OperationDefinition, error) {
	var first *ast.OperationDefinition
	count := 0
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		count++
		if first == nil {
			first = op
		}
		if name != "" && op.Name != nil && op.Name.Value == name {
			return op, nil
		}
	}
	if name != "" {
		return nil, fmt.Errorf("operation %q not found", name)
	}
	if count == 0 {
		return nil, fmt.Errorf("document contains no operations")
	}
	if count > 1 {
		return nil, fmt.Errorf("operation name is required for multi-operation documents")
	}
	return first, nil
}

func collectFragments(doc *ast.Document) map[string]*ast.FragmentDefinition {
	fragments := make(map[string]*ast.FragmentDefinition)
	for _, def := range doc.Definitions {
		if frag, ok := def.(*ast.FragmentDefinition); ok && frag.Name != nil {
			fragments[frag.Name.Value] = frag
		}
	}
	return fragments
}

// expandSelections flattens fragment spreads and inline fragments into a
// plain field list, preserving document order.
func expandSelections(set *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition) []ast.Selection {
	if set == nil {
		return nil
	}
	var out []ast.Selection
	for _, sel := range set.Selections {
		switch s := sel.(type) {
		case *ast.Field:
			out = append(out, s)
		case *ast.InlineFragment:
			out = append(out, expandSelections(s.SelectionSet, fragments)...)
		case *ast.FragmentSpread:
			if s.Name == nil {
				continue
			}
			if frag, ok := fragments[s.Name.Value]; ok {
				out = append(out, expandSelections(frag.SelectionSet, fragments)...)
			}
		}
	}
	return out
}

func responseKey(field *ast.Field) string {
	if field.Alias != nil && field.Alias.Value != "" {
		return field.Alias.Value
	}
	return field.Name.Value
}

type buildContext struct {
	parser    *Parser
	vars      map[string]interface{}
	fragments map[string]*ast.FragmentDefinition
}

func (p *Parser) buildRoot(op OperationKind, field *ast.Field, path gqlerr.Path, vars map[string]interface{}, fragments map[string]*ast.FragmentDefinition) (*Node, error) {
	bc := &buildContext{parser: p, vars: vars, fragments: fragments}
	name := field.Name.Value

	if op == OperationMutation {
		binding, ok := p.snapshot.MutationRoot(name)
		if !ok {
			return nil, gqlerr.New(gqlerr.CodeFieldNotFound, path, "unknown mutation field %q", name)
		}
		return bc.buildMutation(binding, field, path)
	}

	binding, ok := p.snapshot.QueryRoot(name)
	if !ok {
		return nil, gqlerr.New(gqlerr.CodeFieldNotFound, path, "unknown query field %q", name)
	}
	switch binding.Op {
	case catalog.OpAggregate:
		return bc.buildAggregate(binding.Object, field, path)
	case catalog.OpSelectOne:
		node, err := bc.buildSelect(binding.Object, field, path, KindSelectOne)
		if err != nil {
			return nil, err
		}
		one := 1
		node.Limit = &one
		return node, nil
	default:
		return bc.buildSelect(binding.Object, field, path, KindSelect)
	}
}

// buildSelect constructs a select-style node: arguments, scalar columns,
// nested relations, and the _join/_spatial special selections.
func (bc *buildContext) buildSelect(obj *catalog.DataObject, field *ast.Field, path gqlerr.Path, kind NodeKind) (*Node, error) {
	node := &Node{
		Kind:   kind,
		Alias:  responseKey(field),
		Field:  field.Name.Value,
		Path:   path,
		Object: obj,
	}
	if err := bc.applyArguments(node, field, path); err != nil {
		return nil, err
	}
	if err := bc.buildChildren(node, field, path); err != nil {
		return nil, err
	}
	if err := validateNode(bc.parser.snapshot, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (bc *buildContext) buildChildren(node *Node, field *ast.Field, path gqlerr.Path) error {
	obj := node.Object
	for _, sel := range expandSelections(field.SelectionSet, bc.fragments) {
		sub, ok := sel.(*ast.Field)
		if !ok || sub.Name == nil {
			continue
		}
		name := sub.Name.Value
		childPath := path.Child(responseKey(sub))
		switch {
		case name == "__typename":
			continue
		case name == "_join":
			child, err := bc.buildJoin(obj, sub, childPath)
			if err != nil {
				return err
			}
			node.Children = append(node.Children, child)
		case name == "_spatial":
			child, err := bc.buildSpatial(obj, sub, childPath)
			if err != nil {
				return err
			}
			node.Children = append(node.Children, child)
		case obj.Field(name) != nil:
			node.Columns = append(node.Columns, name)
		case obj.Relation(name) != nil:
			rel := obj.Relation(name)
			target, err := bc.parser.snapshot.Object(rel.Target)
			if err != nil {
				return gqlerr.Wrap(gqlerr.CodeFieldNotFound, childPath, err)
			}
			child, err := bc.buildSelect(target, sub, childPath, KindRelation)
			if err != nil {
				return err
			}
			child.Relation = rel
			node.Children = append(node.Children, child)
		default:
			return gqlerr.New(gqlerr.CodeFieldNotFound, childPath,
				"field %q not found on %s", name, obj.Name)
		}
	}
	return nil
}

func (bc *buildContext) buildJoin(parent *catalog.DataObject, field *ast.Field, path gqlerr.Path) (*Node, error) {
	args, err := bc.argumentValues(field, path)
	if err != nil {
		return nil, err
	}
	spec := &JoinSpec{
		Object:           stringValue(args["references"]),
		Fields:           stringList(args["fields"]),
		ReferencesFields: stringList(args["references_fields"]),
	}
	if spec.Object == "" {
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "_join requires a references object")
	}
	if len(spec.Fields) == 0 || len(spec.Fields) != len(spec.ReferencesFields) {
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "_join key mapping width mismatch")
	}
	for _, f := range spec.Fields {
		if parent.Field(f) == nil {
			return nil, gqlerr.New(gqlerr.CodeFieldNotFound, path, "_join field %q not found on %s", f, parent.Name)
		}
	}
	target, err := bc.parser.snapshot.Object(spec.Object)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeFieldNotFound, path, err)
	}
	for _, f := range spec.ReferencesFields {
		if target.Field(f) == nil {
			return nil, gqlerr.New(gqlerr.CodeFieldNotFound, path,
				"_join references_field %q not found on %s", f, spec.Object)
		}
	}

	node, err := bc.buildSelect(target, field, path, KindJoin)
	if err != nil {
		return nil, err
	}
	node.Join = spec
	return node, nil
}

func (bc *buildContext) buildSpatial(parent *catalog.DataObject, field *ast.Field, path gqlerr.Path) (*Node, error) {
	args, err := bc.argumentValues(field, path)
	if err != nil {
		return nil, err
	}
	spec := &SpatialSpec{
		Object:          stringValue(args["references"]),
		Field:           stringValue(args["field"]),
		ReferencesField: stringValue(args["references_field"]),
		Predicate:       SpatialPredicate(stringValue(args["type"])),
	}
	if buf, ok := args["buffer"]; ok {
		f, ok := floatValue(buf)
		if !ok {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "_spatial buffer must be a number")
		}
		spec.Buffer = &f
	}
	switch spec.Predicate {
	case SpatialIntersects, SpatialWithin, SpatialContains, SpatialDisjoint, SpatialDWithin:
	default:
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "unknown spatial predicate %q", spec.Predicate)
	}
	if pf := parent.Field(spec.Field); pf == nil || pf.Type != catalog.TypeGeometry {
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "_spatial field %q is not a geometry field", spec.Field)
	}
	target, err := bc.parser.snapshot.Object(spec.Object)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeFieldNotFound, path, err)
	}
	if rf := target.Field(spec.ReferencesField); rf == nil || rf.Type != catalog.TypeGeometry {
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path,
			"_spatial references_field %q is not a geometry field on %s", spec.ReferencesField, spec.Object)
	}

	node, err := bc.buildSelect(target, field, path, KindSpatial)
	if err != nil {
		return nil, err
	}
	node.Spatial = spec
	return node, nil
}

func (bc *buildContext) buildAggregate(obj *catalog.DataObject, field *ast.Field, path gqlerr.Path) (*Node, error) {
	node := &Node{
		Kind:      KindAggregate,
		Alias:     responseKey(field),
		Field:     field.Name.Value,
		Path:      path,
		Object:    obj,
		Aggregate: &AggregateSpec{},
	}
	if err := bc.applyArguments(node, field, path); err != nil {
		return nil, err
	}

	for _, sel := range expandSelections(field.SelectionSet, bc.fragments) {
		sub, ok := sel.(*ast.Field)
		if !ok || sub.Name == nil {
			continue
		}
		name := sub.Name.Value
		childPath := path.Child(responseKey(sub))
		switch name {
		case "__typename":
		case "key":
			for _, keySel := range expandSelections(sub.SelectionSet, bc.fragments) {
				keyField, ok := keySel.(*ast.Field)
				if !ok || keyField.Name == nil {
					continue
				}
				keyName := keyField.Name.Value
				if obj.Field(keyName) != nil {
					node.Aggregate.Keys = append(node.Aggregate.Keys, keyName)
					continue
				}
				// Keys may reach through a to-one relation; the compiler
				// joins the target in a derived table before grouping.
				rel := obj.Relation(keyName)
				if rel == nil {
					return nil, gqlerr.New(gqlerr.CodeFieldNotFound, childPath.Child(keyName),
						"field %q not found on %s", keyName, obj.Name)
				}
				if !rel.ForeignKey || rel.Kind != catalog.RelationOneToOne {
					return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, childPath.Child(keyName),
						"aggregate keys can only traverse to-one foreign-key relations, %q is not one", keyName)
				}
				target, err := bc.parser.snapshot.Object(rel.Target)
				if err != nil {
					return nil, gqlerr.Wrap(gqlerr.CodeFieldNotFound, childPath.Child(keyName), err)
				}
				for _, relSel := range expandSelections(keyField.SelectionSet, bc.fragments) {
					relField, ok := relSel.(*ast.Field)
					if !ok || relField.Name == nil {
						continue
					}
					if target.Field(relField.Name.Value) == nil {
						return nil, gqlerr.New(gqlerr.CodeFieldNotFound, childPath.Child(keyName).Child(relField.Name.Value),
							"field %q not found on %s", relField.Name.Value, target.Name)
					}
					node.Aggregate.Keys = append(node.Aggregate.Keys, keyName+"."+relField.Name.Value)
				}
			}
		case "count":
			node.Aggregate.Aggregations = append(node.Aggregate.Aggregations,
				Aggregation{Func: "count", Alias: responseKey(sub)})
		case "count_distinct", "sum", "avg", "min", "max":
			for _, aggSel := range expandSelections(sub.SelectionSet, bc.fragments) {
				aggField, ok := aggSel.(*ast.Field)
				if !ok || aggField.Name == nil {
					continue
				}
				f := obj.Field(aggField.Name.Value)
				if f == nil {
					return nil, gqlerr.New(gqlerr.CodeFieldNotFound, childPath.Child(aggField.Name.Value),
						"field %q not found on %s", aggField.Name.Value, obj.Name)
				}
				if name != "count_distinct" && name != "min" && name != "max" && !f.Type.Numeric() {
					return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, childPath.Child(aggField.Name.Value),
						"%s requires a numeric field, %s.%s is %s", name, obj.Name, f.Name, f.Type)
				}
				node.Aggregate.Aggregations = append(node.Aggregate.Aggregations,
					Aggregation{Func: name, Field: f.Name, Alias: responseKey(sub) + "." + responseKey(aggField)})
			}
		default:
			return nil, gqlerr.New(gqlerr.CodeFieldNotFound, childPath,
				"unknown aggregate selection %q", name)
		}
	}

	if err := validateNode(bc.parser.snapshot, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (bc *buildContext) buildMutation(binding catalog.RootBinding, field *ast.Field, path gqlerr.Path) (*Node, error) {
	obj := binding.Object
	args, err := bc.argumentValues(field, path)
	if err != nil {
		return nil, err
	}

	node := &Node{
		Alias:  responseKey(field),
		Field:  field.Name.Value,
		Path:   path,
		Object: obj,
	}

	switch binding.Op {
	case catalog.OpInsert:
		node.Kind = KindInsert
		rows, err := insertRows(args["data"], path)
		if err != nil {
			return nil, err
		}
		for i, row := range rows {
			if err := validateMutationRow(bc.parser.snapshot, obj, row, path.Child(i)); err != nil {
				return nil, err
			}
		}
		node.Data = rows
	case catalog.OpUpdate:
		node.Kind = KindUpdate
		set, ok := args["data"].(map[string]interface{})
		if !ok || len(set) == 0 {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "update data must be a non-empty object")
		}
		if err := validateMutationRow(bc.parser.snapshot, obj, set, path); err != nil {
			return nil, err
		}
		node.UpdateSet = set
	case catalog.OpDelete:
		node.Kind = KindDelete
		if hard, ok := args["hard"]; ok {
			b, ok := hard.(bool)
			if !ok {
				return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "hard must be a boolean")
			}
			node.HardDelete = b
		}
	default:
		return nil, gqlerr.New(gqlerr.CodeFieldNotFound, path, "unknown mutation field %q", node.Field)
	}

	if rawFilter, ok := args["filter"]; ok {
		filter, ok := rawFilter.(map[string]interface{})
		if !ok {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "filter must be an object")
		}
		node.Filter = filter
	}

	// Returning selection: scalar columns plus the affected_rows count.
	for _, sel := range expandSelections(field.SelectionSet, bc.fragments) {
		sub, ok := sel.(*ast.Field)
		if !ok || sub.Name == nil {
			continue
		}
		name := sub.Name.Value
		switch {
		case name == "__typename":
		case name == "affected_rows":
			node.AffectedRows = true
		case name == "returning":
			for _, retSel := range expandSelections(sub.SelectionSet, bc.fragments) {
				retField, ok := retSel.(*ast.Field)
				if !ok || retField.Name == nil {
					continue
				}
				retName := retField.Name.Value
				switch {
				case retName == "__typename":
				case obj.Field(retName) != nil:
					node.Columns = append(node.Columns, retName)
				case obj.Relation(retName) != nil:
					// Returned relation subtrees (e.g. nested inserts) read
					// back through the same select machinery.
					rel := obj.Relation(retName)
					target, err := bc.parser.snapshot.Object(rel.Target)
					if err != nil {
						return nil, gqlerr.Wrap(gqlerr.CodeFieldNotFound, path, err)
					}
					child, err := bc.buildSelect(target, retField, path.Child("returning").Child(retName), KindRelation)
					if err != nil {
						return nil, err
					}
					child.Relation = rel
					node.Children = append(node.Children, child)
				default:
					return nil, gqlerr.New(gqlerr.CodeFieldNotFound, path.Child("returning").Child(retName),
						"field %q not found on %s", retName, obj.Name)
				}
			}
		default:
			return nil, gqlerr.New(gqlerr.CodeFieldNotFound, path.Child(name),
				"unknown mutation selection %q", name)
		}
	}

	if err := validateNode(bc.parser.snapshot, node); err != nil {
		return nil, err
	}
	return node, nil
}

// insertRows normalizes the data argument into a row list.
func insertRows(raw interface{}, path gqlerr.Path) ([]map[string]interface{}, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}, nil
	case []interface{}:
		rows := make([]map[string]interface{}, 0, len(v))
		for i, item := range v {
			row, ok := item.(map[string]interface{})
			if !ok {
				return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path.Child(i), "insert rows must be objects")
			}
			rows = append(rows, row)
		}
		return rows, nil
	default:
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "insert data must be an object or a list of objects")
	}
}

// applyArguments parses the shared select arguments onto the node.
func (bc *buildContext) applyArguments(node *Node, field *ast.Field, path gqlerr.Path) error {
	args, err := bc.argumentValues(field, path)
	if err != nil {
		return err
	}

	if rawFilter, ok := args["filter"]; ok {
		filter, ok := rawFilter.(map[string]interface{})
		if !ok {
			return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "filter must be an object")
		}
		node.Filter = filter
	}

	var parseErr error
	node.OrderBy, parseErr = orderByValue(args["order_by"], path, "order_by")
	if parseErr != nil {
		return parseErr
	}
	node.NestedOrderBy, parseErr = orderByValue(args["nested_order_by"], path, "nested_order_by")
	if parseErr != nil {
		return parseErr
	}

	for _, name := range []string{"limit", "offset", "nested_limit", "nested_offset"} {
		raw, ok := args[name]
		if !ok {
			continue
		}
		val, ok := intValue(raw)
		if !ok || val < 0 {
			return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "%s must be a non-negative integer", name)
		}
		switch name {
		case "limit":
			node.Limit = &val
		case "offset":
			node.Offset = &val
		case "nested_limit":
			node.NestedLimit = &val
		case "nested_offset":
			node.NestedOffset = &val
		}
	}

	node.DistinctOn = stringList(args["distinct_on"])

	if rawSim, ok := args["similarity"]; ok {
		sim, err := similarityValue(rawSim, path)
		if err != nil {
			return err
		}
		node.Similarity = sim
	}

	if inner, ok := args["inner"]; ok {
		b, ok := inner.(bool)
		if !ok {
			return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "inner must be a boolean")
		}
		node.Inner = b
	}
	if withDeleted, ok := args["with_deleted"]; ok {
		b, ok := withDeleted.(bool)
		if !ok {
			return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "with_deleted must be a boolean")
		}
		node.WithDeleted = b
	}

	// Single-row lookups take the primary key fields as direct arguments
	// (customer_by_pk(id: 5)); fold them into an eq filter.
	if node.Kind == KindSelectOne {
		for _, pk := range node.Object.PrimaryKey() {
			val, ok := args[pk.Name]
			if !ok {
				return gqlerr.New(gqlerr.CodeInvalidArgumentType, path,
					"missing primary key argument %q", pk.Name)
			}
			if node.Filter == nil {
				node.Filter = map[string]interface{}{}
			}
			node.Filter[pk.Name] = map[string]interface{}{"eq": val}
		}
	}
	return nil
}

func orderByValue(raw interface{}, path gqlerr.Path, argName string) ([]OrderField, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		if single, ok := raw.(map[string]interface{}); ok {
			list = []interface{}{single}
		} else {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path.Child(argName),
				"%s must be a list of {field, direction} entries", argName)
		}
	}
	out := make([]OrderField, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path.Child(argName),
				"%s entries must be objects", argName)
		}
		of := OrderField{
			Field:     stringValue(entry["field"]),
			Direction: stringValue(entry["direction"]),
		}
		if of.Direction == "" {
			of.Direction = "ASC"
		}
		if of.Field == "" {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path.Child(argName), "%s entry is missing field", argName)
		}
		if of.Direction != "ASC" && of.Direction != "DESC" {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path.Child(argName),
				"%s direction must be ASC or DESC", argName)
		}
		out = append(out, of)
	}
	return out, nil
}

func similarityValue(raw interface{}, path gqlerr.Path) (*SimilaritySpec, error) {
	simPath := path.Child("similarity")
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, simPath, "similarity must be an object")
	}
	spec := &SimilaritySpec{
		Field:    stringValue(obj["field"]),
		Distance: DistanceMetric(stringValue(obj["distance"])),
	}
	if spec.Field == "" {
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, simPath, "similarity requires a field")
	}
	switch spec.Distance {
	case DistanceCosine, DistanceL2, DistanceInner:
	case "":
		spec.Distance = DistanceCosine
	default:
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, simPath,
			"distance must be one of COSINE, L2, INNER")
	}

	rawVec, ok := obj["vector"].([]interface{})
	if !ok || len(rawVec) == 0 {
		return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, simPath, "similarity.vector must be a numeric array")
	}
	spec.Vector = make([]float64, 0, len(rawVec))
	for _, item := range rawVec {
		f, ok := floatValue(item)
		if !ok {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, simPath, "similarity.vector must be a numeric array")
		}
		spec.Vector = append(spec.Vector, f)
	}

	if rawLimit, ok := obj["limit"]; ok {
		limit, ok := intValue(rawLimit)
		if !ok || limit <= 0 {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, simPath, "similarity.limit must be a positive integer")
		}
		spec.Limit = limit
	} else {
		spec.Limit = 10
	}
	return spec, nil
}

// argumentValues coerces the field's AST arguments into Go values, resolving
// variables from the request's variables map.
func (bc *buildContext) argumentValues(field *ast.Field, path gqlerr.Path) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(field.Arguments))
	for _, arg := range field.Arguments {
		if arg == nil || arg.Name == nil {
			continue
		}
		val, err := bc.astValue(arg.Value, path.Child(arg.Name.Value))
		if err != nil {
			return nil, err
		}
		out[arg.Name.Value] = val
	}
	return out, nil
}

func (bc *buildContext) astValue(value ast.Value, path gqlerr.Path) (interface{}, error) {
	switch v := value.(type) {
	case *ast.Variable:
		if v.Name == nil {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "malformed variable reference")
		}
		val, ok := bc.vars[v.Name.Value]
		if !ok {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "variable $%s is not provided", v.Name.Value)
		}
		return val, nil
	case *ast.IntValue:
		parsed, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "invalid integer literal %q", v.Value)
		}
		return int(parsed), nil
	case *ast.FloatValue:
		parsed, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return nil, gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "invalid float literal %q", v.Value)
		}
		return parsed, nil
	case *ast.StringValue:
		return v.Value, nil
	case *ast.BooleanValue:
		return v.Value, nil
	case *ast.EnumValue:
		return v.Value, nil
	case *ast.ListValue:
		out := make([]interface{}, 0, len(v.Values))
		for i, item := range v.Values {
			val, err := bc.astValue(item, path.Child(i))
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	case *ast.ObjectValue:
		out := make(map[string]interface{}, len(v.Fields))
		for _, f := range v.Fields {
			if f == nil || f.Name == nil {
				continue
			}
			val, err := bc.astValue(f.Value, path.Child(f.Name.Value))
			if err != nil {
				return nil, err
			}
			out[f.Name.Value] = val
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, nil
	}
}

func stringValue(raw interface{}) string {
	s, _ := raw.(string)
	return s
}

func stringList(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func intValue(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

func floatValue(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
