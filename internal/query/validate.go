package query

import (
	"strings"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/gqlerr"
)

// scalarFilterOps is the closed operator set for scalar fields.
var scalarFilterOps = map[string]struct{}{
	"eq": {}, "ne": {}, "gt": {}, "gte": {}, "lt": {}, "lte": {},
	"in": {}, "like": {}, "ilike": {}, "regex": {}, "is_null": {},
}

// listRelationOps is the operator set for to-many relation filters.
var listRelationOps = map[string]struct{}{
	"any_of": {}, "all_of": {}, "none_of": {},
}

// validateNode applies the validation rules that need the whole node:
// filter shape, required filters, order_by self-consistency, distinct_on,
// and similarity typing.
func validateNode(snap *catalog.Snapshot, node *Node) error {
	obj := node.Object

	if node.Filter != nil {
		if err := validateFilter(snap, obj, node.Filter, node.Path.Child("filter")); err != nil {
			return err
		}
	}

	// Required filters apply wherever the object is read or matched, at any
	// nesting depth. Inserts have no filter to check.
	if node.Kind != KindInsert {
		for _, required := range obj.RequiredFilters {
			if !filterMentionsField(node.Filter, required) {
				return gqlerr.New(gqlerr.CodeMissingRequiredFilter, node.Path,
					"object %s requires a filter on %q", obj.Name, required)
			}
		}
	}

	if err := validateOrderBy(node, node.OrderBy, "order_by"); err != nil {
		return err
	}
	if err := validateOrderBy(node, node.NestedOrderBy, "nested_order_by"); err != nil {
		return err
	}

	if len(node.DistinctOn) > 0 {
		for _, f := range node.DistinctOn {
			if obj.Field(f) == nil {
				return gqlerr.New(gqlerr.CodeFieldNotFound, node.Path.Child("distinct_on"),
					"field %q not found on %s", f, obj.Name)
			}
		}
		if len(node.OrderBy) == 0 || !containsString(node.DistinctOn, node.OrderBy[0].Field) {
			return gqlerr.New(gqlerr.CodeValidationFailed, node.Path.Child("distinct_on"),
				"distinct_on requires the first order_by entry to be one of the distinct_on fields")
		}
	}

	if node.Similarity != nil {
		if err := validateSimilarity(obj, node.Similarity, node.Path); err != nil {
			return err
		}
	}
	return nil
}

func validateOrderBy(node *Node, orderBy []OrderField, argName string) error {
	obj := node.Object
	path := node.Path.Child(argName)
	for _, of := range orderBy {
		relName, subField, dotted := strings.Cut(of.Field, ".")
		if !dotted {
			if obj.Field(of.Field) == nil {
				return gqlerr.New(gqlerr.CodeFieldNotFound, path,
					"order field %q not found on %s", of.Field, obj.Name)
			}
			continue
		}
		rel := obj.Relation(relName)
		if rel == nil {
			return gqlerr.New(gqlerr.CodeFieldNotFound, path,
				"order field %q does not name a relation of %s", of.Field, obj.Name)
		}
		// Sorting by a relation field requires the field to be selected too,
		// never silently ignored.
		child := node.Child(relName)
		if child == nil || !containsString(child.Columns, subField) {
			return gqlerr.New(gqlerr.CodeValidationFailed, path,
				"sorting by %q requires selecting %s.%s", of.Field, relName, subField)
		}
	}
	return nil
}

func validateSimilarity(obj *catalog.DataObject, spec *SimilaritySpec, path gqlerr.Path) error {
	simPath := path.Child("similarity")
	f := obj.Field(spec.Field)
	if f == nil {
		return gqlerr.New(gqlerr.CodeFieldNotFound, simPath, "field %q not found on %s", spec.Field, obj.Name)
	}
	if f.Type != catalog.TypeVector {
		return gqlerr.New(gqlerr.CodeInvalidArgumentType, simPath,
			"similarity requires a vector field, %s.%s is %s", obj.Name, f.Name, f.Type)
	}
	if f.VectorDim > 0 && len(spec.Vector) != f.VectorDim {
		return gqlerr.New(gqlerr.CodeInvalidArgumentType, simPath,
			"vector length %d does not match %s.%s dimension %d", len(spec.Vector), obj.Name, f.Name, f.VectorDim)
	}
	return nil
}

// validateFilter walks a filter tree, checking boolean composition, operator
// sets per field type, and relation filter targets.
func validateFilter(snap *catalog.Snapshot, obj *catalog.DataObject, filter map[string]interface{}, path gqlerr.Path) error {
	for key, value := range filter {
		keyPath := path.Child(key)
		switch key {
		case "_and", "_or":
			list, ok := value.([]interface{})
			if !ok {
				return gqlerr.New(gqlerr.CodeInvalidArgumentType, keyPath, "%s must be a list", key)
			}
			for i, item := range list {
				sub, ok := item.(map[string]interface{})
				if !ok {
					return gqlerr.New(gqlerr.CodeInvalidArgumentType, keyPath.Child(i), "%s entries must be objects", key)
				}
				if err := validateFilter(snap, obj, sub, keyPath.Child(i)); err != nil {
					return err
				}
			}
		case "_not":
			sub, ok := value.(map[string]interface{})
			if !ok {
				return gqlerr.New(gqlerr.CodeInvalidArgumentType, keyPath, "_not must be an object")
			}
			if err := validateFilter(snap, obj, sub, keyPath); err != nil {
				return err
			}
		default:
			if f := obj.Field(key); f != nil {
				if err := validateFieldFilter(obj, f, value, keyPath); err != nil {
					return err
				}
				continue
			}
			rel := obj.Relation(key)
			if rel == nil {
				return gqlerr.New(gqlerr.CodeFieldNotFound, keyPath,
					"filter field %q not found on %s", key, obj.Name)
			}
			// Custom joins and table functions never participate in filter
			// push-down; only inner: true restriction is legal for those.
			if !rel.ForeignKey {
				return gqlerr.New(gqlerr.CodeUnsupportedFilterTarget, keyPath,
					"relation %q is not foreign-key based and cannot be filtered; use inner: true on the selection", key)
			}
			if err := validateRelationFilter(snap, rel, value, keyPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateFieldFilter(obj *catalog.DataObject, f *catalog.Field, value interface{}, path gqlerr.Path) error {
	ops, ok := value.(map[string]interface{})
	if !ok {
		return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "filter for %q must be an object of operators", f.Name)
	}
	for op, opValue := range ops {
		if _, known := scalarFilterOps[op]; !known {
			return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "unknown filter operator %q", op)
		}
		// Vector and geometry fields only support null checks; everything
		// else goes through similarity or _spatial.
		if (f.Type == catalog.TypeVector || f.Type == catalog.TypeGeometry) && op != "is_null" {
			return gqlerr.New(gqlerr.CodeUnsupportedFilterTarget, path,
				"%s fields only support the is_null operator", f.Type)
		}
		switch op {
		case "is_null":
			if _, ok := opValue.(bool); !ok {
				return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "is_null must be a boolean")
			}
		case "in":
			if _, ok := opValue.([]interface{}); !ok {
				return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "in requires a list value")
			}
		case "like", "ilike", "regex":
			if _, ok := opValue.(string); !ok {
				return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "%s requires a string pattern", op)
			}
		case "gt", "gte", "lt", "lte":
			if _, ok := opValue.(bool); ok {
				return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "%s is not defined for booleans", op)
			}
		}
	}
	return nil
}

func validateRelationFilter(snap *catalog.Snapshot, rel *catalog.Relation, value interface{}, path gqlerr.Path) error {
	target, err := snap.Object(rel.Target)
	if err != nil {
		return gqlerr.Wrap(gqlerr.CodeFieldNotFound, path, err)
	}
	sub, ok := value.(map[string]interface{})
	if !ok {
		return gqlerr.New(gqlerr.CodeInvalidArgumentType, path, "relation filter must be an object")
	}

	if rel.Kind == catalog.RelationOneToOne {
		return validateFilter(snap, target, sub, path)
	}

	for op, opValue := range sub {
		if _, known := listRelationOps[op]; !known {
			return gqlerr.New(gqlerr.CodeInvalidArgumentType, path,
				"to-many relation filters require any_of, all_of, or none_of, got %q", op)
		}
		nested, ok := opValue.(map[string]interface{})
		if !ok {
			return gqlerr.New(gqlerr.CodeInvalidArgumentType, path.Child(op), "%s must be an object", op)
		}
		if err := validateFilter(snap, target, nested, path.Child(op)); err != nil {
			return err
		}
	}
	return nil
}

// validateMutationRow checks one insert row or update set: every key must be
// a scalar field (value literal or mutation reference) or a foreign-key
// to-many relation carrying nested insert rows.
func validateMutationRow(snap *catalog.Snapshot, obj *catalog.DataObject, row map[string]interface{}, path gqlerr.Path) error {
	for key, value := range row {
		keyPath := path.Child(key)
		if obj.Field(key) != nil {
			continue
		}
		rel := obj.Relation(key)
		if rel == nil {
			return gqlerr.New(gqlerr.CodeFieldNotFound, keyPath, "field %q not found on %s", key, obj.Name)
		}
		if !rel.ForeignKey || rel.Kind != catalog.RelationOneToMany {
			return gqlerr.New(gqlerr.CodeInvalidArgumentType, keyPath,
				"nested mutation data is only supported for foreign-key one-to-many relations")
		}
		target, err := snap.Object(rel.Target)
		if err != nil {
			return gqlerr.Wrap(gqlerr.CodeFieldNotFound, keyPath, err)
		}
		nested, ok := value.([]interface{})
		if !ok {
			return gqlerr.New(gqlerr.CodeInvalidArgumentType, keyPath, "nested insert data must be a list of objects")
		}
		for i, item := range nested {
			nestedRow, ok := item.(map[string]interface{})
			if !ok {
				return gqlerr.New(gqlerr.CodeInvalidArgumentType, keyPath.Child(i), "nested insert rows must be objects")
			}
			if err := validateMutationRow(snap, target, nestedRow, keyPath.Child(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// MutationRefValue recognizes the explicit reference form a later mutation
// uses to consume a value produced by an earlier one in the same request.
func MutationRefValue(value interface{}) (*MutationRef, bool) {
	m, ok := value.(map[string]interface{})
	if !ok || len(m) != 2 {
		return nil, false
	}
	mutation, ok := m["from_mutation"].(string)
	if !ok || mutation == "" {
		return nil, false
	}
	field, ok := m["field"].(string)
	if !ok || field == "" {
		return nil, false
	}
	return &MutationRef{Mutation: mutation, Field: field}, true
}

// filterMentionsField reports whether the filter tree constrains the given
// field at any depth of its boolean composition.
func filterMentionsField(filter map[string]interface{}, field string) bool {
	if filter == nil {
		return false
	}
	for key, value := range filter {
		switch key {
		case "_and", "_or":
			list, ok := value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range list {
				if sub, ok := item.(map[string]interface{}); ok && filterMentionsField(sub, field) {
					return true
				}
			}
		case "_not":
			if sub, ok := value.(map[string]interface{}); ok && filterMentionsField(sub, field) {
				return true
			}
		default:
			if key == field {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
