package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
	"github.com/jinzhu/inflection"
)

// scalarTypes is the closed set of field types accepted in schema definitions.
var scalarTypes = map[string]FieldType{
	"Int":       TypeInt,
	"BigInt":    TypeBigInt,
	"Float":     TypeFloat,
	"String":    TypeString,
	"Boolean":   TypeBoolean,
	"Timestamp": TypeTimestamp,
	"Date":      TypeDate,
	"JSON":      TypeJSON,
	"UUID":      TypeUUID,
	"Bytes":     TypeBytes,
	"Vector":    TypeVector,
	"Geometry":  TypeGeometry,
}

// Compile parses a schema definition document and builds an immutable
// snapshot over the given data sources. Object types must carry a @table or
// @view directive naming their source; fields are scalars, and relations are
// declared with @relation (foreign-key based) or @join (custom join).
func Compile(sdl string, sources []DataSource) (*Snapshot, error) {
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(sdl), Name: "schema"}),
	})
	if err != nil {
		return nil, fmt.Errorf("parse schema definition: %w", err)
	}

	snap := &Snapshot{
		BuiltAt:       time.Now().UTC(),
		Fingerprint:   fingerprint(sdl),
		objects:       make(map[string]*DataObject),
		sources:       make(map[string]*DataSource),
		queryRoots:    make(map[string]RootBinding),
		mutationRoots: make(map[string]RootBinding),
	}
	for i := range sources {
		src := sources[i]
		if _, ok := snap.sources[src.Name]; ok {
			return nil, fmt.Errorf("duplicate data source: %s", src.Name)
		}
		snap.sources[src.Name] = &src
	}

	for _, def := range doc.Definitions {
		objDef, ok := def.(*ast.ObjectDefinition)
		if !ok || objDef.Name == nil {
			continue
		}
		obj, err := compileObject(objDef)
		if err != nil {
			return nil, err
		}
		if _, exists := snap.objects[obj.Name]; exists {
			return nil, fmt.Errorf("duplicate data object: %s", obj.Name)
		}
		if _, ok := snap.sources[obj.Source]; !ok {
			return nil, fmt.Errorf("object %s references unknown data source %s", obj.Name, obj.Source)
		}
		snap.objects[obj.Name] = obj
	}

	if err := linkRelations(snap); err != nil {
		return nil, err
	}
	bindRoots(snap)
	return snap, nil
}

func fingerprint(sdl string) string {
	sum := sha256.Sum256([]byte(sdl))
	return hex.EncodeToString(sum[:])
}

func compileObject(def *ast.ObjectDefinition) (*DataObject, error) {
	obj := &DataObject{Name: def.Name.Value}

	bound := false
	for _, dir := range def.Directives {
		if dir.Name == nil {
			continue
		}
		args := directiveArgs(dir)
		switch dir.Name.Value {
		case "table", "view":
			bound = true
			obj.IsView = dir.Name.Value == "view"
			obj.Table = stringArg(args, "name", obj.Name)
			obj.Source = stringArg(args, "source", "")
			if obj.Source == "" {
				return nil, fmt.Errorf("object %s: @%s requires a source argument", obj.Name, dir.Name.Value)
			}
		case "cache":
			ttlRaw := stringArg(args, "ttl", "")
			ttl, err := time.ParseDuration(ttlRaw)
			if ttlRaw != "" && err != nil {
				return nil, fmt.Errorf("object %s: invalid @cache ttl %q", obj.Name, ttlRaw)
			}
			obj.Cache = &CacheDirective{
				TTL:  ttl,
				Key:  stringArg(args, "key", ""),
				Tags: stringListArg(args, "tags"),
			}
		case "soft_delete":
			obj.SoftDelete = &SoftDeleteDirective{Field: stringArg(args, "field", "deleted_at")}
		case "filter_required":
			obj.RequiredFilters = stringListArg(args, "fields")
		default:
			return nil, fmt.Errorf("object %s: unknown directive @%s", obj.Name, dir.Name.Value)
		}
	}
	if !bound {
		return nil, fmt.Errorf("object %s: missing @table or @view directive", obj.Name)
	}

	for _, fieldDef := range def.Fields {
		if fieldDef == nil || fieldDef.Name == nil {
			continue
		}
		if err := compileField(obj, fieldDef); err != nil {
			return nil, err
		}
	}
	if len(obj.Fields) == 0 {
		return nil, fmt.Errorf("object %s: no scalar fields", obj.Name)
	}
	return obj, nil
}

func compileField(obj *DataObject, def *ast.FieldDefinition) error {
	name := def.Name.Value
	typeName, isList, nonNull := unwrapType(def.Type)

	relDir := findDirective(def.Directives, "relation")
	joinDir := findDirective(def.Directives, "join")
	if relDir != nil && joinDir != nil {
		return fmt.Errorf("field %s.%s: @relation and @join are mutually exclusive", obj.Name, name)
	}
	if relDir != nil || joinDir != nil {
		dir := relDir
		foreignKey := true
		if dir == nil {
			dir = joinDir
			foreignKey = false
		}
		rel, err := compileRelation(obj.Name, name, typeName, isList, dir, foreignKey)
		if err != nil {
			return err
		}
		obj.Relations = append(obj.Relations, *rel)
		return nil
	}

	fieldType, ok := scalarTypes[typeName]
	if !ok {
		return fmt.Errorf("field %s.%s: unknown type %s (relations need @relation or @join)", obj.Name, name, typeName)
	}
	if isList {
		return fmt.Errorf("field %s.%s: list scalar fields are not supported", obj.Name, name)
	}

	field := Field{
		Name:     name,
		Column:   name,
		Type:     fieldType,
		Nullable: !nonNull,
	}
	for _, d := range def.Directives {
		if d.Name == nil {
			continue
		}
		args := directiveArgs(d)
		switch d.Name.Value {
		case "pk":
			field.IsPrimaryKey = true
		case "column":
			field.Column = stringArg(args, "name", field.Column)
		case "vector":
			if fieldType != TypeVector {
				return fmt.Errorf("field %s.%s: @vector requires Vector type", obj.Name, name)
			}
			field.VectorDim = intArg(args, "dim", 0)
		case "geometry":
			if fieldType != TypeGeometry {
				return fmt.Errorf("field %s.%s: @geometry requires Geometry type", obj.Name, name)
			}
			field.SRID = intArg(args, "srid", 4326)
		default:
			return fmt.Errorf("field %s.%s: unknown directive @%s", obj.Name, name, d.Name.Value)
		}
	}
	obj.Fields = append(obj.Fields, field)
	return nil
}

func compileRelation(objName, fieldName, target string, isList bool, dir *ast.Directive, foreignKey bool) (*Relation, error) {
	args := directiveArgs(dir)
	rel := &Relation{
		Name:         fieldName,
		Target:       target,
		LocalFields:  stringListArg(args, "fields"),
		RemoteFields: stringListArg(args, "references"),
		Join:         JoinLeft,
		ForeignKey:   foreignKey,
	}
	if kind := stringArg(args, "kind", ""); kind != "" {
		switch JoinKind(kind) {
		case JoinLeft, JoinInner:
			rel.Join = JoinKind(kind)
		default:
			return nil, fmt.Errorf("field %s.%s: invalid join kind %s", objName, fieldName, kind)
		}
	}

	rel.Junction = stringArg(args, "junction", "")
	rel.JunctionLocalFields = stringListArg(args, "junction_fields")
	rel.JunctionRemoteFields = stringListArg(args, "junction_references")

	switch {
	case rel.Junction != "":
		rel.Kind = RelationManyToMany
		if len(rel.JunctionLocalFields) == 0 || len(rel.JunctionRemoteFields) == 0 {
			return nil, fmt.Errorf("field %s.%s: many-to-many relation requires junction field mappings", objName, fieldName)
		}
	case isList:
		rel.Kind = RelationOneToMany
	default:
		rel.Kind = RelationOneToOne
	}

	if len(rel.LocalFields) == 0 || len(rel.LocalFields) != len(rel.RemoteFields) {
		return nil, fmt.Errorf("field %s.%s: relation key mapping width mismatch", objName, fieldName)
	}
	return rel, nil
}

// linkRelations checks every relation edge against the compiled objects.
func linkRelations(snap *Snapshot) error {
	for _, obj := range snap.objects {
		for _, rel := range obj.Relations {
			target, ok := snap.objects[rel.Target]
			if !ok {
				return fmt.Errorf("relation %s.%s targets unknown object %s", obj.Name, rel.Name, rel.Target)
			}
			for _, f := range rel.LocalFields {
				if obj.Field(f) == nil {
					return fmt.Errorf("relation %s.%s references unknown local field %s", obj.Name, rel.Name, f)
				}
			}
			for _, f := range rel.RemoteFields {
				if target.Field(f) == nil {
					return fmt.Errorf("relation %s.%s references unknown field %s.%s", obj.Name, rel.Name, rel.Target, f)
				}
			}
			if rel.Kind == RelationManyToMany {
				if _, ok := snap.objects[rel.Junction]; !ok {
					return fmt.Errorf("relation %s.%s references unknown junction object %s", obj.Name, rel.Name, rel.Junction)
				}
			}
		}
	}
	return nil
}

// bindRoots generates the root query and mutation fields for every object.
func bindRoots(snap *Snapshot) {
	for _, obj := range snap.objects {
		snap.queryRoots[obj.Name] = RootBinding{Object: obj, Op: OpSelect}
		snap.queryRoots[obj.Name+"_aggregate"] = RootBinding{Object: obj, Op: OpAggregate}
		if len(obj.PrimaryKey()) > 0 {
			snap.queryRoots[inflection.Singular(obj.Name)+"_by_pk"] = RootBinding{Object: obj, Op: OpSelectOne}
		}
		if obj.IsView {
			continue
		}
		if src, ok := snap.sources[obj.Source]; ok && src.ReadOnly {
			continue
		}
		snap.mutationRoots["insert_"+obj.Name] = RootBinding{Object: obj, Op: OpInsert}
		snap.mutationRoots["update_"+obj.Name] = RootBinding{Object: obj, Op: OpUpdate}
		snap.mutationRoots["delete_"+obj.Name] = RootBinding{Object: obj, Op: OpDelete}
	}
}

func unwrapType(t ast.Type) (name string, isList, nonNull bool) {
	switch v := t.(type) {
	case *ast.NonNull:
		name, isList, _ = unwrapType(v.Type)
		return name, isList, true
	case *ast.List:
		name, _, _ = unwrapType(v.Type)
		return name, true, false
	case *ast.Named:
		if v.Name != nil {
			return v.Name.Value, false, false
		}
	}
	return "", false, false
}

func findDirective(dirs []*ast.Directive, name string) *ast.Directive {
	for _, d := range dirs {
		if d != nil && d.Name != nil && d.Name.Value == name {
			return d
		}
	}
	return nil
}

func directiveArgs(dir *ast.Directive) map[string]ast.Value {
	args := make(map[string]ast.Value, len(dir.Arguments))
	for _, arg := range dir.Arguments {
		if arg == nil || arg.Name == nil {
			continue
		}
		args[arg.Name.Value] = arg.Value
	}
	return args
}

func stringArg(args map[string]ast.Value, name, fallback string) string {
	val, ok := args[name]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case *ast.StringValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	}
	return fallback
}

func intArg(args map[string]ast.Value, name string, fallback int) int {
	val, ok := args[name]
	if !ok {
		return fallback
	}
	intVal, ok := val.(*ast.IntValue)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(intVal.Value)
	if err != nil {
		return fallback
	}
	return parsed
}

func stringListArg(args map[string]ast.Value, name string) []string {
	val, ok := args[name]
	if !ok {
		return nil
	}
	list, ok := val.(*ast.ListValue)
	if !ok {
		if s, ok := val.(*ast.StringValue); ok {
			return []string{s.Value}
		}
		return nil
	}
	out := make([]string, 0, len(list.Values))
	for _, item := range list.Values {
		if s, ok := item.(*ast.StringValue); ok {
			out = append(out, s.Value)
		}
	}
	return out
}
