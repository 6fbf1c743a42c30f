// Package auth is the permission-resolution boundary. The engine consults a
// Resolver per (role, object, field) before planning; returned row filters
// are merged into compiled statements exactly like user-supplied filters.
package auth

import "sort"

// Decision is the resolution for one (role, object, field) lookup.
type Decision struct {
	// Hidden fields behave as if absent from the schema.
	Hidden bool
	// Disabled fields exist but may not be selected by this role.
	Disabled bool
	// Filter is a mandatory row filter on the object, in the engine's
	// filter-tree form.
	Filter map[string]interface{}
}

// Resolver answers permission lookups.
type Resolver interface {
	// Object resolves role access to a whole data object. Field is the
	// per-field refinement; an object-level denial wins.
	Object(role, object string) Decision
	Field(role, object, field string) Decision
}

// AllowAll grants everything, the default when no roles are configured.
type AllowAll struct{}

func (AllowAll) Object(string, string) Decision        { return Decision{} }
func (AllowAll) Field(string, string, string) Decision { return Decision{} }

// ObjectPolicy is the configured permission set for one object under one role.
type ObjectPolicy struct {
	Hidden         bool
	Disabled       bool
	HiddenFields   []string
	DisabledFields []string
	// Filter is merged into every statement this role runs against the
	// object.
	Filter map[string]interface{}
}

// RolePolicy maps object names to their policies.
type RolePolicy struct {
	Objects map[string]ObjectPolicy
}

// Static resolves permissions from configuration. Roles not listed fall back
// to DefaultRole when set, otherwise to full access.
type Static struct {
	Roles       map[string]RolePolicy
	DefaultRole string
}

func NewStatic(roles map[string]RolePolicy, defaultRole string) *Static {
	return &Static{Roles: roles, DefaultRole: defaultRole}
}

func (s *Static) policy(role, object string) (ObjectPolicy, bool) {
	rp, ok := s.Roles[role]
	if !ok && s.DefaultRole != "" {
		rp, ok = s.Roles[s.DefaultRole]
	}
	if !ok {
		return ObjectPolicy{}, false
	}
	op, ok := rp.Objects[object]
	return op, ok
}

func (s *Static) Object(role, object string) Decision {
	op, ok := s.policy(role, object)
	if !ok {
		return Decision{}
	}
	return Decision{Hidden: op.Hidden, Disabled: op.Disabled, Filter: op.Filter}
}

func (s *Static) Field(role, object, field string) Decision {
	op, ok := s.policy(role, object)
	if !ok {
		return Decision{}
	}
	d := Decision{Hidden: op.Hidden, Disabled: op.Disabled, Filter: op.Filter}
	for _, name := range op.HiddenFields {
		if name == field {
			d.Hidden = true
		}
	}
	for _, name := range op.DisabledFields {
		if name == field {
			d.Disabled = true
		}
	}
	return d
}

// RowFilters collects every configured row filter for a role, keyed by
// object name, in the form the planner consumes.
func RowFilters(r Resolver, role string, objects []string) map[string]map[string]interface{} {
	sort.Strings(objects)
	out := map[string]map[string]interface{}{}
	for _, obj := range objects {
		if d := r.Object(role, obj); len(d.Filter) > 0 {
			out[obj] = d.Filter
		}
	}
	return out
}
