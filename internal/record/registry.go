package record

import (
	"errors"
	"fmt"
)

// Kind classifies a declared relation.
type Kind string

const (
	// KindHasMany is a one-to-many relation held by a foreign key on the child.
	KindHasMany Kind = "has_many"
	// KindManyMany is a many-to-many relation routed through a junction type.
	KindManyMany Kind = "many_many"
)

var (
	// ErrTypeNotRegistered indicates a lookup or declaration referenced an unknown type.
	ErrTypeNotRegistered = errors.New("record: type not registered")
	// ErrInvalidTypeSpec indicates a malformed type declaration.
	ErrInvalidTypeSpec = errors.New("record: invalid type spec")
)

// OwnerEdge declares a has-one foreign key that is an ownership edge: the
// referenced parent recursively publishes records of this type.
type OwnerEdge struct {
	Field      string
	ParentType string
}

// RelationSpec declares a named relation on a type. Tracked relations
// generate implicit-modification events when their membership changes
// without a version bump on the parent.
type RelationSpec struct {
	Name               string
	Kind               Kind
	TargetType         string
	ChildField         string // has_many: FK field on the child pointing back
	Through            string // many_many: junction type
	ThroughParentField string
	ThroughChildField  string
	Tracked            bool
}

// LinkRole marks a type as a many-to-many junction and names which of its
// foreign keys plays the parent side and which the child side.
type LinkRole struct {
	ParentField string
	ChildField  string
}

// TypeSpec is the full static declaration for one record type.
type TypeSpec struct {
	Name      string
	Owners    []OwnerEdge
	Relations []RelationSpec
	Link      *LinkRole
}

// Registry is the startup-time declaration table for every tracked record
// type. It replaces runtime schema introspection: ownership edges, tracked
// relations and junction roles are registered explicitly and queried by
// lookup.
type Registry struct {
	types map[string]TypeSpec
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: map[string]TypeSpec{}}
}

// Register adds one type declaration. Duplicate or unnamed declarations are
// programming mistakes and fail hard.
func (r *Registry) Register(spec TypeSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: empty type name", ErrInvalidTypeSpec)
	}
	if _, exists := r.types[spec.Name]; exists {
		return fmt.Errorf("%w: duplicate type %q", ErrInvalidTypeSpec, spec.Name)
	}
	for _, rel := range spec.Relations {
		if rel.Name == "" || rel.TargetType == "" {
			return fmt.Errorf("%w: relation on %q missing name or target", ErrInvalidTypeSpec, spec.Name)
		}
		switch rel.Kind {
		case KindHasMany:
			if rel.ChildField == "" {
				return fmt.Errorf("%w: has_many relation %q on %q missing child field", ErrInvalidTypeSpec, rel.Name, spec.Name)
			}
		case KindManyMany:
			if rel.Through == "" || rel.ThroughParentField == "" || rel.ThroughChildField == "" {
				return fmt.Errorf("%w: many_many relation %q on %q missing through declaration", ErrInvalidTypeSpec, rel.Name, spec.Name)
			}
		default:
			return fmt.Errorf("%w: relation %q on %q has unknown kind %q", ErrInvalidTypeSpec, rel.Name, spec.Name, rel.Kind)
		}
	}
	r.types[spec.Name] = spec
	r.order = append(r.order, spec.Name)
	return nil
}

// Validate runs the cross-type checks that only make sense once every type
// is registered: owner edges and relation targets must resolve, and a link
// role must be matched by a many_many declaration routed through its type.
func (r *Registry) Validate() error {
	for _, name := range r.order {
		spec := r.types[name]
		for _, edge := range spec.Owners {
			if _, ok := r.types[edge.ParentType]; !ok {
				return fmt.Errorf("%w: owner edge %s.%s targets %q", ErrTypeNotRegistered, name, edge.Field, edge.ParentType)
			}
		}
		for _, rel := range spec.Relations {
			if _, ok := r.types[rel.TargetType]; !ok {
				return fmt.Errorf("%w: relation %s.%s targets %q", ErrTypeNotRegistered, name, rel.Name, rel.TargetType)
			}
			if rel.Kind == KindManyMany {
				if _, ok := r.types[rel.Through]; !ok {
					return fmt.Errorf("%w: relation %s.%s through %q", ErrTypeNotRegistered, name, rel.Name, rel.Through)
				}
			}
		}
		if spec.Link != nil {
			if _, ok := r.manyManyThrough(name); !ok {
				return fmt.Errorf("%w: link type %q is not the through type of any many_many relation", ErrInvalidTypeSpec, name)
			}
		}
	}
	return nil
}

// Spec returns the declaration for a type.
func (r *Registry) Spec(name string) (TypeSpec, bool) {
	spec, ok := r.types[name]
	return spec, ok
}

// IsRegistered reports whether the type participates in tracking at all.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.types[name]
	return ok
}

// Types returns all registered type names in registration order.
func (r *Registry) Types() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Relation resolves a named relation on a type.
func (r *Registry) Relation(typeName, relationName string) (RelationSpec, bool) {
	spec, ok := r.types[typeName]
	if !ok {
		return RelationSpec{}, false
	}
	for _, rel := range spec.Relations {
		if rel.Name == relationName {
			return rel, true
		}
	}
	return RelationSpec{}, false
}

// TrackedRelations returns the relations on a type that opted into
// relation tracking.
func (r *Registry) TrackedRelations(typeName string) []RelationSpec {
	spec, ok := r.types[typeName]
	if !ok {
		return nil
	}
	var tracked []RelationSpec
	for _, rel := range spec.Relations {
		if rel.Tracked {
			tracked = append(tracked, rel)
		}
	}
	return tracked
}

// LinkRoleOf returns the junction role of a type, if it is a link type
// matched by a many_many declaration.
func (r *Registry) LinkRoleOf(typeName string) (LinkRole, bool) {
	spec, ok := r.types[typeName]
	if !ok || spec.Link == nil {
		return LinkRole{}, false
	}
	if _, matched := r.manyManyThrough(typeName); !matched {
		return LinkRole{}, false
	}
	return *spec.Link, true
}

// edgeInto pairs a child type with one of its owner edges.
type edgeInto struct {
	ChildType string
	Edge      OwnerEdge
}

// ownerEdgesInto returns every registered owner edge pointing at the given
// parent type, in registration order. Used for the reverse ("owned") walk.
func (r *Registry) ownerEdgesInto(parentType string) []edgeInto {
	var edges []edgeInto
	for _, name := range r.order {
		for _, edge := range r.types[name].Owners {
			if edge.ParentType == parentType {
				edges = append(edges, edgeInto{ChildType: name, Edge: edge})
			}
		}
	}
	return edges
}

// manyManyThrough finds the many_many relation routed through the given
// junction type, if any type declares one.
func (r *Registry) manyManyThrough(junctionType string) (RelationSpec, bool) {
	for _, name := range r.order {
		for _, rel := range r.types[name].Relations {
			if rel.Kind == KindManyMany && rel.Through == junctionType {
				return rel, true
			}
		}
	}
	return RelationSpec{}, false
}
