package graph

import (
	"context"
	"errors"

	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/record"
)

// Ownership graphs are expected to be acyclic; the cap keeps a miswired
// registry from looping the walk forever.
const maxWalkDepth = 50

var errMissingStore = errors.New("graph: record store is required")

// LinkPair is one (parent, child) relationship carried by a junction record.
type LinkPair struct {
	Parent identity.Ref
	Child  identity.Ref
}

// Traversal walks ownership graphs through the record store's declared
// edges: owners upward, owned downward, and junction link pairs.
type Traversal struct {
	store *record.Store
}

// NewTraversal constructs a Traversal over the given store.
func NewTraversal(store *record.Store) (*Traversal, error) {
	if store == nil {
		return nil, errMissingStore
	}
	return &Traversal{store: store}, nil
}

// Owners returns the transitive owner closure of a record, breadth-first,
// deduplicated by identity hash. Diamonds collapse to a single entry.
func (t *Traversal) Owners(ctx context.Context, ref identity.Ref) ([]identity.Ref, error) {
	return t.closure(ctx, ref, t.store.Owners)
}

// Owned returns everything the record transitively owns, breadth-first.
func (t *Traversal) Owned(ctx context.Context, ref identity.Ref) ([]identity.Ref, error) {
	return t.closure(ctx, ref, t.store.Owned)
}

// LinkPairs resolves the (parent, child) pairs a junction record connects.
// Non-link types, and junctions with a missing endpoint, yield no pairs.
func (t *Traversal) LinkPairs(ctx context.Context, ref identity.Ref) ([]LinkPair, error) {
	role, ok := t.store.Registry().LinkRoleOf(ref.Type)
	if !ok {
		return nil, nil
	}
	refs, err := t.store.Refs(ctx, ref)
	if err != nil {
		return nil, err
	}
	parent, ok := refs[role.ParentField]
	if !ok {
		return nil, nil
	}
	child, ok := refs[role.ChildField]
	if !ok {
		return nil, nil
	}
	return []LinkPair{{Parent: parent, Child: child}}, nil
}

func (t *Traversal) closure(ctx context.Context, ref identity.Ref, step func(context.Context, identity.Ref) ([]identity.Ref, error)) ([]identity.Ref, error) {
	var ordered []identity.Ref
	visited := map[string]bool{ref.Hash(): true}
	frontier := []identity.Ref{ref}
	for depth := 0; depth < maxWalkDepth && len(frontier) > 0; depth++ {
		var next []identity.Ref
		for _, current := range frontier {
			neighbors, err := step(ctx, current)
			if err != nil {
				return nil, err
			}
			for _, neighbor := range neighbors {
				hash := neighbor.Hash()
				if visited[hash] {
					continue
				}
				visited[hash] = true
				ordered = append(ordered, neighbor)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return ordered, nil
}
