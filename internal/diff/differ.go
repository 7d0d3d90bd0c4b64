package diff

import (
	"context"
	"fmt"
	"sort"

	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/record"
)

// Diff classifies every child of one relation into added, removed or
// changed between a previous and a current {childID: version} mapping.
// It is a transient computation result, never persisted.
type Diff struct {
	kind       record.Kind
	targetType string

	added   []int64
	removed []int64
	changed []int64

	addedSet   map[int64]bool
	removedSet map[int64]bool
	changedSet map[int64]bool
}

// New computes a relation diff. Construction fails if the target type is not
// registered for version tracking; that is a configuration mistake, not a
// runtime condition.
func New(registry *record.Registry, kind record.Kind, targetType string, previous, current map[int64]int64) (*Diff, error) {
	if !registry.IsRegistered(targetType) {
		return nil, fmt.Errorf("%w: differ target %q", record.ErrTypeNotRegistered, targetType)
	}

	d := &Diff{
		kind:       kind,
		targetType: targetType,
		addedSet:   map[int64]bool{},
		removedSet: map[int64]bool{},
		changedSet: map[int64]bool{},
	}

	for id := range current {
		if _, ok := previous[id]; !ok {
			d.addedSet[id] = true
		}
	}
	for id, previousVersion := range previous {
		currentVersion, ok := current[id]
		if !ok {
			d.removedSet[id] = true
			continue
		}
		if previousVersion == 0 && currentVersion == 0 {
			// Unversioned on both sides carries no signal.
			continue
		}
		if currentVersion > previousVersion {
			d.changedSet[id] = true
		}
	}

	d.added = sortedIDs(d.addedSet)
	d.removed = sortedIDs(d.removedSet)
	d.changed = sortedIDs(d.changedSet)
	return d, nil
}

// Kind returns the relation kind this diff was computed for.
func (d *Diff) Kind() record.Kind {
	return d.kind
}

// TargetType returns the relation's child type.
func (d *Diff) TargetType() string {
	return d.targetType
}

// HasChanges reports whether any child was added, removed or changed.
func (d *Diff) HasChanges() bool {
	return len(d.added)+len(d.removed)+len(d.changed) > 0
}

// Added returns the ids present only in the current mapping, ascending.
func (d *Diff) Added() []int64 {
	return d.added
}

// Removed returns the ids present only in the previous mapping, ascending.
func (d *Diff) Removed() []int64 {
	return d.removed
}

// Changed returns the ids present in both mappings with a strictly higher
// current version, ascending.
func (d *Diff) Changed() []int64 {
	return d.changed
}

// IsAdded reports membership in the added set.
func (d *Diff) IsAdded(id int64) bool {
	return d.addedSet[id]
}

// IsRemoved reports membership in the removed set.
func (d *Diff) IsRemoved(id int64) bool {
	return d.removedSet[id]
}

// IsChanged reports membership in the changed set.
func (d *Diff) IsChanged(id int64) bool {
	return d.changedSet[id]
}

// Records resolves the ids of all three sets into live rows in one batched
// lookup. Empty when the diff carries no changes; ids that no longer resolve
// are absent.
func (d *Diff) Records(ctx context.Context, store *record.Store) ([]record.Row, error) {
	if !d.HasChanges() {
		return nil, nil
	}
	var refs []identity.Ref
	for _, ids := range [][]int64{d.added, d.removed, d.changed} {
		for _, id := range ids {
			refs = append(refs, identity.Ref{Type: d.targetType, ID: id})
		}
	}
	rows, err := store.GetMany(ctx, refs)
	if err != nil {
		return nil, err
	}
	out := make([]record.Row, 0, len(rows))
	for _, ref := range refs {
		if row, ok := rows[ref.Hash()]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
