package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/diff"
	"github.com/mosaicms/chronicle/internal/graph"
	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/record"
)

var (
	errMissingDatabase  = errors.New("snapshot: database handle is required")
	errMissingStore     = errors.New("snapshot: record store is required")
	errMissingTraversal = errors.New("snapshot: traversal is required")
	errEventUnbound     = errors.New("snapshot: event type is not registered")

	noOpLogger = zap.NewNop()
)

// TrackerConfig configures the snapshot write path.
type TrackerConfig struct {
	Database  *gorm.DB
	Store     *record.Store
	Traversal *graph.Traversal
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Tracker appends Snapshot and Item rows for every qualifying action on the
// record store. It implements record.Hooks and owns the active-snapshot
// guard, so one user action lands in one snapshot no matter how many nested
// writes it causes.
type Tracker struct {
	db         *gorm.DB
	store      *record.Store
	traversal  *graph.Traversal
	reconciler *Reconciler
	clock      func() time.Time
	logger     *zap.Logger
	guard      sessionGuard
}

// NewTracker constructs a Tracker. The event type must be registered so
// placeholder origins can be synthesized.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Traversal == nil {
		return nil, errMissingTraversal
	}
	if !cfg.Store.Registry().IsRegistered(EventType) {
		return nil, errEventUnbound
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	tracker := &Tracker{
		db:        cfg.Database,
		store:     cfg.Store,
		traversal: cfg.Traversal,
		clock:     clock,
		logger:    logger,
	}
	tracker.reconciler = &Reconciler{
		db:        cfg.Database,
		store:     cfg.Store,
		traversal: cfg.Traversal,
		clock:     clock,
		logger:    logger,
	}
	return tracker, nil
}

// RunAction executes fn as one user action: however many tracked writes,
// deletes and publishes it causes, they assemble one snapshot. The session
// opened by the first trigger is released when fn returns, on every path.
func (t *Tracker) RunAction(ctx context.Context, fn func(context.Context) error) error {
	t.guard.enterScope()
	defer t.guard.exitScope()
	return fn(ctx)
}

// AfterWrite captures a qualifying write into a snapshot, then reconciles
// historical attribution if the record's ownership foreign keys moved.
func (t *Tracker) AfterWrite(ctx context.Context, ref identity.Ref, prevRefs, currRefs map[string]identity.Ref, created bool) error {
	if t.skips(ref.Type) {
		return nil
	}
	session, release, owned := t.guard.acquire(actorFrom(ctx))
	if owned {
		done := t.scopeRelease(release)
		defer done()
		if err := t.captureChange(ctx, session, ref, false); err != nil {
			return err
		}
	}
	return t.reconciler.ReconcileOwnershipChange(ctx, ref, prevRefs, currRefs)
}

// AfterDelete captures a qualifying delete into a snapshot.
func (t *Tracker) AfterDelete(ctx context.Context, ref identity.Ref) error {
	if t.skips(ref.Type) {
		return nil
	}
	session, release, owned := t.guard.acquire(actorFrom(ctx))
	if !owned {
		return nil
	}
	done := t.scopeRelease(release)
	defer done()
	return t.captureChange(ctx, session, ref, true)
}

// scopeRelease hands the session release to the enclosing action scope when
// one is open; otherwise the caller releases on return.
func (t *Tracker) scopeRelease(release func()) func() {
	if t.guard.inScope() {
		t.guard.holdRelease(release)
		return func() {}
	}
	return release
}

// AfterPublish attributes a publish to the currently open snapshot when one
// exists, correcting the records' items in place; otherwise the publish is
// its own action and opens a snapshot of its own.
func (t *Tracker) AfterPublish(ctx context.Context, origin identity.Ref, published []identity.Ref) error {
	if session := t.guard.active(); session != nil {
		for _, ref := range published {
			if err := t.upsertPublishedItem(ctx, session, session.snapshotID, ref); err != nil {
				return err
			}
			session.cache.MarkPublished(ref.Hash())
		}
		return nil
	}

	session, release, _ := t.guard.acquire(actorFrom(ctx))
	done := t.scopeRelease(release)
	defer done()

	snap, err := t.openSnapshot(ctx, session, origin, "")
	if err != nil {
		return err
	}
	for _, ref := range published {
		if err := t.addItem(ctx, session, snap, ref, itemSpec{published: true}); err != nil {
			return err
		}
		session.cache.MarkPublished(ref.Hash())
	}
	owners, err := t.traversal.Owners(ctx, origin)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		if err := t.addItem(ctx, session, snap, owner, itemSpec{}); err != nil {
			return err
		}
	}
	return nil
}

// CreateFromAction records one explicit user action against an owner. The
// returned snapshot is nil without error when the action does not apply:
// the owner is not persisted yet, or another snapshot is already being
// assembled.
func (t *Tracker) CreateFromAction(ctx context.Context, owner identity.Ref, origin *identity.Ref, message string, extra ...identity.Ref) (*Snapshot, error) {
	exists, err := t.store.Exists(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	session, release, owned := t.guard.acquire(actorFrom(ctx))
	if !owned {
		return nil, nil
	}
	done := t.scopeRelease(release)
	defer done()

	var items []identity.Ref
	originRef := owner
	switch {
	case origin == nil || !t.refExists(ctx, *origin):
		if message != "" {
			eventRef, err := t.createEvent(ctx, message)
			if err != nil {
				return nil, err
			}
			originRef = eventRef
			items = append(items, eventRef)
		}
	case identity.Equal(*origin, owner):
		// Owner is the origin; one item covers both.
	default:
		originRef = *origin
		items = append(items, *origin)
	}
	items = append(items, owner)
	items = append(items, extra...)

	snap, err := t.openSnapshot(ctx, session, originRef, message)
	if err != nil {
		return nil, err
	}
	for _, ref := range items {
		if err := t.addItem(ctx, session, snap, ref, itemSpec{}); err != nil {
			return nil, err
		}
	}
	owners, err := t.traversal.Owners(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, ownerRef := range owners {
		if err := t.addItem(ctx, session, snap, ownerRef, itemSpec{}); err != nil {
			return nil, err
		}
	}

	if err := t.captureTrackedRelations(ctx, session, owner); err != nil {
		return nil, err
	}
	return snap, nil
}

// captureChange handles the implicit write/delete path: one snapshot per
// link pair for junction records, otherwise one snapshot of the record and
// its transitive owners.
func (t *Tracker) captureChange(ctx context.Context, session *Session, ref identity.Ref, deleted bool) error {
	pairs, err := t.traversal.LinkPairs(ctx, ref)
	if err != nil {
		return err
	}
	if len(pairs) > 0 {
		for _, pair := range pairs {
			if err := t.captureLinkPair(ctx, session, ref, pair, deleted); err != nil {
				return err
			}
		}
		return nil
	}

	snap, err := t.openSnapshot(ctx, session, ref, "")
	if err != nil {
		return err
	}
	if err := t.addItem(ctx, session, snap, ref, itemSpec{deleted: deleted}); err != nil {
		return err
	}
	owners, err := t.traversal.Owners(ctx, ref)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		if err := t.addItem(ctx, session, snap, owner, itemSpec{}); err != nil {
			return err
		}
	}
	return t.captureTrackedRelations(ctx, session, ref)
}

func (t *Tracker) captureLinkPair(ctx context.Context, session *Session, junction identity.Ref, pair graph.LinkPair, deleted bool) error {
	snap, err := t.openSnapshot(ctx, session, junction, "")
	if err != nil {
		return err
	}
	spec := itemSpec{
		deleted:    deleted,
		linkedFrom: pair.Parent,
		linkedTo:   pair.Child,
	}
	if err := t.addItem(ctx, session, snap, junction, spec); err != nil {
		return err
	}
	if err := t.addItem(ctx, session, snap, pair.Parent, itemSpec{}); err != nil {
		return err
	}
	owners, err := t.traversal.Owners(ctx, pair.Parent)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		if err := t.addItem(ctx, session, snap, owner, itemSpec{}); err != nil {
			return err
		}
	}
	// The relation baseline is deliberately left alone here: the next
	// action on the parent diffs against it and reports the accumulated
	// membership change as one event.
	return nil
}

// captureTrackedRelations diffs every tracked relation of the record against
// its baseline and synthesizes one event snapshot per changed relation. The
// baseline then advances so the same change is reported once.
func (t *Tracker) captureTrackedRelations(ctx context.Context, session *Session, ref identity.Ref) error {
	tracked := t.store.Registry().TrackedRelations(ref.Type)
	if len(tracked) == 0 {
		return nil
	}
	row, err := t.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return err
	}
	contentHash := fmt.Sprintf("v%d", row.Version)

	for _, rel := range tracked {
		current, cached := session.cache.Members(ref.Hash(), contentHash, rel.Name)
		if !cached {
			current, err = t.store.RelationMembers(ctx, ref, rel.Name)
			if err != nil {
				return err
			}
			session.cache.StoreMembers(ref.Hash(), contentHash, rel.Name, current)
		}
		previous, err := t.store.LiveRelationMembers(ctx, ref, rel.Name)
		if err != nil {
			return err
		}
		relationDiff, err := diff.New(t.store.Registry(), rel.Kind, rel.TargetType, previous, current)
		if err != nil {
			return err
		}
		if !relationDiff.HasChanges() {
			continue
		}
		if err := t.emitRelationEvent(ctx, session, ref, rel, relationDiff); err != nil {
			return err
		}
		if err := t.store.SaveBaseline(ctx, ref, rel.Name, current); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) emitRelationEvent(ctx context.Context, session *Session, owner identity.Ref, rel record.RelationSpec, relationDiff *diff.Diff) error {
	eventRef, err := t.createEvent(ctx, relationMessage(rel.Name, relationDiff))
	if err != nil {
		return err
	}
	snap, err := t.openSnapshot(ctx, session, eventRef, relationMessage(rel.Name, relationDiff))
	if err != nil {
		return err
	}
	if err := t.addItem(ctx, session, snap, eventRef, itemSpec{}); err != nil {
		return err
	}
	for _, id := range relationDiff.Added() {
		child := identity.Ref{Type: rel.TargetType, ID: id}
		if err := t.addItem(ctx, session, snap, child, t.linkSpec(rel, owner, child, false)); err != nil {
			return err
		}
	}
	for _, id := range relationDiff.Removed() {
		child := identity.Ref{Type: rel.TargetType, ID: id}
		if err := t.addItem(ctx, session, snap, child, t.linkSpec(rel, owner, child, true)); err != nil {
			return err
		}
	}
	for _, id := range relationDiff.Changed() {
		child := identity.Ref{Type: rel.TargetType, ID: id}
		if err := t.addItem(ctx, session, snap, child, itemSpec{}); err != nil {
			return err
		}
	}
	if err := t.addItem(ctx, session, snap, owner, itemSpec{}); err != nil {
		return err
	}
	owners, err := t.traversal.Owners(ctx, owner)
	if err != nil {
		return err
	}
	for _, ownerRef := range owners {
		if err := t.addItem(ctx, session, snap, ownerRef, itemSpec{}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) linkSpec(rel record.RelationSpec, owner, child identity.Ref, removed bool) itemSpec {
	spec := itemSpec{deleted: removed}
	if rel.Kind == record.KindManyMany {
		spec.linkedFrom = owner
		spec.linkedTo = child
	}
	return spec
}

// itemSpec carries the flags an item is captured with beyond the record's
// own state.
type itemSpec struct {
	published   bool
	deleted     bool
	bookkeeping bool
	linkedFrom  identity.Ref
	linkedTo    identity.Ref
	parentItem  int64
}

func (t *Tracker) openSnapshot(ctx context.Context, session *Session, origin identity.Ref, message string) (*Snapshot, error) {
	now := t.clock().UTC().Unix()
	snap := Snapshot{
		CreatedAtSeconds:  now,
		LastEditedSeconds: now,
		OriginType:        origin.Type,
		OriginID:          origin.ID,
		Message:           message,
		AuthorID:          session.authorID,
	}
	if err := t.db.WithContext(ctx).Create(&snap).Error; err != nil {
		return nil, err
	}
	session.snapshotID = snap.ID
	return &snap, nil
}

// addItem captures one record into a snapshot. A second occurrence of the
// same identity is a no-op; records that no longer resolve are skipped.
func (t *Tracker) addItem(ctx context.Context, session *Session, snap *Snapshot, ref identity.Ref, spec itemSpec) error {
	hash := ref.Hash()
	if _, ok := session.seenItem(snap.ID, hash); ok {
		return nil
	}
	row, err := t.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return err
	}

	item := Item{
		SnapshotID:       snap.ID,
		ObjectType:       ref.Type,
		ObjectID:         ref.ID,
		Version:          row.Version,
		WasPublished:     spec.published,
		WasDraft:         row.IsModifiedOnDraft(),
		WasDeleted:       row.IsDeleted || spec.deleted,
		Modification:     !spec.bookkeeping,
		ParentItemID:     spec.parentItem,
		CreatedAtSeconds: t.clock().UTC().Unix(),
	}
	if !spec.linkedFrom.IsZero() {
		item.LinkedFromType = spec.linkedFrom.Type
		item.LinkedFromID = spec.linkedFrom.ID
	}
	if !spec.linkedTo.IsZero() {
		item.LinkedToType = spec.linkedTo.Type
		item.LinkedToID = spec.linkedTo.ID
	}
	if err := t.db.WithContext(ctx).Create(&item).Error; err != nil {
		return err
	}
	session.markSeen(snap.ID, hash, item.ID)
	return nil
}

// upsertPublishedItem corrects or appends the record's item in the open
// snapshot so the publish is attributed to the action that caused it.
func (t *Tracker) upsertPublishedItem(ctx context.Context, session *Session, snapshotID int64, ref identity.Ref) error {
	row, err := t.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return err
	}
	now := t.clock().UTC().Unix()

	if itemID, ok := session.seenItem(snapshotID, ref.Hash()); ok {
		err := t.db.WithContext(ctx).Model(&Item{}).
			Where("id = ?", itemID).
			Updates(map[string]interface{}{
				"was_published": true,
				"was_draft":     false,
				"version":       row.Version,
			}).Error
		if err != nil {
			return err
		}
	} else {
		item := Item{
			SnapshotID:       snapshotID,
			ObjectType:       ref.Type,
			ObjectID:         ref.ID,
			Version:          row.Version,
			WasPublished:     true,
			Modification:     true,
			CreatedAtSeconds: now,
		}
		if err := t.db.WithContext(ctx).Create(&item).Error; err != nil {
			return err
		}
		session.markSeen(snapshotID, ref.Hash(), item.ID)
	}
	return t.db.WithContext(ctx).Model(&Snapshot{}).
		Where("id = ?", snapshotID).
		Update("last_edited_s", now).Error
}

func (t *Tracker) createEvent(ctx context.Context, title string) (identity.Ref, error) {
	row, err := t.store.Write(ctx, record.Draft{Type: EventType, Title: title})
	if err != nil {
		return identity.Ref{}, err
	}
	return row.Ref(), nil
}

// skips reports whether writes of the type never open snapshots: the
// bookkeeping event type and anything outside the registry.
func (t *Tracker) skips(typeName string) bool {
	if typeName == EventType {
		return true
	}
	return !t.store.Registry().IsRegistered(typeName)
}

func (t *Tracker) refExists(ctx context.Context, ref identity.Ref) bool {
	exists, err := t.store.Exists(ctx, ref)
	if err != nil {
		t.logger.Warn("origin existence check failed", zap.Error(err), zap.String("record", ref.String()))
		return false
	}
	return exists
}

// relationMessage renders the human-readable event title for a relation
// membership change, e.g. "Added 2 images".
func relationMessage(relationName string, relationDiff *diff.Diff) string {
	var parts []string
	if n := len(relationDiff.Added()); n > 0 {
		parts = append(parts, fmt.Sprintf("Added %d %s", n, countedLabel(relationName, n)))
	}
	if n := len(relationDiff.Removed()); n > 0 {
		parts = append(parts, fmt.Sprintf("Removed %d %s", n, countedLabel(relationName, n)))
	}
	if n := len(relationDiff.Changed()); n > 0 {
		parts = append(parts, fmt.Sprintf("Changed %d %s", n, countedLabel(relationName, n)))
	}
	return strings.Join(parts, ", ")
}

func countedLabel(relationName string, count int) string {
	if count == 1 {
		return strings.TrimSuffix(relationName, "s")
	}
	return relationName
}
