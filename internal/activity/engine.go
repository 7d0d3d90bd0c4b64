package activity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/record"
	"github.com/mosaicms/chronicle/internal/snapshot"
)

// Action classifies one activity entry.
type Action string

const (
	// ActionCreated marks a record's first version.
	ActionCreated Action = "created"
	// ActionModified is the default action for a re-versioned record.
	ActionModified Action = "modified"
	// ActionDeleted marks a record deleted on draft.
	ActionDeleted Action = "deleted"
	// ActionAdded marks a record linked into a relation.
	ActionAdded Action = "added"
	// ActionRemoved marks a record unlinked from a relation.
	ActionRemoved Action = "removed"
)

var (
	errMissingDatabase = errors.New("activity: database handle is required")
	errMissingStore    = errors.New("activity: record store is required")

	noOpLogger = zap.NewNop()
)

// Entry is one user-visible line of an owner's activity feed.
type Entry struct {
	Subject          identity.Ref
	Title            string
	Action           Action
	Version          int64
	Message          string
	AuthorID         string
	SnapshotID       int64
	CreatedAtSeconds int64
}

// EngineConfig configures the reconstruction engine.
type EngineConfig struct {
	Database *gorm.DB
	Store    *record.Store
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine answers the two read-side query families over the snapshot log:
// what user-visible activity happened to an owner since its last publish,
// and what the owner can publish right now. Both are derived purely from
// snapshot items plus current version pointers.
type Engine struct {
	db     *gorm.DB
	store  *record.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{db: cfg.Database, store: cfg.Store, clock: clock, logger: logger}, nil
}

// feedRow is the joined shape the feed and publishable queries scan into.
type feedRow struct {
	Item         snapshot.Item `gorm:"embedded"`
	Message      string        `gorm:"column:message"`
	AuthorID     string        `gorm:"column:author_id"`
	SnapCreated  int64         `gorm:"column:snap_created"`
	ParentSnapID int64         `gorm:"column:snap_id"`
}

// Feed returns the owner's activity entries within the version window,
// ordered by snapshot creation time then id. minVersion 0 defaults to the
// owner's live version (or 1 when never published); maxVersion 0 means
// unbounded, through everything unpublished including draft.
func (e *Engine) Feed(ctx context.Context, owner identity.Ref, minVersion, maxVersion int64) ([]Entry, error) {
	min, err := e.windowFloor(ctx, owner, minVersion)
	if err != nil {
		return nil, err
	}

	var rows []feedRow
	err = e.db.WithContext(ctx).
		Table("snapshot_items AS i").
		Select("i.*, s.message AS message, s.author_id AS author_id, s.created_at_s AS snap_created, s.id AS snap_id").
		Joins("JOIN snapshots s ON s.id = i.snapshot_id").
		Where("i.object_hash = s.origin_hash").
		Where("i.snapshot_id IN (?)", e.windowQuery(owner, min, maxVersion)).
		Order("s.created_at_s ASC, s.id ASC, i.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return e.toEntries(ctx, rows)
}

// PublishableObjects returns the minimal, deduplicated, ordered set of
// records the owner can publish right now: unpublished, undeleted origin
// actions since the live baseline, resolved to their live records, with
// link objects substituted by the content they connect.
func (e *Engine) PublishableObjects(ctx context.Context, owner identity.Ref) ([]record.Row, error) {
	rows, err := e.publishableItems(ctx, owner)
	if err != nil {
		return nil, err
	}

	seenGroup := map[string]bool{}
	var out []record.Row
	seenOut := map[string]bool{}
	for _, row := range rows {
		objectHash := row.Item.ObjectHash
		if seenGroup[objectHash] {
			continue
		}
		seenGroup[objectHash] = true

		resolved, err := e.resolvePublishable(ctx, row.Item.Object())
		if err != nil {
			return nil, err
		}
		for _, liveRow := range resolved {
			hash := liveRow.Ref().Hash()
			if seenOut[hash] {
				continue
			}
			seenOut[hash] = true
			out = append(out, liveRow)
		}
	}
	return out, nil
}

// HasOwnedModifications reports whether any publishable activity exists for
// the owner. The check stays in the query engine so tree listings can call
// it per record.
func (e *Engine) HasOwnedModifications(ctx context.Context, owner identity.Ref) (bool, error) {
	min, err := e.windowFloor(ctx, owner, 0)
	if err != nil {
		return false, err
	}
	var count int64
	err = e.db.WithContext(ctx).
		Table("snapshot_items AS i").
		Joins("JOIN snapshots s ON s.id = i.snapshot_id").
		Where("i.object_hash = s.origin_hash").
		Where("i.was_published = ? AND i.was_deleted = ?", false, false).
		Where("i.snapshot_id IN (?)", e.windowQuery(owner, min, 0)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SnapshotsSince returns the windowed snapshots themselves, oldest first.
func (e *Engine) SnapshotsSince(ctx context.Context, owner identity.Ref, minVersion, maxVersion int64) ([]snapshot.Snapshot, error) {
	min, err := e.windowFloor(ctx, owner, minVersion)
	if err != nil {
		return nil, err
	}
	var snaps []snapshot.Snapshot
	err = e.db.WithContext(ctx).
		Where("id IN (?)", e.windowQuery(owner, min, maxVersion)).
		Order("created_at_s ASC, id ASC").
		Find(&snaps).Error
	return snaps, err
}

// windowQuery selects the snapshot ids carrying an item for the owner
// within [min, max]. An item at exactly version == min with the published
// flag is the baseline publish marker, not activity, and is excluded.
// Everything after it counts regardless of publish state.
func (e *Engine) windowQuery(owner identity.Ref, min, max int64) *gorm.DB {
	query := e.db.
		Table("snapshot_items AS w").
		Distinct("w.snapshot_id").
		Where("w.object_hash = ?", owner.Hash()).
		Where("w.version >= ?", min).
		Where("NOT (w.version = ? AND w.was_published)", min)
	if max > 0 {
		query = query.Where("w.version <= ?", max)
	}
	return query
}

// windowFloor resolves the default window minimum: the version currently
// live, or 1 for never-published owners.
func (e *Engine) windowFloor(ctx context.Context, owner identity.Ref, minVersion int64) (int64, error) {
	if minVersion > 0 {
		return minVersion, nil
	}
	row, err := e.store.Get(ctx, owner)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return 1, nil
		}
		return 0, err
	}
	if row.LiveVersion > 0 {
		return row.LiveVersion, nil
	}
	return 1, nil
}

func (e *Engine) publishableItems(ctx context.Context, owner identity.Ref) ([]feedRow, error) {
	min, err := e.windowFloor(ctx, owner, 0)
	if err != nil {
		return nil, err
	}
	var rows []feedRow
	err = e.db.WithContext(ctx).
		Table("snapshot_items AS i").
		Select("i.*, s.message AS message, s.author_id AS author_id, s.created_at_s AS snap_created, s.id AS snap_id").
		Joins("JOIN snapshots s ON s.id = i.snapshot_id").
		Where("i.object_hash = s.origin_hash").
		Where("i.was_published = ? AND i.was_deleted = ?", false, false).
		Where("i.snapshot_id IN (?)", e.windowQuery(owner, min, 0)).
		Order("s.created_at_s ASC, s.id ASC, i.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// resolvePublishable resolves one publishable origin into live records.
// Link objects are not independently publishable; the user perceives the
// linked content, so the child endpoint substitutes.
func (e *Engine) resolvePublishable(ctx context.Context, ref identity.Ref) ([]record.Row, error) {
	if ref.Type == snapshot.EventType {
		return nil, nil
	}
	row, err := e.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			// Purged since; history degrades gracefully.
			return nil, nil
		}
		return nil, err
	}
	role, isLink := e.store.Registry().LinkRoleOf(ref.Type)
	if !isLink {
		return []record.Row{*row}, nil
	}
	refs, err := e.store.Refs(ctx, ref)
	if err != nil {
		return nil, err
	}
	child, ok := refs[role.ChildField]
	if !ok {
		return nil, nil
	}
	childRow, err := e.store.Get(ctx, child)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return []record.Row{*childRow}, nil
}

// toEntries converts qualifying origin items into feed entries, silently
// dropping subjects that were purged from the store entirely.
func (e *Engine) toEntries(ctx context.Context, rows []feedRow) ([]Entry, error) {
	subjects := make([]identity.Ref, 0, len(rows))
	for _, row := range rows {
		subjects = append(subjects, subjectOf(row.Item))
	}
	resolved, err := e.store.GetMany(ctx, subjects)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		subject := subjectOf(row.Item)
		liveRow, ok := resolved[subject.Hash()]
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Subject:          subject,
			Title:            liveRow.Title,
			Action:           actionOf(row.Item),
			Version:          row.Item.Version,
			Message:          row.Message,
			AuthorID:         row.AuthorID,
			SnapshotID:       row.ParentSnapID,
			CreatedAtSeconds: row.SnapCreated,
		})
	}
	return entries, nil
}

// subjectOf picks the entry's subject: link items surface the record they
// linked to, everything else surfaces itself.
func subjectOf(item snapshot.Item) identity.Ref {
	if linkedTo, ok := item.LinkedTo(); ok {
		return linkedTo
	}
	return item.Object()
}

// actionOf derives the entry action in priority order.
func actionOf(item snapshot.Item) Action {
	if _, ok := item.LinkedTo(); ok {
		if item.WasDeleted {
			return ActionRemoved
		}
		return ActionAdded
	}
	switch {
	case item.Version == 1:
		return ActionCreated
	case item.WasDeleted:
		return ActionDeleted
	default:
		return ActionModified
	}
}
