package history

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/graph"
	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/record"
	"github.com/mosaicms/chronicle/internal/snapshot"
)

var (
	// ErrNotPristine indicates a full rebuild was requested while snapshot
	// rows already exist. The rebuild is not restartable mid-step; wipe or
	// start from an explicit offset instead.
	ErrNotPristine = errors.New("history: snapshot tables are not empty")

	errMissingDatabase  = errors.New("history: database handle is required")
	errMissingStore     = errors.New("history: record store is required")
	errMissingTraversal = errors.New("history: traversal is required")

	noOpLogger = zap.NewNop()
)

// RebuilderConfig configures the batch rebuild.
type RebuilderConfig struct {
	Database  *gorm.DB
	Store     *record.Store
	Traversal *graph.Traversal
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Rebuilder reconstructs the snapshot log from the record version history,
// one registered base type per step. Generated snapshot ids are offset per
// batch so steps never collide.
type Rebuilder struct {
	db        *gorm.DB
	store     *record.Store
	traversal *graph.Traversal
	clock     func() time.Time
	logger    *zap.Logger
}

// NewRebuilder constructs a Rebuilder.
func NewRebuilder(cfg RebuilderConfig) (*Rebuilder, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Traversal == nil {
		return nil, errMissingTraversal
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Rebuilder{
		db:        cfg.Database,
		store:     cfg.Store,
		traversal: cfg.Traversal,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Steps returns the per-type rebuild steps in registration order. The
// bookkeeping event type has no history of its own to replay.
func (r *Rebuilder) Steps() []string {
	var steps []string
	for _, name := range r.store.Registry().Types() {
		if name == snapshot.EventType {
			continue
		}
		steps = append(steps, name)
	}
	return steps
}

// Run performs a full rebuild: every type step in order, then the
// placeholder seeding pass. It refuses to run over existing snapshot rows.
func (r *Rebuilder) Run(ctx context.Context) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&snapshot.Snapshot{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrNotPristine
	}

	offset := int64(1)
	for _, step := range r.Steps() {
		next, err := r.RunStep(ctx, step, offset)
		if err != nil {
			return err
		}
		r.logger.Info("rebuild step complete",
			zap.String("record_type", step),
			zap.Int64("snapshots", next-offset))
		offset = next
	}

	seeded, err := r.SeedPlaceholders(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("rebuild complete", zap.Int("placeholders", seeded))
	return nil
}

// RunStep replays the version history of one record type into snapshots,
// one snapshot per history entry, ids assigned from offset upward. It
// returns the offset for the next step.
func (r *Rebuilder) RunStep(ctx context.Context, typeName string, offset int64) (int64, error) {
	if !r.store.Registry().IsRegistered(typeName) {
		return 0, record.ErrTypeNotRegistered
	}
	entries, err := r.store.HistoryAscending(ctx, typeName)
	if err != nil {
		return 0, err
	}

	next := offset
	for _, entry := range entries {
		if err := r.replayEntry(ctx, next, entry); err != nil {
			return 0, err
		}
		next++
	}
	return next, nil
}

// replayEntry writes one snapshot for one history entry: the record itself
// as origin plus its transitive owners, resolved against current ownership.
func (r *Rebuilder) replayEntry(ctx context.Context, snapshotID int64, entry record.VersionRow) error {
	ref := entry.Ref()
	owners, err := r.traversal.Owners(ctx, ref)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap := snapshot.Snapshot{
			ID:                snapshotID,
			CreatedAtSeconds:  entry.CreatedAtSeconds,
			LastEditedSeconds: entry.CreatedAtSeconds,
			OriginType:        ref.Type,
			OriginID:          ref.ID,
		}
		if err := tx.Create(&snap).Error; err != nil {
			return err
		}
		item := snapshot.Item{
			SnapshotID:       snapshotID,
			ObjectType:       ref.Type,
			ObjectID:         ref.ID,
			Version:          entry.Version,
			WasPublished:     entry.WasPublished,
			WasDraft:         entry.WasDraft,
			WasDeleted:       entry.WasDeleted,
			Modification:     true,
			CreatedAtSeconds: entry.CreatedAtSeconds,
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		for _, owner := range owners {
			if err := r.ownerItem(ctx, tx, snapshotID, owner, entry.CreatedAtSeconds); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Rebuilder) ownerItem(ctx context.Context, tx *gorm.DB, snapshotID int64, owner identity.Ref, at int64) error {
	row, err := r.store.Get(ctx, owner)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return err
	}
	item := snapshot.Item{
		SnapshotID:       snapshotID,
		ObjectType:       owner.Type,
		ObjectID:         owner.ID,
		Version:          row.Version,
		WasDraft:         row.IsModifiedOnDraft(),
		WasDeleted:       row.IsDeleted,
		Modification:     true,
		CreatedAtSeconds: at,
	}
	return tx.Create(&item).Error
}

// SeedPlaceholders is the final pass: every record whose type declares
// tracked relations gets a bookkeeping snapshot carrying a non-modification
// item, and its relation baselines are reset to current membership so the
// first post-rebuild diff starts clean.
func (r *Rebuilder) SeedPlaceholders(ctx context.Context) (int, error) {
	now := r.clock().UTC().Unix()
	seeded := 0

	for _, typeName := range r.Steps() {
		tracked := r.store.Registry().TrackedRelations(typeName)
		if len(tracked) == 0 {
			continue
		}
		var rows []record.Row
		err := r.db.WithContext(ctx).
			Where("record_type = ?", typeName).
			Order("record_id ASC").
			Find(&rows).Error
		if err != nil {
			return seeded, err
		}
		for _, row := range rows {
			if err := r.seedRecord(ctx, row, tracked, now); err != nil {
				return seeded, err
			}
			seeded++
		}
	}
	return seeded, nil
}

func (r *Rebuilder) seedRecord(ctx context.Context, row record.Row, tracked []record.RelationSpec, now int64) error {
	ref := row.Ref()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap := snapshot.Snapshot{
			CreatedAtSeconds:  now,
			LastEditedSeconds: now,
			OriginType:        ref.Type,
			OriginID:          ref.ID,
		}
		if err := tx.Create(&snap).Error; err != nil {
			return err
		}
		item := snapshot.Item{
			SnapshotID:       snap.ID,
			ObjectType:       ref.Type,
			ObjectID:         ref.ID,
			Version:          row.Version,
			WasPublished:     row.IsPublished(),
			WasDraft:         row.IsModifiedOnDraft(),
			WasDeleted:       row.IsDeleted,
			Modification:     false,
			CreatedAtSeconds: now,
		}
		return tx.Create(&item).Error
	})
	if err != nil {
		return err
	}

	for _, rel := range tracked {
		members, err := r.store.RelationMembers(ctx, ref, rel.Name)
		if err != nil {
			return err
		}
		if err := r.store.SaveBaseline(ctx, ref, rel.Name, members); err != nil {
			return err
		}
	}
	return nil
}
