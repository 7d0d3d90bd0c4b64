package snapshot

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/graph"
	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/record"
)

// Reconciler migrates historical snapshot attribution when a record's
// owning foreign key moves between writes. It is a correction pass scoped
// to the single record that moved, not a global graph repair.
type Reconciler struct {
	db        *gorm.DB
	store     *record.Store
	traversal *graph.Traversal
	clock     func() time.Time
	logger    *zap.Logger
}

// ReconcileOwnershipChange inspects the record's ownership edges for
// changed values and rewrites unpublished history from the previous owner
// chain to the current one, preserving snapshot ids so chronology is
// untouched.
func (r *Reconciler) ReconcileOwnershipChange(ctx context.Context, moved identity.Ref, prevRefs, currRefs map[string]identity.Ref) error {
	spec, ok := r.store.Registry().Spec(moved.Type)
	if !ok {
		return nil
	}
	for _, edge := range spec.Owners {
		previous := prevRefs[edge.Field]
		current := currRefs[edge.Field]
		if previous.IsZero() || current.IsZero() {
			continue
		}
		if identity.Equal(previous, current) {
			continue
		}
		if !r.bothExist(ctx, previous, current) {
			continue
		}
		if err := r.migrate(ctx, moved, previous, current); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) bothExist(ctx context.Context, previous, current identity.Ref) bool {
	for _, ref := range []identity.Ref{previous, current} {
		exists, err := r.store.Exists(ctx, ref)
		if err != nil || !exists {
			return false
		}
	}
	return true
}

func (r *Reconciler) migrate(ctx context.Context, moved, previous, current identity.Ref) error {
	previousChain, err := r.ownerChain(ctx, previous)
	if err != nil {
		return err
	}
	currentChain, err := r.ownerChain(ctx, current)
	if err != nil {
		return err
	}

	cutoff, ok, err := r.earliestUnpublishedSnapshot(ctx, previous)
	if err != nil {
		return err
	}
	if !ok {
		// Everything under the old owner was already published; the
		// historical record stands as it was.
		return nil
	}

	previousHashes := make([]string, 0, len(previousChain))
	for _, ref := range previousChain {
		previousHashes = append(previousHashes, ref.Hash())
	}

	var snapshotIDs []int64
	err = r.db.WithContext(ctx).Model(&Item{}).
		Distinct("snapshot_id").
		Where("object_hash = ? AND snapshot_id >= ?", moved.Hash(), cutoff).
		Order("snapshot_id ASC").
		Pluck("snapshot_id", &snapshotIDs).Error
	if err != nil {
		return err
	}
	if len(snapshotIDs) == 0 {
		return nil
	}

	now := r.clock().UTC().Unix()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, snapshotID := range snapshotIDs {
			if err := tx.
				Where("snapshot_id = ? AND object_hash IN ?", snapshotID, previousHashes).
				Delete(&Item{}).Error; err != nil {
				return err
			}
			for _, owner := range currentChain {
				if _, err := r.appendOwnerItem(ctx, tx, snapshotID, owner, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// appendOwnerItem writes a fresh item for an owner under an existing
// snapshot id. Owners already present in the snapshot, and owners that no
// longer resolve, are left alone.
func (r *Reconciler) appendOwnerItem(ctx context.Context, tx *gorm.DB, snapshotID int64, owner identity.Ref, now int64) (bool, error) {
	var count int64
	err := tx.Model(&Item{}).
		Where("snapshot_id = ? AND object_hash = ?", snapshotID, owner.Hash()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	row, err := r.store.Get(ctx, owner)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	item := Item{
		SnapshotID:       snapshotID,
		ObjectType:       owner.Type,
		ObjectID:         owner.ID,
		Version:          row.Version,
		WasDraft:         row.IsModifiedOnDraft(),
		WasDeleted:       row.IsDeleted,
		Modification:     true,
		CreatedAtSeconds: now,
	}
	if err := tx.Create(&item).Error; err != nil {
		return false, err
	}
	return true, nil
}

// ownerChain is the previous/current referenced record plus its full
// transitive owner closure.
func (r *Reconciler) ownerChain(ctx context.Context, ref identity.Ref) ([]identity.Ref, error) {
	owners, err := r.traversal.Owners(ctx, ref)
	if err != nil {
		return nil, err
	}
	return append([]identity.Ref{ref}, owners...), nil
}

// earliestUnpublishedSnapshot finds the oldest unpublished snapshot item of
// the owner, ascending by id; its snapshot is the migration cutoff.
func (r *Reconciler) earliestUnpublishedSnapshot(ctx context.Context, owner identity.Ref) (int64, bool, error) {
	var item Item
	err := r.db.WithContext(ctx).
		Where("object_hash = ? AND was_published = ?", owner.Hash(), false).
		Order("id ASC").
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	r.logger.Debug("ownership reconciliation cutoff",
		zap.String("owner", owner.String()),
		zap.Int64("snapshot_id", item.SnapshotID))
	return item.SnapshotID, true, nil
}
