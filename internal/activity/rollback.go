package activity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/record"
	"github.com/mosaicms/chronicle/internal/snapshot"
)

// ErrInvalidSnapshot marks a rollback target that does not resolve to any
// recorded snapshot. Callers surface it as a hard error, never a silent
// no-op.
var ErrInvalidSnapshot = errors.New("activity: invalid snapshot reference")

// rollbackTimeLayouts are the accepted textual timestamp forms, tried in
// order.
var rollbackTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ResolveRollbackTarget resolves a snapshot identifier, either a numeric
// snapshot id or a timestamp, to the record's draft-staged state as it
// existed when that snapshot was taken.
func (e *Engine) ResolveRollbackTarget(ctx context.Context, ref identity.Ref, target string) (*record.VersionRow, error) {
	at, err := e.resolveSnapshotTime(ctx, target)
	if err != nil {
		return nil, err
	}
	state, err := e.store.AtTime(ctx, ref, at)
	if err != nil {
		if errors.Is(err, record.ErrNoHistory) {
			return nil, fmt.Errorf("%w: %q precedes any state of %s", ErrInvalidSnapshot, target, ref)
		}
		return nil, err
	}
	return state, nil
}

// Rollback restages the record's content as of the target snapshot through
// the normal write path, so the restore itself becomes a tracked draft
// version. Current reference fields are preserved; rollback moves content,
// not ownership.
func (e *Engine) Rollback(ctx context.Context, ref identity.Ref, target string) (*record.Row, error) {
	state, err := e.ResolveRollbackTarget(ctx, ref, target)
	if err != nil {
		return nil, err
	}
	refs, err := e.store.Refs(ctx, ref)
	if err != nil {
		return nil, err
	}
	row, err := e.store.Write(ctx, record.Draft{
		Type:        ref.Type,
		ID:          ref.ID,
		Title:       state.Title,
		PayloadJSON: state.PayloadJSON,
		Refs:        refs,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("record rolled back",
		zap.String("record", ref.String()),
		zap.String("target", target),
		zap.Int64("restored_version", state.Version),
		zap.Int64("new_version", row.Version))
	return row, nil
}

// resolveSnapshotTime maps the identifier to the moment to restore: the
// creation time of the snapshot with that id, or for timestamps the latest
// snapshot taken at or before it.
func (e *Engine) resolveSnapshotTime(ctx context.Context, target string) (time.Time, error) {
	if snapshotID, err := strconv.ParseInt(target, 10, 64); err == nil {
		var snap snapshot.Snapshot
		err := e.db.WithContext(ctx).Take(&snap, "id = ?", snapshotID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, fmt.Errorf("%w: no snapshot %d", ErrInvalidSnapshot, snapshotID)
		}
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(snap.CreatedAtSeconds, 0).UTC(), nil
	}

	for _, layout := range rollbackTimeLayouts {
		parsed, err := time.Parse(layout, target)
		if err != nil {
			continue
		}
		var snap snapshot.Snapshot
		err = e.db.WithContext(ctx).
			Where("created_at_s <= ?", parsed.UTC().Unix()).
			Order("created_at_s DESC, id DESC").
			Take(&snap).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, fmt.Errorf("%w: no snapshot at or before %q", ErrInvalidSnapshot, target)
		}
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(snap.CreatedAtSeconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q is neither a snapshot id nor a timestamp", ErrInvalidSnapshot, target)
}
