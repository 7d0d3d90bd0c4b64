package activity_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mosaicms/chronicle/internal/activity"
	"github.com/mosaicms/chronicle/internal/record"
	"github.com/mosaicms/chronicle/internal/snapshot"
)

func TestRollbackRestagesEarlierContent(t *testing.T) {
	fx := newFixture(t, pageRegistry(t))
	ctx := context.Background()

	page, err := fx.store.Write(ctx, record.Draft{Type: "page", Title: "First"})
	require.NoError(t, err)
	_, err = fx.store.Write(ctx, record.Draft{Type: "page", ID: page.RecordID, Title: "Second"})
	require.NoError(t, err)

	var snaps []snapshot.Snapshot
	require.NoError(t, fx.db.Order("id ASC").Find(&snaps).Error)
	require.Len(t, snaps, 2)

	// Timestamp identifiers resolve to the latest snapshot at or before.
	target, err := fx.engine.ResolveRollbackTarget(ctx, page.Ref(),
		time.Unix(snaps[1].CreatedAtSeconds, 0).UTC().Format("2006-01-02 15:04:05"))
	require.NoError(t, err)
	require.Equal(t, "Second", target.Title)
	require.Equal(t, int64(2), target.Version)

	target, err = fx.engine.ResolveRollbackTarget(ctx, page.Ref(),
		time.Unix(snaps[0].CreatedAtSeconds, 0).UTC().Format(time.RFC3339))
	require.NoError(t, err)
	require.Equal(t, "First", target.Title)

	row, err := fx.engine.Rollback(ctx, page.Ref(), fmt.Sprint(snaps[0].ID))
	require.NoError(t, err)
	require.Equal(t, "First", row.Title)
	// The restore is itself a tracked draft version, not history surgery.
	require.Equal(t, int64(3), row.Version)
}

func TestRollbackRejectsInvalidTargets(t *testing.T) {
	fx := newFixture(t, pageRegistry(t))
	ctx := context.Background()

	page, err := fx.store.Write(ctx, record.Draft{Type: "page", Title: "First"})
	require.NoError(t, err)

	_, err = fx.engine.Rollback(ctx, page.Ref(), "999999")
	require.ErrorIs(t, err, activity.ErrInvalidSnapshot)

	_, err = fx.engine.Rollback(ctx, page.Ref(), "not-a-snapshot")
	require.ErrorIs(t, err, activity.ErrInvalidSnapshot)

	_, err = fx.engine.Rollback(ctx, page.Ref(), "1970-01-01 00:00:00")
	require.ErrorIs(t, err, activity.ErrInvalidSnapshot)
}

func TestRollbackRejectsTargetPredatingRecord(t *testing.T) {
	fx := newFixture(t, pageRegistry(t))
	ctx := context.Background()

	_, err := fx.store.Write(ctx, record.Draft{Type: "page", Title: "Older"})
	require.NoError(t, err)
	var first snapshot.Snapshot
	require.NoError(t, fx.db.Order("id ASC").Take(&first).Error)

	younger, err := fx.store.Write(ctx, record.Draft{Type: "page", Title: "Younger"})
	require.NoError(t, err)

	_, err = fx.engine.ResolveRollbackTarget(ctx, younger.Ref(), fmt.Sprint(first.ID))
	require.ErrorIs(t, err, activity.ErrInvalidSnapshot)
}
