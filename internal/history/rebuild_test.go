package history_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/graph"
	"github.com/mosaicms/chronicle/internal/history"
	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/record"
	"github.com/mosaicms/chronicle/internal/snapshot"
)

var databaseCounter int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:history_test_%d?mode=memory&cache=shared", atomic.AddInt64(&databaseCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&record.Row{}, &record.VersionRow{}, &record.RefRow{}, &record.BaselineRow{},
		&snapshot.Snapshot{}, &snapshot.Item{},
	))
	return db
}

func trackedRegistry(t *testing.T) *record.Registry {
	t.Helper()
	registry := record.NewRegistry()
	require.NoError(t, registry.Register(record.TypeSpec{Name: snapshot.EventType}))
	require.NoError(t, registry.Register(record.TypeSpec{
		Name: "page",
		Relations: []record.RelationSpec{{
			Name:       "blocks",
			Kind:       record.KindHasMany,
			TargetType: "block",
			ChildField: "page",
			Tracked:    true,
		}},
	}))
	require.NoError(t, registry.Register(record.TypeSpec{
		Name:   "block",
		Owners: []record.OwnerEdge{{Field: "page", ParentType: "page"}},
	}))
	require.NoError(t, registry.Validate())
	return registry
}

// newRebuilder wires a store without snapshot hooks, mimicking a database
// that carries version history but never ran the tracker.
func newRebuilder(t *testing.T) (*history.Rebuilder, *record.Store, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	var tick int64 = 1700000000
	clock := func() time.Time {
		tick++
		return time.Unix(tick, 0).UTC()
	}
	store, err := record.NewStore(record.StoreConfig{Database: db, Registry: trackedRegistry(t), Clock: clock})
	require.NoError(t, err)
	traversal, err := graph.NewTraversal(store)
	require.NoError(t, err)
	rebuilder, err := history.NewRebuilder(history.RebuilderConfig{
		Database: db, Store: store, Traversal: traversal, Clock: clock,
	})
	require.NoError(t, err)
	return rebuilder, store, db
}

func TestRunReplaysVersionHistory(t *testing.T) {
	rebuilder, store, db := newRebuilder(t)
	ctx := context.Background()

	page, err := store.Write(ctx, record.Draft{Type: "page", Title: "Home"})
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, page.Ref()))
	block, err := store.Write(ctx, record.Draft{
		Type: "block", Title: "Intro",
		Refs: map[string]identity.Ref{"page": page.Ref()},
	})
	require.NoError(t, err)
	_, err = store.Write(ctx, record.Draft{Type: "page", ID: page.RecordID, Title: "Home v2"})
	require.NoError(t, err)

	require.NoError(t, rebuilder.Run(ctx))

	// Page history: write, publish, write. Block history: write. Plus one
	// placeholder snapshot for the page's tracked relation.
	var snaps []snapshot.Snapshot
	require.NoError(t, db.Order("id ASC").Find(&snaps).Error)
	require.Len(t, snaps, 5)
	require.Equal(t, page.Ref(), snaps[0].Origin())
	require.Equal(t, block.Ref(), snaps[3].Origin())

	// The block snapshot carries its transitive owner.
	var ownerItems int64
	require.NoError(t, db.Model(&snapshot.Item{}).
		Where("snapshot_id = ? AND object_hash = ?", snaps[3].ID, page.Ref().Hash()).
		Count(&ownerItems).Error)
	require.Equal(t, int64(1), ownerItems)

	// The placeholder is bookkeeping, not activity.
	var placeholder snapshot.Item
	require.NoError(t, db.
		Where("snapshot_id = ?", snaps[4].ID).
		Take(&placeholder).Error)
	require.False(t, placeholder.Modification)
	require.Equal(t, page.Ref(), placeholder.Object())

	// Baselines restart at current membership.
	members, err := store.LiveRelationMembers(ctx, page.Ref(), "blocks")
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{block.RecordID: block.Version}, members)
}

func TestRunRefusesExistingSnapshots(t *testing.T) {
	rebuilder, _, db := newRebuilder(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&snapshot.Snapshot{
		CreatedAtSeconds: 1, LastEditedSeconds: 1, OriginType: "page", OriginID: 1,
	}).Error)

	require.ErrorIs(t, rebuilder.Run(ctx), history.ErrNotPristine)
}

func TestRunStepRejectsUnknownType(t *testing.T) {
	rebuilder, _, _ := newRebuilder(t)
	_, err := rebuilder.RunStep(context.Background(), "widget", 1)
	require.ErrorIs(t, err, record.ErrTypeNotRegistered)
}

func TestStepsSkipEventType(t *testing.T) {
	rebuilder, _, _ := newRebuilder(t)
	require.Equal(t, []string{"page", "block"}, rebuilder.Steps())
}
