package record

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/identity"
)

var storeDatabaseCounter int64

func openStoreDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:record_test_%d?mode=memory&cache=shared", atomic.AddInt64(&storeDatabaseCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Row{}, &VersionRow{}, &RefRow{}, &BaselineRow{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newGalleryStore(t *testing.T) *Store {
	t.Helper()
	var tick int64 = 1700000000
	store, err := NewStore(StoreConfig{
		Database: openStoreDatabase(t),
		Registry: galleryRegistry(t),
		Clock: func() time.Time {
			return time.Unix(atomic.AddInt64(&tick, 1), 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestWriteCreatesAndVersions(t *testing.T) {
	store := newGalleryStore(t)
	ctx := context.Background()

	page, err := store.Write(ctx, Draft{Type: "page", Title: "Home"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if page.RecordID != 1 || page.Version != 1 {
		t.Fatalf("unexpected first row %#v", page)
	}

	page, err = store.Write(ctx, Draft{Type: "page", ID: page.RecordID, Title: "Home v2"})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if page.Version != 2 || page.Title != "Home v2" {
		t.Fatalf("unexpected updated row %#v", page)
	}

	history, err := store.HistoryAscending(ctx, "page")
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(history) != 2 || !history[0].WasDraft || history[1].Version != 2 {
		t.Fatalf("unexpected history %#v", history)
	}

	second, err := store.Write(ctx, Draft{Type: "page", Title: "About"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if second.RecordID != 2 {
		t.Fatalf("expected sequential id allocation, got %d", second.RecordID)
	}
}

func TestWriteRejectsUnregisteredType(t *testing.T) {
	store := newGalleryStore(t)
	if _, err := store.Write(context.Background(), Draft{Type: "widget"}); !errors.Is(err, ErrTypeNotRegistered) {
		t.Fatalf("expected ErrTypeNotRegistered, got %v", err)
	}
}

func TestWriteReplacesRefRows(t *testing.T) {
	store := newGalleryStore(t)
	ctx := context.Background()

	pageOne, err := store.Write(ctx, Draft{Type: "page", Title: "One"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	pageTwo, err := store.Write(ctx, Draft{Type: "page", Title: "Two"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	block, err := store.Write(ctx, Draft{
		Type: "block", Title: "Intro",
		Refs: map[string]identity.Ref{"page": pageOne.Ref()},
	})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	owners, err := store.Owners(ctx, block.Ref())
	if err != nil {
		t.Fatalf("unexpected owners error: %v", err)
	}
	if len(owners) != 1 || !identity.Equal(owners[0], pageOne.Ref()) {
		t.Fatalf("unexpected owners %#v", owners)
	}

	if _, err = store.Write(ctx, Draft{
		Type: "block", ID: block.RecordID, Title: "Intro",
		Refs: map[string]identity.Ref{"page": pageTwo.Ref()},
	}); err != nil {
		t.Fatalf("unexpected rewrite error: %v", err)
	}

	owners, err = store.Owners(ctx, block.Ref())
	if err != nil {
		t.Fatalf("unexpected owners error: %v", err)
	}
	if len(owners) != 1 || !identity.Equal(owners[0], pageTwo.Ref()) {
		t.Fatalf("expected ownership to move, got %#v", owners)
	}

	owned, err := store.Owned(ctx, pageTwo.Ref())
	if err != nil {
		t.Fatalf("unexpected owned error: %v", err)
	}
	if len(owned) != 1 || !identity.Equal(owned[0], block.Ref()) {
		t.Fatalf("unexpected owned %#v", owned)
	}
}

func TestDeleteIsSoftAndRevivable(t *testing.T) {
	store := newGalleryStore(t)
	ctx := context.Background()

	page, err := store.Write(ctx, Draft{Type: "page", Title: "Home"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if err := store.Delete(ctx, page.Ref()); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	row, err := store.Get(ctx, page.Ref())
	if err != nil {
		t.Fatalf("expected deleted row to resolve: %v", err)
	}
	if !row.IsDeleted || row.Version != 2 {
		t.Fatalf("unexpected deleted row %#v", row)
	}

	revived, err := store.Write(ctx, Draft{Type: "page", ID: page.RecordID, Title: "Home again"})
	if err != nil {
		t.Fatalf("unexpected revive error: %v", err)
	}
	if revived.IsDeleted || revived.Version != 3 {
		t.Fatalf("unexpected revived row %#v", revived)
	}

	if err := store.Delete(ctx, identity.Ref{Type: "page", ID: 404}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishStagesNewVersionRecursively(t *testing.T) {
	store := newGalleryStore(t)
	ctx := context.Background()

	page, err := store.Write(ctx, Draft{Type: "page", Title: "Home"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	block, err := store.Write(ctx, Draft{
		Type: "block", Title: "Intro",
		Refs: map[string]identity.Ref{"page": page.Ref()},
	})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	deletedBlock, err := store.Write(ctx, Draft{
		Type: "block", Title: "Gone",
		Refs: map[string]identity.Ref{"page": page.Ref()},
	})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if err := store.Delete(ctx, deletedBlock.Ref()); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	if err := store.Publish(ctx, page.Ref()); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	published, err := store.Get(ctx, page.Ref())
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if published.Version != 2 || published.LiveVersion != 2 || published.IsModifiedOnDraft() {
		t.Fatalf("unexpected published page %#v", published)
	}
	publishedBlock, err := store.Get(ctx, block.Ref())
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !publishedBlock.IsPublished() {
		t.Fatalf("expected owned block to publish, got %#v", publishedBlock)
	}
	skipped, err := store.Get(ctx, deletedBlock.Ref())
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if skipped.IsPublished() {
		t.Fatalf("expected deleted block to be skipped, got %#v", skipped)
	}
}

func TestRevertCopiesLiveOntoDraft(t *testing.T) {
	store := newGalleryStore(t)
	ctx := context.Background()

	page, err := store.Write(ctx, Draft{Type: "page", Title: "Live title"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if err := store.Revert(ctx, page.Ref()); !errors.Is(err, ErrNotPublished) {
		t.Fatalf("expected ErrNotPublished, got %v", err)
	}

	if err := store.Publish(ctx, page.Ref()); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if _, err := store.Write(ctx, Draft{Type: "page", ID: page.RecordID, Title: "Draft title"}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	if err := store.Revert(ctx, page.Ref()); err != nil {
		t.Fatalf("unexpected revert error: %v", err)
	}
	row, err := store.Get(ctx, page.Ref())
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if row.Title != "Live title" {
		t.Fatalf("expected live title to be restored, got %q", row.Title)
	}
	if !row.IsModifiedOnDraft() {
		t.Fatalf("expected revert to stage a fresh draft version")
	}
}

func TestRelationMembersManyMany(t *testing.T) {
	store := newGalleryStore(t)
	ctx := context.Background()

	page, err := store.Write(ctx, Draft{Type: "page", Title: "Gallery"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	imageOne, err := store.Write(ctx, Draft{Type: "image", Title: "Sunset"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	imageTwo, err := store.Write(ctx, Draft{Type: "image", Title: "Harbor"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	for _, image := range []*Row{imageOne, imageTwo} {
		if _, err := store.Write(ctx, Draft{
			Type: "page_image",
			Refs: map[string]identity.Ref{"page": page.Ref(), "image": image.Ref()},
		}); err != nil {
			t.Fatalf("unexpected junction write error: %v", err)
		}
	}
	if err := store.Delete(ctx, imageTwo.Ref()); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	members, err := store.RelationMembers(ctx, page.Ref(), "images")
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 1 || members[imageOne.RecordID] != imageOne.Version {
		t.Fatalf("unexpected members %#v", members)
	}

	if _, err := store.RelationMembers(ctx, page.Ref(), "missing"); !errors.Is(err, ErrUnknownRelation) {
		t.Fatalf("expected ErrUnknownRelation, got %v", err)
	}
}

func TestBaselinesAdvanceOnPublish(t *testing.T) {
	store := newGalleryStore(t)
	ctx := context.Background()

	page, err := store.Write(ctx, Draft{Type: "page", Title: "Gallery"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	image, err := store.Write(ctx, Draft{Type: "image", Title: "Sunset"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if _, err := store.Write(ctx, Draft{
		Type: "page_image",
		Refs: map[string]identity.Ref{"page": page.Ref(), "image": image.Ref()},
	}); err != nil {
		t.Fatalf("unexpected junction write error: %v", err)
	}

	before, err := store.LiveRelationMembers(ctx, page.Ref(), "images")
	if err != nil {
		t.Fatalf("unexpected baseline error: %v", err)
	}
	if len(before) != 0 {
		t.Fatalf("expected empty baseline before publish, got %#v", before)
	}

	if err := store.Publish(ctx, page.Ref()); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	after, err := store.LiveRelationMembers(ctx, page.Ref(), "images")
	if err != nil {
		t.Fatalf("unexpected baseline error: %v", err)
	}
	if len(after) != 1 || after[image.RecordID] == 0 {
		t.Fatalf("expected baseline to advance on publish, got %#v", after)
	}
}

func TestAtTimeResolvesHistoricalState(t *testing.T) {
	store := newGalleryStore(t)
	ctx := context.Background()

	page, err := store.Write(ctx, Draft{Type: "page", Title: "First"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	history, err := store.HistoryAscending(ctx, "page")
	if err != nil || len(history) != 1 {
		t.Fatalf("unexpected history %#v err=%v", history, err)
	}
	firstWriteAt := time.Unix(history[0].CreatedAtSeconds, 0)

	if _, err := store.Write(ctx, Draft{Type: "page", ID: page.RecordID, Title: "Second"}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	state, err := store.AtTime(ctx, page.Ref(), firstWriteAt)
	if err != nil {
		t.Fatalf("unexpected at-time error: %v", err)
	}
	if state.Title != "First" || state.Version != 1 {
		t.Fatalf("unexpected state %#v", state)
	}

	if _, err := store.AtTime(ctx, page.Ref(), firstWriteAt.Add(-time.Hour)); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

type recordingHooks struct {
	writes    int
	created   bool
	prevRefs  map[string]identity.Ref
	currRefs  map[string]identity.Ref
	deletes   []identity.Ref
	published []identity.Ref
}

func (h *recordingHooks) AfterWrite(_ context.Context, _ identity.Ref, prevRefs, currRefs map[string]identity.Ref, created bool) error {
	h.writes++
	h.created = created
	h.prevRefs = prevRefs
	h.currRefs = currRefs
	return nil
}

func (h *recordingHooks) AfterDelete(_ context.Context, ref identity.Ref) error {
	h.deletes = append(h.deletes, ref)
	return nil
}

func (h *recordingHooks) AfterPublish(_ context.Context, _ identity.Ref, published []identity.Ref) error {
	h.published = append(h.published, published...)
	return nil
}

func TestHooksFireAfterCommit(t *testing.T) {
	store := newGalleryStore(t)
	hooks := &recordingHooks{}
	store.SetHooks(hooks)
	ctx := context.Background()

	page, err := store.Write(ctx, Draft{Type: "page", Title: "Home"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if hooks.writes != 1 || !hooks.created {
		t.Fatalf("expected creation hook, got %#v", hooks)
	}

	block, err := store.Write(ctx, Draft{
		Type: "block", Title: "Intro",
		Refs: map[string]identity.Ref{"page": page.Ref()},
	})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if len(hooks.prevRefs) != 0 || !identity.Equal(hooks.currRefs["page"], page.Ref()) {
		t.Fatalf("unexpected ref transition %#v -> %#v", hooks.prevRefs, hooks.currRefs)
	}

	if err := store.Delete(ctx, block.Ref()); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if len(hooks.deletes) != 1 || !identity.Equal(hooks.deletes[0], block.Ref()) {
		t.Fatalf("unexpected delete hook %#v", hooks.deletes)
	}

	if err := store.Publish(ctx, page.Ref()); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if len(hooks.published) != 1 || !identity.Equal(hooks.published[0], page.Ref()) {
		t.Fatalf("unexpected publish hook %#v", hooks.published)
	}
}
