package snapshot

import (
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/identity"
)

// EventType is the registered record type used as a stand-in origin when no
// concrete record is the natural subject of an action. One event per action,
// never reused.
const EventType = "snapshot_event"

// Snapshot is one atomic user action in the append-only log.
type Snapshot struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null;index:idx_snapshots_created"`
	LastEditedSeconds int64  `gorm:"column:last_edited_s;not null"`
	OriginType        string `gorm:"column:origin_type;size:64;not null"`
	OriginID          int64  `gorm:"column:origin_id;not null"`
	OriginHash        string `gorm:"column:origin_hash;size:64;not null;index:idx_snapshots_origin"`
	Message           string `gorm:"column:message;size:255;not null;default:''"`
	AuthorID          string `gorm:"column:author_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "snapshots"
}

// BeforeSave recomputes the derived origin hash. The stored column is a
// query cache for indexed joins, never authoritative on its own.
func (s *Snapshot) BeforeSave(*gorm.DB) error {
	s.OriginHash = identity.Hash(s.OriginType, s.OriginID)
	return nil
}

// Origin returns the ref of the record the action was about.
func (s Snapshot) Origin() identity.Ref {
	return identity.Ref{Type: s.OriginType, ID: s.OriginID}
}

// Item records one record's involvement in one snapshot.
type Item struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SnapshotID int64  `gorm:"column:snapshot_id;not null;index:idx_items_snapshot"`
	ObjectType string `gorm:"column:object_type;size:64;not null"`
	ObjectID   int64  `gorm:"column:object_id;not null"`
	ObjectHash string `gorm:"column:object_hash;size:64;not null;index:idx_items_object,priority:1"`
	Version    int64  `gorm:"column:version;not null;default:0;index:idx_items_object,priority:2"`

	WasPublished bool `gorm:"column:was_published;not null;default:false"`
	WasDraft     bool `gorm:"column:was_draft;not null;default:false"`
	WasDeleted   bool `gorm:"column:was_deleted;not null;default:false"`

	// Modification is false for bookkeeping-only items that are not a
	// user-visible change.
	Modification bool `gorm:"column:modification;not null;default:true"`

	LinkedFromType string `gorm:"column:linked_from_type;size:64;not null;default:''"`
	LinkedFromID   int64  `gorm:"column:linked_from_id;not null;default:0"`
	LinkedToType   string `gorm:"column:linked_to_type;size:64;not null;default:''"`
	LinkedToID     int64  `gorm:"column:linked_to_id;not null;default:0"`

	ParentItemID     int64 `gorm:"column:parent_item_id;not null;default:0"`
	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "snapshot_items"
}

// BeforeSave recomputes the derived object hash.
func (i *Item) BeforeSave(*gorm.DB) error {
	i.ObjectHash = identity.Hash(i.ObjectType, i.ObjectID)
	return nil
}

// Object returns the ref of the involved record.
func (i Item) Object() identity.Ref {
	return identity.Ref{Type: i.ObjectType, ID: i.ObjectID}
}

// LinkedFrom returns the parent-side endpoint for link-table items.
func (i Item) LinkedFrom() (identity.Ref, bool) {
	if i.LinkedFromType == "" {
		return identity.Ref{}, false
	}
	return identity.Ref{Type: i.LinkedFromType, ID: i.LinkedFromID}, true
}

// LinkedTo returns the child-side endpoint for link-table items.
func (i Item) LinkedTo() (identity.Ref, bool) {
	if i.LinkedToType == "" {
		return identity.Ref{}, false
	}
	return identity.Ref{Type: i.LinkedToType, ID: i.LinkedToID}, true
}
