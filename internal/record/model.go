package record

import (
	"github.com/mosaicms/chronicle/internal/identity"
)

// Row is the current draft state of one versioned record.
type Row struct {
	RecordType       string `gorm:"column:record_type;primaryKey;size:64;not null"`
	RecordID         int64  `gorm:"column:record_id;primaryKey;autoIncrement:false;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	LiveVersion      int64  `gorm:"column:live_version;not null;default:0"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	Title            string `gorm:"column:title;size:255;not null;default:''"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "records"
}

// Ref returns the record's identity ref.
func (r Row) Ref() identity.Ref {
	return identity.Ref{Type: r.RecordType, ID: r.RecordID}
}

// IsPublished reports whether any version of the record is live.
func (r Row) IsPublished() bool {
	return r.LiveVersion > 0
}

// IsModifiedOnDraft reports whether the draft is ahead of the live version.
func (r Row) IsModifiedOnDraft() bool {
	return r.Version > r.LiveVersion
}

// VersionRow is one append-only history entry for a record. The history
// table doubles as the rollback source and the legacy input for the batch
// snapshot rebuild.
type VersionRow struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	RecordType       string `gorm:"column:record_type;size:64;not null;index:idx_versions_record,priority:1"`
	RecordID         int64  `gorm:"column:record_id;not null;index:idx_versions_record,priority:2"`
	Version          int64  `gorm:"column:version;not null;index:idx_versions_record,priority:3"`
	Title            string `gorm:"column:title;size:255;not null;default:''"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null;default:''"`
	WasDraft         bool   `gorm:"column:was_draft;not null;default:true"`
	WasPublished     bool   `gorm:"column:was_published;not null;default:false"`
	WasDeleted       bool   `gorm:"column:was_deleted;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRow) TableName() string {
	return "record_versions"
}

// Ref returns the identity ref of the record this history entry belongs to.
func (v VersionRow) Ref() identity.Ref {
	return identity.Ref{Type: v.RecordType, ID: v.RecordID}
}

// RefRow stores one foreign-key value of a record: field name plus the
// referenced target. Ownership edges and junction endpoints are resolved
// from these rows.
type RefRow struct {
	RecordType string `gorm:"column:record_type;primaryKey;size:64;not null"`
	RecordID   int64  `gorm:"column:record_id;primaryKey;autoIncrement:false;not null"`
	Field      string `gorm:"column:field;primaryKey;size:64;not null"`
	TargetType string `gorm:"column:target_type;size:64;not null;index:idx_refs_target,priority:1"`
	TargetID   int64  `gorm:"column:target_id;not null;index:idx_refs_target,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (RefRow) TableName() string {
	return "record_refs"
}

// Target returns the referenced record's ref.
func (f RefRow) Target() identity.Ref {
	return identity.Ref{Type: f.TargetType, ID: f.TargetID}
}

// BaselineRow persists the relation membership observed at a record's last
// publish. It is the durable "previous" side for relation diffing; the
// in-memory cache fronts it within one logical operation.
type BaselineRow struct {
	RecordHash       string `gorm:"column:record_hash;primaryKey;size:64;not null"`
	Relation         string `gorm:"column:relation;primaryKey;size:64;not null"`
	MembersJSON      string `gorm:"column:members_json;type:text;not null;default:'{}'"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BaselineRow) TableName() string {
	return "relation_baselines"
}

// Draft is the input to a tracked write.
type Draft struct {
	Type        string
	ID          int64 // 0 allocates a new id for the type
	Title       string
	PayloadJSON string
	Refs        map[string]identity.Ref // FK field -> target
}
