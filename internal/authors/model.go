package authors

import (
	"strings"
	"time"
)

// Author is one acting identity. Snapshots carry its ID for attribution.
type Author struct {
	ID          string    `gorm:"column:id;primaryKey;size:36;not null"`
	Subject     string    `gorm:"column:subject;size:190;not null;uniqueIndex"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Email       string    `gorm:"column:email;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing authors.
func (Author) TableName() string {
	return "authors"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
