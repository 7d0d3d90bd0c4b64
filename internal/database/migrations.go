package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/snapshot"
)

const migrationBackfillDerivedHashes = "2026-08-12_backfill_derived_hashes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDerivedHashes, apply: backfillDerivedHashes},
	}

	for _, migration := range migrations {
		var applied migrationRecord
		err := db.Where("name = ?", migration.name).Take(&applied).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillDerivedHashes recomputes the cached identity hash columns for rows
// imported from databases that predate them.
func backfillDerivedHashes(db *gorm.DB) error {
	var snaps []snapshot.Snapshot
	if err := db.Where("origin_hash = ''").Find(&snaps).Error; err != nil {
		return err
	}
	for _, snap := range snaps {
		err := db.Model(&snapshot.Snapshot{}).
			Where("id = ?", snap.ID).
			Update("origin_hash", identity.Hash(snap.OriginType, snap.OriginID)).Error
		if err != nil {
			return err
		}
	}

	var items []snapshot.Item
	if err := db.Where("object_hash = ''").Find(&items).Error; err != nil {
		return err
	}
	for _, item := range items {
		err := db.Model(&snapshot.Item{}).
			Where("id = ?", item.ID).
			Update("object_hash", identity.Hash(item.ObjectType, item.ObjectID)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
