package database

import (
	"errors"
	"time"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeEmptyRecordFields = "2026-10-01_normalize_empty_record_fields"

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
		{name: migrationNormalizeEmptyRecordFields, apply: normalizeEmptyRecordFields},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
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

// normalizeEmptyRecordFields rewrites blank field payloads to an empty JSON object
// so offline replay can always decode and merge them.
func normalizeEmptyRecordFields(db *gorm.DB) error {
	return db.Model(&records.Record{}).
		Where("fields_json = '' OR fields_json IS NULL").
		Update("fields_json", "{}").Error
}
