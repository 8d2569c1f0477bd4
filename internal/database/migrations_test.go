package database

import (
	"path/filepath"
	"testing"

	"github.com/devenkhatri/google-sheets-plus-plus-sub000/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesEmptyRecordFields(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&records.Record{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	blank := records.Record{RecordID: "rec-blank", TableID: "tbl-1", FieldsJSON: "", UpdatedAtSeconds: 1}
	filled := records.Record{RecordID: "rec-filled", TableID: "tbl-1", FieldsJSON: `{"a":1}`, UpdatedAtSeconds: 1}
	if err := database.Create(&blank).Error; err != nil {
		testContext.Fatalf("failed to insert record: %v", err)
	}
	if err := database.Create(&filled).Error; err != nil {
		testContext.Fatalf("failed to insert record: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored records.Record
	if err := database.Where("record_id = ?", blank.RecordID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload record: %v", err)
	}
	if stored.FieldsJSON != "{}" {
		testContext.Fatalf("expected blank fields to be normalized, got %q", stored.FieldsJSON)
	}
	if err := database.Where("record_id = ?", filled.RecordID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload record: %v", err)
	}
	if stored.FieldsJSON != `{"a":1}` {
		testContext.Fatalf("expected populated fields to be untouched, got %q", stored.FieldsJSON)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeEmptyRecordFields).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-running migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"records", "notifications", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
