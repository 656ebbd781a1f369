package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "migration.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	database := openTestDatabase(testContext)

	deleted := surveys.Questionnaire{Title: "Old", AccessCode: "OLD001", IsActive: true, IsDeleted: true, CreatedAtSeconds: 1, UpdatedAtSeconds: 1}
	live := surveys.Questionnaire{Title: "Live", AccessCode: "LIVE01", IsActive: true, CreatedAtSeconds: 1, UpdatedAtSeconds: 1}
	for _, questionnaire := range []*surveys.Questionnaire{&deleted, &live} {
		if err := database.Create(questionnaire).Error; err != nil {
			testContext.Fatalf("failed to insert questionnaire: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var reloaded surveys.Questionnaire
	if err := database.Where("id = ?", deleted.ID).Take(&reloaded).Error; err != nil {
		testContext.Fatalf("failed to reload questionnaire: %v", err)
	}
	if reloaded.IsActive {
		testContext.Fatalf("expected soft-deleted questionnaire to be deactivated")
	}
	if err := database.Where("id = ?", live.ID).Take(&reloaded).Error; err != nil {
		testContext.Fatalf("failed to reload questionnaire: %v", err)
	}
	if !reloaded.IsActive {
		testContext.Fatalf("live questionnaire must stay active")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationDeactivateDeletedQuestionnaires).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	var records int64
	if err := database.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if records != 1 {
		testContext.Fatalf("expected exactly one migration record, got %d", records)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openTestDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	restored := surveys.Questionnaire{Title: "Restored", AccessCode: "BACK01", IsActive: true, IsDeleted: true, CreatedAtSeconds: 1, UpdatedAtSeconds: 1}
	if err := database.Create(&restored).Error; err != nil {
		testContext.Fatalf("failed to insert questionnaire: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}
	var reloaded surveys.Questionnaire
	if err := database.Where("id = ?", restored.ID).Take(&reloaded).Error; err != nil {
		testContext.Fatalf("failed to reload questionnaire: %v", err)
	}
	if !reloaded.IsActive {
		testContext.Fatalf("applied migrations must not run again")
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "open.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}
