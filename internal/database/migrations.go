package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDeactivateDeletedQuestionnaires = "2026-09-14_deactivate_deleted_questionnaires"
)

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
		{name: migrationDeactivateDeletedQuestionnaires, apply: deactivateDeletedQuestionnaires},
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
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Soft-deleted questionnaires never accept submissions.
func deactivateDeletedQuestionnaires(db *gorm.DB) error {
	return db.Model(&surveys.Questionnaire{}).
		Where("is_deleted = ? AND is_active = ?", true, true).
		Update("is_active", false).Error
}
