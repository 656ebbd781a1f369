package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/respondents"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/votes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The pool holds a single connection so uniqueness-guarded inserts serialize.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Models lists every persisted type of the service.
func Models() []any {
	return []any{
		&surveys.Questionnaire{},
		&surveys.Question{},
		&surveys.Option{},
		&votes.Submission{},
		&votes.Answer{},
		&respondents.Respondent{},
		&migrationRecord{},
	}
}
