package db

import (
	"fmt"

	"github.com/zulandar/concierge/internal/config"
	"github.com/zulandar/concierge/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.RiskCase{},
		&models.StaffActivity{},
		&models.CollaborationDecision{},
		&models.Command{},
		&models.GroupMessage{},
		&models.QAEntry{},
		&models.IdempotencyRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedQA upserts canned answers from configuration. Questions are stored
// normalized so lookups match regardless of spacing, case, or trailing
// punctuation.
func SeedQA(db *gorm.DB, entries []config.QAConfig) error {
	for _, qa := range entries {
		entry := models.QAEntry{
			Scope:    qa.Scope,
			Question: NormalizeQuestion(qa.Question),
			Answer:   qa.Answer,
			Enabled:  true,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "question"}},
			DoUpdates: clause.AssignmentColumns([]string{"answer", "enabled", "updated_at"}),
		}).Create(&entry)
		if result.Error != nil {
			return fmt.Errorf("db: seed qa %q: %w", qa.Question, result.Error)
		}
	}
	return nil
}
