package store

import (
	"context"
	"fmt"

	"github.com/zulandar/concierge/internal/db"
	"github.com/zulandar/concierge/internal/models"
	"gorm.io/gorm"
)

// GlobalScope is the canned-answer scope shared by every robot.
const GlobalScope = "global"

// LookupQA finds an enabled canned answer for the question, preferring the
// robot-specific scope over the global one. A hit increments HitCount.
func (s *Store) LookupQA(ctx context.Context, scope, question string) (*models.QAEntry, error) {
	normalized := db.NormalizeQuestion(question)
	if normalized == "" {
		return nil, ErrNotFound
	}
	conn := s.db.WithContext(ctx)
	for _, sc := range []string{scope, GlobalScope} {
		if sc == "" {
			continue
		}
		var entry models.QAEntry
		err := conn.Where("scope = ? AND question = ? AND enabled = ?", sc, normalized, true).First(&entry).Error
		if err == gorm.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: lookup qa: %w", err)
		}
		conn.Model(&models.QAEntry{}).Where("id = ?", entry.ID).
			Update("hit_count", gorm.Expr("hit_count + 1"))
		return &entry, nil
	}
	return nil, ErrNotFound
}
