package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/concierge/internal/models"
)

// CreateRiskCase inserts a new case in the processing state.
func (s *Store) CreateRiskCase(ctx context.Context, rc *models.RiskCase) error {
	if rc.SessionID == "" {
		return fmt.Errorf("store: risk case session is required")
	}
	if rc.ID == "" {
		rc.ID = uuid.NewString()
	}
	rc.Status = models.RiskProcessing
	if rc.StartTime.IsZero() {
		rc.StartTime = s.now()
	}
	if err := s.db.WithContext(ctx).Create(rc).Error; err != nil {
		return fmt.Errorf("store: create risk case: %w", err)
	}
	return nil
}

// GetRiskCase returns a case by id.
func (s *Store) GetRiskCase(ctx context.Context, id string) (*models.RiskCase, error) {
	var rc models.RiskCase
	if err := s.db.WithContext(ctx).First(&rc, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("store: get risk case %s: %w", id, notFound(err))
	}
	return &rc, nil
}

// FinishRiskCase records a terminal transition. Only a case still in
// processing is updated; the boolean reports whether this call won.
func (s *Store) FinishRiskCase(ctx context.Context, id string, status models.RiskStatus, resolvedBy, reason string) (bool, error) {
	if status != models.RiskResolved && status != models.RiskEscalated {
		return false, fmt.Errorf("store: finish risk case %s: %q is not terminal", id, status)
	}
	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.RiskCase{}).
		Where("id = ? AND status = ?", id, models.RiskProcessing).
		Updates(map[string]interface{}{
			"status":      status,
			"resolved_by": resolvedBy,
			"reason":      reason,
			"finished_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("store: finish risk case %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListProcessingRiskCases returns every case still under monitoring,
// oldest first.
func (s *Store) ListProcessingRiskCases(ctx context.Context) ([]models.RiskCase, error) {
	var cases []models.RiskCase
	if err := s.db.WithContext(ctx).Where("status = ?", models.RiskProcessing).
		Order("created_at ASC").Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("store: list processing risk cases: %w", err)
	}
	return cases, nil
}

// HasProcessingRiskCase reports whether a session has a case under
// monitoring.
func (s *Store) HasProcessingRiskCase(ctx context.Context, sessionID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.RiskCase{}).
		Where("session_id = ? AND status = ?", sessionID, models.RiskProcessing).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: count risk cases %s: %w", sessionID, err)
	}
	return count > 0, nil
}
