package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/concierge/internal/models"
	"gorm.io/gorm/clause"
)

// TouchStaffActivity records a staff message or intervention: the staff
// member becomes active and handling, with LastActivityAt = now.
func (s *Store) TouchStaffActivity(ctx context.Context, sessionID, groupID, staffUserID, staffName string) error {
	act := models.StaffActivity{
		SessionID:      sessionID,
		GroupID:        groupID,
		StaffUserID:    staffUserID,
		StaffName:      staffName,
		Status:         models.StaffActive,
		IsHandling:     true,
		LastActivityAt: s.now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"group_id", "staff_user_id", "staff_name", "status", "is_handling", "last_activity_at", "updated_at",
		}),
	}).Create(&act).Error
	if err != nil {
		return fmt.Errorf("store: touch staff activity %s: %w", sessionID, err)
	}
	return nil
}

// GetStaffActivity returns the staff activity row for a session.
func (s *Store) GetStaffActivity(ctx context.Context, sessionID string) (*models.StaffActivity, error) {
	var act models.StaffActivity
	if err := s.db.WithContext(ctx).First(&act, "session_id = ?", sessionID).Error; err != nil {
		return nil, fmt.Errorf("store: get staff activity %s: %w", sessionID, notFound(err))
	}
	return &act, nil
}

// MarkStaffInactive flips a session's staff row to inactive and not
// handling.
func (s *Store) MarkStaffInactive(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Model(&models.StaffActivity{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":      models.StaffInactive,
			"is_handling": false,
		}).Error
	if err != nil {
		return fmt.Errorf("store: mark staff inactive %s: %w", sessionID, err)
	}
	return nil
}

// ReleaseStaffHandling clears IsHandling without marking the staff member
// offline.
func (s *Store) ReleaseStaffHandling(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Model(&models.StaffActivity{}).
		Where("session_id = ?", sessionID).
		Update("is_handling", false).Error
	if err != nil {
		return fmt.Errorf("store: release staff handling %s: %w", sessionID, err)
	}
	return nil
}

// ListStaleStaff returns active staff rows whose last activity is before
// cutoff.
func (s *Store) ListStaleStaff(ctx context.Context, cutoff time.Time) ([]models.StaffActivity, error) {
	var acts []models.StaffActivity
	if err := s.db.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", models.StaffActive, cutoff).
		Find(&acts).Error; err != nil {
		return nil, fmt.Errorf("store: list stale staff: %w", err)
	}
	return acts, nil
}

// RecordCollaborationDecision appends an arbitration record.
func (s *Store) RecordCollaborationDecision(ctx context.Context, d *models.CollaborationDecision) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("store: record collaboration decision: %w", err)
	}
	return nil
}
