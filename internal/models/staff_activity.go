package models

import "time"

// StaffStatus reports whether a staff member is still engaged in a session.
type StaffStatus string

const (
	StaffActive   StaffStatus = "active"
	StaffInactive StaffStatus = "inactive"
)

// StaffActivity tracks the staff member engaged in a session.
type StaffActivity struct {
	SessionID      string      `gorm:"primaryKey;size:36"`
	GroupID        string      `gorm:"size:128;index"`
	StaffUserID    string      `gorm:"size:128"`
	StaffName      string      `gorm:"size:128"`
	Status         StaffStatus `gorm:"size:16;default:active;index"`
	IsHandling     bool        `gorm:"default:false"`
	LastActivityAt time.Time   `gorm:"index"`
	UpdatedAt      time.Time
}

// CollaborationDecision records an arbitration outcome that suppressed or
// allowed an AI reply, for analytics.
type CollaborationDecision struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SessionID   string `gorm:"size:36;index"`
	ShouldReply bool
	Reason      string `gorm:"size:32"`
	Strategy    string `gorm:"size:32"`
	StaffUserID string `gorm:"size:128"`
	CreatedAt   time.Time
}
