package models

import "time"

// RiskStatus is the lifecycle state of a RiskCase. Resolved and escalated
// are terminal.
type RiskStatus string

const (
	RiskProcessing RiskStatus = "processing"
	RiskResolved   RiskStatus = "resolved"
	RiskEscalated  RiskStatus = "escalated"
)

// RiskCase is a flagged conversation under escalation monitoring.
type RiskCase struct {
	ID              string     `gorm:"primaryKey;size:36"`
	SessionID       string     `gorm:"size:36;not null;index"`
	RobotID         string     `gorm:"size:64"`
	GroupID         string     `gorm:"size:128;index"`
	UserID          string     `gorm:"size:128"`
	MessageID       string     `gorm:"size:128"`
	Content         string     `gorm:"type:text"`
	AIReply         string     `gorm:"type:text"`
	Status          RiskStatus `gorm:"size:16;default:processing;index"`
	ResolvedBy      string     `gorm:"size:64"` // "staff", "ai", or an operator name
	Reason          string     `gorm:"size:32"` // staff_handled, user_satisfied, timeout, escalation_signal, manual
	StartTime       time.Time
	DurationSeconds int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      *time.Time
}
