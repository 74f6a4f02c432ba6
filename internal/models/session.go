package models

import "time"

// SessionStatus is the owner of a session's next reply.
type SessionStatus string

const (
	SessionAuto   SessionStatus = "auto"
	SessionHuman  SessionStatus = "human"
	SessionClosed SessionStatus = "closed"
)

// Session is the conversational context for one (group, user) pair.
//
// OpenKey is set to "<group>:<user>" while the session is open and cleared
// when it closes, so the unique index admits at most one open session per
// pair while closed sessions accumulate as history.
type Session struct {
	ID              string        `gorm:"primaryKey;size:36"`
	OpenKey         *string       `gorm:"size:255;uniqueIndex"`
	RobotID         string        `gorm:"size:64;index"`
	GroupID         string        `gorm:"size:128;index:idx_session_group_user"`
	UserID          string        `gorm:"size:128;index:idx_session_group_user"`
	UserName        string        `gorm:"size:128"`
	Status          SessionStatus `gorm:"size:16;default:auto;index"`
	Context         string        `gorm:"type:text"` // JSON array of Turn, oldest first
	MessageCount    int           `gorm:"default:0"`
	AIReplyCount    int           `gorm:"default:0"`
	HumanReplyCount int           `gorm:"default:0"`
	RiskFlag        bool          `gorm:"default:false"`
	AssignedAgent   string        `gorm:"size:128"`
	LastActiveAt    time.Time     `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClosedAt        *time.Time
}

// Turn is one entry of a session's rolling context window.
type Turn struct {
	Role   string    `json:"role"` // "user", "assistant", "staff"
	Sender string    `json:"sender,omitempty"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}
