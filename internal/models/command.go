package models

import "time"

// CommandStatus is the lifecycle state of a queued Command. Completed and
// failed are terminal; failed commands can be re-queued explicitly.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandLocked     CommandStatus = "locked"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
)

// Command is one queued outbound side effect against the bot API.
type Command struct {
	ID           string        `gorm:"primaryKey;size:36" json:"id"`
	RobotID      string        `gorm:"size:64;not null;index" json:"robot_id"`
	Type         string        `gorm:"size:32;not null" json:"type"`
	Payload      string        `gorm:"type:text" json:"payload"` // JSON
	Priority     int           `gorm:"default:5;index:idx_command_pick" json:"priority"`
	Status       CommandStatus `gorm:"size:16;default:pending;index:idx_command_pick" json:"status"`
	RetryCount   int           `gorm:"default:0" json:"retry_count"`
	MaxRetries   int           `gorm:"default:3" json:"max_retries"`
	ScheduledFor time.Time     `gorm:"index:idx_command_pick" json:"scheduled_for"`
	LockedBy     string        `gorm:"size:64" json:"locked_by,omitempty"`
	LockedAt     *time.Time    `json:"locked_at,omitempty"`
	Result       string        `gorm:"type:text" json:"result,omitempty"`
	ErrorMessage string        `gorm:"type:text" json:"error_message,omitempty"`
	Source       string        `gorm:"size:32" json:"source,omitempty"` // "pipeline", "risk", "api", "cli"
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}
