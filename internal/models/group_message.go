package models

import "time"

// GroupMessage is one inbound group-chat message as delivered by the webhook.
type GroupMessage struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	RobotID     string    `gorm:"size:64"`
	GroupID     string    `gorm:"size:128;index:idx_group_message_sent"`
	SessionID   string    `gorm:"size:36;index"`
	MessageID   string    `gorm:"size:128"`
	SenderID    string    `gorm:"size:128"`
	SenderName  string    `gorm:"size:128"`
	IsStaff     bool      `gorm:"default:false"`
	Text        string    `gorm:"type:text"`
	Mentions    string    `gorm:"type:text"` // JSON array of user ids/names
	ReplyToUser string    `gorm:"size:128"`
	SentAt      time.Time `gorm:"index:idx_group_message_sent"`
	CreatedAt   time.Time
}
