package models

import "time"

// QAEntry is a canned answer. Scope is a robot id, or "global".
type QAEntry struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Scope     string `gorm:"size:64;not null;uniqueIndex:idx_qa_scope_question"`
	Question  string `gorm:"size:255;not null;uniqueIndex:idx_qa_scope_question"` // normalized
	Answer    string `gorm:"type:text;not null"`
	Enabled   bool   `gorm:"default:true"`
	HitCount  int    `gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdempotencyRecord marks an inbound event key as seen until ExpiresAt.
type IdempotencyRecord struct {
	Key       string    `gorm:"column:idem_key;primaryKey;size:191"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}
