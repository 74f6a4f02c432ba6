package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/concierge/internal/models"
)

// RecordMessage appends an inbound message to the group message log.
func (s *Store) RecordMessage(ctx context.Context, msg *models.GroupMessage) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("store: record message: %w", err)
	}
	return nil
}

// MessagesSince returns a group's messages sent strictly after since,
// oldest first.
func (s *Store) MessagesSince(ctx context.Context, groupID string, since time.Time) ([]models.GroupMessage, error) {
	var msgs []models.GroupMessage
	if err := s.db.WithContext(ctx).
		Where("group_id = ? AND sent_at > ?", groupID, since).
		Order("sent_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: messages since %s: %w", groupID, err)
	}
	return msgs, nil
}

// EncodeMentions serializes mention targets for GroupMessage.Mentions.
func EncodeMentions(mentions []string) string {
	if len(mentions) == 0 {
		return "[]"
	}
	data, err := json.Marshal(mentions)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeMentions parses GroupMessage.Mentions. Malformed input yields nil.
func DecodeMentions(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
