package queue

import (
	"encoding/json"
	"fmt"
)

// Command types executed by the worker pool.
const (
	TypeSendMessage    = "send_message"
	TypeForwardMessage = "forward_message"
	TypeCreateGroup    = "create_group"
	TypeRemoveMember   = "remove_member"
	TypeSendFile       = "send_file"
	TypeSendImage      = "send_image"
	TypeSendLink       = "send_link"
	TypeNotifyStaff    = "notify_staff"
)

// Priorities. Lower values are picked first.
const (
	PriorityUrgent = 1
	PriorityHigh   = 3
	PriorityNormal = 5
	PriorityLow    = 8
)

// ValidType reports whether t is a known command type.
func ValidType(t string) bool {
	switch t {
	case TypeSendMessage, TypeForwardMessage, TypeCreateGroup, TypeRemoveMember,
		TypeSendFile, TypeSendImage, TypeSendLink, TypeNotifyStaff:
		return true
	}
	return false
}

// Payload is the JSON body of a Command. Fields apply by type: Target and
// Content for messages, GroupName and Members for group management, URL
// and Title for file, image, and link sends.
type Payload struct {
	Target    string   `json:"target,omitempty"`
	Content   string   `json:"content,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
	GroupName string   `json:"group_name,omitempty"`
	Members   []string `json:"members,omitempty"`
	URL       string   `json:"url,omitempty"`
	Title     string   `json:"title,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	RiskID    string   `json:"risk_id,omitempty"`
}

// Encode returns the JSON form stored in Command.Payload.
func (p Payload) Encode() string {
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// DecodePayload parses Command.Payload.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("queue: decode payload: %w", err)
	}
	return p, nil
}
