package pipeline

import (
	"fmt"
	"time"

	"github.com/zulandar/concierge/internal/ai"
)

// Action is the single outcome of one pipeline run.
type Action int

const (
	ActionNone Action = iota
	ActionInstruction
	ActionQAReply
	ActionAutoReply
	ActionTakeoverHuman
	ActionAdminCommand
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionInstruction:
		return "instruction"
	case ActionQAReply:
		return "qa_reply"
	case ActionAutoReply:
		return "auto_reply"
	case ActionTakeoverHuman:
		return "takeover_human"
	case ActionAdminCommand:
		return "admin_command"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// MarshalText renders the action by name in JSON and logs.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Decision reasons.
const (
	ReasonDuplicate     = "duplicate"
	ReasonCircuitOpen   = "circuit_open"
	ReasonEmptyMessage  = "empty_message"
	ReasonStaffMessage  = "staff_message"
	ReasonHumanTakeover = "human_takeover_active"
	ReasonInstruction   = "instruction_matched"
	ReasonQAHit         = "qa_hit"
	ReasonRiskDetected  = "risk_detected"
	ReasonNeedHuman     = "need_human"
	ReasonRiskCaseOpen  = "risk_case_open"
	ReasonSpam          = "spam"
	ReasonAdminCommand  = "admin_command"
	ReasonAdminDenied   = "admin_unauthorized"
	ReasonNoReplyNeeded = "no_reply_needed"
	ReasonAIReply       = "ai_reply"
	ReasonChatPolicy    = "chat_policy_skip"
	ReasonChatFixed     = "chat_fixed_reply"
	ReasonReplyFailed   = "reply_failed"
	ReasonInternalError = "internal_error"
	ReasonAccepted      = "accepted"
)

// Event is one inbound group-chat message as delivered by the webhook.
type Event struct {
	RobotID     string    `json:"robot_id"`
	GroupID     string    `json:"group_id"`
	GroupName   string    `json:"group_name,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	Text        string    `json:"text"`
	Mentions    []string  `json:"mentions,omitempty"`
	ReplyToUser string    `json:"reply_to_user,omitempty"`
	AtBot       bool      `json:"at_bot,omitempty"`
	IsStaff     bool      `json:"is_staff,omitempty"`
	ReceivedAt  time.Time `json:"received_at,omitempty"`
}

// target is the conversation replies are sent to. WorkTool addresses
// groups by display name.
func (ev Event) target() string {
	if ev.GroupName != "" {
		return ev.GroupName
	}
	return ev.GroupID
}

func (ev Event) senderLabel() string {
	if ev.SenderName != "" {
		return ev.SenderName
	}
	return ev.SenderID
}

// Decision is the result of one pipeline run. It is logged, never stored.
type Decision struct {
	Action     Action     `json:"action"`
	Reason     string     `json:"reason"`
	Intent     *ai.Intent `json:"-"`
	IntentName string     `json:"intent,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Reply      string     `json:"reply,omitempty"`
	CommandIDs []string   `json:"command_ids,omitempty"`
	RiskID     string     `json:"risk_id,omitempty"`
}

func none(reason string) Decision {
	return Decision{Action: ActionNone, Reason: reason}
}

func (d Decision) withIntent(i ai.Intent) Decision {
	d.Intent = &i
	d.IntentName = i.String()
	return d
}
