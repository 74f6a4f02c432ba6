// Package notify delivers risk-case alerts to operators. Platform sinks
// live in the slack, discord, and ws subpackages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Kind identifies an alert.
type Kind string

const (
	KindRiskStarted   Kind = "risk_started"
	KindRiskResolved  Kind = "risk_resolved"
	KindRiskEscalated Kind = "risk_escalated"
)

// Event is one operator alert about a risk case.
type Event struct {
	Kind       Kind          `json:"kind"`
	RiskID     string        `json:"risk_id"`
	SessionID  string        `json:"session_id"`
	RobotID    string        `json:"robot_id,omitempty"`
	GroupID    string        `json:"group_id,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	Content    string        `json:"content,omitempty"`
	AIReply    string        `json:"ai_reply,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
	At         time.Time     `json:"at"`
}

// Sink receives alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Notify delivers ev to each sink in order.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes alerts to a zap logger.
type Log struct {
	Logger *zap.Logger
}

// Notify logs ev. Escalations are logged at warn level.
func (l Log) Notify(_ context.Context, ev Event) error {
	if l.Logger == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("risk_id", ev.RiskID),
		zap.String("session_id", ev.SessionID),
		zap.String("group_id", ev.GroupID),
		zap.String("reason", ev.Reason),
	}
	if ev.Kind == KindRiskEscalated {
		l.Logger.Warn("risk case escalated", fields...)
		return nil
	}
	l.Logger.Info("risk case update", fields...)
	return nil
}

// Formatted is a platform-neutral rendering of an Event.
type Formatted struct {
	Title    string
	Body     string
	Severity string // "info", "warning", "success"
	Color    string // sidebar color hint, e.g. "#36a64f"
	Fields   []Field
}

// Field is a key-value pair displayed with an alert.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Format renders ev for chat platforms.
func Format(ev Event) Formatted {
	f := Formatted{Body: ev.Content}
	switch ev.Kind {
	case KindRiskEscalated:
		f.Title = "Risk case escalated"
		f.Severity = "warning"
		f.Color = "#d9534f"
	case KindRiskResolved:
		f.Title = "Risk case resolved"
		f.Severity = "success"
		f.Color = "#36a64f"
	default:
		f.Title = "Risk case opened"
		f.Severity = "info"
		f.Color = "#439fe0"
	}
	add := func(name, value string, short bool) {
		if value != "" {
			f.Fields = append(f.Fields, Field{Name: name, Value: value, Short: short})
		}
	}
	add("Risk", ev.RiskID, true)
	add("Group", ev.GroupID, true)
	add("User", ev.UserID, true)
	add("Reason", ev.Reason, true)
	add("Resolved by", ev.ResolvedBy, true)
	if ev.Elapsed > 0 {
		add("Elapsed", ev.Elapsed.Round(time.Second).String(), true)
	}
	add("AI reply", ev.AIReply, false)
	return f
}

// Summary is a one-line plain-text rendering of ev.
func Summary(ev Event) string {
	s := fmt.Sprintf("[%s] risk %s in group %s", ev.Kind, ev.RiskID, ev.GroupID)
	if ev.Reason != "" {
		s += " (" + ev.Reason + ")"
	}
	return s
}
