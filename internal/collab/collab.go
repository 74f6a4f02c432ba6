// Package collab arbitrates, per session, whether the AI may reply or must
// yield to a human staff member.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/concierge/internal/models"
	"github.com/zulandar/concierge/internal/store"
	"go.uber.org/zap"
)

// DefaultInactivityThreshold is how long a staff member may stay silent
// before the AI resumes.
const DefaultInactivityThreshold = 10 * time.Minute

// Arbitration reasons.
const (
	ReasonNoStaff        = "no_staff_in_session"
	ReasonStaffOffline   = "staff_offline"
	ReasonStaffHandling  = "staff_is_handling"
	ReasonStaffAvailable = "staff_online_not_handling"
	ReasonArbiterError   = "arbitration_error"
)

// Strategies name who owns the next reply.
const (
	StrategyAI    = "ai_reply"
	StrategyStaff = "defer_to_staff"
)

// ErrNoTransition is returned by Takeover and Release when the session is
// not in the source state.
var ErrNoTransition = errors.New("collab: session not in expected state")

// Result is the outcome of ShouldAIReply.
type Result struct {
	ShouldReply bool   `json:"should_reply"`
	Reason      string `json:"reason"`
	Strategy    string `json:"strategy"`
}

// Store is the persistence the arbitrator needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	TransitionSession(ctx context.Context, id string, t store.Transition) (bool, error)
	GetStaffActivity(ctx context.Context, sessionID string) (*models.StaffActivity, error)
	TouchStaffActivity(ctx context.Context, sessionID, groupID, staffUserID, staffName string) error
	MarkStaffInactive(ctx context.Context, sessionID string) error
	ReleaseStaffHandling(ctx context.Context, sessionID string) error
	ListStaleStaff(ctx context.Context, cutoff time.Time) ([]models.StaffActivity, error)
	RecordCollaborationDecision(ctx context.Context, d *models.CollaborationDecision) error
}

// Arbitrator decides between AI and staff replies.
type Arbitrator struct {
	store     Store
	threshold time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// Opts holds parameters for creating an Arbitrator.
type Opts struct {
	Store               Store
	InactivityThreshold time.Duration // defaults to DefaultInactivityThreshold
	Now                 func() time.Time
	Logger              *zap.Logger
}

// New creates an Arbitrator.
func New(opts Opts) (*Arbitrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("collab: store is required")
	}
	a := &Arbitrator{
		store:     opts.Store,
		threshold: opts.InactivityThreshold,
		now:       opts.Now,
		log:       opts.Logger,
	}
	if a.threshold <= 0 {
		a.threshold = DefaultInactivityThreshold
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	return a, nil
}

// ShouldAIReply decides whether the AI may answer in sessionID. Any
// internal error allows the reply.
func (a *Arbitrator) ShouldAIReply(ctx context.Context, sessionID string) Result {
	res, err := a.arbitrate(ctx, sessionID)
	if err != nil {
		a.log.Warn("arbitration failed, allowing ai reply",
			zap.String("session_id", sessionID), zap.Error(err))
		return Result{ShouldReply: true, Reason: ReasonArbiterError, Strategy: StrategyAI}
	}
	return res
}

func (a *Arbitrator) arbitrate(ctx context.Context, sessionID string) (Result, error) {
	act, err := a.store.GetStaffActivity(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{ShouldReply: true, Reason: ReasonNoStaff, Strategy: StrategyAI}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if a.now().Sub(act.LastActivityAt) > a.threshold {
		if act.Status != models.StaffInactive || act.IsHandling {
			if err := a.store.MarkStaffInactive(ctx, sessionID); err != nil {
				return Result{}, err
			}
			a.log.Info("staff went offline, ai resumes",
				zap.String("session_id", sessionID),
				zap.String("staff_user_id", act.StaffUserID),
				zap.Time("last_activity_at", act.LastActivityAt))
		}
		return Result{ShouldReply: true, Reason: ReasonStaffOffline, Strategy: StrategyAI}, nil
	}

	if act.IsHandling && act.Status == models.StaffActive {
		res := Result{ShouldReply: false, Reason: ReasonStaffHandling, Strategy: StrategyStaff}
		d := &models.CollaborationDecision{
			SessionID:   sessionID,
			ShouldReply: false,
			Reason:      res.Reason,
			Strategy:    res.Strategy,
			StaffUserID: act.StaffUserID,
		}
		if err := a.store.RecordCollaborationDecision(ctx, d); err != nil {
			a.log.Warn("record collaboration decision", zap.String("session_id", sessionID), zap.Error(err))
		}
		return res, nil
	}

	return Result{ShouldReply: true, Reason: ReasonStaffAvailable, Strategy: StrategyAI}, nil
}

// RecordStaffActivity marks a staff member as actively handling a session.
// Called for every detected staff message or intervention.
func (a *Arbitrator) RecordStaffActivity(ctx context.Context, sessionID, groupID, staffUserID, staffName string) error {
	if err := a.store.TouchStaffActivity(ctx, sessionID, groupID, staffUserID, staffName); err != nil {
		return fmt.Errorf("collab: record staff activity: %w", err)
	}
	return nil
}

// SessionStatus is the dashboard view of a session's ownership.
type SessionStatus struct {
	SessionID     string                `json:"session_id"`
	Mode          models.SessionStatus  `json:"mode"`
	AssignedAgent string                `json:"assigned_agent,omitempty"`
	Staff         *models.StaffActivity `json:"staff,omitempty"`
	StaffOnline   bool                  `json:"staff_online"`
	Decision      Result                `json:"decision"`
}

// GetSessionStatus reports who currently owns sessionID. It does not
// change staff state.
func (a *Arbitrator) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("collab: session status: %w", err)
	}
	st := &SessionStatus{
		SessionID:     sess.ID,
		Mode:          sess.Status,
		AssignedAgent: sess.AssignedAgent,
		Decision:      Result{ShouldReply: true, Reason: ReasonNoStaff, Strategy: StrategyAI},
	}
	act, err := a.store.GetStaffActivity(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("collab: session status: %w", err)
	default:
		st.Staff = act
		offline := a.now().Sub(act.LastActivityAt) > a.threshold
		st.StaffOnline = !offline && act.Status == models.StaffActive
		switch {
		case offline:
			st.Decision = Result{ShouldReply: true, Reason: ReasonStaffOffline, Strategy: StrategyAI}
		case act.IsHandling && act.Status == models.StaffActive:
			st.Decision = Result{ShouldReply: false, Reason: ReasonStaffHandling, Strategy: StrategyStaff}
		default:
			st.Decision = Result{ShouldReply: true, Reason: ReasonStaffAvailable, Strategy: StrategyAI}
		}
	}
	return st, nil
}

// Takeover hands a session to a human agent (auto -> human).
func (a *Arbitrator) Takeover(ctx context.Context, sessionID, agent string) error {
	ok, err := a.store.TransitionSession(ctx, sessionID, store.Transition{
		From:          models.SessionAuto,
		To:            models.SessionHuman,
		AssignedAgent: &agent,
	})
	if err != nil {
		return fmt.Errorf("collab: takeover %s: %w", sessionID, err)
	}
	if !ok {
		return fmt.Errorf("collab: takeover %s: %w", sessionID, ErrNoTransition)
	}
	a.log.Info("session taken over", zap.String("session_id", sessionID), zap.String("agent", agent))
	return nil
}

// Release returns a session to the AI (human -> auto) and clears the
// staff handling flag.
func (a *Arbitrator) Release(ctx context.Context, sessionID string) error {
	empty := ""
	ok, err := a.store.TransitionSession(ctx, sessionID, store.Transition{
		From:          models.SessionHuman,
		To:            models.SessionAuto,
		AssignedAgent: &empty,
	})
	if err != nil {
		return fmt.Errorf("collab: release %s: %w", sessionID, err)
	}
	if !ok {
		return fmt.Errorf("collab: release %s: %w", sessionID, ErrNoTransition)
	}
	if err := a.store.ReleaseStaffHandling(ctx, sessionID); err != nil {
		return fmt.Errorf("collab: release %s: %w", sessionID, err)
	}
	a.log.Info("session released to ai", zap.String("session_id", sessionID))
	return nil
}

// Sweep marks staff silent beyond the threshold as inactive and returns
// their human-mode sessions to the AI. It returns the number of sessions
// released.
func (a *Arbitrator) Sweep(ctx context.Context) (int, error) {
	stale, err := a.store.ListStaleStaff(ctx, a.now().Add(-a.threshold))
	if err != nil {
		return 0, fmt.Errorf("collab: sweep: %w", err)
	}
	released := 0
	for _, act := range stale {
		if err := a.store.MarkStaffInactive(ctx, act.SessionID); err != nil {
			return released, fmt.Errorf("collab: sweep: %w", err)
		}
		ok, err := a.store.TransitionSession(ctx, act.SessionID, store.Transition{
			From: models.SessionHuman,
			To:   models.SessionAuto,
		})
		if err != nil {
			return released, fmt.Errorf("collab: sweep: %w", err)
		}
		if ok {
			released++
			a.log.Info("staff inactive, session returned to ai",
				zap.String("session_id", act.SessionID),
				zap.String("staff_user_id", act.StaffUserID))
		}
	}
	return released, nil
}
