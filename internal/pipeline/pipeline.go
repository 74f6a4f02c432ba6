// Package pipeline turns one inbound group message into at most one
// action: an operator instruction, a canned answer, an AI reply, a human
// takeover with risk monitoring, an admin command, or nothing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/concierge/internal/ai"
	"github.com/zulandar/concierge/internal/breaker"
	"github.com/zulandar/concierge/internal/collab"
	"github.com/zulandar/concierge/internal/config"
	"github.com/zulandar/concierge/internal/idempotency"
	"github.com/zulandar/concierge/internal/metrics"
	"github.com/zulandar/concierge/internal/models"
	"github.com/zulandar/concierge/internal/queue"
	"github.com/zulandar/concierge/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Chat policy modes.
const (
	ChatNone        = "none"
	ChatProbability = "probability"
	ChatFixed       = "fixed"
	ChatAI          = "ai"
)

const (
	defaultWorkers   = 16
	defaultTimeout   = 30 * time.Second
	defaultRiskReply = "非常抱歉给您带来不便，已为您转接人工客服，请稍候。"
)

// Store is the persistence the pipeline needs. *store.Store satisfies it.
type Store interface {
	GetOrCreateSession(ctx context.Context, robotID, groupID, userID, userName string) (*models.Session, bool, error)
	FindOpenSession(ctx context.Context, groupID, userID string) (*models.Session, error)
	ActiveSessionsInGroup(ctx context.Context, groupID string, since time.Time) ([]models.Session, error)
	AppendTurn(ctx context.Context, sessionID string, turn models.Turn) ([]models.Turn, error)
	IncrementCounters(ctx context.Context, sessionID string, c store.Counters) error
	TransitionSession(ctx context.Context, sessionID string, t store.Transition) (bool, error)
	RecordMessage(ctx context.Context, msg *models.GroupMessage) error
	LookupQA(ctx context.Context, scope, question string) (*models.QAEntry, error)
	HasProcessingRiskCase(ctx context.Context, sessionID string) (bool, error)
}

// Enqueuer accepts outbound commands. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Arbitrator decides between AI and staff replies. *collab.Arbitrator
// satisfies it.
type Arbitrator interface {
	ShouldAIReply(ctx context.Context, sessionID string) collab.Result
	RecordStaffActivity(ctx context.Context, sessionID, groupID, staffUserID, staffName string) error
	Takeover(ctx context.Context, sessionID, agent string) error
	Release(ctx context.Context, sessionID string) error
}

// RiskStarter opens a monitored risk case. *riskmon.Monitor satisfies it.
type RiskStarter interface {
	Start(ctx context.Context, rc *models.RiskCase) (*models.RiskCase, error)
}

// Opts holds parameters for creating a Pipeline.
type Opts struct {
	Store      Store
	Queue      Enqueuer
	Arbitrator Arbitrator
	Risk       RiskStarter
	Guard      idempotency.Guard
	Breaker    *breaker.Breaker // optional; guards the whole pipeline
	Classifier ai.Classifier    // defaults to ai.Keyword
	Responder  ai.Responder     // defaults to ai.Keyword

	BotName             string
	StaffUserIDs        []string
	AdminUserIDs        []string
	RiskReply           string
	ChatPolicy          config.ChatPolicy
	InactivityThreshold time.Duration // window for attaching untargeted staff replies
	Workers             int           // concurrent background runs; defaults to 16
	Timeout             time.Duration // per-run budget for background runs

	Rand    func() float64
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Pipeline routes inbound events to decisions.
type Pipeline struct {
	store      Store
	queue      Enqueuer
	arb        Arbitrator
	risk       RiskStarter
	guard      idempotency.Guard
	breaker    *breaker.Breaker
	classifier ai.Classifier
	responder  ai.Responder

	botName    string
	staff      []string
	admins     []string
	riskReply  string
	chat       config.ChatPolicy
	staffSince time.Duration
	timeout    time.Duration

	rand    func() float64
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New creates a Pipeline.
func New(opts Opts) (*Pipeline, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("pipeline: store is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("pipeline: queue is required")
	case opts.Arbitrator == nil:
		return nil, fmt.Errorf("pipeline: arbitrator is required")
	case opts.Risk == nil:
		return nil, fmt.Errorf("pipeline: risk monitor is required")
	case opts.Guard == nil:
		return nil, fmt.Errorf("pipeline: idempotency guard is required")
	}
	p := &Pipeline{
		store:      opts.Store,
		queue:      opts.Queue,
		arb:        opts.Arbitrator,
		risk:       opts.Risk,
		guard:      opts.Guard,
		breaker:    opts.Breaker,
		classifier: opts.Classifier,
		responder:  opts.Responder,
		botName:    opts.BotName,
		staff:      opts.StaffUserIDs,
		admins:     opts.AdminUserIDs,
		riskReply:  opts.RiskReply,
		chat:       opts.ChatPolicy,
		staffSince: opts.InactivityThreshold,
		timeout:    opts.Timeout,
		rand:       opts.Rand,
		now:        opts.Now,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
	if p.classifier == nil {
		p.classifier = ai.Keyword{}
	}
	if p.responder == nil {
		p.responder = ai.Keyword{}
	}
	if p.riskReply == "" {
		p.riskReply = defaultRiskReply
	}
	if p.chat.Mode == "" {
		p.chat.Mode = ChatAI
	}
	if p.staffSince <= 0 {
		p.staffSince = collab.DefaultInactivityThreshold
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	if p.rand == nil {
		p.rand = rand.Float64
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	p.sem = semaphore.NewWeighted(int64(workers))
	return p, nil
}

// Ack is the synchronous answer to a webhook delivery.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// Accept runs the duplicate and circuit checks, then processes the event on
// a background worker and returns without waiting for it.
func (p *Pipeline) Accept(ctx context.Context, ev Event) Ack {
	d, key, ok := p.admit(ctx, ev)
	if !ok {
		p.record(ev, d)
		return Ack{Reason: d.Reason}
	}
	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(bg, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		runCtx, cancel := context.WithTimeout(bg, p.timeout)
		defer cancel()
		p.run(runCtx, ev, key)
	}()
	return Ack{Accepted: true, Reason: ReasonAccepted}
}

// Wait blocks until every background run started by Accept has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Handle runs the whole pipeline synchronously and returns its decision.
func (p *Pipeline) Handle(ctx context.Context, ev Event) Decision {
	d, key, ok := p.admit(ctx, ev)
	if !ok {
		p.record(ev, d)
		return d
	}
	return p.run(ctx, ev, key)
}

// admit performs the idempotency and circuit checks.
func (p *Pipeline) admit(ctx context.Context, ev Event) (Decision, string, bool) {
	key := idempotency.Key(ev.RobotID, ev.MessageID, ev.Text, ev.SenderID)
	first, err := p.guard.Check(ctx, key)
	if err != nil {
		p.log.Warn("idempotency check failed, processing anyway",
			zap.String("key", key),
			zap.Error(err),
		)
		first = true
	}
	if !first {
		return none(ReasonDuplicate), key, false
	}
	if p.breaker != nil && p.breaker.IsOpen() {
		// Let the upstream redelivery through once the circuit closes.
		p.release(ctx, key)
		return none(ReasonCircuitOpen), key, false
	}
	return Decision{}, key, true
}

// run executes steps after admission, recording the outcome on the breaker.
func (p *Pipeline) run(ctx context.Context, ev Event, key string) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.Panic("pipeline")
			p.log.Error("pipeline panicked",
				zap.String("key", key),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			d = none(ReasonInternalError)
			p.recordOutcome(false)
			p.release(ctx, key)
		}
		p.record(ev, d)
	}()

	d, err := p.process(ctx, ev)
	if err != nil {
		p.log.Error("pipeline step failed",
			zap.String("robot_id", ev.RobotID),
			zap.String("group_id", ev.GroupID),
			zap.String("sender_id", ev.SenderID),
			zap.Error(err),
		)
		d.Action = ActionNone
		d.Reason = ReasonInternalError
		p.recordOutcome(false)
		p.release(ctx, key)
		return d
	}
	p.recordOutcome(true)
	return d
}

// release clears the idempotency key so an upstream redelivery of a
// failed event is processed again.
func (p *Pipeline) release(ctx context.Context, key string) {
	if err := p.guard.Clear(ctx, key); err != nil {
		p.log.Warn("idempotency clear failed", zap.String("key", key), zap.Error(err))
	}
}

func (p *Pipeline) recordOutcome(success bool) {
	if p.breaker == nil {
		return
	}
	// Allow moves an open breaker past its recovery timeout to half-open,
	// so this outcome counts as the probe.
	_ = p.breaker.Allow()
	p.breaker.Record(success)
}

func (p *Pipeline) record(ev Event, d Decision) {
	p.metrics.Decision(d.Action.String(), d.Reason)
	p.log.Info("decision",
		zap.String("robot_id", ev.RobotID),
		zap.String("group_id", ev.GroupID),
		zap.String("sender_id", ev.SenderID),
		zap.String("message_id", ev.MessageID),
		zap.Stringer("action", d.Action),
		zap.String("reason", d.Reason),
		zap.String("intent", d.IntentName),
		zap.String("session_id", d.SessionID),
		zap.Strings("command_ids", d.CommandIDs),
	)
}

// process implements the ordered steps after admission. A returned error
// is an infrastructure failure; business outcomes are decisions.
func (p *Pipeline) process(ctx context.Context, ev Event) (Decision, error) {
	text := strings.TrimSpace(ev.Text)
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = p.now()
	}
	ev.ReceivedAt = ev.ReceivedAt.UTC()

	if p.isAdmin(ev.SenderID) && strings.HasPrefix(text, "/") {
		if err := p.logMessage(ctx, ev, ""); err != nil {
			return Decision{}, err
		}
		return p.runAdmin(ctx, ev, text)
	}

	staff := ev.IsStaff || slices.Contains(p.staff, ev.SenderID)
	if staff || p.isAdmin(ev.SenderID) {
		body, _ := StripBotMention(text, p.botName)
		if ins, ok := ParseInstruction(body, ev.Mentions); ok {
			ev.IsStaff = staff
			if err := p.logMessage(ctx, ev, ""); err != nil {
				return Decision{}, err
			}
			return p.runInstruction(ctx, ev, ins)
		}
	}

	if staff {
		return p.handleStaff(ctx, ev)
	}

	if text == "" {
		return none(ReasonEmptyMessage), nil
	}

	sess, _, err := p.store.GetOrCreateSession(ctx, ev.RobotID, ev.GroupID, ev.SenderID, ev.SenderName)
	if err != nil {
		return Decision{}, err
	}
	if err := p.logMessage(ctx, ev, sess.ID); err != nil {
		return Decision{}, err
	}
	history, err := p.store.AppendTurn(ctx, sess.ID, models.Turn{
		Role: "user", Sender: ev.SenderID, Text: text, At: ev.ReceivedAt,
	})
	if err != nil {
		return Decision{}, err
	}
	if err := p.store.IncrementCounters(ctx, sess.ID, store.Counters{Messages: 1}); err != nil {
		return Decision{}, err
	}
	// The classifier sees the turns before this message.
	if n := len(history); n > 0 {
		history = history[:n-1]
	}

	d, err := p.route(ctx, ev, sess, text, history)
	d.SessionID = sess.ID
	return d, err
}

func (p *Pipeline) route(ctx context.Context, ev Event, sess *models.Session, text string, history []models.Turn) (Decision, error) {
	if sess.Status == models.SessionHuman {
		return none(ReasonHumanTakeover), nil
	}

	mentioned := ev.AtBot
	if rest, ok := StripBotMention(text, p.botName); ok {
		mentioned = true
		text = rest
		if text == "" {
			return none(ReasonEmptyMessage), nil
		}
	}

	if d, ok, err := p.answerQA(ctx, ev, sess, text); ok || err != nil {
		return d, err
	}

	cls, err := p.classifier.RecognizeIntent(ctx, text, history)
	if err != nil {
		p.log.Warn("classification failed, using fallback",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		cls = ai.Fallback()
	}
	if mentioned {
		cls.NeedReply = true
	}
	return p.dispatch(ctx, ev, sess, text, history, cls, mentioned)
}

// dispatch applies the intent table. Every ai.Intent has a case.
func (p *Pipeline) dispatch(ctx context.Context, ev Event, sess *models.Session, text string, history []models.Turn, cls ai.Classification, mentioned bool) (Decision, error) {
	if cls.NeedHuman || cls.Intent == ai.IntentRisk {
		d, err := p.takeover(ctx, ev, sess, text, history, cls)
		return d.withIntent(cls.Intent), err
	}

	var (
		d   Decision
		err error
	)
	switch cls.Intent {
	case ai.IntentSpam:
		d = none(ReasonSpam)
	case ai.IntentAdmin:
		d, err = p.runAdmin(ctx, ev, text)
	case ai.IntentService, ai.IntentHelp, ai.IntentWelcome:
		if !cls.NeedReply {
			d = none(ReasonNoReplyNeeded)
			break
		}
		d, err = p.autoReply(ctx, ev, sess, text, history, cls.Intent)
	case ai.IntentChat:
		if !cls.NeedReply {
			d = none(ReasonNoReplyNeeded)
			break
		}
		d, err = p.chatReply(ctx, ev, sess, text, history, mentioned)
	case ai.IntentRisk:
		// Handled above with NeedHuman.
	default:
		d = none(fmt.Sprintf("unhandled_intent_%s", cls.Intent))
	}
	return d.withIntent(cls.Intent), err
}

func (p *Pipeline) takeover(ctx context.Context, ev Event, sess *models.Session, text string, history []models.Turn, cls ai.Classification) (Decision, error) {
	// A session released while its case is still monitored keeps that case.
	open, err := p.store.HasProcessingRiskCase(ctx, sess.ID)
	if err != nil {
		return Decision{}, err
	}
	flag := true
	ok, err := p.store.TransitionSession(ctx, sess.ID, store.Transition{
		From:     models.SessionAuto,
		To:       models.SessionHuman,
		RiskFlag: &flag,
	})
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return none(ReasonHumanTakeover), nil
	}

	reply, err := p.responder.GenerateReply(ctx, text, ai.IntentRisk, history)
	if err != nil || reply == "" {
		p.log.Warn("comforting reply failed, using fixed text", zap.String("session_id", sess.ID), zap.Error(err))
		reply = p.riskReply
	}

	reason := ReasonRiskDetected
	if cls.Intent != ai.IntentRisk {
		reason = ReasonNeedHuman
	}
	var riskID string
	if open {
		reason = ReasonRiskCaseOpen
	} else {
		rc, err := p.risk.Start(ctx, &models.RiskCase{
			SessionID: sess.ID,
			RobotID:   ev.RobotID,
			GroupID:   ev.GroupID,
			UserID:    ev.SenderID,
			MessageID: ev.MessageID,
			Content:   text,
			AIReply:   reply,
		})
		if err != nil {
			p.rollbackTakeover(ctx, sess.ID)
			return Decision{}, err
		}
		riskID = rc.ID
	}

	d := Decision{Action: ActionTakeoverHuman, Reason: reason, Reply: reply, RiskID: riskID}
	id, err := p.sendReply(ctx, ev, sess.ID, reply, queue.PriorityHigh, riskID)
	if err != nil {
		// The case is monitored and staff are alerted, so the takeover stands.
		p.log.Error("comforting reply not queued",
			zap.String("session_id", sess.ID),
			zap.String("risk_id", riskID),
			zap.Error(err),
		)
		if id == "" {
			return d, nil
		}
	}
	d.CommandIDs = []string{id}
	return d, nil
}

// rollbackTakeover returns a session to auto when its risk case could not
// be opened, so it is not left owned by staff nobody has been told about.
func (p *Pipeline) rollbackTakeover(ctx context.Context, sessionID string) {
	flag := false
	if _, err := p.store.TransitionSession(ctx, sessionID, store.Transition{
		From:     models.SessionHuman,
		To:       models.SessionAuto,
		RiskFlag: &flag,
	}); err != nil {
		p.log.Error("takeover rollback failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (p *Pipeline) autoReply(ctx context.Context, ev Event, sess *models.Session, text string, history []models.Turn, intent ai.Intent) (Decision, error) {
	if res := p.arb.ShouldAIReply(ctx, sess.ID); !res.ShouldReply {
		return none(res.Reason), nil
	}
	reply, err := p.responder.GenerateReply(ctx, text, intent, history)
	if err != nil || strings.TrimSpace(reply) == "" {
		p.log.Warn("reply generation failed", zap.String("session_id", sess.ID), zap.Error(err))
		return none(ReasonReplyFailed), nil
	}
	id, err := p.sendReply(ctx, ev, sess.ID, reply, queue.PriorityNormal, "")
	if err != nil {
		return Decision{}, err
	}
	return Decision{Action: ActionAutoReply, Reason: ReasonAIReply, Reply: reply, CommandIDs: []string{id}}, nil
}

func (p *Pipeline) chatReply(ctx context.Context, ev Event, sess *models.Session, text string, history []models.Turn, mentioned bool) (Decision, error) {
	switch p.chat.Mode {
	case ChatNone:
		return none(ReasonChatPolicy), nil
	case ChatProbability:
		if !mentioned && p.rand() >= p.chat.Probability {
			return none(ReasonChatPolicy), nil
		}
		return p.autoReply(ctx, ev, sess, text, history, ai.IntentChat)
	case ChatFixed:
		if res := p.arb.ShouldAIReply(ctx, sess.ID); !res.ShouldReply {
			return none(res.Reason), nil
		}
		id, err := p.sendReply(ctx, ev, sess.ID, p.chat.FixedText, queue.PriorityLow, "")
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionAutoReply, Reason: ReasonChatFixed, Reply: p.chat.FixedText, CommandIDs: []string{id}}, nil
	default:
		return p.autoReply(ctx, ev, sess, text, history, ai.IntentChat)
	}
}

func (p *Pipeline) answerQA(ctx context.Context, ev Event, sess *models.Session, text string) (Decision, bool, error) {
	entry, err := p.store.LookupQA(ctx, ev.RobotID, text)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{}, false, nil
	}
	if err != nil {
		// Matching failures degrade to classification.
		p.log.Warn("qa lookup failed", zap.String("session_id", sess.ID), zap.Error(err))
		return Decision{}, false, nil
	}
	id, err := p.sendReply(ctx, ev, sess.ID, entry.Answer, queue.PriorityNormal, "")
	if err != nil {
		return Decision{}, true, err
	}
	return Decision{Action: ActionQAReply, Reason: ReasonQAHit, Reply: entry.Answer, CommandIDs: []string{id}}, true, nil
}

func (p *Pipeline) runInstruction(ctx context.Context, ev Event, ins Instruction) (Decision, error) {
	pl := ins.Payload
	if pl.Target == "" {
		pl.Target = ev.target()
	}
	id, err := p.queue.Enqueue(ctx, queue.EnqueueRequest{
		RobotID:  ev.RobotID,
		Type:     ins.Type,
		Payload:  pl,
		Priority: queue.PriorityNormal,
		Source:   "instruction",
	})
	if err != nil {
		return Decision{}, err
	}
	return Decision{Action: ActionInstruction, Reason: ReasonInstruction, CommandIDs: []string{id}}, nil
}

// sendReply enqueues a reply to the event's group and records it on the
// session.
func (p *Pipeline) sendReply(ctx context.Context, ev Event, sessionID, reply string, priority int, riskID string) (string, error) {
	id, err := p.queue.Enqueue(ctx, queue.EnqueueRequest{
		RobotID: ev.RobotID,
		Type:    queue.TypeSendMessage,
		Payload: queue.Payload{
			Target:    ev.target(),
			Content:   reply,
			Mentions:  []string{ev.senderLabel()},
			SessionID: sessionID,
			RiskID:    riskID,
		},
		Priority: priority,
		Source:   "pipeline",
	})
	if err != nil {
		return "", err
	}
	if err := p.store.IncrementCounters(ctx, sessionID, store.Counters{AIReplies: 1}); err != nil {
		return id, err
	}
	if _, err := p.store.AppendTurn(ctx, sessionID, models.Turn{
		Role: "assistant", Sender: p.botName, Text: reply, At: p.now(),
	}); err != nil {
		return id, err
	}
	return id, nil
}

// handleStaff records a staff message against the sessions it addresses:
// the mentioned users' open sessions, or every session in the group active
// within the inactivity window.
func (p *Pipeline) handleStaff(ctx context.Context, ev Event) (Decision, error) {
	ev.IsStaff = true
	if err := p.logMessage(ctx, ev, ""); err != nil {
		return Decision{}, err
	}

	var sessions []models.Session
	targets := ev.Mentions
	if ev.ReplyToUser != "" {
		targets = append(slices.Clone(targets), ev.ReplyToUser)
	}
	for _, uid := range targets {
		sess, err := p.store.FindOpenSession(ctx, ev.GroupID, uid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Decision{}, err
		}
		sessions = append(sessions, *sess)
	}
	if len(targets) == 0 {
		active, err := p.store.ActiveSessionsInGroup(ctx, ev.GroupID, p.now().Add(-p.staffSince))
		if err != nil {
			return Decision{}, err
		}
		sessions = active
	}

	for _, sess := range sessions {
		if err := p.arb.RecordStaffActivity(ctx, sess.ID, ev.GroupID, ev.SenderID, ev.SenderName); err != nil {
			return Decision{}, err
		}
		if err := p.store.IncrementCounters(ctx, sess.ID, store.Counters{HumanReplies: 1}); err != nil {
			return Decision{}, err
		}
		if _, err := p.store.AppendTurn(ctx, sess.ID, models.Turn{
			Role: "staff", Sender: ev.SenderID, Text: ev.Text, At: ev.ReceivedAt,
		}); err != nil {
			return Decision{}, err
		}
	}
	return none(ReasonStaffMessage), nil
}

func (p *Pipeline) logMessage(ctx context.Context, ev Event, sessionID string) error {
	return p.store.RecordMessage(ctx, &models.GroupMessage{
		RobotID:     ev.RobotID,
		GroupID:     ev.GroupID,
		SessionID:   sessionID,
		MessageID:   ev.MessageID,
		SenderID:    ev.SenderID,
		SenderName:  ev.SenderName,
		IsStaff:     ev.IsStaff,
		Text:        ev.Text,
		Mentions:    store.EncodeMentions(ev.Mentions),
		ReplyToUser: ev.ReplyToUser,
		SentAt:      ev.ReceivedAt,
	})
}

func (p *Pipeline) isAdmin(userID string) bool {
	return userID != "" && slices.Contains(p.admins, userID)
}
