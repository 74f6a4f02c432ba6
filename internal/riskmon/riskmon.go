// Package riskmon watches flagged conversations until they are resolved by
// staff, resolved by the user's own satisfaction, or escalated.
//
// All monitored cases share one Monitor. Each case owns a timer entry keyed
// by its id; a terminal transition removes the entry, so no further check
// runs for that case even if a tick was already in flight.
package riskmon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zulandar/concierge/internal/metrics"
	"github.com/zulandar/concierge/internal/models"
	"github.com/zulandar/concierge/internal/notify"
	"github.com/zulandar/concierge/internal/store"
	"go.uber.org/zap"
)

// Resolution reasons recorded on finished cases.
const (
	ReasonStaffHandled     = "staff_handled"
	ReasonUserSatisfied    = "user_satisfied"
	ReasonTimeout          = "timeout"
	ReasonEscalationSignal = "escalation_signal"
	ReasonManual           = "manual"
)

// Actors recorded in RiskCase.ResolvedBy.
const (
	ByStaff  = "staff"
	ByAI     = "ai"
	BySystem = "system"
)

const (
	DefaultCheckInterval      = 5 * time.Second
	DefaultDuration           = 300 * time.Second
	DefaultRelevanceThreshold = 0.7

	// minHandlingHits is how many handling keywords a staff reply needs.
	minHandlingHits = 2
)

var (
	// ErrNotFound is returned for an unknown case id.
	ErrNotFound = errors.New("riskmon: case not found")
	// ErrTerminal is returned when resolving a case that already finished.
	ErrTerminal = errors.New("riskmon: case already finished")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("riskmon: monitor closed")
)

// Store is the persistence the monitor needs. *store.Store satisfies it.
type Store interface {
	CreateRiskCase(ctx context.Context, rc *models.RiskCase) error
	GetRiskCase(ctx context.Context, id string) (*models.RiskCase, error)
	FinishRiskCase(ctx context.Context, id string, status models.RiskStatus, resolvedBy, reason string) (bool, error)
	ListProcessingRiskCases(ctx context.Context) ([]models.RiskCase, error)
	MessagesSince(ctx context.Context, groupID string, since time.Time) ([]models.GroupMessage, error)
}

// Config tunes the checks. Zero values take the package defaults.
type Config struct {
	CheckInterval        time.Duration
	Duration             time.Duration
	RelevanceThreshold   float64
	HandlingKeywords     []string
	SatisfiedKeywords    []string
	DissatisfiedKeywords []string
	EscalationKeywords   []string
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	}
	if c.RelevanceThreshold <= 0 {
		c.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if len(c.HandlingKeywords) == 0 {
		c.HandlingKeywords = DefaultHandlingKeywords
	}
	if len(c.SatisfiedKeywords) == 0 {
		c.SatisfiedKeywords = DefaultSatisfiedKeywords
	}
	if len(c.DissatisfiedKeywords) == 0 {
		c.DissatisfiedKeywords = DefaultDissatisfiedKeywords
	}
	if len(c.EscalationKeywords) == 0 {
		c.EscalationKeywords = DefaultEscalationKeywords
	}
}

// Opts holds parameters for creating a Monitor.
type Opts struct {
	Store   Store
	Config  Config
	Scorer  RelevanceScorer // defaults to KeywordScorer
	Sink    notify.Sink     // optional
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Monitor schedules and runs checks for every processing case.
type Monitor struct {
	store   Store
	cfg     Config
	scorer  RelevanceScorer
	sink    notify.Sink
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// New creates a Monitor. Call Recover (or Run) to pick up cases left
// processing by a previous process.
func New(opts Opts) (*Monitor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("riskmon: store is required")
	}
	cfg := opts.Config
	cfg.applyDefaults()
	if cfg.Duration < cfg.CheckInterval {
		return nil, fmt.Errorf("riskmon: duration %s shorter than check interval %s", cfg.Duration, cfg.CheckInterval)
	}
	m := &Monitor{
		store:   opts.Store,
		cfg:     cfg,
		scorer:  opts.Scorer,
		sink:    opts.Sink,
		now:     opts.Now,
		log:     opts.Logger,
		metrics: opts.Metrics,
		timers:  make(map[string]*time.Timer),
	}
	if m.scorer == nil {
		m.scorer = KeywordScorer{}
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m, nil
}

// Start persists rc as a processing case and begins monitoring it.
func (m *Monitor) Start(ctx context.Context, rc *models.RiskCase) (*models.RiskCase, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if rc.DurationSeconds <= 0 {
		rc.DurationSeconds = int(m.cfg.Duration / time.Second)
	}
	if err := m.store.CreateRiskCase(ctx, rc); err != nil {
		return nil, fmt.Errorf("riskmon: start: %w", err)
	}
	m.schedule(rc.ID)
	m.metrics.RiskCase("started")
	m.log.Info("risk case opened",
		zap.String("risk_id", rc.ID),
		zap.String("session_id", rc.SessionID),
		zap.String("group_id", rc.GroupID),
		zap.Int("duration_seconds", rc.DurationSeconds),
	)
	m.emit(ctx, notify.KindRiskStarted, rc, 0)
	return rc, nil
}

// Recover schedules every case still processing in the store. Cases whose
// window elapsed while nothing watched them escalate on their first check.
func (m *Monitor) Recover(ctx context.Context) (int, error) {
	cases, err := m.store.ListProcessingRiskCases(ctx)
	if err != nil {
		return 0, fmt.Errorf("riskmon: recover: %w", err)
	}
	n := 0
	for i := range cases {
		if m.schedule(cases[i].ID) {
			n++
		}
	}
	if n > 0 {
		m.log.Info("recovered risk cases", zap.Int("count", n))
	}
	return n, nil
}

// Run recovers outstanding cases and blocks until ctx is cancelled, then
// stops all timers and waits for in-flight checks.
func (m *Monitor) Run(ctx context.Context) error {
	if _, err := m.Recover(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Close()
	return nil
}

// Close stops every timer and waits for running checks. Cases stay
// processing in the store and are picked up again by Recover.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.metrics.RiskMonitored(0)
	m.wg.Wait()
}

// Active returns the number of cases with a live timer.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Monitored reports whether id has a live timer.
func (m *Monitor) Monitored(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[id]
	return ok
}

// CaseStatus is a point-in-time view of one case.
type CaseStatus struct {
	Case      *models.RiskCase `json:"case"`
	Monitored bool             `json:"monitored"`
	Elapsed   time.Duration    `json:"elapsed"`
	Remaining time.Duration    `json:"remaining"`
}

// GetCaseStatus returns the stored case and whether it is being watched.
func (m *Monitor) GetCaseStatus(ctx context.Context, id string) (*CaseStatus, error) {
	rc, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &CaseStatus{Case: rc, Monitored: m.Monitored(id)}
	end := m.now()
	if rc.FinishedAt != nil {
		end = *rc.FinishedAt
	}
	st.Elapsed = end.Sub(rc.StartTime)
	if rc.Status == models.RiskProcessing {
		st.Remaining = max(m.window(rc)-st.Elapsed, 0)
	}
	return st, nil
}

// MarkResolved closes a case on behalf of an operator.
func (m *Monitor) MarkResolved(ctx context.Context, id, by string) error {
	rc, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	if rc.Status != models.RiskProcessing {
		m.cancel(id)
		return ErrTerminal
	}
	if by == "" {
		by = BySystem
	}
	won, err := m.finish(ctx, rc, models.RiskResolved, by, ReasonManual)
	if err != nil {
		return err
	}
	if !won {
		return ErrTerminal
	}
	return nil
}

// Check runs one evaluation of a case. It reports whether the case is
// finished, either by this call or earlier.
func (m *Monitor) Check(ctx context.Context, id string) (bool, error) {
	rc, err := m.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		m.cancel(id)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if rc.Status != models.RiskProcessing {
		m.cancel(id)
		return true, nil
	}

	if m.now().Sub(rc.StartTime) >= m.window(rc) {
		_, err := m.finish(ctx, rc, models.RiskEscalated, BySystem, ReasonTimeout)
		return err == nil, err
	}

	msgs, err := m.store.MessagesSince(ctx, rc.GroupID, rc.StartTime)
	if err != nil {
		return false, fmt.Errorf("riskmon: check %s: %w", id, err)
	}

	var userTexts []string
	for i := range msgs {
		msg := &msgs[i]
		if msg.MessageID != "" && msg.MessageID == rc.MessageID {
			continue
		}
		if msg.IsStaff {
			if m.handles(ctx, rc, msg) {
				_, err := m.finish(ctx, rc, models.RiskResolved, ByStaff, ReasonStaffHandled)
				return err == nil, err
			}
			continue
		}
		if msg.SenderID == rc.UserID {
			userTexts = append(userTexts, msg.Text)
		}
	}

	sat := scoreSatisfaction(userTexts, m.cfg.SatisfiedKeywords, m.cfg.DissatisfiedKeywords, m.cfg.EscalationKeywords)
	if sat == SatisfactionHigh {
		_, err := m.finish(ctx, rc, models.RiskResolved, ByAI, ReasonUserSatisfied)
		return err == nil, err
	}

	for _, t := range userTexts {
		if countKeywords(t, m.cfg.EscalationKeywords) > 0 {
			_, err := m.finish(ctx, rc, models.RiskEscalated, BySystem, ReasonEscalationSignal)
			return err == nil, err
		}
	}
	return false, nil
}

// handles reports whether a staff message is both about this case and
// reads like the staff member is dealing with it.
func (m *Monitor) handles(ctx context.Context, rc *models.RiskCase, msg *models.GroupMessage) bool {
	if countKeywords(msg.Text, m.cfg.HandlingKeywords) < minHandlingHits {
		return false
	}
	if rc.UserID != "" {
		if msg.ReplyToUser == rc.UserID || slices.Contains(store.DecodeMentions(msg.Mentions), rc.UserID) {
			return true
		}
	}
	score, err := m.scorer.Score(ctx, rc.Content, msg.Text)
	if err != nil {
		m.log.Warn("relevance scoring failed",
			zap.String("risk_id", rc.ID),
			zap.Error(err),
		)
		return false
	}
	return score > m.cfg.RelevanceThreshold
}

// finish performs the one terminal transition for rc. The store update is
// conditional on the case still processing, so concurrent callers cannot
// both win; the loser only drops its timer.
func (m *Monitor) finish(ctx context.Context, rc *models.RiskCase, status models.RiskStatus, by, reason string) (bool, error) {
	won, err := m.store.FinishRiskCase(ctx, rc.ID, status, by, reason)
	if err != nil {
		return false, fmt.Errorf("riskmon: finish %s: %w", rc.ID, err)
	}
	m.cancel(rc.ID)
	if !won {
		return false, nil
	}

	elapsed := m.now().Sub(rc.StartTime)
	rc.Status = status
	rc.ResolvedBy = by
	rc.Reason = reason
	m.metrics.RiskCase(reason)

	kind := notify.KindRiskResolved
	if status == models.RiskEscalated {
		kind = notify.KindRiskEscalated
		m.log.Warn("risk case escalated",
			zap.String("risk_id", rc.ID),
			zap.String("session_id", rc.SessionID),
			zap.String("reason", reason),
			zap.Duration("elapsed", elapsed),
		)
	} else {
		m.log.Info("risk case resolved",
			zap.String("risk_id", rc.ID),
			zap.String("resolved_by", by),
			zap.String("reason", reason),
			zap.Duration("elapsed", elapsed),
		)
	}
	m.emit(ctx, kind, rc, elapsed)
	return true, nil
}

func (m *Monitor) emit(ctx context.Context, kind notify.Kind, rc *models.RiskCase, elapsed time.Duration) {
	if m.sink == nil {
		return
	}
	ev := notify.Event{
		Kind:       kind,
		RiskID:     rc.ID,
		SessionID:  rc.SessionID,
		RobotID:    rc.RobotID,
		GroupID:    rc.GroupID,
		UserID:     rc.UserID,
		Content:    rc.Content,
		AIReply:    rc.AIReply,
		Reason:     rc.Reason,
		ResolvedBy: rc.ResolvedBy,
		Elapsed:    elapsed,
		At:         m.now(),
	}
	if err := m.sink.Notify(context.WithoutCancel(ctx), ev); err != nil {
		m.log.Warn("risk notification failed",
			zap.String("risk_id", rc.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func (m *Monitor) get(ctx context.Context, id string) (*models.RiskCase, error) {
	rc, err := m.store.GetRiskCase(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("riskmon: get %s: %w", id, err)
	}
	return rc, nil
}

func (m *Monitor) window(rc *models.RiskCase) time.Duration {
	if rc.DurationSeconds > 0 {
		return time.Duration(rc.DurationSeconds) * time.Second
	}
	return m.cfg.Duration
}

func (m *Monitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// schedule arms a timer for id unless one exists. It reports whether a new
// timer was armed.
func (m *Monitor) schedule(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if _, ok := m.timers[id]; ok {
		return false
	}
	m.timers[id] = time.AfterFunc(m.cfg.CheckInterval, func() { m.tick(id) })
	m.metrics.RiskMonitored(len(m.timers))
	return true
}

// cancel drops the timer for id. Only the first call for an entry stops it.
func (m *Monitor) cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(m.timers, id)
	m.metrics.RiskMonitored(len(m.timers))
	return true
}

func (m *Monitor) rearm(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok && !m.closed {
		t.Reset(m.cfg.CheckInterval)
	}
}

func (m *Monitor) tick(id string) {
	m.mu.Lock()
	if _, ok := m.timers[id]; !ok || m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	finished := false
	defer func() {
		if r := recover(); r != nil {
			m.metrics.Panic("riskmon")
			m.log.Error("risk check panicked",
				zap.String("risk_id", id),
				zap.Any("panic", r),
			)
		}
		if !finished {
			m.rearm(id)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckInterval+10*time.Second)
	defer cancel()
	done, err := m.Check(ctx, id)
	if err != nil {
		m.log.Warn("risk check failed", zap.String("risk_id", id), zap.Error(err))
	}
	finished = done
}
