// Package breaker implements a failure-tripped circuit breaker that protects
// calls into a downstream dependency.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the breaker rejects a call.
var ErrOpen = errors.New("breaker: circuit open")

// Default thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultSuccessThreshold = 2
)

// State is the breaker's position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures that open a closed breaker
	RecoveryTimeout  time.Duration // time an open breaker rejects before probing
	SuccessThreshold int           // consecutive half-open successes that close it
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	return c
}

// Snapshot is a point-in-time copy of a breaker's counters.
type Snapshot struct {
	Scope           string
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
}

// Breaker is safe for concurrent use. Every call outcome is applied as a
// single state update under the mutex.
type Breaker struct {
	scope    string
	cfg      Config
	now      func() time.Time
	onChange func(scope string, from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// Opts holds parameters for creating a Breaker.
type Opts struct {
	Scope         string
	Config        Config
	Now           func() time.Time                   // defaults to time.Now
	OnStateChange func(scope string, from, to State) // called outside the lock
}

// New creates a closed Breaker.
func New(opts Opts) *Breaker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		scope:    opts.Scope,
		cfg:      opts.Config.withDefaults(),
		now:      now,
		onChange: opts.OnStateChange,
	}
}

// Execute runs fn unless the breaker rejects it, then records the outcome.
// A rejected call returns ErrOpen without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err == nil)
	return err
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout has elapsed moves to half-open and admits the call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	if b.state == Open {
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.successes = 0
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return nil
}

// Record applies one call outcome.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	from := b.state
	if success {
		switch b.state {
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.failures = 0
				b.successes = 0
			}
		case Closed:
			b.failures = 0
		}
	} else {
		b.lastFailure = b.now()
		switch b.state {
		case HalfOpen:
			b.state = Open
			b.successes = 0
		case Closed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.state = Open
			}
		case Open:
			// A straggler from before the trip extends the open window.
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// IsOpen reports whether a call made now would be rejected. It does not
// change state.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open && b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Scope:           b.scope,
		State:           b.state,
		FailureCount:    b.failures,
		SuccessCount:    b.successes,
		LastFailureTime: b.lastFailure,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.mu.Unlock()
	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.scope, from, to)
	}
}

// Registry hands out one Breaker per scope, created lazily with a shared
// configuration.
type Registry struct {
	opts Opts

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry. opts.Scope is ignored.
func NewRegistry(opts Opts) *Registry {
	return &Registry{opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for scope, creating it if needed.
func (r *Registry) Get(scope string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[scope]
	if !ok {
		opts := r.opts
		opts.Scope = scope
		b = New(opts)
		r.breakers[scope] = b
	}
	return b
}

// Snapshots returns the state of every breaker created so far.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	return out
}
