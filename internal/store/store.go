// Package store persists sessions, risk cases, staff activity, the group
// message log, and canned answers through GORM.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// DefaultContextTurns is the rolling context window size per session.
const DefaultContextTurns = 10

// Store is the GORM-backed repository for conversation state.
type Store struct {
	db           *gorm.DB
	contextTurns int
	now          func() time.Time
}

// Opts holds parameters for creating a Store.
type Opts struct {
	DB           *gorm.DB
	ContextTurns int              // defaults to DefaultContextTurns
	Now          func() time.Time // defaults to time.Now in UTC
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	turns := opts.ContextTurns
	if turns <= 0 {
		turns = DefaultContextTurns
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: opts.DB, contextTurns: turns, now: now}, nil
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
