// Package idempotency deduplicates inbound webhook deliveries with
// set-if-absent markers that expire after a TTL.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/concierge/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = time.Hour

// Guard reports whether a key is seen for the first time within its TTL.
type Guard interface {
	// Check atomically marks key as seen. It returns true only for the
	// first call within the TTL window.
	Check(ctx context.Context, key string) (bool, error)
	// Clear forgets key so a later delivery is processed again.
	Clear(ctx context.Context, key string) error
}

// Key builds the dedup key for an inbound event. Events without a platform
// message id fall back to a hash of their content.
func Key(robotID, messageID, content, sender string) string {
	id := messageID
	if id == "" {
		sum := sha256.Sum256([]byte(content))
		id = hex.EncodeToString(sum[:8])
	}
	return robotID + ":" + id + ":" + sender
}

// Store is a Guard backed by the idempotency_records table, shared by all
// processes using the same database.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB  *gorm.DB
	TTL time.Duration    // defaults to DefaultTTL
	Now func() time.Time // defaults to time.Now in UTC
}

// NewStore creates a database-backed Guard.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("idempotency: db is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: opts.DB, ttl: ttl, now: now}, nil
}

// Check inserts the marker unless an unexpired one exists. An expired
// marker is replaced in the same transaction.
func (s *Store) Check(ctx context.Context, key string) (bool, error) {
	now := s.now()
	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("idem_key = ? AND expires_at <= ?", key, now).
			Delete(&models.IdempotencyRecord{}).Error; err != nil {
			return fmt.Errorf("expire marker: %w", err)
		}
		rec := models.IdempotencyRecord{Key: key, ExpiresAt: now.Add(s.ttl)}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if result.Error != nil {
			return fmt.Errorf("insert marker: %w", result.Error)
		}
		inserted = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("idempotency: check %s: %w", key, err)
	}
	return inserted, nil
}

// Clear deletes the marker for key.
func (s *Store) Clear(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("idem_key = ?", key).
		Delete(&models.IdempotencyRecord{}).Error; err != nil {
		return fmt.Errorf("idempotency: clear %s: %w", key, err)
	}
	return nil
}

// Purge deletes expired markers and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).
		Delete(&models.IdempotencyRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Memory is an in-process Guard for single-instance deployments and tests.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	keys map[string]time.Time
}

// NewMemory creates an in-process Guard. A nil now uses time.Now.
func NewMemory(ttl time.Duration, now func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{ttl: ttl, now: now, keys: make(map[string]time.Time)}
}

// Check marks key as seen.
func (m *Memory) Check(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(m.ttl)
	return true, nil
}

// Clear forgets key.
func (m *Memory) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

// Purge drops expired keys.
func (m *Memory) Purge(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for k, exp := range m.keys {
		if !now.Before(exp) {
			delete(m.keys, k)
			n++
		}
	}
	return n, nil
}
