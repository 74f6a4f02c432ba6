package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/concierge/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Counters are deltas applied to a session's reply counters.
type Counters struct {
	Messages     int
	AIReplies    int
	HumanReplies int
}

func openKey(groupID, userID string) string {
	return groupID + ":" + userID
}

// GetOrCreateSession returns the open session for (groupID, userID),
// creating one if none exists. The boolean reports whether it was created.
// Concurrent creators for the same pair converge on a single row through
// the unique open key.
func (s *Store) GetOrCreateSession(ctx context.Context, robotID, groupID, userID, userName string) (*models.Session, bool, error) {
	if groupID == "" || userID == "" {
		return nil, false, fmt.Errorf("store: group and user are required")
	}
	key := openKey(groupID, userID)
	db := s.db.WithContext(ctx)

	var existing models.Session
	err := db.Where("open_key = ?", key).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, fmt.Errorf("store: find session %s: %w", key, err)
	}

	now := s.now()
	sess := models.Session{
		ID:           uuid.NewString(),
		OpenKey:      &key,
		RobotID:      robotID,
		GroupID:      groupID,
		UserID:       userID,
		UserName:     userName,
		Status:       models.SessionAuto,
		Context:      "[]",
		LastActiveAt: now,
	}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&sess)
	if result.Error != nil {
		return nil, false, fmt.Errorf("store: create session %s: %w", key, result.Error)
	}
	if result.RowsAffected == 1 {
		return &sess, true, nil
	}

	// Lost the race to another creator.
	if err := db.Where("open_key = ?", key).First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("store: reload session %s: %w", key, err)
	}
	return &existing, false, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", id, notFound(err))
	}
	return &sess, nil
}

// FindOpenSession returns the open session for (groupID, userID).
func (s *Store) FindOpenSession(ctx context.Context, groupID, userID string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).Where("open_key = ?", openKey(groupID, userID)).First(&sess).Error; err != nil {
		return nil, fmt.Errorf("store: find open session %s/%s: %w", groupID, userID, notFound(err))
	}
	return &sess, nil
}

// AppendTurn appends a turn to the session's rolling context, dropping the
// oldest turns beyond the window, and refreshes LastActiveAt.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn models.Turn) ([]models.Turn, error) {
	var turns []models.Turn
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := tx.Select("id", "context").First(&sess, "id = ?", sessionID).Error; err != nil {
			return notFound(err)
		}
		var err error
		turns, err = DecodeContext(sess.Context)
		if err != nil {
			return err
		}
		turns = append(turns, turn)
		if len(turns) > s.contextTurns {
			turns = turns[len(turns)-s.contextTurns:]
		}
		data, err := json.Marshal(turns)
		if err != nil {
			return err
		}
		return tx.Model(&models.Session{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
			"context":        string(data),
			"last_active_at": s.now(),
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store: append turn %s: %w", sessionID, err)
	}
	return turns, nil
}

// DecodeContext parses a session's stored context column.
func DecodeContext(raw string) ([]models.Turn, error) {
	if raw == "" {
		return nil, nil
	}
	var turns []models.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return turns, nil
}

// IncrementCounters atomically adds the given deltas in a single UPDATE.
func (s *Store) IncrementCounters(ctx context.Context, sessionID string, c Counters) error {
	updates := map[string]interface{}{}
	if c.Messages != 0 {
		updates["message_count"] = gorm.Expr("message_count + ?", c.Messages)
	}
	if c.AIReplies != 0 {
		updates["ai_reply_count"] = gorm.Expr("ai_reply_count + ?", c.AIReplies)
	}
	if c.HumanReplies != 0 {
		updates["human_reply_count"] = gorm.Expr("human_reply_count + ?", c.HumanReplies)
	}
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", sessionID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: increment counters %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: increment counters %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// Transition describes a conditional session status change.
type Transition struct {
	From          models.SessionStatus
	To            models.SessionStatus
	RiskFlag      *bool
	AssignedAgent *string
}

// TransitionSession moves a session from t.From to t.To. It reports false,
// without error, when the session was not in t.From, so concurrent callers
// cannot both apply the same transition.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, t Transition) (bool, error) {
	updates := map[string]interface{}{"status": t.To}
	if t.RiskFlag != nil {
		updates["risk_flag"] = *t.RiskFlag
	}
	if t.AssignedAgent != nil {
		updates["assigned_agent"] = *t.AssignedAgent
	}
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", sessionID, t.From).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("store: transition session %s %s->%s: %w", sessionID, t.From, t.To, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ExpireIdleSessions closes open sessions whose last activity is older than
// cutoff. Closing clears the open key so the pair gets a fresh session.
func (s *Store) ExpireIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("status <> ? AND last_active_at < ?", models.SessionClosed, cutoff).
		Updates(map[string]interface{}{
			"status":    models.SessionClosed,
			"open_key":  nil,
			"closed_at": s.now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("store: expire idle sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ActiveSessionsInGroup returns open sessions in a group active since the
// given time, most recent first.
func (s *Store) ActiveSessionsInGroup(ctx context.Context, groupID string, since time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND status <> ? AND last_active_at >= ?", groupID, models.SessionClosed, since).
		Order("last_active_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("store: sessions in group %s: %w", groupID, err)
	}
	return sessions, nil
}
