// Package queue is the durable outbound command queue: priority selection,
// row-level claims, exponential-backoff retries, and the worker pool that
// drains it against the bot API.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/concierge/internal/db"
	"github.com/zulandar/concierge/internal/metrics"
	"github.com/zulandar/concierge/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoCommand is returned by DequeueNext when nothing is due.
	ErrNoCommand = errors.New("queue: no command due")
	// ErrNotFound is returned for an unknown command id.
	ErrNotFound = errors.New("queue: command not found")
	// ErrNotFailed is returned by Retry for a command that is not failed.
	ErrNotFailed = errors.New("queue: command is not failed")
	// ErrNotLocked is returned when reporting on a command the caller no
	// longer holds.
	ErrNotLocked = errors.New("queue: command is not locked")

	errLostRace = errors.New("queue: claim lost to another worker")
)

// Defaults.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 5 * time.Minute

	claimAttempts = 5
)

// Queue is the gorm-backed command queue.
type Queue struct {
	db          *gorm.DB
	now         func() time.Time
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics
}

// Opts holds parameters for creating a Queue.
type Opts struct {
	DB          *gorm.DB
	MaxRetries  int           // default for Enqueue; defaults to DefaultMaxRetries
	BackoffBase time.Duration // defaults to DefaultBackoffBase
	BackoffCap  time.Duration // defaults to DefaultBackoffCap
	Now         func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// New creates a Queue.
func New(opts Opts) (*Queue, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("queue: db is required")
	}
	q := &Queue{
		db:          opts.DB,
		now:         opts.Now,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.backoffBase <= 0 {
		q.backoffBase = DefaultBackoffBase
	}
	if q.backoffCap <= 0 {
		q.backoffCap = DefaultBackoffCap
	}
	if q.log == nil {
		q.log = zap.NewNop()
	}
	return q, nil
}

// EnqueueRequest describes a new command.
type EnqueueRequest struct {
	RobotID    string
	Type       string
	Payload    Payload
	Priority   int           // defaults to PriorityNormal
	MaxRetries int           // defaults to the queue's MaxRetries
	Delay      time.Duration // schedules the first attempt in the future
	Source     string
}

// Enqueue inserts a pending command and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.RobotID == "" {
		return "", fmt.Errorf("queue: robot id is required")
	}
	if !ValidType(req.Type) {
		return "", fmt.Errorf("queue: unknown command type %q", req.Type)
	}
	priority := req.Priority
	if priority <= 0 {
		priority = PriorityNormal
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}
	cmd := models.Command{
		ID:           uuid.NewString(),
		RobotID:      req.RobotID,
		Type:         req.Type,
		Payload:      req.Payload.Encode(),
		Priority:     priority,
		Status:       models.CommandPending,
		MaxRetries:   maxRetries,
		ScheduledFor: q.now().Add(req.Delay),
		Source:       req.Source,
	}
	if err := q.db.WithContext(ctx).Create(&cmd).Error; err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", req.Type, err)
	}
	q.log.Debug("command enqueued",
		zap.String("command_id", cmd.ID),
		zap.String("robot_id", cmd.RobotID),
		zap.String("type", cmd.Type),
		zap.Int("priority", cmd.Priority))
	return cmd.ID, nil
}

// DequeueNext claims the most urgent due command for workerID: lowest
// priority value first, then earliest scheduledFor. The claim is a
// conditional update on status=pending, so exactly one caller wins a given
// command. Returns ErrNoCommand when nothing is due.
func (q *Queue) DequeueNext(ctx context.Context, workerID string) (*models.Command, error) {
	if workerID == "" {
		return nil, fmt.Errorf("queue: worker id is required")
	}
	for attempt := 0; attempt < claimAttempts; attempt++ {
		cmd, err := q.claimOnce(ctx, workerID)
		if errors.Is(err, errLostRace) {
			continue
		}
		return cmd, err
	}
	return nil, ErrNoCommand
}

func (q *Queue) claimOnce(ctx context.Context, workerID string) (*models.Command, error) {
	var claimed models.Command
	now := q.now()
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.Where("status = ? AND scheduled_for <= ?", models.CommandPending, now)
		if db.IsMySQL(tx) {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		result := sel.Order("priority ASC, scheduled_for ASC, created_at ASC").Limit(1).Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("find due command: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNoCommand
		}

		upd := tx.Model(&models.Command{}).
			Where("id = ? AND status = ?", claimed.ID, models.CommandPending).
			Updates(map[string]interface{}{
				"status":    models.CommandLocked,
				"locked_by": workerID,
				"locked_at": now,
			})
		if upd.Error != nil {
			return fmt.Errorf("lock command %s: %w", claimed.ID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			return errLostRace
		}
		claimed.Status = models.CommandLocked
		claimed.LockedBy = workerID
		claimed.LockedAt = &now
		return nil
	})
	if errors.Is(err, ErrNoCommand) || errors.Is(err, errLostRace) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	return &claimed, nil
}

// MarkProcessing flips a command held by workerID from locked to
// processing immediately before the send.
func (q *Queue) MarkProcessing(ctx context.Context, id, workerID string) error {
	result := q.db.WithContext(ctx).Model(&models.Command{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, models.CommandLocked, workerID).
		Update("status", models.CommandProcessing)
	if result.Error != nil {
		return fmt.Errorf("queue: mark processing %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: mark processing %s: %w", id, ErrNotLocked)
	}
	return nil
}

// Backoff returns the delay before the next attempt after retryCount
// failures: base * 2^retryCount, capped.
func (q *Queue) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 32 {
		return q.backoffCap
	}
	d := q.backoffBase << uint(retryCount)
	if d <= 0 || d > q.backoffCap {
		return q.backoffCap
	}
	return d
}

// ReportResult records the outcome of an attempt on a locked or processing
// command. Success completes it. Failure increments RetryCount and either
// reschedules it with backoff or, once RetryCount reaches MaxRetries, marks
// it failed. detail is the send result on success or the error message on
// failure.
func (q *Queue) ReportResult(ctx context.Context, id string, success bool, detail string) (*models.Command, error) {
	var cmd, out models.Command
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&cmd, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if cmd.Status != models.CommandLocked && cmd.Status != models.CommandProcessing {
			return ErrNotLocked
		}

		now := q.now()
		updates := map[string]interface{}{
			"locked_by": "",
			"locked_at": nil,
		}
		if success {
			updates["status"] = models.CommandCompleted
			updates["result"] = detail
			updates["error_message"] = ""
			updates["completed_at"] = now
		} else {
			retries := cmd.RetryCount + 1
			updates["retry_count"] = retries
			updates["error_message"] = detail
			if retries < cmd.MaxRetries {
				updates["status"] = models.CommandPending
				updates["scheduled_for"] = now.Add(q.Backoff(retries))
			} else {
				updates["status"] = models.CommandFailed
				updates["completed_at"] = now
			}
		}

		result := tx.Model(&models.Command{}).
			Where("id = ? AND status IN ? AND retry_count = ?", id,
				[]models.CommandStatus{models.CommandLocked, models.CommandProcessing}, cmd.RetryCount).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotLocked
		}
		// Reload into a zero value: gorm leaves a set pointer field alone
		// when the column is now NULL.
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return nil, fmt.Errorf("queue: report %s: %w", id, err)
	}
	cmd = out

	switch cmd.Status {
	case models.CommandCompleted:
		q.metrics.Command(cmd.Type, "completed")
	case models.CommandPending:
		q.metrics.Retry()
		q.log.Info("command rescheduled",
			zap.String("command_id", cmd.ID),
			zap.Int("retry_count", cmd.RetryCount),
			zap.Time("scheduled_for", cmd.ScheduledFor),
			zap.String("error", cmd.ErrorMessage))
	case models.CommandFailed:
		q.metrics.Command(cmd.Type, "failed")
		q.log.Warn("command failed",
			zap.String("command_id", cmd.ID),
			zap.String("robot_id", cmd.RobotID),
			zap.Int("retry_count", cmd.RetryCount),
			zap.String("error", cmd.ErrorMessage))
	}
	return &cmd, nil
}

// Defer returns a held command to pending without consuming a retry, for
// attempts that never reached the downstream API.
func (q *Queue) Defer(ctx context.Context, id string, until time.Time, reason string) error {
	result := q.db.WithContext(ctx).Model(&models.Command{}).
		Where("id = ? AND status IN ?", id, []models.CommandStatus{models.CommandLocked, models.CommandProcessing}).
		Updates(map[string]interface{}{
			"status":        models.CommandPending,
			"scheduled_for": until,
			"locked_by":     "",
			"locked_at":     nil,
			"error_message": reason,
		})
	if result.Error != nil {
		return fmt.Errorf("queue: defer %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: defer %s: %w", id, ErrNotLocked)
	}
	return nil
}

// Retry re-queues a failed command with RetryCount reset to 0.
func (q *Queue) Retry(ctx context.Context, id string) (*models.Command, error) {
	conn := q.db.WithContext(ctx)
	result := conn.Model(&models.Command{}).
		Where("id = ? AND status = ?", id, models.CommandFailed).
		Updates(map[string]interface{}{
			"status":        models.CommandPending,
			"retry_count":   0,
			"scheduled_for": q.now(),
			"error_message": "",
			"completed_at":  nil,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("queue: retry %s: %w", id, result.Error)
	}
	cmd, err := q.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return cmd, fmt.Errorf("queue: retry %s (status %s): %w", id, cmd.Status, ErrNotFailed)
	}
	q.log.Info("command re-queued", zap.String("command_id", id))
	return cmd, nil
}

// GetStatus returns a command by id.
func (q *Queue) GetStatus(ctx context.Context, id string) (*models.Command, error) {
	var cmd models.Command
	if err := q.db.WithContext(ctx).First(&cmd, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("queue: get %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return &cmd, nil
}

// Filter narrows List.
type Filter struct {
	Status  models.CommandStatus
	RobotID string
	Limit   int // defaults to 50
}

// List returns commands matching f, newest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]models.Command, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := q.db.WithContext(ctx).Model(&models.Command{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.RobotID != "" {
		query = query.Where("robot_id = ?", f.RobotID)
	}
	var cmds []models.Command
	if err := query.Order("created_at DESC").Limit(limit).Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return cmds, nil
}

// Counts returns the number of commands in each status.
func (q *Queue) Counts(ctx context.Context) (map[models.CommandStatus]int64, error) {
	var rows []struct {
		Status models.CommandStatus
		Count  int64
	}
	if err := q.db.WithContext(ctx).Model(&models.Command{}).
		Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: counts: %w", err)
	}
	out := make(map[models.CommandStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// ReleaseStale reports a failed attempt for every command whose lock is
// older than cutoff, so a worker that died mid-send cannot leave a command
// locked or processing forever. Returns how many were released.
func (q *Queue) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var stale []models.Command
	if err := q.db.WithContext(ctx).
		Where("status IN ? AND locked_at < ?",
			[]models.CommandStatus{models.CommandLocked, models.CommandProcessing}, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("queue: find stale locks: %w", err)
	}
	var released int64
	for _, cmd := range stale {
		_, err := q.ReportResult(ctx, cmd.ID, false, fmt.Sprintf("lock held by %s expired", cmd.LockedBy))
		if errors.Is(err, ErrNotLocked) {
			continue
		}
		if err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}
