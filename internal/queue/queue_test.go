package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/concierge/internal/db"
	"github.com/zulandar/concierge/internal/models"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gdb
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	q, err := New(Opts{DB: testDB(t), Now: clock.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q, clock
}

func enqueue(t *testing.T, q *Queue, req EnqueueRequest) string {
	t.Helper()
	if req.RobotID == "" {
		req.RobotID = "r1"
	}
	if req.Type == "" {
		req.Type = TypeSendMessage
	}
	id, err := q.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestNew_RequiresDB(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error for missing db")
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, EnqueueRequest{Type: TypeSendMessage}); err == nil {
		t.Error("expected error for missing robot id")
	}
	if _, err := q.Enqueue(ctx, EnqueueRequest{RobotID: "r1", Type: "launch_rocket"}); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestEnqueue_Defaults(t *testing.T) {
	q, clock := newTestQueue(t)
	id := enqueue(t, q, EnqueueRequest{Payload: Payload{Target: "g1", Content: "hi"}})

	cmd, err := q.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if cmd.Status != models.CommandPending {
		t.Errorf("Status = %q, want pending", cmd.Status)
	}
	if cmd.Priority != PriorityNormal {
		t.Errorf("Priority = %d, want %d", cmd.Priority, PriorityNormal)
	}
	if cmd.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", cmd.MaxRetries, DefaultMaxRetries)
	}
	if !cmd.ScheduledFor.Equal(clock.Now()) {
		t.Errorf("ScheduledFor = %v, want %v", cmd.ScheduledFor, clock.Now())
	}
	p, err := DecodePayload(cmd.Payload)
	if err != nil || p.Content != "hi" {
		t.Errorf("payload = %+v, %v", p, err)
	}
}

func TestDequeueNext_PriorityThenFIFO(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	low := enqueue(t, q, EnqueueRequest{Priority: PriorityLow})
	clock.Advance(time.Second)
	firstNormal := enqueue(t, q, EnqueueRequest{Priority: PriorityNormal})
	clock.Advance(time.Second)
	secondNormal := enqueue(t, q, EnqueueRequest{Priority: PriorityNormal})
	clock.Advance(time.Second)
	urgent := enqueue(t, q, EnqueueRequest{Priority: PriorityUrgent})
	enqueue(t, q, EnqueueRequest{Priority: PriorityUrgent, Delay: time.Hour})

	want := []string{urgent, firstNormal, secondNormal, low}
	for i, id := range want {
		cmd, err := q.DequeueNext(ctx, "w1")
		if err != nil {
			t.Fatalf("DequeueNext #%d: %v", i, err)
		}
		if cmd.ID != id {
			t.Errorf("DequeueNext #%d = %s, want %s", i, cmd.ID, id)
		}
		if cmd.Status != models.CommandLocked || cmd.LockedBy != "w1" || cmd.LockedAt == nil {
			t.Errorf("claimed = %+v", cmd)
		}
	}
	if _, err := q.DequeueNext(ctx, "w1"); !errors.Is(err, ErrNoCommand) {
		t.Errorf("err = %v, want ErrNoCommand (delayed command not due)", err)
	}
}

func TestDequeueNext_ExclusiveUnderConcurrency(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	const commands = 30
	for i := 0; i < commands; i++ {
		enqueue(t, q, EnqueueRequest{})
	}

	var mu sync.Mutex
	claims := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				cmd, err := q.DequeueNext(ctx, worker)
				if errors.Is(err, ErrNoCommand) {
					return
				}
				if err != nil {
					t.Errorf("DequeueNext: %v", err)
					return
				}
				mu.Lock()
				if prev, ok := claims[cmd.ID]; ok {
					t.Errorf("command %s claimed by %s and %s", cmd.ID, prev, worker)
				}
				claims[cmd.ID] = worker
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()
	if len(claims) != commands {
		t.Errorf("claimed %d commands, want %d", len(claims), commands)
	}
}

func TestBackoff(t *testing.T) {
	q, _ := newTestQueue(t)
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.retries); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

func TestReportResult_Success(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, EnqueueRequest{})
	q.DequeueNext(ctx, "w1")

	cmd, err := q.ReportResult(ctx, id, true, `{"errcode":0}`)
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if cmd.Status != models.CommandCompleted || cmd.Result != `{"errcode":0}` || cmd.CompletedAt == nil {
		t.Errorf("cmd = %+v", cmd)
	}
	if cmd.LockedBy != "" || cmd.LockedAt != nil {
		t.Errorf("lock not cleared: %+v", cmd)
	}

	if _, err := q.ReportResult(ctx, id, false, "late"); !errors.Is(err, ErrNotLocked) {
		t.Errorf("err = %v, want ErrNotLocked", err)
	}
}

func TestReportResult_ReturnsStoredRow(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, EnqueueRequest{MaxRetries: 3})

	for _, success := range []bool{false, true} {
		if _, err := q.DequeueNext(ctx, "w1"); err != nil {
			t.Fatalf("DequeueNext: %v", err)
		}
		got, err := q.ReportResult(ctx, id, success, "send timeout")
		if err != nil {
			t.Fatalf("ReportResult(%v): %v", success, err)
		}
		stored, err := q.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if got.LockedAt != nil || got.LockedBy != "" {
			t.Errorf("ReportResult(%v) lock = %q/%v, want cleared", success, got.LockedBy, got.LockedAt)
		}
		if got.Status != stored.Status || got.RetryCount != stored.RetryCount || (stored.LockedAt == nil) != (got.LockedAt == nil) {
			t.Errorf("ReportResult(%v) = %s/%d, stored %s/%d", success, got.Status, got.RetryCount, stored.Status, stored.RetryCount)
		}
		// Make the retry due.
		clock.Advance(stored.ScheduledFor.Sub(clock.Now()))
	}
}

// A command with MaxRetries=3 that fails every attempt is rescheduled with
// a doubling delay and then fails terminally on the third failure.
func TestReportResult_RetriesThenFails(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, EnqueueRequest{MaxRetries: 3})

	var delays []time.Duration
	var statuses []models.CommandStatus
	for attempt := 1; attempt <= 3; attempt++ {
		cmd, err := q.DequeueNext(ctx, "w1")
		if err != nil {
			t.Fatalf("attempt %d: DequeueNext: %v", attempt, err)
		}
		statuses = append(statuses, cmd.Status)
		if err := q.MarkProcessing(ctx, id, "w1"); err != nil {
			t.Fatalf("attempt %d: MarkProcessing: %v", attempt, err)
		}
		cmd, err = q.ReportResult(ctx, id, false, "send api 502")
		if err != nil {
			t.Fatalf("attempt %d: ReportResult: %v", attempt, err)
		}
		statuses = append(statuses, cmd.Status)
		if cmd.RetryCount != attempt {
			t.Errorf("attempt %d: RetryCount = %d", attempt, cmd.RetryCount)
		}
		if cmd.RetryCount > cmd.MaxRetries {
			t.Fatalf("RetryCount %d exceeds MaxRetries %d", cmd.RetryCount, cmd.MaxRetries)
		}
		if cmd.Status == models.CommandPending {
			delay := cmd.ScheduledFor.Sub(clock.Now())
			delays = append(delays, delay)
			if _, err := q.DequeueNext(ctx, "w1"); !errors.Is(err, ErrNoCommand) {
				t.Fatalf("attempt %d: command picked before its backoff elapsed", attempt)
			}
			clock.Advance(delay)
		}
	}

	wantStatuses := []models.CommandStatus{
		models.CommandLocked, models.CommandPending,
		models.CommandLocked, models.CommandPending,
		models.CommandLocked, models.CommandFailed,
	}
	for i := range wantStatuses {
		if statuses[i] != wantStatuses[i] {
			t.Errorf("status[%d] = %q, want %q", i, statuses[i], wantStatuses[i])
		}
	}
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
		t.Errorf("delays = %v, want [2s 4s]", delays)
	}

	final, _ := q.GetStatus(ctx, id)
	if final.Status != models.CommandFailed || final.ErrorMessage != "send api 502" {
		t.Errorf("final = %+v", final)
	}
	if _, err := q.DequeueNext(ctx, "w1"); !errors.Is(err, ErrNoCommand) {
		t.Error("failed command was picked again")
	}
}

func TestRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, EnqueueRequest{MaxRetries: 1})

	if _, err := q.Retry(ctx, id); !errors.Is(err, ErrNotFailed) {
		t.Errorf("err = %v, want ErrNotFailed", err)
	}
	q.DequeueNext(ctx, "w1")
	if _, err := q.ReportResult(ctx, id, false, "boom"); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}

	cmd, err := q.Retry(ctx, id)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if cmd.Status != models.CommandPending || cmd.RetryCount != 0 || cmd.ErrorMessage != "" {
		t.Errorf("cmd = %+v", cmd)
	}
	if _, err := q.DequeueNext(ctx, "w1"); err != nil {
		t.Errorf("retried command not dequeued: %v", err)
	}

	if _, err := q.Retry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDefer_DoesNotConsumeRetry(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, EnqueueRequest{})
	q.DequeueNext(ctx, "w1")

	if err := q.Defer(ctx, id, clock.Now().Add(5*time.Second), "breaker open"); err != nil {
		t.Fatalf("Defer: %v", err)
	}
	cmd, _ := q.GetStatus(ctx, id)
	if cmd.Status != models.CommandPending || cmd.RetryCount != 0 || cmd.LockedBy != "" {
		t.Errorf("cmd = %+v", cmd)
	}
	if _, err := q.DequeueNext(ctx, "w1"); !errors.Is(err, ErrNoCommand) {
		t.Error("deferred command picked early")
	}
}

func TestReleaseStale(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	stuck := enqueue(t, q, EnqueueRequest{})
	q.DequeueNext(ctx, "dead-worker")
	q.MarkProcessing(ctx, stuck, "dead-worker")

	clock.Advance(3 * time.Minute)
	fresh := enqueue(t, q, EnqueueRequest{})
	q.DequeueNext(ctx, "w2")

	n, err := q.ReleaseStale(ctx, clock.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	if n != 1 {
		t.Errorf("released = %d, want 1", n)
	}
	cmd, _ := q.GetStatus(ctx, stuck)
	if cmd.Status != models.CommandPending || cmd.RetryCount != 1 {
		t.Errorf("stuck = %+v", cmd)
	}
	other, _ := q.GetStatus(ctx, fresh)
	if other.Status != models.CommandLocked {
		t.Errorf("fresh status = %q, want locked", other.Status)
	}
}

func TestListAndCounts(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	a := enqueue(t, q, EnqueueRequest{MaxRetries: 1})
	clock.Advance(time.Second)
	enqueue(t, q, EnqueueRequest{RobotID: "r2"})
	q.DequeueNext(ctx, "w1")
	q.ReportResult(ctx, a, false, "boom")

	failed, err := q.List(ctx, Filter{Status: models.CommandFailed})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != a {
		t.Errorf("failed = %+v", failed)
	}
	byRobot, _ := q.List(ctx, Filter{RobotID: "r2"})
	if len(byRobot) != 1 {
		t.Errorf("r2 commands = %d, want 1", len(byRobot))
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[models.CommandFailed] != 1 || counts[models.CommandPending] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
