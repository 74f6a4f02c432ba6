package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/concierge/internal/config"
	"github.com/zulandar/concierge/internal/db"
	"github.com/zulandar/concierge/internal/models"
	"github.com/zulandar/concierge/internal/store"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type cutoffRecorder struct {
	cutoff time.Time
	n      int64
	err    error
}

func (r *cutoffRecorder) ExpireIdleSessions(_ context.Context, cutoff time.Time) (int64, error) {
	r.cutoff = cutoff
	return r.n, r.err
}

func (r *cutoffRecorder) ReleaseStale(_ context.Context, cutoff time.Time) (int64, error) {
	r.cutoff = cutoff
	return r.n, r.err
}

type purgeFunc func(ctx context.Context) (int64, error)

func (f purgeFunc) Purge(ctx context.Context) (int64, error) { return f(ctx) }

type sweepFunc func(ctx context.Context) (int, error)

func (f sweepFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }

func schedules() config.MaintenanceConfig {
	return config.MaintenanceConfig{
		ExpireSessions:   "*/10 * * * *",
		PurgeIdempotency: "*/30 * * * *",
		ReapLocks:        "* * * * *",
		ReleaseStaff:     "* * * * *",
	}
}

func TestNew_RegistersConfiguredJobs(t *testing.T) {
	s, err := New(Opts{
		Sessions:    &cutoffRecorder{},
		Idempotency: purgeFunc(func(context.Context) (int64, error) { return 0, nil }),
		Queue:       &cutoffRecorder{},
		Staff:       sweepFunc(func(context.Context) (int, error) { return 0, nil }),
		Schedules:   schedules(),
		SessionTTL:  24 * time.Hour,
		LockTimeout: 2 * time.Minute,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{JobExpireSessions, JobPurgeIdempotency, JobReapLocks, JobReleaseStaff}, s.Jobs())
}

func TestNew_DisabledAndMissing(t *testing.T) {
	sch := schedules()
	sch.PurgeIdempotency = "off"
	s, err := New(Opts{
		Idempotency: purgeFunc(func(context.Context) (int64, error) { return 0, nil }),
		Staff:       sweepFunc(func(context.Context) (int, error) { return 0, nil }),
		Schedules:   sch,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{JobReleaseStaff}, s.Jobs())
}

func TestNew_BadSchedule(t *testing.T) {
	sch := schedules()
	sch.ReleaseStaff = "every minute"
	_, err := New(Opts{
		Staff:     sweepFunc(func(context.Context) (int, error) { return 0, nil }),
		Schedules: sch,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobReleaseStaff)
}

func TestNew_RequiresDurations(t *testing.T) {
	_, err := New(Opts{Sessions: &cutoffRecorder{}, Schedules: schedules()})
	require.Error(t, err)
	_, err = New(Opts{Queue: &cutoffRecorder{}, Schedules: schedules()})
	require.Error(t, err)
}

func TestRunNow_Cutoffs(t *testing.T) {
	sessions := &cutoffRecorder{n: 3}
	locks := &cutoffRecorder{n: 1}
	s, err := New(Opts{
		Sessions:    sessions,
		Queue:       locks,
		Schedules:   schedules(),
		SessionTTL:  24 * time.Hour,
		LockTimeout: 2 * time.Minute,
		Now:         func() time.Time { return epoch },
	})
	require.NoError(t, err)

	n, err := s.RunNow(context.Background(), JobExpireSessions)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, epoch.Add(-24*time.Hour), sessions.cutoff)
	assert.Equal(t, epoch, s.LastRun(JobExpireSessions))

	n, err = s.RunNow(context.Background(), JobReapLocks)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, epoch.Add(-2*time.Minute), locks.cutoff)
}

func TestRunNow_Errors(t *testing.T) {
	boom := errors.New("boom")
	s, err := New(Opts{
		Staff:     sweepFunc(func(context.Context) (int, error) { return 0, boom }),
		Schedules: schedules(),
	})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), JobReleaseStaff)
	require.ErrorIs(t, err, boom)
	assert.True(t, s.LastRun(JobReleaseStaff).IsZero())

	_, err = s.RunNow(context.Background(), "vacuum")
	require.Error(t, err)
}

func TestRunNow_ExpiresStoredSessions(t *testing.T) {
	gdb, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	now := epoch
	st, err := store.New(store.Opts{DB: gdb, Now: func() time.Time { return now }})
	require.NoError(t, err)

	ctx := context.Background()
	idle, _, err := st.GetOrCreateSession(ctx, "robot-1", "group-1", "user-1", "Ann")
	require.NoError(t, err)
	now = now.Add(25 * time.Hour)
	fresh, _, err := st.GetOrCreateSession(ctx, "robot-1", "group-1", "user-2", "Bo")
	require.NoError(t, err)

	s, err := New(Opts{
		Sessions:   st,
		Schedules:  schedules(),
		SessionTTL: 24 * time.Hour,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	n, err := s.RunNow(ctx, JobExpireSessions)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := st.GetSession(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, got.Status)
	got, err = st.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.SessionClosed, got.Status)
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := New(Opts{
		Staff:     sweepFunc(func(context.Context) (int, error) { return 0, nil }),
		Schedules: schedules(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
