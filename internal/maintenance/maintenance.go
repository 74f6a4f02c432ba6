// Package maintenance runs periodic housekeeping on cron schedules:
// expiring idle sessions, purging idempotency markers, reaping stuck
// command locks, and returning sessions of silent staff to the AI.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/concierge/internal/config"
	"go.uber.org/zap"
)

// Job names.
const (
	JobExpireSessions   = "expire_sessions"
	JobPurgeIdempotency = "purge_idempotency"
	JobReapLocks        = "reap_locks"
	JobReleaseStaff     = "release_staff"
)

// parser accepts standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type SessionExpirer interface {
	ExpireIdleSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

type LockReaper interface {
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Opts holds parameters for creating a Scheduler. A nil dependency
// disables its job, as does the schedule "off".
type Opts struct {
	Sessions    SessionExpirer
	Idempotency Purger
	Queue       LockReaper
	Staff       Sweeper

	Schedules   config.MaintenanceConfig
	SessionTTL  time.Duration
	LockTimeout time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
}

// Job is one scheduled task. Run returns the number of rows it touched.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int64, error)
}

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	cron *cron.Cron
	jobs map[string]Job
	now  func() time.Time
	log  *zap.Logger

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// New builds a Scheduler with a job for every configured dependency.
func New(opts Opts) (*Scheduler, error) {
	s := &Scheduler{
		jobs:    make(map[string]Job),
		now:     opts.Now,
		log:     opts.Logger,
		lastRun: make(map[string]time.Time),
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	cl := cronLogger{s.log.Sugar()}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	var jobs []Job
	if opts.Sessions != nil {
		if opts.SessionTTL <= 0 {
			return nil, fmt.Errorf("maintenance: session ttl must be positive")
		}
		jobs = append(jobs, Job{Name: JobExpireSessions, Spec: opts.Schedules.ExpireSessions,
			Run: func(ctx context.Context) (int64, error) {
				return opts.Sessions.ExpireIdleSessions(ctx, s.now().Add(-opts.SessionTTL))
			}})
	}
	if opts.Idempotency != nil {
		jobs = append(jobs, Job{Name: JobPurgeIdempotency, Spec: opts.Schedules.PurgeIdempotency,
			Run: opts.Idempotency.Purge})
	}
	if opts.Queue != nil {
		if opts.LockTimeout <= 0 {
			return nil, fmt.Errorf("maintenance: lock timeout must be positive")
		}
		jobs = append(jobs, Job{Name: JobReapLocks, Spec: opts.Schedules.ReapLocks,
			Run: func(ctx context.Context) (int64, error) {
				return opts.Queue.ReleaseStale(ctx, s.now().Add(-opts.LockTimeout))
			}})
	}
	if opts.Staff != nil {
		jobs = append(jobs, Job{Name: JobReleaseStaff, Spec: opts.Schedules.ReleaseStaff,
			Run: func(ctx context.Context) (int64, error) {
				n, err := opts.Staff.Sweep(ctx)
				return int64(n), err
			}})
	}

	for _, j := range jobs {
		if err := s.add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(j Job) error {
	spec := strings.TrimSpace(j.Spec)
	if spec == "" || spec == "off" {
		s.log.Info("maintenance job disabled", zap.String("job", j.Name))
		return nil
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("maintenance: job %s: parse %q: %w", j.Name, spec, err)
	}
	s.jobs[j.Name] = j
	s.cron.Schedule(sched, cron.FuncJob(func() {
		_, _ = s.RunNow(context.Background(), j.Name)
	}))
	return nil
}

// Jobs returns the enabled job names, sorted.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LastRun returns when a job last completed, or the zero time.
func (s *Scheduler) LastRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun[name]
}

// RunNow executes a job immediately and returns the rows it touched.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	j, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("maintenance: unknown job %q", name)
	}
	start := time.Now()
	n, err := j.Run(ctx)
	if err != nil {
		s.log.Error("maintenance job failed", zap.String("job", name), zap.Error(err))
		return n, fmt.Errorf("maintenance: %s: %w", name, err)
	}
	s.mu.Lock()
	s.lastRun[name] = s.now()
	s.mu.Unlock()
	if n > 0 {
		s.log.Info("maintenance job done",
			zap.String("job", name),
			zap.Int64("affected", n),
			zap.Duration("took", time.Since(start)),
		)
	}
	return n, nil
}

// Run starts the cron runner and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info("maintenance scheduler started", zap.Strings("jobs", s.Jobs()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
