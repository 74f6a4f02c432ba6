package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zulandar/concierge/internal/breaker"
	"github.com/zulandar/concierge/internal/metrics"
	"github.com/zulandar/concierge/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Pool defaults.
const (
	DefaultWorkers      = 2
	DefaultPollInterval = time.Second
	DefaultSendTimeout  = 10 * time.Second
	DefaultDeferDelay   = 5 * time.Second
)

// Executor performs one command against the bot API and returns the
// downstream result text.
type Executor interface {
	Execute(ctx context.Context, cmd *models.Command, p Payload) (string, error)
}

// Pool drains the queue with a fixed set of workers. Each worker executes
// its claims serially; concurrency across workers is safe because every
// claim is exclusive.
type Pool struct {
	queue       *Queue
	exec        Executor
	breakers    *breaker.Registry
	limiter     *rate.Limiter
	workers     int
	poll        time.Duration
	sendTimeout time.Duration
	deferDelay  time.Duration
	prefix      string
	log         *zap.Logger
	metrics     *metrics.Metrics
}

// PoolOpts holds parameters for creating a Pool.
type PoolOpts struct {
	Queue        *Queue
	Executor     Executor
	Breakers     *breaker.Registry // per-robot send breakers; optional
	Limiter      *rate.Limiter     // shared send rate limit; optional
	Workers      int
	PollInterval time.Duration
	SendTimeout  time.Duration
	DeferDelay   time.Duration // wait before retrying a command whose breaker is open
	WorkerPrefix string        // defaults to the hostname
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// NewPool creates a worker Pool.
func NewPool(opts PoolOpts) (*Pool, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue: queue is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("queue: executor is required")
	}
	p := &Pool{
		queue:       opts.Queue,
		exec:        opts.Executor,
		breakers:    opts.Breakers,
		limiter:     opts.Limiter,
		workers:     opts.Workers,
		poll:        opts.PollInterval,
		sendTimeout: opts.SendTimeout,
		deferDelay:  opts.DeferDelay,
		prefix:      opts.WorkerPrefix,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	if p.poll <= 0 {
		p.poll = DefaultPollInterval
	}
	if p.sendTimeout <= 0 {
		p.sendTimeout = DefaultSendTimeout
	}
	if p.deferDelay <= 0 {
		p.deferDelay = DefaultDeferDelay
	}
	if p.prefix == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		p.prefix = host
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p, nil
}

// Run starts the workers and blocks until ctx is cancelled. Sends already
// in flight finish and record their outcome before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := fmt.Sprintf("%s-%d", p.prefix, i)
		g.Go(func() error {
			p.runWorker(gctx, id)
			return nil
		})
	}
	p.log.Info("queue workers started", zap.Int("workers", p.workers), zap.Duration("poll_interval", p.poll))
	err := g.Wait()
	p.log.Info("queue workers stopped")
	return err
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		p.drain(ctx, workerID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain processes due commands until none remain or ctx is cancelled.
func (p *Pool) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		cmd, err := p.queue.DequeueNext(ctx, workerID)
		if errors.Is(err, ErrNoCommand) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("dequeue failed", zap.String("worker_id", workerID), zap.Error(err))
			}
			return
		}
		p.Process(ctx, workerID, cmd)
	}
}

// Process executes one claimed command and records the outcome. The
// outcome is written even if ctx is cancelled mid-send.
func (p *Pool) Process(ctx context.Context, workerID string, cmd *models.Command) {
	record := context.WithoutCancel(ctx)
	log := p.log.With(
		zap.String("worker_id", workerID),
		zap.String("command_id", cmd.ID),
		zap.String("robot_id", cmd.RobotID),
		zap.String("type", cmd.Type))

	payload, err := DecodePayload(cmd.Payload)
	if err != nil {
		p.report(record, log, cmd, false, err.Error())
		return
	}

	var br *breaker.Breaker
	if p.breakers != nil {
		br = p.breakers.Get("send:" + cmd.RobotID)
		if err := br.Allow(); err != nil {
			p.deferCommand(record, log, cmd, err.Error())
			return
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.deferCommand(record, log, cmd, "rate limit wait: "+err.Error())
			return
		}
	}

	if err := p.queue.MarkProcessing(record, cmd.ID, workerID); err != nil {
		log.Warn("lost command before send", zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(record, p.sendTimeout)
	result, err := p.execute(sendCtx, cmd, payload)
	cancel()
	if br != nil {
		br.Record(err == nil)
	}
	if err != nil {
		p.report(record, log, cmd, false, err.Error())
		return
	}
	p.report(record, log, cmd, true, result)
}

// execute calls the executor, converting a panic into an error.
func (p *Pool) execute(ctx context.Context, cmd *models.Command, payload Payload) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.Panic("queue")
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return p.exec.Execute(ctx, cmd, payload)
}

func (p *Pool) report(ctx context.Context, log *zap.Logger, cmd *models.Command, success bool, detail string) {
	updated, err := p.queue.ReportResult(ctx, cmd.ID, success, detail)
	if err != nil {
		log.Error("record command outcome", zap.Bool("success", success), zap.Error(err))
		return
	}
	log.Debug("command attempt recorded", zap.String("status", string(updated.Status)))
}

func (p *Pool) deferCommand(ctx context.Context, log *zap.Logger, cmd *models.Command, reason string) {
	if err := p.queue.Defer(ctx, cmd.ID, p.queue.now().Add(p.deferDelay), reason); err != nil {
		log.Error("defer command", zap.Error(err))
		return
	}
	log.Info("command deferred", zap.String("reason", reason))
}
