package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/concierge/internal/ai"
	"github.com/zulandar/concierge/internal/api"
	"github.com/zulandar/concierge/internal/breaker"
	"github.com/zulandar/concierge/internal/collab"
	"github.com/zulandar/concierge/internal/config"
	"github.com/zulandar/concierge/internal/db"
	"github.com/zulandar/concierge/internal/idempotency"
	"github.com/zulandar/concierge/internal/maintenance"
	"github.com/zulandar/concierge/internal/metrics"
	"github.com/zulandar/concierge/internal/notify"
	"github.com/zulandar/concierge/internal/notify/discord"
	"github.com/zulandar/concierge/internal/notify/slack"
	"github.com/zulandar/concierge/internal/notify/ws"
	"github.com/zulandar/concierge/internal/pipeline"
	"github.com/zulandar/concierge/internal/queue"
	"github.com/zulandar/concierge/internal/riskmon"
	"github.com/zulandar/concierge/internal/sender"
	"github.com/zulandar/concierge/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// pipelineBreakerScope names the breaker that guards the whole decision
// pipeline. Send breakers are scoped per robot id.
const pipelineBreakerScope = "pipeline"

func newServeCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, queue workers, risk monitor, and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, verbose)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concierge config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Log.Level, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// app is the fully wired server process.
type app struct {
	log      *zap.Logger
	hub      *ws.Hub
	pool     *queue.Pool
	monitor  *riskmon.Monitor
	pipeline *pipeline.Pipeline
	sched    *maintenance.Scheduler
	server   *api.Server
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	if err := db.SeedQA(gormDB, cfg.QA); err != nil {
		return nil, err
	}

	m := metrics.New()
	breakers := breaker.NewRegistry(breaker.Opts{
		Config: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		},
		OnStateChange: func(scope string, from, to breaker.State) {
			m.BreakerState(scope, int(to))
			logger.Warn("circuit breaker state change",
				zap.String("scope", scope),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})

	st, err := store.New(store.Opts{DB: gormDB, ContextTurns: cfg.Pipeline.ContextTurns})
	if err != nil {
		return nil, err
	}
	q, err := queue.New(queue.Opts{
		DB:          gormDB,
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffCap:  cfg.Queue.BackoffCap,
		Logger:      logger.Named("queue"),
		Metrics:     m,
	})
	if err != nil {
		return nil, err
	}
	send, err := sender.New(sender.Opts{
		BaseURL: cfg.Sender.BaseURL,
		Timeout: cfg.Sender.Timeout,
		DryRun:  cfg.Sender.DryRun,
		Logger:  logger.Named("sender"),
	})
	if err != nil {
		return nil, err
	}
	pool, err := queue.NewPool(queue.PoolOpts{
		Queue:        q,
		Executor:     send,
		Breakers:     breakers,
		Limiter:      rate.NewLimiter(rate.Limit(cfg.Queue.RatePerSecond), cfg.Queue.Burst),
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		SendTimeout:  cfg.Queue.SendTimeout,
		Logger:       logger.Named("pool"),
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}

	a := &app{log: logger, pool: pool}
	sinks, err := buildSinks(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Notify.WebSocket.Enabled {
		a.hub = ws.NewHub(logger.Named("ws"))
		sinks = append(sinks, a.hub)
	}

	var (
		classifier ai.Classifier = ai.Keyword{}
		responder  ai.Responder  = ai.Keyword{}
		scorer     riskmon.RelevanceScorer
	)
	if cfg.AI.Provider == "gemini" {
		g, err := ai.NewGemini(ctx, ai.GeminiOpts{
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			BotName: cfg.Pipeline.BotName,
			Timeout: cfg.AI.Timeout,
		})
		if err != nil {
			return nil, err
		}
		classifier, responder, scorer = g, g, g
	}

	a.monitor, err = riskmon.New(riskmon.Opts{
		Store: st,
		Config: riskmon.Config{
			CheckInterval:        cfg.Risk.CheckInterval,
			Duration:             cfg.Risk.Duration,
			RelevanceThreshold:   cfg.Risk.RelevanceThreshold,
			HandlingKeywords:     cfg.Risk.HandlingKeywords,
			SatisfiedKeywords:    cfg.Risk.SatisfiedKeywords,
			DissatisfiedKeywords: cfg.Risk.DissatisfiedKeywords,
			EscalationKeywords:   cfg.Risk.EscalationKeywords,
		},
		Scorer:  scorer,
		Sink:    sinks,
		Logger:  logger.Named("riskmon"),
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	arb, err := collab.New(collab.Opts{
		Store:               st,
		InactivityThreshold: cfg.Collaboration.InactivityThreshold,
		Logger:              logger.Named("collab"),
	})
	if err != nil {
		return nil, err
	}
	guard, err := idempotency.NewStore(idempotency.StoreOpts{DB: gormDB, TTL: cfg.Pipeline.IdempotencyTTL})
	if err != nil {
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.Opts{
		Store:               st,
		Queue:               q,
		Arbitrator:          arb,
		Risk:                a.monitor,
		Guard:               guard,
		Breaker:             breakers.Get(pipelineBreakerScope),
		Classifier:          classifier,
		Responder:           responder,
		BotName:             cfg.Pipeline.BotName,
		StaffUserIDs:        cfg.Pipeline.StaffUserIDs,
		AdminUserIDs:        cfg.Pipeline.AdminUserIDs,
		RiskReply:           cfg.Pipeline.RiskReply,
		ChatPolicy:          cfg.Pipeline.ChatPolicy,
		InactivityThreshold: cfg.Collaboration.InactivityThreshold,
		Workers:             cfg.Pipeline.Workers,
		Logger:              logger.Named("pipeline"),
		Metrics:             m,
	})
	if err != nil {
		return nil, err
	}

	a.sched, err = maintenance.New(maintenance.Opts{
		Sessions:    st,
		Idempotency: guard,
		Queue:       q,
		Staff:       arb,
		Schedules:   cfg.Maintenance,
		SessionTTL:  cfg.Pipeline.SessionTTL,
		LockTimeout: cfg.Queue.LockTimeout,
		Logger:      logger.Named("maintenance"),
	})
	if err != nil {
		return nil, err
	}

	var hub http.Handler
	if a.hub != nil {
		hub = a.hub
	}
	a.server, err = api.New(api.Opts{
		Port:     cfg.HTTP.Port,
		Pipeline: a.pipeline,
		Queue:    q,
		Risk:     a.monitor,
		Collab:   arb,
		Hub:      hub,
		Metrics:  m,
		Breakers: breakers,
		Logger:   logger.Named("http"),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildSinks returns the escalation sinks enabled in cfg. The log sink is
// always present.
func buildSinks(cfg config.NotifyConfig, logger *zap.Logger) (notify.Multi, error) {
	sinks := notify.Multi{notify.Log{Logger: logger.Named("notify")}}
	if cfg.Slack.Enabled {
		s, err := slack.New(slack.SinkOpts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Discord.Enabled {
		d, err := discord.New(discord.SinkOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d)
	}
	return sinks, nil
}

// run starts every long-lived component and blocks until ctx is cancelled
// or one of them fails. Accepted webhook events finish before the risk
// monitor stops, so a late takeover can still open its case.
func (a *app) run(ctx context.Context) error {
	n, err := a.monitor.Recover(ctx)
	if err != nil {
		return err
	}
	a.log.Info("risk cases recovered", zap.Int("count", n))

	g, gctx := errgroup.WithContext(ctx)
	if a.hub != nil {
		g.Go(func() error { return a.hub.Run(gctx) })
	}
	g.Go(func() error { return a.pool.Run(gctx) })
	g.Go(func() error { return a.sched.Run(gctx) })
	g.Go(func() error { return a.server.Run(gctx) })

	a.log.Info("concierge started")
	err = g.Wait()
	a.pipeline.Wait()
	a.monitor.Close()
	a.log.Info("concierge stopped")
	return err
}
