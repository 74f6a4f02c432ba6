// Package api serves the webhook endpoint and the admin JSON API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/concierge/internal/breaker"
	"github.com/zulandar/concierge/internal/collab"
	"github.com/zulandar/concierge/internal/metrics"
	"github.com/zulandar/concierge/internal/models"
	"github.com/zulandar/concierge/internal/pipeline"
	"github.com/zulandar/concierge/internal/queue"
	"github.com/zulandar/concierge/internal/riskmon"
	"go.uber.org/zap"
)

// Accepter takes webhook events. *pipeline.Pipeline satisfies it.
type Accepter interface {
	Accept(ctx context.Context, ev pipeline.Event) pipeline.Ack
}

// Commands is the queue surface the admin API exposes. *queue.Queue
// satisfies it.
type Commands interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	GetStatus(ctx context.Context, id string) (*models.Command, error)
	List(ctx context.Context, f queue.Filter) ([]models.Command, error)
	Retry(ctx context.Context, id string) (*models.Command, error)
}

// Risks is satisfied by *riskmon.Monitor.
type Risks interface {
	GetCaseStatus(ctx context.Context, id string) (*riskmon.CaseStatus, error)
	MarkResolved(ctx context.Context, id, by string) error
}

// Sessions is satisfied by *collab.Arbitrator.
type Sessions interface {
	GetSessionStatus(ctx context.Context, sessionID string) (*collab.SessionStatus, error)
	Takeover(ctx context.Context, sessionID, agent string) error
	Release(ctx context.Context, sessionID string) error
}

// Opts holds the server's collaborators. Metrics, Hub, and Breakers are
// optional; their routes are omitted when nil.
type Opts struct {
	Port     int
	Pipeline Accepter
	Queue    Commands
	Risk     Risks
	Collab   Sessions
	Hub      http.Handler
	Metrics  *metrics.Metrics
	Breakers *breaker.Registry
	Logger   *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	opts   Opts
	log    *zap.Logger
	router *gin.Engine
}

// New validates opts and builds the router.
func New(opts Opts) (*Server, error) {
	switch {
	case opts.Pipeline == nil:
		return nil, fmt.Errorf("api: pipeline is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("api: queue is required")
	case opts.Risk == nil:
		return nil, fmt.Errorf("api: risk monitor is required")
	case opts.Collab == nil:
		return nil, fmt.Errorf("api: arbitrator is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	s := &Server{opts: opts, log: opts.Logger}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}()

	s.log.Info("http server listening", zap.Int("port", s.opts.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
