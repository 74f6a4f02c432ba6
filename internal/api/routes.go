package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/concierge/internal/collab"
	"github.com/zulandar/concierge/internal/models"
	"github.com/zulandar/concierge/internal/pipeline"
	"github.com/zulandar/concierge/internal/queue"
	"github.com/zulandar/concierge/internal/riskmon"
	"github.com/zulandar/concierge/internal/store"
	"go.uber.org/zap"
)

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)
	router.POST("/webhook/:robot_id", s.handleWebhook)

	api := router.Group("/api")
	api.POST("/commands", s.handleEnqueue)
	api.GET("/commands", s.handleListCommands)
	api.GET("/commands/:id", s.handleGetCommand)
	api.POST("/commands/:id/retry", s.handleRetryCommand)

	api.GET("/risks/:id", s.handleGetRisk)
	api.POST("/risks/:id/resolve", s.handleResolveRisk)

	api.GET("/sessions/:id/collaboration", s.handleCollaboration)
	api.POST("/sessions/:id/takeover", s.handleTakeover)
	api.POST("/sessions/:id/release", s.handleRelease)

	if s.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	}
	if s.opts.Hub != nil {
		router.GET("/ws", gin.WrapH(s.opts.Hub))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.opts.Breakers != nil {
		body["breakers"] = s.opts.Breakers.Snapshots()
	}
	c.JSON(http.StatusOK, body)
}

// handleWebhook acknowledges a delivery as soon as the pipeline has
// admitted it. A 503 asks the sender to redeliver later.
func (s *Server) handleWebhook(c *gin.Context) {
	var ev pipeline.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": err.Error()})
		return
	}
	ev.RobotID = c.Param("robot_id")
	if ev.GroupID == "" || ev.SenderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": "group_id and sender_id are required"})
		return
	}

	ack := s.opts.Pipeline.Accept(c.Request.Context(), ev)
	if !ack.Accepted && ack.Reason == pipeline.ReasonCircuitOpen {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "reason": ack.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "reason": ack.Reason})
}

type enqueueBody struct {
	RobotID    string        `json:"robot_id" binding:"required"`
	Type       string        `json:"type" binding:"required"`
	Payload    queue.Payload `json:"payload"`
	Priority   int           `json:"priority"`
	MaxRetries int           `json:"max_retries"`
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var body enqueueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !queue.ValidType(body.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown command type " + strconv.Quote(body.Type)})
		return
	}
	id, err := s.opts.Queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		RobotID:    body.RobotID,
		Type:       body.Type,
		Payload:    body.Payload,
		Priority:   body.Priority,
		MaxRetries: body.MaxRetries,
		Source:     "api",
	})
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleListCommands(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	cmds, err := s.opts.Queue.List(c.Request.Context(), queue.Filter{
		Status:  models.CommandStatus(c.Query("status")),
		RobotID: c.Query("robot_id"),
		Limit:   limit,
	})
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds, "count": len(cmds)})
}

func (s *Server) handleGetCommand(c *gin.Context) {
	cmd, err := s.opts.Queue.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (s *Server) handleRetryCommand(c *gin.Context) {
	cmd, err := s.opts.Queue.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (s *Server) handleGetRisk(c *gin.Context) {
	st, err := s.opts.Risk.GetCaseStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"case":              st.Case,
		"monitored":         st.Monitored,
		"elapsed_seconds":   int64(st.Elapsed.Seconds()),
		"remaining_seconds": int64(st.Remaining.Seconds()),
	})
}

type actorBody struct {
	By string `json:"by"`
}

func (s *Server) handleResolveRisk(c *gin.Context) {
	var body actorBody
	// An empty body is allowed.
	_ = c.ShouldBindJSON(&body)
	if err := s.opts.Risk.MarkResolved(c.Request.Context(), c.Param("id"), body.By); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": models.RiskResolved})
}

func (s *Server) handleCollaboration(c *gin.Context) {
	st, err := s.opts.Collab.GetSessionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleTakeover(c *gin.Context) {
	var body actorBody
	_ = c.ShouldBindJSON(&body)
	if body.By == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "by is required"})
		return
	}
	if err := s.opts.Collab.Takeover(c.Request.Context(), c.Param("id"), body.By); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "mode": models.SessionHuman, "assigned_agent": body.By})
}

func (s *Server) handleRelease(c *gin.Context) {
	if err := s.opts.Collab.Release(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "mode": models.SessionAuto})
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, riskmon.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrNotFailed),
		errors.Is(err, riskmon.ErrTerminal),
		errors.Is(err, collab.ErrNoTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Error("api request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
