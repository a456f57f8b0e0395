// Package server exposes the engine to transports: a REST surface for
// starting and controlling executions, a websocket endpoint that feeds
// the message router, and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/diaflow/diaflow/internal/config"
	"github.com/diaflow/diaflow/internal/infrastructure/logger"
	"github.com/diaflow/diaflow/pkg/engine"
	"github.com/diaflow/diaflow/pkg/events"
	"github.com/diaflow/diaflow/pkg/graph"
	"github.com/diaflow/diaflow/pkg/models"
)

// Server wires the engine and router behind HTTP.
type Server struct {
	engine *engine.Engine
	router *events.Router
	cfg    config.ServerConfig
	logger *logger.Logger

	httpServer *http.Server
}

// New creates a server.
func New(eng *engine.Engine, router *events.Router, cfg config.ServerConfig, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}

	return &Server{
		engine: eng,
		router: router,
		cfg:    cfg,
		logger: log,
	}
}

// Handler builds the gin handler tree.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api/v1")
	{
		api.POST("/executions", s.handleStartExecution)
		api.GET("/executions", s.handleListExecutions)
		api.GET("/executions/:id", s.handleGetExecution)
		api.POST("/executions/:id/cancel", s.handleCancel)
		api.POST("/executions/:id/pause", s.handlePause)
		api.POST("/executions/:id/resume", s.handleResume)
		api.GET("/router/stats", s.handleRouterStats)
	}

	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

type startExecutionRequest struct {
	Diagram   *models.Diagram `json:"diagram" binding:"required"`
	Variables map[string]any  `json:"variables"`
	Options   struct {
		TimeoutSeconds      int  `json:"timeout_seconds"`
		NodeTimeoutSeconds  int  `json:"node_timeout_seconds"`
		MaxIterationsGlobal int  `json:"max_iterations_global"`
		ContinueOnError     bool `json:"continue_on_error"`
		WorkerPoolSize      int  `json:"worker_pool_size"`
	} `json:"options"`
}

func (s *Server) handleStartExecution(c *gin.Context) {
	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	g, err := graph.Build(req.Diagram)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	opts := &engine.ExecutionOptions{
		Variables:           req.Variables,
		ContinueOnError:     req.Options.ContinueOnError,
		MaxIterationsGlobal: req.Options.MaxIterationsGlobal,
		WorkerPoolSize:      req.Options.WorkerPoolSize,
	}
	if req.Options.TimeoutSeconds > 0 {
		opts.Timeout = secondsToDuration(req.Options.TimeoutSeconds)
	}
	if req.Options.NodeTimeoutSeconds > 0 {
		opts.NodeTimeout = secondsToDuration(req.Options.NodeTimeoutSeconds)
	}

	id, stream, err := s.engine.Execute(c.Request.Context(), g, opts)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	// The REST surface is fire-and-observe: clients follow progress over
	// the websocket. The stream still has to be consumed.
	go func() {
		for range stream {
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"execution_id": string(id),
		"channel":      models.ExecutionChannel(id),
	})
}

func (s *Server) handleListExecutions(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	summaries, err := s.engine.ListExecutions(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"executions": summaries})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	id := models.ExecutionID(c.Param("id"))

	state, err := s.engine.GetExecutionState(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, state)
}

func (s *Server) handleCancel(c *gin.Context) {
	s.engine.Cancel(models.ExecutionID(c.Param("id")))
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.engine.Pause(models.ExecutionID(c.Param("id"))); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.engine.Resume(models.ExecutionID(c.Param("id"))); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) handleRouterStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.router.Stats())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	value := fallback
	if _, err := fmt.Sscanf(c.Query(name), "%d", &value); err != nil {
		return fallback
	}
	return value
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
