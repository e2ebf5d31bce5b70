// Package server exposes the session pool over a JSON HTTP API, plus a
// WebSocket stream of live session output.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/approval"
	"github.com/nwiizo/ccswarm/internal/common/apperr"
	"github.com/nwiizo/ccswarm/internal/common/config"
	"github.com/nwiizo/ccswarm/internal/common/logger"
	"github.com/nwiizo/ccswarm/internal/session"
	"github.com/nwiizo/ccswarm/internal/tracing"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	logger    *logger.Logger
	cfg       *config.Config
	manager   *session.Manager
	collector *tracing.Collector
	approvals *approval.Manager
	startedAt time.Time

	engine *gin.Engine
	http   *http.Server
}

// New assembles the server and its routes. The approval manager is the
// one the workflow engine files requests against; the HTTP surface is
// where operators decide them.
func New(cfg *config.Config, manager *session.Manager, collector *tracing.Collector, approvals *approval.Manager, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		logger:    log.WithFields(zap.String("component", "http-server")),
		cfg:       cfg,
		manager:   manager,
		collector: collector,
		approvals: approvals,
		startedAt: time.Now().UTC(),
		engine:    engine,
	}
	s.registerRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return s
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the gin engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	s.engine.POST("/sessions", s.handleCreateSession)
	s.engine.GET("/sessions", s.handleListSessions)
	s.engine.POST("/sessions/:name/execute", s.handleExecute)
	s.engine.GET("/sessions/:name/output", s.handleOutput)
	s.engine.GET("/sessions/:name/status", s.handleStatus)
	s.engine.GET("/sessions/:name/stream", s.handleStream)
	s.engine.DELETE("/sessions/:name", s.handleDelete)

	if s.approvals != nil {
		s.engine.GET("/approvals", s.handleListApprovals)
		s.engine.GET("/approvals/history", s.handleApprovalHistory)
		s.engine.POST("/approvals/:id/approve", s.handleApprove)
		s.engine.POST("/approvals/:id/reject", s.handleReject)
		s.engine.POST("/approvals/:id/modify", s.handleModify)
	}
}

// errorBody is the JSON error envelope.
func errorBody(err error) gin.H {
	body := gin.H{"error": http.StatusText(apperr.HTTPStatus(err))}
	if err != nil {
		body["detail"] = err.Error()
	}
	return body
}

func (s *Server) abortWith(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), errorBody(err))
}

// kindOf maps session-layer sentinel errors onto the apperr taxonomy.
func kindOf(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return apperr.Wrap(apperr.KindNotFound, "session not found", err)
	case errors.Is(err, session.ErrSessionExists):
		return apperr.Wrap(apperr.KindAlreadyExists, "session exists", err)
	case errors.Is(err, session.ErrInvalidName):
		return apperr.Wrap(apperr.KindInvalidArgument, "invalid session name", err)
	default:
		return apperr.Wrap(apperr.KindInternal, "session operation failed", err)
	}
}

// CreateSessionRequest is the POST /sessions body.
type CreateSessionRequest struct {
	Name             string `json:"name"`
	WorkingDir       string `json:"working_dir,omitempty"`
	EnableAIFeatures bool   `json:"enable_ai_features,omitempty"`
}

// SessionResponse describes one session over the wire.
type SessionResponse struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	State     session.State `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWith(c, apperr.Wrap(apperr.KindInvalidArgument, "invalid request body", err))
		return
	}

	cfg := session.Config{
		WorkingDir:            req.WorkingDir,
		OutputBufferSize:      s.cfg.Sessions.OutputBufferSize,
		AllowHeadlessFallback: s.cfg.Sessions.AllowHeadlessFallback,
		EnableAIFeatures:      req.EnableAIFeatures,
	}
	sess, err := s.manager.CreateSession(req.Name, cfg)
	if err != nil {
		s.abortWith(c, kindOf(err))
		return
	}
	if err := sess.Start(); err != nil {
		s.manager.RemoveSession(sess.ID)
		s.abortWith(c, apperr.Wrap(apperr.KindBackendIO, "failed to start session", err))
		return
	}

	c.JSON(http.StatusCreated, SessionResponse{
		ID:        sess.ID,
		Name:      sess.Name,
		State:     sess.State(),
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.manager.ListSessions()
	out := make([]session.Status, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Status())
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": out,
		"total":    len(out),
	})
}

// ExecuteRequest is the POST /sessions/{name}/execute body.
type ExecuteRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		s.abortWith(c, apperr.New(apperr.KindInvalidArgument, "command must not be empty"))
		return
	}

	sess, err := s.manager.GetByName(c.Param("name"))
	if err != nil {
		s.abortWith(c, kindOf(err))
		return
	}

	start := time.Now()
	output, err := sess.ExecuteCommand(req.Command)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success":           false,
			"output":            "",
			"error":             err.Error(),
			"execution_time_ms": elapsed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"output":            output,
		"execution_time_ms": elapsed,
	})
}

func (s *Server) handleOutput(c *gin.Context) {
	sess, err := s.manager.GetByName(c.Param("name"))
	if err != nil {
		s.abortWith(c, kindOf(err))
		return
	}

	raw := strings.Join(sess.ReadOutput(0), "\n")
	screen := strings.Join(sess.Screen(), "\n")
	c.JSON(http.StatusOK, gin.H{
		"session_name": sess.Name,
		"output":       screen,
		"raw_output":   raw,
		"timestamp":    time.Now().UTC(),
		"size_bytes":   len(raw),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	sess, err := s.manager.GetByName(c.Param("name"))
	if err != nil {
		s.abortWith(c, kindOf(err))
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

func (s *Server) handleDelete(c *gin.Context) {
	sess, err := s.manager.GetByName(c.Param("name"))
	if err != nil {
		s.abortWith(c, kindOf(err))
		return
	}
	s.manager.RemoveSession(sess.ID)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"sessions":       len(s.manager.ListSessions()),
	}
	if s.collector != nil {
		if stats, err := s.collector.GetStats(); err == nil {
			body["traces"] = stats.TotalTraces
		}
	}
	c.JSON(http.StatusOK, body)
}
