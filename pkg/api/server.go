// Package api serves the HTTP and WebSocket surface: goal submission, task
// board reads and operator actions, the role and agent views, the journal,
// and the live event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/orchestrator"
)

// Server is the HTTP API over one orchestrator.
type Server struct {
	cfg     *config.APIConfig
	orch    *orchestrator.Orchestrator
	stream  *streamManager
	metrics http.Handler

	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer builds the API server. metricsHandler may be nil, in which case
// /metrics is not registered.
func NewServer(cfg *config.APIConfig, orch *orchestrator.Orchestrator, metricsHandler http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		stream:  newStreamManager(orch.Bus(), 10*time.Second),
		metrics: metricsHandler,
	}
	s.engine = s.buildRoutes()
	return s
}

func (s *Server) buildRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(requestLogger(), gin.Recovery())

	e.GET("/healthz", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	if s.metrics != nil {
		e.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := e.Group("/api/v1")
	{
		v1.POST("/goals", s.submitGoalHandler)
		v1.GET("/goals", s.listGoalsHandler)
		v1.GET("/goals/:id", s.getGoalHandler)

		v1.POST("/tasks", s.createTaskHandler)
		v1.GET("/tasks", s.listTasksHandler)
		v1.GET("/tasks/:id", s.getTaskHandler)
		v1.POST("/tasks/:id/cancel", s.cancelTaskHandler)
		v1.POST("/tasks/:id/retry", s.retryTaskHandler)
		v1.POST("/tasks/:id/reassign", s.reassignTaskHandler)

		v1.GET("/agents", s.listAgentsHandler)

		v1.GET("/roles", s.listRolesHandler)
		v1.POST("/roles/:role/pause", s.pauseRoleHandler)
		v1.POST("/roles/:role/resume", s.resumeRoleHandler)

		v1.GET("/events", s.listEventsHandler)
	}

	return e
}

// Handler exposes the routed engine, used by tests via httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listen address and serves until Shutdown. Returns once the
// listener is running; serve errors other than http.ErrServerClosed are
// reported on the returned channel.
func (s *Server) Start() <-chan error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests and closes every WebSocket stream.
// WebSocket connections are hijacked from the HTTP server, so they are
// closed explicitly before waiting on the remaining requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.closeAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
