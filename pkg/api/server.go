// Package api implements C8, the public HTTP API: squad/template
// management, conversation lifecycle, timeline reads, and SSE mounting,
// fronting C2-C7 behind one gin router.
//
// Grounded on tarsy's pkg/api/server.go: a Server struct that holds every
// wired service as a field, a ValidateWiring pass that collects every
// missing-service error before the caller ever calls Start, and one
// route table built once in setupRoutes. Translated from that file's Echo
// framework calls to gin — gin is what cmd/tarsy/main.go and go.mod
// actually wire, while tarsy's own pkg/api is a parallel, never-adopted
// Echo rewrite its entrypoint doesn't use.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensquad/squadron/pkg/bus"
	"github.com/opensquad/squadron/pkg/conversation"
	"github.com/opensquad/squadron/pkg/database"
	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/sse"
	"github.com/opensquad/squadron/pkg/squad"
)

// Server wires every component behind one HTTP surface. Every field is
// required at ValidateWiring time — there is no partial-wiring mode, unlike
// tarsy's Server which tolerates several optional services, because
// squadron's API has no feature that can run with a component missing.
type Server struct {
	router *gin.Engine
	http   *http.Server

	pool   *pgxpool.Pool
	squads *squad.Service
	conv   *conversation.Service
	log    *eventlog.Log
	bus    *bus.Bus
	stream *sse.Manager
}

// NewServer builds a Server and its route table. addr is the listen
// address passed to Start (e.g. ":8080").
func NewServer(pool *pgxpool.Pool, squads *squad.Service, conv *conversation.Service, log *eventlog.Log, b *bus.Bus, stream *sse.Manager, addr string) *Server {
	s := &Server{
		pool:   pool,
		squads: squads,
		conv:   conv,
		log:    log,
		bus:    b,
		stream: stream,
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestLogger(), securityHeaders())
	s.setupRoutes()
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// ValidateWiring reports every missing dependency in one error, grounded on
// tarsy's pkg/api/server.go ValidateWiring's errors.Join accumulation
// pattern.
func (s *Server) ValidateWiring() error {
	var errs []error
	if s.pool == nil {
		errs = append(errs, fmt.Errorf("api: database pool not wired"))
	}
	if s.squads == nil {
		errs = append(errs, fmt.Errorf("api: squad service not wired"))
	}
	if s.conv == nil {
		errs = append(errs, fmt.Errorf("api: conversation service not wired"))
	}
	if s.log == nil {
		errs = append(errs, fmt.Errorf("api: event log not wired"))
	}
	if s.bus == nil {
		errs = append(errs, fmt.Errorf("api: bus not wired"))
	}
	if s.stream == nil {
		errs = append(errs, fmt.Errorf("api: sse manager not wired"))
	}
	return errors.Join(errs...)
}

func (s *Server) setupRoutes() {
	s.router.POST("/auth/login", s.handleLogin)
	s.router.GET("/health", s.handleHealth)

	s.router.POST("/squads", s.handleCreateSquad)
	s.router.GET("/squads/:id", s.handleGetSquad)
	s.router.POST("/templates", s.handleRegisterTemplate)
	s.router.POST("/templates/:slug/apply", s.handleApplyTemplate)

	s.router.POST("/squads/:id/conversations", s.handleInitiateConversation)
	s.router.POST("/conversations/:id/messages", s.handlePostMessage)
	s.router.GET("/conversations/:id/timeline", s.handleTimeline)

	s.router.GET("/squads/:id/agents/:agentId/watermark", s.handleWatermark)

	s.router.GET("/sse/squad/:id", s.handleStreamSquad)
	s.router.GET("/sse/execution/:id", s.handleStreamExecution)
}

// Router exposes the underlying gin.Engine for tests that want to drive
// requests through httptest without binding a real listener.
func (s *Server) Router() *gin.Engine { return s.router }

// Start begins serving and blocks until the listener fails or Shutdown is
// called (in which case it returns nil).
func (s *Server) Start() error {
	if err := s.ValidateWiring(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests (bounded by ctx's deadline) before
// closing the listener. Long-lived SSE connections are cut short by ctx's
// deadline, same as any other in-flight request — graceful shutdown gives
// them a window to notice r.Context().Done(), not an unbounded grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, dbErr := database.Health(ctx, s.pool)
	status := http.StatusOK
	overall := "healthy"
	if dbErr != nil {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	c.JSON(status, HealthResponse{
		Status:    overall,
		Database:  dbHealth,
		BusQueues: s.bus.QueueDepths(),
		CheckedAt: time.Now().UTC(),
	})
}
