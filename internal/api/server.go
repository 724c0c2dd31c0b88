// Package api serves the REST and live-stream surface over the trading
// engine's shared backends.
//
// The surface splits in three: /public/v1/* is unauthenticated but rate
// limited per client IP and scrubbed of anything sensitive; /v1/* requires a
// bearer token resolved against the users table with role checks on writes;
// /ws is the live event stream tailing the event log with cursor resume.
//
// The API never touches engine internals directly: control actions go
// through the control plane, reads go through the repository, and the kill
// switch and daily lock are reached via the breaker manager.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"quantsail/internal/breakers"
	"quantsail/internal/config"
	"quantsail/internal/control"
	"quantsail/internal/repo"
	"quantsail/internal/secrets"
	"quantsail/pkg/types"
)

// Server runs the HTTP and WebSocket API.
type Server struct {
	cfg      config.APIConfig
	repo     *repo.Repository
	plane    control.Plane
	breakers *breakers.Manager
	daily    *breakers.DailyLock
	box      *secrets.Box
	limiter  *ipLimiter
	server   *http.Server
	logger   *slog.Logger
	clock    types.Clock
}

// NewServer wires the routes. box may be nil when no master key is
// configured; the exchange-key endpoints then refuse writes.
func NewServer(
	cfg config.APIConfig,
	r *repo.Repository,
	plane control.Plane,
	brk *breakers.Manager,
	daily *breakers.DailyLock,
	box *secrets.Box,
	logger *slog.Logger,
	clock types.Clock,
) *Server {
	if clock == nil {
		clock = types.RealClock{}
	}
	s := &Server{
		cfg:      cfg,
		repo:     r,
		plane:    plane,
		breakers: brk,
		daily:    daily,
		box:      box,
		limiter:  newIPLimiter(cfg.PublicRatePerMinute),
		logger:   logger.With("component", "api"),
		clock:    clock,
	}

	mux := http.NewServeMux()

	// Public, rate limited, scrubbed.
	mux.HandleFunc("GET /public/v1/summary", s.withRateLimit(s.handlePublicSummary))
	mux.HandleFunc("GET /public/v1/trades", s.withRateLimit(s.handlePublicTrades))
	mux.HandleFunc("GET /public/v1/events", s.withRateLimit(s.handlePublicEvents))
	mux.HandleFunc("GET /public/v1/heartbeat", s.withRateLimit(s.handlePublicHeartbeat))

	// Private reads.
	mux.HandleFunc("GET /v1/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("GET /v1/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("GET /v1/trades", s.withAuth(s.handleTrades))
	mux.HandleFunc("GET /v1/events", s.withAuth(s.handleEvents))
	mux.HandleFunc("GET /v1/equity", s.withAuth(s.handleEquity))

	// Lifecycle and safety writes.
	mux.HandleFunc("POST /v1/bot/arm", s.withOperator(s.handleArm))
	mux.HandleFunc("POST /v1/bot/start", s.withOperator(s.handleStart))
	mux.HandleFunc("POST /v1/bot/pause", s.withOperator(s.handlePause))
	mux.HandleFunc("POST /v1/bot/resume", s.withOperator(s.handleResume))
	mux.HandleFunc("POST /v1/bot/stop", s.withOperator(s.handleStop))
	mux.HandleFunc("POST /v1/kill-switch", s.withOperator(s.handleKillSwitch))
	mux.HandleFunc("DELETE /v1/kill-switch", s.withOperator(s.handleKillSwitchReset))
	mux.HandleFunc("POST /v1/news", s.withOperator(s.handleNewsIngest))

	// Credential and user management.
	mux.HandleFunc("POST /v1/exchange-keys", s.withOperator(s.handleCreateExchangeKey))
	mux.HandleFunc("GET /v1/exchange-keys/{exchange}", s.withOperator(s.handleGetExchangeKey))
	mux.HandleFunc("DELETE /v1/exchange-keys/{id}", s.withOperator(s.handleRevokeExchangeKey))
	mux.HandleFunc("POST /v1/users", s.withOperator(s.handleCreateUser))

	// Live stream.
	mux.HandleFunc("GET /ws", s.handleStream)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("api server stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
