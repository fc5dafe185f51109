package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/metrics"
	"github.com/MOMISBACK/pactengine/internal/server/handler"
	"github.com/MOMISBACK/pactengine/internal/server/middleware"
	"github.com/MOMISBACK/pactengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per minute per caller; 0 disables
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Challenges *handler.ChallengeHandler
	Accounts   *handler.AccountHandler
	Sweeps     *handler.SweepHandler // nil disables the on-demand sweep routes
}

// Deps are the optional collaborators of the HTTP layer.
type Deps struct {
	Hub      *ws.Hub
	Limiter  domain.RateLimiter
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Server is the HTTP + WebSocket API of the pact engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, deps, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler. Tests drive it
// through httptest without binding a port.
func NewHandler(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.AdminOnly(cfg.APIKey)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	c := handlers.Challenges
	mux.HandleFunc("POST /api/challenges", c.Create)
	mux.HandleFunc("GET /api/challenges/current", c.Current)
	mux.HandleFunc("GET /api/challenges/pending", c.Pending)
	mux.HandleFunc("GET /api/challenges/history", c.History)
	mux.HandleFunc("GET /api/challenges/{id}", c.Get)
	mux.HandleFunc("PATCH /api/challenges/{id}", c.Update)
	mux.HandleFunc("DELETE /api/challenges/{id}", c.Delete)
	mux.HandleFunc("POST /api/challenges/{id}/sign", c.Sign)
	mux.HandleFunc("POST /api/challenges/{id}/refuse", c.Refuse)
	mux.HandleFunc("POST /api/challenges/{id}/refresh", c.Refresh)
	mux.HandleFunc("POST /api/challenges/{id}/finalize", c.Finalize)
	mux.HandleFunc("POST /api/challenges/{id}/cancel", c.Cancel)

	a := handlers.Accounts
	mux.HandleFunc("GET /api/diamonds/balance", a.Balance)
	mux.HandleFunc("GET /api/diamonds/transactions", a.Transactions)
	mux.HandleFunc("POST /api/diamonds/daily-chest", a.DailyChest)
	mux.HandleFunc("POST /api/activities", a.RecordActivity)
	mux.Handle("POST /api/admin/grants", admin(http.HandlerFunc(a.Grant)))
	if handlers.Sweeps != nil {
		mux.Handle("POST /api/admin/sweeps/{job}", admin(http.HandlerFunc(handlers.Sweeps.Trigger)))
	}

	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, time.Minute, logger)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger, deps.Metrics)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
