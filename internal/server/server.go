// Package server is the HTTP gateway in front of the task client.
//
// server.go - Gateway construction, middleware chain and lifecycle
//
// Routes:
// - /health, /ready and /metrics without authentication
// - /api/agent/* and /api/schedules* behind auth and rate limiting
// - /mcp, the MCP streamable transport, behind the same chain
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentbridge/internal/auth"
	"github.com/HyphaGroup/agentbridge/internal/history"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/mcp"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
	"github.com/HyphaGroup/agentbridge/internal/schedule"
)

// TaskService is the task client as seen by the gateway
type TaskService interface {
	mcp.TaskService
	Connected() bool
}

// Config holds listener and middleware settings
type Config struct {
	Address           string
	AuthEnabled       bool
	RequestsPerSecond float64
	Burst             int
}

// Deps are the gateway's collaborators. Tokens is required when auth is
// enabled; History, Schedules and MCP are optional.
type Deps struct {
	Tasks     TaskService
	Tokens    auth.Validator
	History   *history.Store
	Schedules *schedule.Runner
	MCP       *mcp.Server
}

// Server serves the gateway routes
type Server struct {
	cfg     Config
	deps    Deps
	limiter *auth.RateLimiter
	handler http.Handler
}

// New builds the gateway. It fails when auth is enabled without a token
// validator.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.AuthEnabled && deps.Tokens == nil {
		return nil, errors.New("auth is enabled but no token store is configured")
	}
	if deps.Tasks == nil {
		return nil, errors.New("task service is required")
	}

	limiter := auth.DefaultRateLimiter()
	if cfg.RequestsPerSecond > 0 && cfg.Burst > 0 {
		limiter = auth.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst)
	}

	s := &Server{cfg: cfg, deps: deps, limiter: limiter}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.Handle("POST /api/agent/execute", auth.RequireWrite(http.HandlerFunc(s.handleExecute)))
	api.Handle("POST /api/agent/cancel", auth.RequireWrite(http.HandlerFunc(s.handleCancel)))
	api.HandleFunc("GET /api/agent/status", s.handleStatus)
	api.HandleFunc("GET /api/agent/events", s.handleEvents)
	api.HandleFunc("GET /api/agent/history", s.handleHistory)
	api.HandleFunc("GET /api/agent/stats", s.handleStats)
	api.HandleFunc("GET /api/schedules", s.handleSchedules)
	api.Handle("POST /api/schedules/{name}/trigger", auth.RequireWrite(http.HandlerFunc(s.handleTrigger)))
	if s.deps.MCP != nil {
		mcpHandler := s.deps.MCP.Handler()
		api.Handle("/mcp", mcpHandler)
		api.Handle("/mcp/", mcpHandler)
	}

	var authenticate func(http.Handler) http.Handler = auth.Anonymous
	if s.cfg.AuthEnabled {
		authenticate = auth.Middleware(s.deps.Tokens)
	}
	protected := metrics.Middleware(withRequestID(authenticate(auth.RateLimitMiddleware(s.limiter)(api))))

	mainMux := http.NewServeMux()

	// Health endpoints - no authentication required
	mainMux.HandleFunc("GET /health", s.handleHealthCheck)
	mainMux.HandleFunc("GET /ready", s.handleReadinessCheck)

	// Metrics endpoint - no authentication required (Prometheus scraping)
	mainMux.Handle("GET /metrics", metrics.Handler())

	mainMux.Handle("/api/", protected)
	mainMux.Handle("/mcp", protected)
	mainMux.Handle("/mcp/", protected)
	return mainMux
}

// withRequestID tags each request with an id for logs and the response
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := logger.WithRequestID(r.Context(), requestID)
		logger.DebugContext(ctx, "http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.cleanupLimiters(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 agentbridge gateway listening on %s", s.cfg.Address)
		logger.Info("💚 Health check: http://localhost%s/health", s.cfg.Address)
		logger.Info("📊 Metrics: http://localhost%s/metrics", s.cfg.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) cleanupLimiters(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(10 * time.Minute); n > 0 {
				logger.Slog().Debug("evicted idle rate limiters", "count", n)
			}
		}
	}
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadinessCheck reports whether the agent backend is reachable
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Tasks.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "agent backend not connected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
