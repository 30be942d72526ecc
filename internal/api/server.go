package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pump-control/pcc/internal/auth"
	"github.com/pump-control/pcc/internal/config"
)

// Version is reported by /health and /capabilities.
var Version = "dev"

// Deps holds the collaborators of a Server. Any of them may be nil; the
// matching endpoints then answer UNAVAILABLE.
type Deps struct {
	Orchestrator OrchestratorPort
	Telemetry    TelemetryPort
	History      HistoryPort
	// Auth defaults to a disabled middleware.
	Auth   *auth.Middleware
	Logger *zap.Logger
}

// Server represents the HTTP API server.
type Server struct {
	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool

	telemetryHub   TelemetryPort
	orchestrator   OrchestratorPort
	history        HistoryPort
	authMiddleware *auth.Middleware
	limiter        *rate.Limiter
	cfg            config.APIConfig
	startTime      time.Time
	logger         *zap.Logger
}

// NewServer creates a new API server.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mw := deps.Auth
	if mw == nil {
		mw = auth.NewMiddleware(nil, nil, logger)
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		telemetryHub:   deps.Telemetry,
		orchestrator:   deps.Orchestrator,
		history:        deps.History,
		authMiddleware: mw,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:            cfg,
		startTime:      time.Now(),
		logger:         logger.Named("api"),
	}
}

// Handler returns the routed handler with correlation and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withCorrelation(s.withLogging(mux))
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server. A later Serve returns at once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
