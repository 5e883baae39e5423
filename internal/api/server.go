// Package api provides the operator HTTP API of the seeder: probes, metrics,
// pipeline status, run control and runtime registration of sources and
// strategies.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/seeder/internal/api/middleware"
	"github.com/correlator-io/seeder/internal/orchestrator"
)

// ErrMissingPipeline is returned by NewServer when Dependencies has no Pipeline.
var ErrMissingPipeline = errors.New("api server requires a pipeline")

type (
	// Pipeline is the slice of the orchestrator the API drives.
	Pipeline interface {
		Status() orchestrator.Status
		History() []*orchestrator.Report
		Launch(ctx context.Context, strategy string) (uuid.UUID, <-chan orchestrator.RunResult, error)
		Stop() bool
		MarkEngineReady(engine string) error
	}

	// HealthChecker reports whether a backing store is reachable.
	// storage.Connection implements it.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies are the runtime collaborators of the server. Only Pipeline
	// and Components are required.
	Dependencies struct {
		Pipeline    Pipeline
		Components  orchestrator.Components
		Metrics     http.Handler           // nil disables GET /metrics
		Health      HealthChecker          // nil reports ready without a storage check
		RateLimiter middleware.RateLimiter // nil disables rate limiting
		Logger      *slog.Logger           // nil builds a JSON logger at cfg.LogLevel
		Version     string
	}
)

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler
	logger     *slog.Logger
	config     *ServerConfig
	deps       Dependencies
	startTime  time.Time

	// runCtx outlives requests so launched runs survive the response.
	runCtx context.Context //nolint:containedctx // lifetime of the server
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig:
// configuration says what, dependencies say how.
func NewServer(cfg *ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, ErrMissingPipeline
	}

	if deps.Components.Sources == nil || deps.Components.Strategies == nil ||
		deps.Components.Schemas == nil || deps.Components.Distributor == nil {
		return nil, orchestrator.ErrMissingComponent
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		}))
	}

	if deps.Version == "" {
		deps.Version = "dev"
	}

	mux := http.NewServeMux()

	server := &Server{
		mux:       mux,
		logger:    logger,
		config:    cfg,
		deps:      deps,
		startTime: time.Now(),
		runCtx:    context.Background(),
	}

	server.setupRoutes(mux)

	logger.Warn("Operator API has no authentication - expose it on trusted networks only")

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	if deps.Health == nil {
		logger.Warn("Storage not configured - readiness check disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RateLimit - block requests before expensive operations (optional)
	//   4. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   5. CORS - lightweight header manipulation
	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      server.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until ctx is cancelled, SIGINT or
// SIGTERM is received, or the listener fails. Runs launched through the API
// inherit ctx.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()
	s.runCtx = ctx

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(stop)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting seeder API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case <-ctx.Done():
		s.logger.Info("Context cancelled, shutting down")
	}

	return s.shutdown()
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	// Halt any active run at its next phase boundary.
	if s.deps.Pipeline.Stop() {
		s.logger.Info("Stop requested for active pipeline run")
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close rate limiter to stop (InMemoryRateLimiter) background cleanup goroutines
	if s.deps.RateLimiter != nil {
		if limiter, ok := s.deps.RateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
			} else {
				s.logger.Info("Rate limiter closed successfully")
			}
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
