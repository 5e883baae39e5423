package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/correlator-io/seeder/internal/api"
	"github.com/correlator-io/seeder/internal/api/middleware"
	"github.com/correlator-io/seeder/internal/config"
	"github.com/correlator-io/seeder/internal/orchestrator"
)

func newServeCmd() *cobra.Command {
	var continuous bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator API server",
		Long: `Start the operator API: probes, Prometheus metrics, pipeline status, run
control and runtime registration of sources and strategies.

With --continuous (or SEEDER_CONTINUOUS=true) the pipeline also runs on its
schedule until the server shuts down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), continuous)
		},
	}

	cmd.Flags().BoolVar(&continuous, "continuous", config.GetEnvBool("SEEDER_CONTINUOUS", false),
		"run the pipeline on its schedule while serving")

	return cmd
}

func runServe(ctx context.Context, continuous bool) error {
	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting seeder service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	a, err := newApp(logger)
	if err != nil {
		logger.Error("Failed to initialize pipeline", slog.String("error", err.Error()))

		return err
	}
	defer a.Close()

	middlewareConfig := middleware.LoadConfig()

	// Closed by the server on shutdown.
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
	)

	deps := api.Dependencies{
		Pipeline:    a.pipeline,
		Components:  a.components,
		Metrics:     a.metrics.Handler(),
		RateLimiter: rateLimiter,
		Logger:      logger,
		Version:     version,
	}
	if a.conn != nil {
		deps.Health = a.conn
	}

	server, err := api.NewServer(serverConfig, deps)
	if err != nil {
		rateLimiter.Close() //nolint:errcheck // already failing

		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduled := make(chan error, 1)

	if continuous {
		logger.Info("Continuous mode enabled")

		go func() { scheduled <- a.pipeline.RunScheduled(ctx) }()
	} else {
		close(scheduled)
	}

	if err := server.Start(ctx); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))

		return err
	}

	cancel()

	if err := <-scheduled; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, orchestrator.ErrRunStopped) {
		logger.Error("Scheduled pipeline stopped with error", slog.String("error", err.Error()))
	}

	logger.Info("Seeder service stopped")

	return nil
}
