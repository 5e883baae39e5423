// Package main provides the seeder service: a data seeding pipeline that
// collects records from registered sources, normalizes, enriches and
// quality-gates them, and distributes vetted batches to downstream engines.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/correlator-io/seeder/internal/config"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "seeder"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     name,
		Short:   "Data seeding pipeline for downstream engines",
		Version: version,
		Long: `seeder collects records from registered sources, normalizes them against
engine schemas, enriches and quality-gates the batch, and hands it off to every
engine whose requirements it satisfies.

Sources, schemas, engine requirements and strategies are read from the catalog
file named by SEEDER_CONFIG_PATH (default .seeder.yaml). Storage is PostgreSQL
when SEEDER_DATABASE_URL is set and in-memory otherwise.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newExecuteCmd(),
		newStatusCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", name, version)

			return err
		},
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("SEEDER_LOG_LEVEL", slog.LevelInfo),
	}))
}
