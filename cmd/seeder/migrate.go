package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/correlator-io/seeder/internal/storage"
)

var errDirtySchema = errors.New("schema is dirty; fix the failed migration and force its version")

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
		Long: `Apply or roll back the embedded migrations against SEEDER_DATABASE_URL.

Migrations are compiled into the binary, so no migrations directory is needed
at deploy time.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(func(m *storage.Migrator) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(func(m *storage.Migrator) error { return m.Down() })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(func(m *storage.Migrator) error {
					return printMigrationStatus(cmd.OutOrStdout(), m)
				})
			},
		},
	)

	return cmd
}

// withMigrator connects, runs fn and releases the migrator and connection.
func withMigrator(fn func(*storage.Migrator) error) error {
	logger := newLogger()

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	migrator, err := storage.NewMigrator(conn, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("Failed to close migrator", slog.String("error", err.Error()))
		}
	}()

	return fn(migrator)
}

func printMigrationStatus(out io.Writer, m *storage.Migrator) error {
	status, err := m.Status()
	if err != nil {
		return err
	}

	state := "up to date"
	if status.Pending() {
		state = "migrations pending"
	}

	if _, err := fmt.Fprintf(out, "version %d of %d (%s)\n", status.Version, status.Latest, state); err != nil {
		return err
	}

	if status.Dirty {
		return fmt.Errorf("%w: version %d", errDirtySchema, status.Version)
	}

	return nil
}
