package storage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/correlator-io/seeder/migrations"
)

// MigrationStatus describes the schema version of a database.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Latest  uint
}

// Pending reports whether embedded migrations newer than Version exist.
func (s MigrationStatus) Pending() bool {
	return s.Version < s.Latest
}

// Migrator applies the embedded migrations to a connection.
type Migrator struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// NewMigrator validates the embedded migration set and binds it to conn.
func NewMigrator(conn *Connection, logger *slog.Logger) (*Migrator, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	if err := migrations.Validate(migrations.FS()); err != nil {
		return nil, fmt.Errorf("invalid embedded migrations: %w", err)
	}

	src, err := iofs.New(migrations.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(conn.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Migrator{m: m, logger: logger}, nil
}

// Up applies all pending migrations. No pending migrations is not an error.
func (g *Migrator) Up() error {
	if err := g.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	status, err := g.Status()
	if err == nil {
		g.logger.Info("Migrations applied", slog.Uint64("version", uint64(status.Version)))
	}

	return nil
}

// Down rolls back the most recent migration.
func (g *Migrator) Down() error {
	if err := g.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	return nil
}

// Status returns the current and latest schema versions.
func (g *Migrator) Status() (MigrationStatus, error) {
	latest := uint(max(migrations.MaxVersion(migrations.FS()), 0))

	version, dirty, err := g.m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return MigrationStatus{Latest: latest}, nil
		}

		return MigrationStatus{}, fmt.Errorf("failed to read schema version: %w", err)
	}

	return MigrationStatus{Version: version, Dirty: dirty, Latest: latest}, nil
}

// Close releases the migration source. The *sql.DB behind the connection stays open.
func (g *Migrator) Close() error {
	srcErr, dbErr := g.m.Close()

	return errors.Join(srcErr, dbErr)
}
