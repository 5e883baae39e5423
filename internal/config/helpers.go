// Package config provides environment configuration and shared test utilities for the seeder.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/correlator-io/seeder/migrations"
)

const (
	testPostgresImage = "postgres:16-alpine"
	readyLogCount     = 2
	containerStartup  = 120 * time.Second
)

// TestDatabase is a migrated PostgreSQL container for integration tests.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
	DSN        string
}

// SetupTestDatabase starts PostgreSQL, applies the seeder migrations and
// registers cleanup with t. Callers gate on testing.Short() themselves.
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	container, err := postgres.Run(ctx,
		testPostgresImage,
		postgres.WithDatabase("seeder_test"),
		postgres.WithUsername("seeder"),
		postgres.WithPassword("seeder"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogCount).
				WithStartupTimeout(containerStartup),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		_ = db.Close()
	})

	require.NoError(t, RunTestMigrations(db), "failed to run migrations")

	return &TestDatabase{
		Container:  container,
		Connection: db,
		DSN:        dsn,
	}
}

// Truncate empties the given tables between subtests.
func (d *TestDatabase) Truncate(ctx context.Context, t *testing.T, tables ...string) {
	t.Helper()

	for _, table := range tables {
		_, err := d.Connection.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", table))
		require.NoError(t, err, "failed to truncate %s", table)
	}
}

// RunTestMigrations applies the embedded migrations. ErrNoChange is success.
func RunTestMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	src, err := iofs.New(migrations.FS(), ".")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
