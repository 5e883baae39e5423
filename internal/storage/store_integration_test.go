package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/seeder/internal/config"
)

func TestPostgresStoresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	conn := &Connection{DB: testDB.Connection}
	require.NoError(t, conn.HealthCheck(ctx))

	t.Run("RecordStore_CopyInDeliveries", func(t *testing.T) {
		store, err := NewRecordStore(conn)
		require.NoError(t, err)

		runID := uuid.New()
		tagged := WithEngine(WithRunID(ctx, runID), "recommender")

		require.NoError(t, store.Insert(tagged, TableDeliveries, testRecords("p1", "p2", "p3")))

		n, err := store.Count(ctx, TableDeliveries, &runID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		var engine string
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT engine FROM engine_deliveries WHERE run_id = $1 LIMIT 1", runID).Scan(&engine))
		assert.Equal(t, "recommender", engine)

		var platform string
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT payload->'fields'->>'platform' FROM engine_deliveries WHERE record_id = 'p1'").Scan(&platform))
		assert.Equal(t, "tiktok", platform)
	})

	t.Run("RecordStore_EmptyBatchIsNoop", func(t *testing.T) {
		store, err := NewRecordStore(conn)
		require.NoError(t, err)

		require.NoError(t, store.Insert(ctx, TableNormalized, nil))

		n, err := store.Count(ctx, TableNormalized, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("RecordStore_UnknownTable", func(t *testing.T) {
		store, err := NewRecordStore(conn)
		require.NoError(t, err)

		require.ErrorIs(t, store.Insert(ctx, "pipeline_runs", testRecords("x")), ErrUnknownTable)
	})

	t.Run("RunStore_SaveAndList", func(t *testing.T) {
		testDB.Truncate(ctx, t, "pipeline_runs")

		store, err := NewRunStore(conn)
		require.NoError(t, err)

		started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		run := &Run{
			ID:               uuid.New(),
			Strategies:       []string{"social", "benchmarks"},
			Status:           RunCompleted,
			RecordsCollected: 70,
			QualityScore:     0.9,
			Summary:          map[string]any{"engines": float64(2)},
			StartedAt:        started,
			CompletedAt:      started.Add(time.Minute),
		}
		require.NoError(t, store.SaveRun(ctx, run))

		run.Status = RunFailed
		run.Error = "distribution failed"
		require.NoError(t, store.SaveRun(ctx, run))

		got, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, RunFailed, got.Status)
		assert.Equal(t, "distribution failed", got.Error)
		assert.Equal(t, []string{"social", "benchmarks"}, got.Strategies)
		assert.Equal(t, float64(2), got.Summary["engines"])

		runs, err := store.RecentRuns(ctx, 5)
		require.NoError(t, err)
		assert.Len(t, runs, 1)

		_, err = store.GetRun(ctx, uuid.New())
		require.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("Migrator_Status", func(t *testing.T) {
		migrator, err := NewMigrator(conn, nil)
		require.NoError(t, err)

		t.Cleanup(func() { _ = migrator.Close() })

		require.NoError(t, migrator.Up())

		status, err := migrator.Status()
		require.NoError(t, err)
		assert.False(t, status.Dirty)
		assert.False(t, status.Pending())
		assert.Equal(t, uint(2), status.Version)
	})
}
