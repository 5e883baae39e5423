package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/seeder/internal/config"
	"github.com/correlator-io/seeder/internal/record"
)

func TestSQLAdapter_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	_, err := testDB.Connection.ExecContext(ctx, `
		CREATE TABLE social_posts (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			likes INTEGER NOT NULL,
			published_at TIMESTAMPTZ NOT NULL
		);
		INSERT INTO social_posts VALUES
			('p1', 'twitter', 10, '2025-01-01T00:00:00Z'),
			('p2', 'linkedin', 4, '2025-02-01T00:00:00Z'),
			('p3', 'twitter', 7, '2025-03-01T00:00:00Z');
	`)
	require.NoError(t, err)

	adapter := NewSQLAdapter(testDB.Connection)
	cfg := Config{
		ID:    "warehouse",
		Kind:  KindDatabase,
		Shape: record.ShapeSocialPost,
		Params: map[string]string{
			"query": "SELECT id, platform, likes, published_at FROM social_posts WHERE published_at > $1 ORDER BY id",
		},
	}

	t.Run("all rows without cursor", func(t *testing.T) {
		out, err := adapter.Fetch(ctx, cfg, nil)
		require.NoError(t, err)
		require.Len(t, out, 3)

		likes, ok := out[0].Get("likes")
		require.True(t, ok)
		assert.InDelta(t, 10.0, likes, 1e-9)
		assert.Equal(t, "p1", out[0].ID())
	})

	t.Run("cursor filters rows", func(t *testing.T) {
		since := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

		out, err := adapter.Fetch(ctx, cfg, &since)
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})

	t.Run("collector wiring", func(t *testing.T) {
		c := NewCollector(WithLogger(quietLogger()), WithAdapter(KindDatabase, adapter))
		cfg.Enabled = true

		r := c.Collect(ctx, cfg, nil)
		require.True(t, r.Success, r.Error)
		assert.Equal(t, 3, r.RecordsCollected)
	})

	t.Run("missing query", func(t *testing.T) {
		_, err := adapter.Fetch(ctx, Config{ID: "empty", Kind: KindDatabase}, nil)
		assert.ErrorIs(t, err, ErrMissingQuery)
	})
}
