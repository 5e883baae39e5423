package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/seeder/internal/record"
)

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
}

func TestSyntheticAdapter_GeneratesDeterministicBatch(t *testing.T) {
	a := NewSyntheticAdapter(fixedClock)
	cfg := Config{ID: "synth", Kind: KindSynthetic, Shape: record.ShapeSocialPost, Params: map[string]string{"count": "25"}}

	first, err := a.Fetch(context.Background(), cfg, nil)
	require.NoError(t, err)
	second, err := a.Fetch(context.Background(), cfg, nil)
	require.NoError(t, err)

	require.Len(t, first, 25)
	assert.Equal(t, first, second)
	assert.Equal(t, "synth-000000", first[0].ID())
	assert.True(t, first[0].HasFields(record.ShapeSocialPost.Fields()))
}

func TestSyntheticAdapter_SinceCursorTruncatesBatch(t *testing.T) {
	a := NewSyntheticAdapter(fixedClock)
	cfg := Config{ID: "synth", Kind: KindSynthetic, Params: map[string]string{"count": "100"}}
	since := time.Date(2025, 6, 1, 11, 50, 0, 0, time.UTC)

	out, err := a.Fetch(context.Background(), cfg, &since)
	require.NoError(t, err)

	// Anchor 12:00, one record per minute back to 11:50 inclusive.
	assert.Len(t, out, 11)
}

func TestSyntheticAdapter_RejectsInvalidCount(t *testing.T) {
	a := NewSyntheticAdapter(fixedClock)

	_, err := a.Fetch(context.Background(), Config{ID: "s", Params: map[string]string{"count": "lots"}}, nil)
	assert.Error(t, err)
}

func TestSyntheticAdapter_ShapesCarryCoreFields(t *testing.T) {
	a := NewSyntheticAdapter(fixedClock)

	for _, shape := range []record.Shape{record.ShapeEngagement, record.ShapeBenchmark, record.ShapeGeneric} {
		out, err := a.Fetch(context.Background(), Config{ID: "s", Shape: shape, Params: map[string]string{"count": "3"}}, nil)
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.True(t, out[0].HasFields(shape.Fields()), shape)
	}
}
