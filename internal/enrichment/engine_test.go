package enrichment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/seeder/internal/record"
)

type memStore struct {
	mu     sync.Mutex
	tables map[string][]*record.Record
	err    error
}

func (m *memStore) Insert(_ context.Context, table string, records []*record.Record) error {
	if m.err != nil {
		return m.err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tables == nil {
		m.tables = map[string][]*record.Record{}
	}

	m.tables[table] = append(m.tables[table], records...)

	return nil
}

type countingEnricher struct {
	name  string
	calls atomic.Int32
	out   map[string]any
	err   error
}

func (c *countingEnricher) Name() string { return c.name }

func (c *countingEnricher) Enrich(context.Context, *record.Record) (map[string]any, error) {
	c.calls.Add(1)

	return c.out, c.err
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func post(id, content string, followers, likes float64) *record.Record {
	return record.FromMap(record.ShapeSocialPost, map[string]any{
		"id":        id,
		"platform":  "twitter",
		"content":   content,
		"followers": followers,
		"likes":     likes,
	})
}

func TestEngine_EnrichMergesAndScores(t *testing.T) {
	store := &memStore{}
	e := NewEngine(quiet(), WithStore(store), WithEnrichers(
		NewSentimentEnricher("content"),
		NewAudienceEnricher(),
		NewBenchmarkEnricher(map[string]float64{"Twitter": 0.02}),
	))

	input := []*record.Record{post("1", "great launch, love it", 5000, 250)}

	var lineage record.Lineage
	lineage.Append("source", "synthetic", e.now())

	results, batch, err := e.Enrich(context.Background(), input, lineage)
	require.NoError(t, err)
	require.Len(t, results, 1)

	out := results[0].Record
	label, _ := out.Get("sentiment_label")
	assert.Equal(t, "positive", label)
	tier, _ := out.Get("audience_tier")
	assert.Equal(t, "micro", tier)
	engagement, _ := out.Get("audience_engagement")
	assert.Equal(t, "high", engagement)
	perf, _ := out.Get("benchmark_performance")
	assert.Equal(t, "above", perf)

	assert.Equal(t, []string{"sentiment", "audience", "benchmark"}, results[0].Sources)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.False(t, input[0].Has("sentiment_label"), "input records are not mutated")

	batchID, _ := out.Get(BatchField)
	assert.Equal(t, batch.ID.String(), batchID)
	assert.Equal(t, []string{"source", "enrichment"}, batch.Lineage.Names())
	assert.Len(t, store.tables[Table], 1)
	assert.Len(t, e.Audit(), 1)
}

func TestEngine_PartialEnrichmentLowersScore(t *testing.T) {
	e := NewEngine(quiet(), WithEnrichers(NewSentimentEnricher("content"), NewAudienceEnricher()))

	results, _, err := e.Enrich(context.Background(), []*record.Record{
		record.FromMap(record.ShapeSocialPost, map[string]any{"id": "1", "followers": 10.0}),
	}, record.Lineage{})
	require.NoError(t, err)

	res := results[0]
	assert.Equal(t, []string{"audience"}, res.Sources)
	assert.Contains(t, res.Failed, "sentiment")
	// coverage 0.5, completeness 1, produced values usable 1.
	assert.InDelta(t, 0.4*0.5+0.3+0.3, res.Score, 1e-9)
}

func TestEngine_MemoisesByFingerprint(t *testing.T) {
	en := &countingEnricher{name: "static", out: map[string]any{"segment": "a"}}
	e := NewEngine(quiet(), WithEnrichers(en))

	batch := []*record.Record{post("1", "x", 1, 1), post("1", "x", 1, 1), post("2", "y", 1, 1)}

	_, b, err := e.Enrich(context.Background(), batch, record.Lineage{})
	require.NoError(t, err)

	assert.Equal(t, int32(2), en.calls.Load())
	assert.Equal(t, 1, b.CacheHits)
}

func TestEngine_FailedEnricherOutputIsNotCached(t *testing.T) {
	en := &countingEnricher{name: "flaky", err: errors.New("rate limited")}
	e := NewEngine(quiet(), WithEnrichers(en))
	batch := []*record.Record{post("1", "x", 1, 1)}

	for range 2 {
		_, _, err := e.Enrich(context.Background(), batch, record.Lineage{})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), en.calls.Load())
}

func TestEngine_StoreFailureAbortsBatch(t *testing.T) {
	store := &memStore{err: errors.New("connection refused")}
	e := NewEngine(quiet(), WithStore(store))

	results, _, err := e.Enrich(context.Background(), []*record.Record{post("1", "ok", 1, 1)}, record.Lineage{})

	require.ErrorIs(t, err, ErrPersistFailed)
	assert.Nil(t, results)
	assert.Empty(t, e.Audit(), "failed batches are not audited")
}

func TestEngine_CancelledContextAbortsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewEngine(quiet()).Enrich(ctx, []*record.Record{post("1", "ok", 1, 1)}, record.Lineage{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_AuditIsBounded(t *testing.T) {
	e := NewEngine(quiet(), WithAuditSize(2))

	for range 3 {
		_, _, err := e.Enrich(context.Background(), nil, record.Lineage{})
		require.NoError(t, err)
	}

	assert.Len(t, e.Audit(), 2)
}

func TestEngine_PanickingEnricherIsContained(t *testing.T) {
	e := NewEngine(quiet(), WithEnrichers(panicEnricher{}))

	results, _, err := e.Enrich(context.Background(), []*record.Record{post("1", "ok", 1, 1)}, record.Lineage{})
	require.NoError(t, err)
	assert.Contains(t, results[0].Failed["panic"], "panicked")
}

type panicEnricher struct{}

func (panicEnricher) Name() string { return "panic" }

func (panicEnricher) Enrich(context.Context, *record.Record) (map[string]any, error) {
	panic("boom")
}
