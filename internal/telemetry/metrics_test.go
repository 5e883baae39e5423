package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/seeder/internal/source"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()

	m, err := NewMetricsWithRegistry(prometheus.NewRegistry())
	require.NoError(t, err)

	return m
}

func TestObserveCollection(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveCollection("tiktok", source.KindAPI, true, 40, 200*time.Millisecond)
	m.ObserveCollection("tiktok", source.KindAPI, false, 0, time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(m.collectionsTotal.WithLabelValues("tiktok", "api", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.collectionsTotal.WithLabelValues("tiktok", "api", "failure")), 0)
	assert.InDelta(t, 40, testutil.ToFloat64(m.collectedRecords.WithLabelValues("tiktok")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.collectionDuration))
}

func TestObserveDistribution(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveDistribution("recommender", "database", true, 70)
	m.ObserveDistribution("ranker", "api", false, 0)

	assert.InDelta(t, 70, testutil.ToFloat64(m.distributedRecords.WithLabelValues("recommender")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.distributionsTotal.WithLabelValues("ranker", "api", "failure")), 0)
}

func TestObservePhaseKeepsSingleCurrentPhase(t *testing.T) {
	m := newTestMetrics(t)

	m.ObservePhase("collection", 0.1)
	m.ObservePhase("normalization", 0.4)

	assert.Equal(t, 1, testutil.CollectAndCount(m.phase))
	assert.InDelta(t, 1, testutil.ToFloat64(m.phase.WithLabelValues("normalization")), 0)
	assert.InDelta(t, 0.4, testutil.ToFloat64(m.progress), 1e-9)
}

func TestObserveRun(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveRun("completed", 0.87, 3*time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")), 0)
	assert.InDelta(t, 0.87, testutil.ToFloat64(m.qualityScore), 1e-9)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveRun("completed", 0.5, time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "seeder_runs_total")
}

func TestNewMetricsRegistersRuntimeCollectors(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	families, err := m.registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}

	assert.Contains(t, names, "go_goroutines")
}
