package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/correlator-io/seeder/internal/api/middleware"
	"github.com/correlator-io/seeder/internal/distribution"
	"github.com/correlator-io/seeder/internal/enrichment"
	"github.com/correlator-io/seeder/internal/normalization"
	"github.com/correlator-io/seeder/internal/orchestrator"
	"github.com/correlator-io/seeder/internal/record"
	"github.com/correlator-io/seeder/internal/source"
	"github.com/correlator-io/seeder/internal/storage"
	"github.com/correlator-io/seeder/internal/strategy"
	"github.com/correlator-io/seeder/internal/telemetry"
)

var leakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("connection refused") }

type harness struct {
	t          *testing.T
	server     *Server
	pipeline   *orchestrator.Orchestrator
	components orchestrator.Components
	store      *storage.MemoryStore
	release    chan struct{}
}

type harnessOption func(*Dependencies)

// newHarness wires a server over an in-memory pipeline with one synthetic
// source and one gated api source. The gated source blocks until release is
// closed, which keeps a run active for as long as a test needs.
func newHarness(t *testing.T, withStrategy bool, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{t: t, store: storage.NewMemoryStore(), release: make(chan struct{})}

	sources := source.NewRegistry()
	h.components = orchestrator.Components{
		Sources:    sources,
		Strategies: strategy.NewRegistry(sources),
		Schemas:    normalization.NewSchemaRegistry(),
		Distributor: distribution.NewEngine(
			distribution.WithLogger(quietLogger()),
			distribution.WithTransport(distribution.TransportDatabase, distribution.NewDatabaseTransport(h.store)),
		),
	}

	require.NoError(t, sources.Register(source.Config{
		ID: "synthetic-posts", Kind: source.KindSynthetic, Enabled: true,
		Shape: record.ShapeSocialPost, Params: map[string]string{"count": "20"},
	}))
	require.NoError(t, sources.Register(source.Config{
		ID: "gated", Kind: source.KindAPI, Enabled: true, Shape: record.ShapeSocialPost,
	}))
	require.NoError(t, h.components.Schemas.Register(normalization.Schema{
		ID:            "social-v1",
		TargetEngines: []string{"recommender"},
		Shape:         record.ShapeSocialPost,
		FieldMappings: []normalization.FieldMapping{
			{Source: "id", Target: "id", Required: true},
			{Source: "platform", Target: "platform"},
			{Source: "content", Target: "content"},
		},
	}))
	require.NoError(t, h.components.Distributor.Register(distribution.Requirement{
		Engine: "recommender", MinimumRecords: 10, RequiredFields: []string{"id", "platform"},
	}))

	if withStrategy {
		require.NoError(t, h.components.Strategies.Register(strategy.Strategy{
			Name: "social", TargetEngines: []string{"recommender"}, Sources: []string{"synthetic-posts"},
		}))
	}

	gated := source.AdapterFunc(func(ctx context.Context, _ source.Config, _ *time.Time) ([]*record.Record, error) {
		select {
		case <-h.release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	cfg := orchestrator.DefaultConfig()
	cfg.QualityThreshold = 0

	pipeline, err := orchestrator.New(cfg, h.components,
		orchestrator.WithLogger(quietLogger()),
		orchestrator.WithCollector(source.NewCollector(
			source.WithLogger(quietLogger()),
			source.WithAdapter(source.KindAPI, gated),
		)),
		orchestrator.WithEnricher(enrichment.NewEngine(enrichment.WithLogger(quietLogger()))),
		orchestrator.WithRecordStore(h.store),
		orchestrator.WithRunStore(h.store),
	)
	require.NoError(t, err)

	h.pipeline = pipeline

	deps := Dependencies{
		Pipeline:   pipeline,
		Components: h.components,
		Logger:     quietLogger(),
		Version:    "v0.0.0-test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	cfgServer := LoadServerConfig()
	cfgServer.RunWaitTimeout = 5 * time.Second

	h.server, err = NewServer(cfgServer, deps)
	require.NoError(t, err)

	return h
}

func (h *harness) do(method, target, body string) *httptest.ResponseRecorder {
	h.t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)

	return rr
}

func (h *harness) waitIdle() {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		return !h.pipeline.Status().Running && len(h.pipeline.History()) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()

	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))

	return problem
}

func TestNewServer_RequiresPipeline(t *testing.T) {
	_, err := NewServer(LoadServerConfig(), Dependencies{})
	require.ErrorIs(t, err, ErrMissingPipeline)
}

func TestProbes(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	metrics, err := telemetry.NewMetricsWithRegistry(prometheus.NewRegistry())
	require.NoError(t, err)

	h := newHarness(t, true, func(d *Dependencies) { d.Metrics = metrics.Handler() })

	t.Run("ping", func(t *testing.T) {
		rr := h.do(http.MethodGet, "/ping", "")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "pong", rr.Body.String())
		assert.Equal(t, "v0.0.0-test", rr.Header().Get(versionHeader))
	})

	t.Run("health", func(t *testing.T) {
		rr := h.do(http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var health HealthStatus
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "seeder", health.ServiceName)
		assert.NotEmpty(t, health.Uptime)
	})

	t.Run("ready without storage", func(t *testing.T) {
		rr := h.do(http.MethodGet, "/ready", "")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", rr.Body.String())
	})

	t.Run("metrics", func(t *testing.T) {
		rr := h.do(http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("probes are public", func(t *testing.T) {
		assert.True(t, middleware.IsPublicEndpoint("/ping"))
		assert.True(t, middleware.IsPublicEndpoint("/metrics"))
		assert.False(t, middleware.IsPublicEndpoint("/api/v1/status"))
	})
}

func TestReady_StorageDown(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := newHarness(t, true, func(d *Dependencies) { d.Health = failingHealth{} })

	rr := h.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "storage unavailable", rr.Body.String())
}

func TestNotFound_Problem(t *testing.T) {
	h := newHarness(t, true)

	rr := h.do(http.MethodGet, "/api/v1/nope", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	problem := decodeProblem(t, rr)
	assert.Equal(t, middleware.ProblemTypeBase+"404", problem.Type)
	assert.Equal(t, "/api/v1/nope", problem.Instance)
	assert.NotEmpty(t, problem.CorrelationID)
}

func TestWrongMethod_Problem(t *testing.T) {
	h := newHarness(t, true)

	rr := h.do(http.MethodGet, "/api/v1/orchestration/start", "")
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "POST", rr.Header().Get("Allow"))

	problem := decodeProblem(t, rr)
	assert.Equal(t, middleware.ProblemTypeBase+"405", problem.Type)

	rr = h.do(http.MethodDelete, "/api/v1/sources", "")
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "GET, POST", rr.Header().Get("Allow"))

	rr = h.do(http.MethodPost, "/api/v1/engines/recommender/ready", "")
	assert.NotEqual(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestStatus_Idle(t *testing.T) {
	h := newHarness(t, true)

	rr := h.do(http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var status orchestrator.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, orchestrator.PhaseIdle, status.Phase)
	assert.False(t, status.Running)
	assert.Equal(t, orchestrator.EngineReady, status.Engines["recommender"])
}

func TestStart_Wait(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := newHarness(t, true)

	rr := h.do(http.MethodPost, "/api/v1/orchestration/start?wait=true", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var report orchestrator.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.True(t, report.Success)
	assert.Equal(t, []string{"social"}, report.Strategies)
	assert.Equal(t, 20, report.Summary.Distributed["recommender"])

	rr = h.do(http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var runs []orchestrator.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].RunID)
}

func TestStart_Async(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := newHarness(t, true)

	rr := h.do(http.MethodPost, "/api/v1/orchestration/start", "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	var accepted RunAccepted
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	assert.Equal(t, "accepted", accepted.Status)

	h.waitIdle()
	assert.Equal(t, accepted.RunID, h.pipeline.History()[0].RunID)
}

func TestStart_ConflictWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := newHarness(t, false)
	require.NoError(t, h.components.Strategies.Register(strategy.Strategy{
		Name: "slow", TargetEngines: []string{"recommender"}, Sources: []string{"gated"},
	}))

	rr := h.do(http.MethodPost, "/api/v1/strategies/slow/execute", "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = h.do(http.MethodPost, "/api/v1/orchestration/start", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, http.StatusConflict, decodeProblem(t, rr).Status)

	rr = h.do(http.MethodPost, "/api/v1/orchestration/stop", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var stop StopResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stop))
	assert.True(t, stop.Stopped)

	close(h.release)
	h.waitIdle()
}

func TestStart_NoStrategies(t *testing.T) {
	h := newHarness(t, false)

	rr := h.do(http.MethodPost, "/api/v1/orchestration/start", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExecuteStrategy_Unknown(t *testing.T) {
	h := newHarness(t, true)

	rr := h.do(http.MethodPost, "/api/v1/strategies/ghost/execute", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStop_Idle(t *testing.T) {
	h := newHarness(t, true)

	rr := h.do(http.MethodPost, "/api/v1/orchestration/stop", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"stopped":false}`, rr.Body.String())
}

func TestRuns_InvalidLimit(t *testing.T) {
	h := newHarness(t, true)

	rr := h.do(http.MethodGet, "/api/v1/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRegisterSource(t *testing.T) {
	h := newHarness(t, true)

	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
	}{
		{
			name:       "valid",
			body:       `{"id":"reviews","kind":"synthetic","enabled":true,"shape":"benchmark"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "unknown kind",
			body:       `{"id":"pigeon","kind":"carrier"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			body:       `{"id":"x","kind":"synthetic","colour":"blue"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed",
			body:       `{"id":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "wrong content type",
			body:        `{"id":"x","kind":"synthetic"}`,
			contentType: "text/plain",
			wantStatus:  http.StatusUnsupportedMediaType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sources", strings.NewReader(tt.body))

			contentType := tt.contentType
			if contentType == "" {
				contentType = "application/json"
			}

			req.Header.Set("Content-Type", contentType)

			rr := httptest.NewRecorder()
			h.server.Handler().ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
		})
	}

	rr := h.do(http.MethodGet, "/api/v1/sources", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var listed []source.Config
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))

	ids := make([]string, 0, len(listed))
	for _, cfg := range listed {
		ids = append(ids, cfg.ID)
	}

	assert.ElementsMatch(t, []string{"synthetic-posts", "gated", "reviews"}, ids)
}

func TestRegisterSource_EmptyBody(t *testing.T) {
	h := newHarness(t, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources", http.NoBody)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRegisterSource_TooLarge(t *testing.T) {
	h := newHarness(t, true)
	h.server.config.MaxRequestSize = 16

	rr := h.do(http.MethodPost, "/api/v1/sources", `{"id":"long-enough-to-overflow","kind":"synthetic"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestRegisterStrategy(t *testing.T) {
	h := newHarness(t, false)

	rr := h.do(http.MethodPost, "/api/v1/strategies",
		`{"name":"orphan","target_engines":["recommender"],"sources":["ghost"]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeProblem(t, rr).Detail, "ghost")

	rr = h.do(http.MethodPost, "/api/v1/strategies",
		`{"name":"bad-check","target_engines":["recommender"],"sources":["synthetic-posts"],"validation_rules":["nope"]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(http.MethodPost, "/api/v1/strategies",
		`{"name":"social","target_engines":["recommender"],"sources":["synthetic-posts"],"validation_rules":["has_id"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = h.do(http.MethodGet, "/api/v1/strategies", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var listed []strategy.Strategy
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, []string{"has_id"}, listed[0].ValidationRules)
}

func TestEngines(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	h := newHarness(t, true)

	rr := h.do(http.MethodPost, "/api/v1/orchestration/start?wait=true", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(http.MethodGet, "/api/v1/engines", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var engines []EngineView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &engines))
	require.Len(t, engines, 1)
	assert.Equal(t, "recommender", engines[0].Engine)
	assert.Equal(t, orchestrator.EngineTraining, engines[0].State)
	assert.Equal(t, 10, engines[0].MinimumRecords)

	rr = h.do(http.MethodPost, "/api/v1/engines/recommender/ready", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, orchestrator.EngineReady, h.pipeline.Status().Engines["recommender"])

	rr = h.do(http.MethodPost, "/api/v1/engines/ghost/ready", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRateLimit_ProbesBypass(t *testing.T) {
	limiter := middleware.NewInMemoryRateLimiter(&middleware.Config{GlobalRPS: 1, ClientRPS: 1, ClientBurst: 1})
	defer func() { require.NoError(t, limiter.Close()) }()

	h := newHarness(t, true, func(d *Dependencies) { d.RateLimiter = limiter })

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/v1/status", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodGet, "/api/v1/status", "").Code)

	for range 5 {
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/ping", "").Code)
	}
}

func TestServer_StartStopsOnContextCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping listener test in short mode")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	h := newHarness(t, true)
	h.server.config.Host = "127.0.0.1"
	h.server.config.Port = port
	h.server.httpServer.Addr = h.server.config.Address()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.server.Start(ctx) }()

	client := &http.Client{Timeout: time.Second}

	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + h.server.config.Address() + "/ping")
		if err != nil {
			return false
		}

		_ = resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
