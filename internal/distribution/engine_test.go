package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/correlator-io/seeder/internal/storage"
)

type countingObserver struct {
	mutex     sync.Mutex
	delivered map[string]int
	refused   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{delivered: map[string]int{}, refused: map[string]int{}}
}

func (o *countingObserver) ObserveDistribution(engine, _ string, delivered bool, records int) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if delivered {
		o.delivered[engine] += records
	} else {
		o.refused[engine]++
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDistribute_RefusesBelowMinimumWithoutSideEffects(t *testing.T) {
	store := storage.NewMemoryStore()
	engine := NewEngine(
		WithLogger(quietLogger()),
		WithTransport(TransportDatabase, NewDatabaseTransport(store)),
	)
	require.NoError(t, engine.Register(Requirement{
		Engine: "recommender", MinimumRecords: 60, RequiredFields: []string{"id", "platform"},
	}))

	for _, n := range []int{0, 1, 59} {
		outcome, err := engine.Distribute(context.Background(), "recommender", posts(n, true))
		require.NoError(t, err)
		assert.False(t, outcome.Delivered)
		require.ErrorIs(t, outcome.Err, ErrEngineRequirementNotMet)
	}

	assert.Empty(t, store.Rows(storage.TableDeliveries))

	outcome, err := engine.Distribute(context.Background(), "recommender", posts(60, true))
	require.NoError(t, err)
	assert.True(t, outcome.Delivered)
	assert.Equal(t, 60, outcome.Records)

	rows := store.Rows(storage.TableDeliveries)
	require.Len(t, rows, 60)
	assert.Equal(t, "recommender", rows[0].Engine)
}

func TestDistribute_RefusesMissingRequiredFields(t *testing.T) {
	var sends atomic.Int32

	engine := NewEngine(
		WithLogger(quietLogger()),
		WithTransport(TransportDatabase, TransportFunc(func(context.Context, Delivery) error {
			sends.Add(1)

			return nil
		})),
	)
	require.NoError(t, engine.Register(Requirement{Engine: "e", RequiredFields: []string{"platform"}}))

	outcome, err := engine.Distribute(context.Background(), "e", posts(10, false))
	require.NoError(t, err)
	assert.False(t, outcome.Delivered)
	assert.Zero(t, sends.Load())
}

func TestRegister_RejectsUnreachableMinimum(t *testing.T) {
	engine := NewEngine(WithLogger(quietLogger()))

	err := engine.Register(Requirement{Engine: "recommender", MinimumRecords: 60, MaxBatchSize: 50})
	require.ErrorIs(t, err, ErrInvalidRequirement)
	assert.Empty(t, engine.Engines())
}

func TestDistribute_UnknownEngine(t *testing.T) {
	engine := NewEngine(WithLogger(quietLogger()))

	_, err := engine.Distribute(context.Background(), "ghost", posts(1, true))
	require.ErrorIs(t, err, ErrEngineNotFound)

	_, err = engine.DistributeAll(context.Background(), []Assignment{{Engine: "ghost"}}, nil)
	require.ErrorIs(t, err, ErrEngineNotFound)
}

func TestDistribute_MissingTransportAndFailures(t *testing.T) {
	boom := errors.New("connection reset")
	engine := NewEngine(
		WithLogger(quietLogger()),
		WithTransport(TransportAPI, TransportFunc(func(context.Context, Delivery) error { return boom })),
	)
	require.NoError(t, engine.Register(Requirement{Engine: "file-engine", Transport: TransportFile, Destination: "x.jsonl"}))
	require.NoError(t, engine.Register(Requirement{Engine: "api-engine", Transport: TransportAPI, Destination: "http://e"}))

	outcome, err := engine.Distribute(context.Background(), "file-engine", posts(1, true))
	require.NoError(t, err)
	require.ErrorIs(t, outcome.Err, ErrNoTransport)

	outcome, err = engine.Distribute(context.Background(), "api-engine", posts(1, true))
	require.NoError(t, err)
	require.ErrorIs(t, outcome.Err, ErrDeliveryFailed)
	require.ErrorIs(t, outcome.Err, boom)
	assert.False(t, outcome.Delivered)
}

func TestDistributeAll_EnginesAreIndependent(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := storage.NewMemoryStore()
	observer := newCountingObserver()
	engine := NewEngine(
		WithLogger(quietLogger()),
		WithObserver(observer),
		WithTransport(TransportDatabase, NewDatabaseTransport(store)),
		WithTransport(TransportAPI, TransportFunc(func(context.Context, Delivery) error {
			return errors.New("503")
		})),
	)

	require.NoError(t, engine.Register(Requirement{
		Engine: "recommender", MinimumRecords: 60, RequiredFields: []string{"id", "platform"}, MaxBatchSize: 65,
	}))
	require.NoError(t, engine.Register(Requirement{
		Engine: "ranker", Transport: TransportAPI, Destination: "http://ranker/seed",
	}))
	require.NoError(t, engine.Register(Requirement{Engine: "picky", QualityThreshold: 0.95}))

	batch := Batch{Records: append(posts(70, true), posts(20, false)...), QualityScore: 0.8}

	var (
		mu     sync.Mutex
		events []string
	)

	progress := func(engine string, outcome *Outcome) {
		mu.Lock()
		defer mu.Unlock()

		if outcome == nil {
			events = append(events, engine+":start")

			return
		}

		events = append(events, fmt.Sprintf("%s:%t", engine, outcome.Delivered))
	}

	outcomes, err := engine.DistributeAll(context.Background(), []Assignment{
		{Engine: "recommender", Batch: batch},
		{Engine: "ranker", Batch: batch},
		{Engine: "picky", Batch: batch},
	}, progress)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.ElementsMatch(t, []string{
		"recommender:start", "ranker:start", "picky:start",
		"recommender:true", "ranker:false", "picky:false",
	}, events)

	assert.Equal(t, "recommender", outcomes[0].Engine)
	assert.True(t, outcomes[0].Delivered)
	assert.Equal(t, 65, outcomes[0].Records)

	assert.False(t, outcomes[1].Delivered)
	require.ErrorIs(t, outcomes[1].Err, ErrDeliveryFailed)

	assert.False(t, outcomes[2].Delivered)
	require.ErrorIs(t, outcomes[2].Err, ErrEngineRequirementNotMet)

	assert.Len(t, store.Rows(storage.TableDeliveries), 65)
	assert.Equal(t, 65, observer.delivered["recommender"])
	assert.Equal(t, 1, observer.refused["ranker"])
	assert.Equal(t, 1, observer.refused["picky"])
}

func TestEngine_RegistryAccessors(t *testing.T) {
	engine := NewEngine(WithLogger(quietLogger()))

	require.NoError(t, engine.Register(Requirement{Engine: "b", RequiredFields: []string{"id"}}))
	require.NoError(t, engine.Register(Requirement{Engine: "a"}))
	require.NoError(t, engine.Register(Requirement{Engine: "b", MinimumRecords: 5}))

	assert.Equal(t, []string{"a", "b"}, engine.Engines())

	req, err := engine.Requirement("b")
	require.NoError(t, err)
	assert.Equal(t, 5, req.MinimumRecords)
	assert.Empty(t, req.RequiredFields)

	require.ErrorIs(t, engine.Register(Requirement{}), ErrInvalidRequirement)
}

func TestOffer_ChecksQualityThenPrepares(t *testing.T) {
	store := storage.NewMemoryStore()
	engine := NewEngine(
		WithLogger(quietLogger()),
		WithTransport(TransportDatabase, NewDatabaseTransport(store)),
	)
	require.NoError(t, engine.Register(Requirement{
		Engine: "e", MinimumRecords: 5, RequiredFields: []string{"platform"}, QualityThreshold: 0.5,
	}))

	outcome, err := engine.Offer(context.Background(), "e", Batch{Records: posts(10, true), QualityScore: 0.4})
	require.NoError(t, err)
	require.ErrorIs(t, outcome.Err, ErrEngineRequirementNotMet)

	batch := Batch{Records: append(posts(3, false), posts(6, true)...), QualityScore: 0.5}
	outcome, err = engine.Offer(context.Background(), "e", batch)
	require.NoError(t, err)
	assert.True(t, outcome.Delivered)
	assert.Equal(t, 6, outcome.Records)

	_, err = engine.Offer(context.Background(), "ghost", batch)
	require.ErrorIs(t, err, ErrEngineNotFound)
}
