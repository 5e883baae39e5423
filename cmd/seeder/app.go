package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/correlator-io/seeder/internal/catalog"
	"github.com/correlator-io/seeder/internal/config"
	"github.com/correlator-io/seeder/internal/distribution"
	"github.com/correlator-io/seeder/internal/enrichment"
	"github.com/correlator-io/seeder/internal/normalization"
	"github.com/correlator-io/seeder/internal/orchestrator"
	"github.com/correlator-io/seeder/internal/source"
	"github.com/correlator-io/seeder/internal/storage"
	"github.com/correlator-io/seeder/internal/strategy"
	"github.com/correlator-io/seeder/internal/telemetry"
)

const (
	defaultExportDir        = "exports"
	defaultTransportTimeout = 30 * time.Second
)

type (
	// store is what the pipeline persists through: PostgreSQL or in-memory.
	store interface {
		orchestrator.RecordStore
		orchestrator.RunStore
	}

	// app is the fully wired pipeline shared by serve, run and execute.
	app struct {
		logger     *slog.Logger
		catalog    *catalog.Catalog
		components orchestrator.Components
		pipeline   *orchestrator.Orchestrator
		metrics    *telemetry.Metrics
		store      store
		conn       *storage.Connection // nil without SEEDER_DATABASE_URL
		closers    []io.Closer
	}

	// postgresStore joins the record and run stores over one connection.
	postgresStore struct {
		*storage.RecordStore
		*storage.RunStore
	}
)

// newApp connects storage, loads the catalog and builds the orchestrator.
func newApp(logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	st, err := a.openStore()
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		a.Close()

		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	a.metrics = metrics
	a.store = st

	sources := source.NewRegistry()
	a.components = orchestrator.Components{
		Sources:     sources,
		Strategies:  strategy.NewRegistry(sources),
		Schemas:     normalization.NewSchemaRegistry(),
		Distributor: a.newDistributor(st),
	}

	cat, err := catalog.LoadFromEnv()
	if err != nil {
		a.Close()

		return nil, err
	}

	if err := cat.Apply(a.components); err != nil {
		a.Close()

		return nil, err
	}

	a.catalog = cat
	summary := cat.Summary()

	logger.Info("Catalog loaded",
		slog.Int("sources", summary.Sources),
		slog.Int("schemas", summary.Schemas),
		slog.Int("engines", summary.Engines),
		slog.Int("strategies", summary.Strategies),
		slog.Int("benchmark_baselines", summary.Baselines),
	)

	enrichers := cat.Enrichers()
	enricherNames := make([]string, 0, len(enrichers))

	for _, e := range enrichers {
		enricherNames = append(enricherNames, e.Name())
	}

	logger.Info("Enrichment configured", slog.Any("enrichers", enricherNames))

	collectorOpts := []source.CollectorOption{
		source.WithLogger(logger),
		source.WithObserver(metrics),
	}
	if a.conn != nil {
		collectorOpts = append(collectorOpts, source.WithAdapter(source.KindDatabase, source.NewSQLAdapter(a.conn.DB)))
	}

	cfg := orchestrator.LoadConfig()

	pipeline, err := orchestrator.New(cfg, a.components,
		orchestrator.WithLogger(logger),
		orchestrator.WithCollector(source.NewCollector(collectorOpts...)),
		orchestrator.WithEnricher(enrichment.NewEngine(
			enrichment.WithEnrichers(enrichers...),
			enrichment.WithStore(st),
			enrichment.WithLogger(logger),
		)),
		orchestrator.WithRecordStore(st),
		orchestrator.WithRunStore(st),
		orchestrator.WithObserver(metrics),
	)
	if err != nil {
		a.Close()

		return nil, err
	}

	a.pipeline = pipeline

	logger.Info("Pipeline initialized",
		slog.String("schedule", string(cfg.Schedule)),
		slog.Int("max_parallel_collections", cfg.MaxParallelCollections),
		slog.Float64("quality_threshold", cfg.QualityThreshold),
	)

	return a, nil
}

func (a *app) openStore() (store, error) {
	storageConfig := storage.LoadConfig()

	if !storageConfig.Configured() {
		a.logger.Warn("Database not configured - records and runs are kept in memory",
			slog.String("note", "Set SEEDER_DATABASE_URL to persist to PostgreSQL"),
		)

		return storage.NewMemoryStore(), nil
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a.conn = conn
	a.closers = append(a.closers, conn)

	records, err := storage.NewRecordStore(conn)
	if err != nil {
		a.Close()

		return nil, err
	}

	runs, err := storage.NewRunStore(conn)
	if err != nil {
		a.Close()

		return nil, err
	}

	a.logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	return postgresStore{RecordStore: records, RunStore: runs}, nil
}

// newDistributor registers every transport kind. The stream transport is only
// available when SEEDER_KAFKA_BROKERS is set.
func (a *app) newDistributor(st store) *distribution.Engine {
	opts := []distribution.Option{
		distribution.WithLogger(a.logger),
		distribution.WithObserver(a.metrics),
		distribution.WithTransport(distribution.TransportDatabase, distribution.NewDatabaseTransport(st)),
		distribution.WithTransport(distribution.TransportAPI, distribution.NewAPITransport(&http.Client{
			Timeout: config.GetEnvDuration("SEEDER_API_TRANSPORT_TIMEOUT", defaultTransportTimeout),
		})),
		distribution.WithTransport(distribution.TransportFile,
			distribution.NewFileTransport(config.GetEnvStr("SEEDER_EXPORT_DIR", defaultExportDir))),
	}

	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("SEEDER_KAFKA_BROKERS", ""))
	if len(brokers) > 0 {
		stream := distribution.NewStreamTransport(brokers)
		a.closers = append(a.closers, stream)
		opts = append(opts, distribution.WithTransport(distribution.TransportStream, stream))

		a.logger.Info("Stream transport enabled", slog.Any("brokers", brokers))
	}

	return distribution.NewEngine(opts...)
}

// Close releases transports and the database connection, newest first.
func (a *app) Close() {
	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.closers = nil

	if err := errors.Join(errs...); err != nil {
		a.logger.Error("Failed to release resources", slog.String("error", err.Error()))
	}
}
