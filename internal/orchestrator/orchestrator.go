// Package orchestrator drives the seeding pipeline: collect from each
// strategy's sources (with fallback), normalize and enrich, gate on quality and
// distribute to engines. One run may be active at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/seeder/internal/config"
	"github.com/correlator-io/seeder/internal/distribution"
	"github.com/correlator-io/seeder/internal/enrichment"
	"github.com/correlator-io/seeder/internal/normalization"
	"github.com/correlator-io/seeder/internal/quality"
	"github.com/correlator-io/seeder/internal/record"
	"github.com/correlator-io/seeder/internal/source"
	"github.com/correlator-io/seeder/internal/storage"
	"github.com/correlator-io/seeder/internal/strategy"
)

var (
	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrRunStopped is returned when Stop halted a run at a phase boundary.
	ErrRunStopped = errors.New("run stopped")
	// ErrNoStrategies is returned by Start when no strategy is registered.
	ErrNoStrategies = errors.New("no strategies registered")
	// ErrMissingComponent is returned by New when a required registry is nil.
	ErrMissingComponent = errors.New("missing orchestrator component")
)

const (
	progressCollected   = 40
	progressProcessed   = 70
	progressAssessed    = 80
	progressDistributed = 100
)

type (
	// Components are the registries and engines a run reads from.
	Components struct {
		Sources     *source.Registry
		Strategies  *strategy.Registry
		Schemas     *normalization.SchemaRegistry
		Distributor *distribution.Engine
	}

	// RecordStore persists normalized batches.
	RecordStore interface {
		Insert(ctx context.Context, table string, records []*record.Record) error
	}

	// RunStore persists run summaries.
	RunStore interface {
		SaveRun(ctx context.Context, run *storage.Run) error
	}

	// Observer receives phase changes and finished runs.
	Observer interface {
		ObservePhase(phase string, progress float64)
		ObserveRun(status string, quality float64, elapsed time.Duration)
	}

	// RunResult is the outcome of a launched run.
	RunResult struct {
		Report *Report
		Err    error
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)
)

// Orchestrator sequences the pipeline phases and owns the status snapshot.
type Orchestrator struct {
	cfg         Config
	sources     *source.Registry
	strategies  *strategy.Registry
	schemas     *normalization.SchemaRegistry
	distributor *distribution.Engine
	collector   *source.Collector
	normalizer  *normalization.Engine
	enricher    *enrichment.Engine
	assessor    *quality.Assessor
	records     RecordStore
	runs        RunStore
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time

	mutex   sync.Mutex
	status  Status
	active  bool
	history []*Report

	stopRequested atomic.Bool
	stopSignal    chan struct{}
}

// WithCollector replaces the default collector.
func WithCollector(c *source.Collector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

// WithNormalizer replaces the default normalization engine.
func WithNormalizer(n *normalization.Engine) Option {
	return func(o *Orchestrator) { o.normalizer = n }
}

// WithEnricher replaces the default enrichment engine.
func WithEnricher(e *enrichment.Engine) Option {
	return func(o *Orchestrator) { o.enricher = e }
}

// WithAssessor replaces the default quality gate.
func WithAssessor(a *quality.Assessor) Option {
	return func(o *Orchestrator) { o.assessor = a }
}

// WithRecordStore persists normalized batches to store.
func WithRecordStore(store RecordStore) Option {
	return func(o *Orchestrator) { o.records = store }
}

// WithRunStore persists run summaries to store.
func WithRunStore(store RunStore) Option {
	return func(o *Orchestrator) { o.runs = store }
}

// WithObserver reports phases and runs to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New validates cfg and builds an Orchestrator in the idle phase. Every engine
// registered with the distributor starts ready.
func New(cfg Config, components Components, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if components.Sources == nil || components.Strategies == nil ||
		components.Schemas == nil || components.Distributor == nil {
		return nil, ErrMissingComponent
	}

	o := &Orchestrator{
		cfg:         cfg,
		sources:     components.Sources,
		strategies:  components.Strategies,
		schemas:     components.Schemas,
		distributor: components.Distributor,
		now:         time.Now,
		stopSignal:  make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("SEEDER_LOG_LEVEL", slog.LevelInfo),
		}))
	}

	if o.collector == nil {
		o.collector = source.NewCollector(source.WithLogger(o.logger))
	}

	if o.normalizer == nil {
		o.normalizer = normalization.NewEngine(normalization.WithLogger(o.logger), normalization.WithClock(o.now))
	}

	if o.enricher == nil {
		enrichOpts := []enrichment.Option{enrichment.WithLogger(o.logger), enrichment.WithClock(o.now)}
		if o.records != nil {
			enrichOpts = append(enrichOpts, enrichment.WithStore(o.records))
		}

		o.enricher = enrichment.NewEngine(enrichOpts...)
	}

	if o.assessor == nil {
		o.assessor = quality.NewAssessor(quality.NewScorer(quality.WithClock(o.now)), cfg.QualityThreshold)
	}

	o.status = Status{Phase: PhaseIdle, Engines: map[string]EngineState{}}
	for _, engine := range o.distributor.Engines() {
		o.status.Engines[engine] = EngineReady
	}

	return o, nil
}

// Status returns a snapshot of the orchestrator state. It never blocks on a run.
func (o *Orchestrator) Status() Status {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	return o.status.clone()
}

// History returns the most recent reports, newest first.
func (o *Orchestrator) History() []*Report {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	out := make([]*Report, len(o.history))
	for i, r := range o.history {
		out[len(o.history)-1-i] = r
	}

	return out
}

// MarkEngineReady moves engine back to ready, e.g. once it finished training.
func (o *Orchestrator) MarkEngineReady(engine string) error {
	if _, err := o.distributor.Requirement(engine); err != nil {
		return err
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.status.Engines[engine] = EngineReady

	return nil
}

// Start runs every registered strategy once. A call made while a run is active
// returns ErrRunInProgress and leaves the state untouched. The report is non-nil
// whenever the run began, including failed and stopped runs.
func (o *Orchestrator) Start(ctx context.Context) (*Report, error) {
	strategies, err := o.selectStrategies("")
	if err != nil {
		return nil, err
	}

	return o.run(ctx, strategies, false)
}

// ExecuteStrategy runs the full cycle for the named strategy only.
func (o *Orchestrator) ExecuteStrategy(ctx context.Context, name string) (*Report, error) {
	strategies, err := o.selectStrategies(name)
	if err != nil {
		return nil, err
	}

	return o.run(ctx, strategies, false)
}

// Launch begins a run of every strategy, or of the named one, and executes it
// in the background. Rejections such as ErrRunInProgress are returned before
// anything starts. The channel receives one RunResult and is then closed.
func (o *Orchestrator) Launch(ctx context.Context, name string) (uuid.UUID, <-chan RunResult, error) {
	strategies, err := o.selectStrategies(name)
	if err != nil {
		return uuid.Nil, nil, err
	}

	rc, err := o.begin(strategies)
	if err != nil {
		return uuid.Nil, nil, err
	}

	done := make(chan RunResult, 1)

	go func() {
		defer close(done)

		report, err := o.complete(ctx, rc, false)
		done <- RunResult{Report: report, Err: err}
	}()

	return rc.ID, done, nil
}

func (o *Orchestrator) selectStrategies(name string) ([]strategy.Strategy, error) {
	if name != "" {
		s, err := o.strategies.Get(name)
		if err != nil {
			return nil, err
		}

		return []strategy.Strategy{s}, nil
	}

	strategies := o.strategies.List()
	if len(strategies) == 0 {
		return nil, ErrNoStrategies
	}

	return strategies, nil
}

// Stop asks the active run to halt at the next phase boundary. In-flight
// adapter calls are not interrupted. It also ends a RunScheduled loop that is
// waiting for its next run. It reports whether a run was active.
func (o *Orchestrator) Stop() bool {
	o.mutex.Lock()
	active := o.active
	o.mutex.Unlock()

	if active {
		o.stopRequested.Store(true)
	}

	select {
	case o.stopSignal <- struct{}{}:
	default:
	}

	return active
}

func (o *Orchestrator) run(ctx context.Context, strategies []strategy.Strategy, continuous bool) (*Report, error) {
	rc, err := o.begin(strategies)
	if err != nil {
		return nil, err
	}

	return o.complete(ctx, rc, continuous)
}

// complete executes a begun run and records its outcome.
func (o *Orchestrator) complete(ctx context.Context, rc *RunContext, continuous bool) (*Report, error) {
	o.logger.Info("Run started",
		slog.String("run_id", rc.ID.String()),
		slog.Int("strategies", len(rc.Strategies)))

	runErr := o.execute(ctx, rc)

	return o.finish(ctx, rc, runErr, continuous), runErr
}

// begin is the single read-and-reject point for concurrent run requests.
func (o *Orchestrator) begin(strategies []strategy.Strategy) (*RunContext, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.active {
		return nil, ErrRunInProgress
	}

	if err := ValidatePhaseTransition(o.status.Phase, PhaseCollecting); err != nil {
		return nil, err
	}

	rc := newRunContext(strategies, o.now())

	o.active = true
	o.stopRequested.Store(false)
	o.status.Running = true
	o.status.RunID = rc.ID.String()
	o.status.LastError = ""
	o.status.DataCollected = DataStats{}
	o.setPhaseLocked(PhaseCollecting, 0)

	for _, engine := range rc.Engines() {
		if _, ok := o.status.Engines[engine]; !ok {
			o.status.Engines[engine] = EngineReady
		}
	}

	return rc, nil
}

func (o *Orchestrator) execute(ctx context.Context, rc *RunContext) error {
	start := o.now()
	if err := o.collectPhase(ctx, rc); err != nil {
		return err
	}

	rc.timings.Collection = o.now().Sub(start)

	if err := o.boundary(ctx, PhaseProcessing, progressCollected); err != nil {
		return err
	}

	start = o.now()
	if err := o.processPhase(ctx, rc); err != nil {
		return err
	}

	if err := o.assurancePhase(rc); err != nil {
		return err
	}

	rc.timings.Processing = o.now().Sub(start)

	if err := o.boundary(ctx, PhaseDistributing, progressAssessed); err != nil {
		return err
	}

	start = o.now()
	err := o.distributePhase(ctx, rc)
	rc.timings.Distribution = o.now().Sub(start)

	return err
}

// boundary honours Stop and context cancellation between phases, then moves to next.
func (o *Orchestrator) boundary(ctx context.Context, next Phase, progress float64) error {
	if o.stopRequested.Load() {
		return ErrRunStopped
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled: %w", err)
	}

	return o.setPhase(next, progress)
}

func (o *Orchestrator) collectPhase(ctx context.Context, rc *RunContext) error {
	for i, sr := range rc.Strategies {
		o.collectStrategy(ctx, sr)

		stats := DataStats{
			TotalRecords:      sr.Results.TotalRecords(),
			SuccessfulSources: len(sr.Results.Successful()),
			FailedSources:     len(sr.Results.Failed()),
		}
		o.updateStatus(func(s *Status) {
			s.DataCollected.TotalRecords += stats.TotalRecords
			s.DataCollected.SuccessfulSources += stats.SuccessfulSources
			s.DataCollected.FailedSources += stats.FailedSources
			s.Progress = progressCollected * float64(i+1) / float64(len(rc.Strategies))
		})

		if o.stopRequested.Load() {
			return ErrRunStopped
		}
	}

	avg := rc.summary(o.now()).AverageQuality
	o.updateStatus(func(s *Status) { s.DataCollected.AverageQuality = avg })

	return nil
}

// collectStrategy collects the primary sources and, when they under-deliver,
// the fallback sources. Results are keyed by source id.
func (o *Orchestrator) collectStrategy(ctx context.Context, sr *StrategyRun) {
	s := sr.Strategy

	sr.Results.Merge(o.collectSources(ctx, s.Sources, s.Parallel))

	total, avg := sr.Results.TotalRecords(), sr.Results.AverageQuality()
	if !s.NeedsFallback(total, avg) {
		o.logger.Info("Collection phase completed",
			slog.String("strategy", s.Name),
			slog.Int("records", total),
			slog.Float64("average_quality", avg))

		return
	}

	if len(s.FallbackSources) == 0 {
		o.logger.Warn("Strategy under-delivered and has no fallback sources",
			slog.String("strategy", s.Name),
			slog.Int("records", total),
			slog.Int("required", s.MinimumRecords()))

		return
	}

	o.logger.Warn("Strategy under-delivered, collecting fallback sources",
		slog.String("strategy", s.Name),
		slog.Int("records", total),
		slog.Int("required", s.MinimumRecords()),
		slog.Float64("average_quality", avg),
		slog.String("fallbacks", strings.Join(s.FallbackSources, ",")))

	sr.Results.Merge(o.collectSources(ctx, s.FallbackSources, s.Parallel))
	sr.FallbackUsed = true

	o.logger.Info("Collection phase completed",
		slog.String("strategy", s.Name),
		slog.Int("records", sr.Results.TotalRecords()),
		slog.Bool("fallback_used", true))
}

func (o *Orchestrator) collectSources(ctx context.Context, ids []string, parallel bool) *source.ResultSet {
	configs := make([]source.Config, 0, len(ids))
	missing := source.NewResultSet()

	for _, id := range ids {
		cfg, err := o.sources.Get(id)
		if err != nil {
			missing.Put(&source.Result{
				SourceID:    id,
				Error:       err.Error(),
				Err:         err,
				CollectedAt: o.now().UTC(),
			})

			continue
		}

		configs = append(configs, cfg)
	}

	collected := o.collector.CollectAll(ctx, configs, parallel, o.cfg.MaxParallelCollections)

	results := source.NewResultSet()

	for _, id := range ids {
		if r, ok := collected.Get(id); ok {
			results.Put(r)
		} else if r, ok := missing.Get(id); ok {
			results.Put(r)
		}
	}

	return results
}

func (o *Orchestrator) processPhase(ctx context.Context, rc *RunContext) error {
	normalized := 0

	for _, sr := range rc.Strategies {
		if err := o.processStrategy(ctx, rc, sr); err != nil {
			return err
		}

		normalized += sr.Normalization.NormalizedCount
	}

	o.updateStatus(func(s *Status) {
		s.DataCollected.NormalizedRecords = normalized
		s.Progress = progressProcessed
	})

	return nil
}

func (o *Orchestrator) processStrategy(ctx context.Context, rc *RunContext, sr *StrategyRun) error {
	s := sr.Strategy

	raw, report, err := s.ApplyChecks(sr.Results.Records())
	if err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}

	sr.Dropped = report.Dropped

	schema, err := o.schemaFor(s)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}

	result, err := o.normalizer.Normalize(raw, schema)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}

	sr.Normalization = result

	if !result.Success {
		o.logger.Warn("Normalization reported critical validation failures",
			slog.String("strategy", s.Name),
			slog.String("schema_id", schema.ID),
			slog.Int("validation_failures", result.Summary.ValidationFailures))
	}

	storeCtx := storage.WithRunID(ctx, rc.ID)

	if o.records != nil && len(result.Records) > 0 {
		if err := o.records.Insert(storeCtx, storage.TableNormalized, result.Records); err != nil {
			return fmt.Errorf("strategy %s: persist normalized records: %w", s.Name, err)
		}
	}

	lineage := record.Lineage{}
	lineage.Append("source", strings.Join(sourceIDs(sr.Results), ","), rc.StartedAt)
	lineage.Stages = append(lineage.Stages, result.Lineage.Stages...)

	enriched, batch, err := o.enricher.Enrich(storeCtx, result.Records, lineage)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", s.Name, err)
	}

	sr.Enrichment = &batch
	sr.Records = make([]*record.Record, 0, len(enriched))

	for _, e := range enriched {
		sr.Records = append(sr.Records, e.Record)
	}

	return nil
}

func (o *Orchestrator) schemaFor(s strategy.Strategy) (*normalization.Schema, error) {
	if s.SchemaID != "" {
		return o.schemas.Get(s.SchemaID)
	}

	return o.schemas.ForEngine(s.TargetEngines[0])
}

// assurancePhase is the hard quality gate: a failing score aborts the run.
func (o *Orchestrator) assurancePhase(rc *RunContext) error {
	assessment, err := o.assessor.Check(rc.Records())
	rc.Assessment = &assessment

	o.logger.Info("Quality assessment completed",
		slog.String("run_id", rc.ID.String()),
		slog.Float64("overall", assessment.Overall),
		slog.Float64("threshold", assessment.Threshold),
		slog.Bool("passed", assessment.Passed))

	if err != nil {
		return err
	}

	o.updateStatus(func(s *Status) { s.Progress = progressAssessed })

	return nil
}

// distributePhase offers each engine the records of the strategies targeting it.
// Engines run concurrently; one engine's failure does not affect another.
func (o *Orchestrator) distributePhase(ctx context.Context, rc *RunContext) error {
	engines := rc.Engines()
	assignments := make([]distribution.Assignment, 0, len(engines))

	for _, engine := range engines {
		assignments = append(assignments, distribution.Assignment{
			Engine: engine,
			Batch:  distribution.Batch{Records: rc.RecordsFor(engine), QualityScore: rc.Assessment.Overall},
		})
	}

	outcomes, err := o.distributor.DistributeAll(storage.WithRunID(ctx, rc.ID), assignments,
		func(engine string, outcome *distribution.Outcome) {
			state := EngineSeeding

			switch {
			case outcome == nil:
			case outcome.Delivered:
				state = EngineTraining
			default:
				state = EngineError
			}

			o.updateStatus(func(s *Status) { s.Engines[engine] = state })
		})
	if err != nil {
		return err
	}

	rc.Outcomes = outcomes

	delivered := 0
	for _, outcome := range outcomes {
		delivered += outcome.Records
	}

	o.updateStatus(func(s *Status) { s.DataCollected.DistributedTotal = delivered })

	return nil
}

// finish records the outcome of a run, persists its summary and releases the run slot.
func (o *Orchestrator) finish(ctx context.Context, rc *RunContext, runErr error, continuous bool) *Report {
	completedAt := o.now()
	status := storage.RunCompleted

	switch {
	case errors.Is(runErr, ErrRunStopped):
		status = storage.RunStopped
	case runErr != nil:
		status = storage.RunFailed
	}

	report := rc.report(status, runErr, completedAt)
	rc.timings.Total = completedAt.Sub(rc.StartedAt)

	if secs := rc.timings.Total.Seconds(); secs > 0 {
		rc.timings.RecordsPerSecond = float64(report.Summary.TotalRecords) / secs
	}

	o.mutex.Lock()
	o.status.Performance = rc.timings

	switch status {
	case storage.RunCompleted:
		next := completedAt.Add(o.cfg.Interval).UTC()
		last := completedAt.UTC()
		o.status.LastRun = &last
		o.status.NextRun = &next

		if continuous {
			o.setPhaseLocked(PhaseMonitoring, progressDistributed)
		} else {
			o.setPhaseLocked(PhaseIdle, progressDistributed)
		}
	case storage.RunStopped:
		o.setPhaseLocked(PhaseIdle, o.status.Progress)
	default:
		o.status.LastError = runErr.Error()
		o.setPhaseLocked(PhaseError, o.status.Progress)
	}

	o.status.Running = false
	o.active = false
	o.history = append(o.history, report)

	if len(o.history) > o.cfg.HistorySize {
		o.history = o.history[len(o.history)-o.cfg.HistorySize:]
	}
	o.mutex.Unlock()

	if o.observer != nil {
		o.observer.ObserveRun(status, report.Summary.QualityScore, rc.timings.Total)
	}

	o.persist(ctx, report)

	attrs := []any{
		slog.String("run_id", rc.ID.String()),
		slog.String("status", status),
		slog.Int("records", report.Summary.TotalRecords),
		slog.Duration("duration", rc.timings.Total),
	}

	if runErr != nil {
		o.logger.Error("Run finished", append(attrs, slog.String("error", runErr.Error()))...)
	} else {
		o.logger.Info("Run finished", attrs...)
	}

	return report
}

func (o *Orchestrator) persist(ctx context.Context, report *Report) {
	if o.runs == nil {
		return
	}

	// A cancelled run context must not prevent recording why the run ended.
	ctx = context.WithoutCancel(ctx)

	if err := o.runs.SaveRun(ctx, report.storageRun()); err != nil {
		o.logger.Error("Failed to persist run summary",
			slog.String("run_id", report.RunID.String()),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) setPhase(phase Phase, progress float64) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := ValidatePhaseTransition(o.status.Phase, phase); err != nil {
		return err
	}

	o.setPhaseLocked(phase, progress)

	return nil
}

// setPhaseLocked assumes o.mutex is held and the transition was validated.
func (o *Orchestrator) setPhaseLocked(phase Phase, progress float64) {
	o.status.Phase = phase
	o.status.Progress = progress

	if o.observer != nil {
		o.observer.ObservePhase(string(phase), progress/progressDistributed)
	}
}

func (o *Orchestrator) updateStatus(mutate func(*Status)) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	mutate(&o.status)
}

func sourceIDs(results *source.ResultSet) []string {
	ids := make([]string, 0, results.Len())
	for _, r := range results.Successful() {
		ids = append(ids, r.SourceID)
	}

	sort.Strings(ids)

	return ids
}
