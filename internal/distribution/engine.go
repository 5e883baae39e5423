package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/correlator-io/seeder/internal/config"
	"github.com/correlator-io/seeder/internal/record"
)

type (
	// Observer receives one call per delivery attempt.
	Observer interface {
		ObserveDistribution(engine, transport string, delivered bool, records int)
	}

	// Outcome is one engine's result. Delivered is false on refusal or
	// transport failure; Err carries the reason.
	Outcome struct {
		Engine    string        `json:"engine"`
		Transport TransportKind `json:"transport"`
		Delivered bool          `json:"delivered"`
		Records   int           `json:"records"`
		Elapsed   time.Duration `json:"elapsed"`
		Error     string        `json:"error,omitempty"`
		Err       error         `json:"-"`
	}

	// Batch is the candidate data offered to an engine.
	Batch struct {
		Records      []*record.Record
		QualityScore float64
	}

	// Assignment pairs an engine with the batch offered to it.
	Assignment struct {
		Engine string
		Batch  Batch
	}

	// Progress is called when an engine's delivery starts (outcome nil) and
	// again when it ends. Calls for different engines may be concurrent.
	Progress func(engine string, outcome *Outcome)

	// Option configures an Engine.
	Option func(*Engine)
)

// Engine holds engine requirements and dispatches deliveries to transports.
type Engine struct {
	mutex        sync.RWMutex
	requirements map[string]Requirement
	transports   map[TransportKind]Transport
	observer     Observer
	logger       *slog.Logger
	now          func() time.Time
}

// WithTransport wires t for kind.
func WithTransport(kind TransportKind, t Transport) Option {
	return func(e *Engine) {
		e.transports[kind] = t
	}
}

// WithObserver reports every delivery attempt to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine with no requirements registered.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		requirements: make(map[string]Requirement),
		transports:   make(map[TransportKind]Transport),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("SEEDER_LOG_LEVEL", slog.LevelInfo),
		}))
	}

	return e
}

// Register validates req and stores it under its engine name. Last write wins.
func (e *Engine) Register(req Requirement) error {
	if err := req.Validate(); err != nil {
		return err
	}

	req.RequiredFields = append([]string(nil), req.RequiredFields...)

	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.requirements[req.Engine] = req

	return nil
}

// Requirement returns the requirement registered for engine.
func (e *Engine) Requirement(engine string) (Requirement, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	req, ok := e.requirements[engine]
	if !ok {
		return Requirement{}, fmt.Errorf("%w: %s", ErrEngineNotFound, engine)
	}

	req.RequiredFields = append([]string(nil), req.RequiredFields...)

	return req, nil
}

// Engines returns registered engine names, sorted.
func (e *Engine) Engines() []string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	names := make([]string, 0, len(e.requirements))
	for name := range e.requirements {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Distribute hands records to engine's transport. A batch that does not satisfy the
// requirement is refused without touching the transport. The error is non-nil only
// for an unknown engine.
func (e *Engine) Distribute(ctx context.Context, engine string, records []*record.Record) (Outcome, error) {
	req, err := e.Requirement(engine)
	if err != nil {
		return Outcome{Engine: engine}, err
	}

	return e.deliver(ctx, req, records), nil
}

// Offer checks batch's quality score against engine's threshold, prepares the
// records and delivers them. The error is non-nil only for an unknown engine.
func (e *Engine) Offer(ctx context.Context, engine string, batch Batch) (Outcome, error) {
	req, err := e.Requirement(engine)
	if err != nil {
		return Outcome{Engine: engine}, err
	}

	return e.offer(ctx, req, batch), nil
}

// DistributeAll offers every assignment concurrently. Engines are validated
// before any delivery starts; outcomes follow the order of assignments.
// progress may be nil.
func (e *Engine) DistributeAll(ctx context.Context, assignments []Assignment, progress Progress) ([]Outcome, error) {
	reqs := make([]Requirement, len(assignments))

	for i, a := range assignments {
		req, err := e.Requirement(a.Engine)
		if err != nil {
			return nil, err
		}

		reqs[i] = req
	}

	if progress == nil {
		progress = func(string, *Outcome) {}
	}

	outcomes := make([]Outcome, len(reqs))

	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)

		go func(i int, req Requirement) {
			defer wg.Done()

			progress(req.Engine, nil)

			outcomes[i] = e.offer(ctx, req, assignments[i].Batch)

			progress(req.Engine, &outcomes[i])
		}(i, req)
	}

	wg.Wait()

	return outcomes, nil
}

func (e *Engine) offer(ctx context.Context, req Requirement, batch Batch) Outcome {
	if batch.QualityScore < req.QualityThreshold {
		return e.refuse(req, fmt.Errorf("%w: %s needs quality %.2f, batch scored %.2f",
			ErrEngineRequirementNotMet, req.Engine, req.QualityThreshold, batch.QualityScore))
	}

	return e.deliver(ctx, req, Prepare(batch.Records, req))
}

func (e *Engine) deliver(ctx context.Context, req Requirement, records []*record.Record) Outcome {
	if err := req.Satisfies(records); err != nil {
		return e.refuse(req, err)
	}

	transport, ok := e.transport(req.Transport)
	if !ok {
		return e.fail(req, len(records), 0, fmt.Errorf("%w: %s", ErrNoTransport, req.Transport))
	}

	start := e.now()
	delivery := Delivery{
		Engine:      req.Engine,
		Destination: req.Destination,
		Records:     records,
		SentAt:      start.UTC(),
	}

	if err := transport.Send(ctx, delivery); err != nil {
		return e.fail(req, len(records), e.now().Sub(start), fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, req.Engine, err))
	}

	elapsed := e.now().Sub(start)
	e.observe(req, true, len(records))
	e.logger.Info("Engine delivery completed",
		slog.String("engine", req.Engine),
		slog.String("transport", string(req.Transport)),
		slog.Int("records", len(records)),
		slog.Duration("elapsed", elapsed))

	return Outcome{
		Engine:    req.Engine,
		Transport: req.Transport,
		Delivered: true,
		Records:   len(records),
		Elapsed:   elapsed,
	}
}

func (e *Engine) refuse(req Requirement, err error) Outcome {
	e.logger.Warn("Engine delivery refused",
		slog.String("engine", req.Engine),
		slog.String("reason", err.Error()))
	e.observe(req, false, 0)

	return Outcome{Engine: req.Engine, Transport: req.Transport, Error: err.Error(), Err: err}
}

func (e *Engine) fail(req Requirement, records int, elapsed time.Duration, err error) Outcome {
	e.logger.Error("Engine delivery failed",
		slog.String("engine", req.Engine),
		slog.Int("records", records),
		slog.String("error", err.Error()))
	e.observe(req, false, 0)

	return Outcome{
		Engine:    req.Engine,
		Transport: req.Transport,
		Elapsed:   elapsed,
		Error:     err.Error(),
		Err:       err,
	}
}

func (e *Engine) transport(kind TransportKind) (Transport, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	t, ok := e.transports[kind]

	return t, ok && t != nil
}

func (e *Engine) observe(req Requirement, delivered bool, records int) {
	if e.observer != nil {
		e.observer.ObserveDistribution(req.Engine, string(req.Transport), delivered, records)
	}
}
