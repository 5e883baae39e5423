package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/correlator-io/seeder/internal/quality"
	"github.com/correlator-io/seeder/internal/record"
)

const (
	defaultInitialBackoff   = 200 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerOpenTime  = 60 * time.Second
	defaultBreakerInterval  = 5 * time.Minute
	backoffRandomization    = 0.2
	minimumLimiterBurst     = 1
	defaultHTTPClientIdle   = 90 * time.Second
	defaultHTTPMaxIdleConns = 20
)

type (
	// Observer receives one callback per finished collection. The telemetry
	// package implements it with prometheus collectors.
	Observer interface {
		ObserveCollection(sourceID string, kind Kind, success bool, records int, elapsed time.Duration)
	}

	// Collector fetches sources through their kind's adapter and converts every
	// outcome, including panics and timeouts, into a Result.
	//
	// Each source gets a bounded exponential-backoff retry loop honouring
	// RetryAttempts, a hard per-attempt deadline from TimeoutMS, a token-bucket
	// limiter when RateLimit > 0, and a circuit breaker that stops hammering a
	// source after repeated failures.
	Collector struct {
		adapters map[Kind]Adapter
		scorer   *quality.Scorer
		logger   *slog.Logger
		observer Observer
		now      func() time.Time

		initialBackoff  time.Duration
		maxBackoff      time.Duration
		breakerFailures uint32
		breakerOpenTime time.Duration

		mu       sync.Mutex
		breakers map[string]*gobreaker.CircuitBreaker
		limiters map[string]*rate.Limiter
	}

	// CollectorOption configures a Collector.
	CollectorOption func(*Collector)
)

// WithAdapter registers (or replaces) the adapter for kind.
func WithAdapter(kind Kind, adapter Adapter) CollectorOption {
	return func(c *Collector) {
		c.adapters[kind] = adapter
	}
}

// WithScorer sets the quality scorer applied to successful batches.
func WithScorer(scorer *quality.Scorer) CollectorOption {
	return func(c *Collector) {
		if scorer != nil {
			c.scorer = scorer
		}
	}
}

// WithLogger sets the collector's logger.
func WithLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver attaches a collection observer.
func WithObserver(o Observer) CollectorOption {
	return func(c *Collector) {
		c.observer = o
	}
}

// WithClock overrides the collector's time source.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(initial, maxInterval time.Duration) CollectorOption {
	return func(c *Collector) {
		if initial > 0 {
			c.initialBackoff = initial
		}

		if maxInterval > 0 {
			c.maxBackoff = maxInterval
		}
	}
}

// WithCircuitBreaker overrides how many consecutive failures open a source's
// breaker and how long it stays open.
func WithCircuitBreaker(consecutiveFailures uint32, openFor time.Duration) CollectorOption {
	return func(c *Collector) {
		if consecutiveFailures > 0 {
			c.breakerFailures = consecutiveFailures
		}

		if openFor > 0 {
			c.breakerOpenTime = openFor
		}
	}
}

// NewCollector creates a Collector with the built-in synthetic adapter and an
// HTTP adapter for api and benchmark sources. Database and scraping sources
// need an adapter supplied through WithAdapter.
func NewCollector(opts ...CollectorOption) *Collector {
	httpAdapter := NewHTTPAdapter(&http.Client{
		Transport: &http.Transport{
			MaxIdleConns:    defaultHTTPMaxIdleConns,
			IdleConnTimeout: defaultHTTPClientIdle,
		},
	})

	c := &Collector{
		adapters: map[Kind]Adapter{
			KindSynthetic: NewSyntheticAdapter(nil),
			KindAPI:       httpAdapter,
			KindBenchmark: httpAdapter,
		},
		scorer: quality.NewScorer(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})),
		now:             time.Now,
		initialBackoff:  defaultInitialBackoff,
		maxBackoff:      defaultMaxBackoff,
		breakerFailures: defaultBreakerFailures,
		breakerOpenTime: defaultBreakerOpenTime,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
		limiters:        make(map[string]*rate.Limiter),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Collect fetches one source. It never panics and never returns an error:
// every failure is captured in the returned Result.
func (c *Collector) Collect(ctx context.Context, cfg Config, since *time.Time) (result *Result) {
	start := c.now()
	result = &Result{SourceID: cfg.ID, Kind: cfg.Kind, CollectedAt: start}

	defer func() {
		if rec := recover(); rec != nil {
			c.fail(result, fmt.Errorf("%w: %s: panic: %v", ErrSourceUnavailable, cfg.ID, rec))
		}

		result.Elapsed = c.now().Sub(start)
		c.report(result)
	}()

	if !cfg.Enabled {
		c.fail(result, fmt.Errorf("%w: %s", ErrSourceDisabled, cfg.ID))

		return result
	}

	adapter, ok := c.adapters[cfg.Kind]
	if !ok {
		c.fail(result, fmt.Errorf("%w: %w: %s", ErrSourceUnavailable, ErrNoAdapter, cfg.Kind))

		return result
	}

	records, attempts, err := c.fetchWithRetry(ctx, adapter, cfg, since)
	result.Attempts = attempts

	if err != nil {
		c.fail(result, err)

		return result
	}

	result.Success = true
	result.Records = records
	result.RecordsCollected = len(records)
	result.Bytes = batchBytes(records)
	result.QualityScore = c.scorer.Score(records)

	return result
}

// CollectAll collects every config and returns one Result per source id.
//
// When parallel is true sources run concurrently, at most maxParallel at a
// time (unbounded when maxParallel <= 0). Every source settles independently:
// a failing or slow source never cancels or overwrites a sibling's result.
func (c *Collector) CollectAll(ctx context.Context, configs []Config, parallel bool, maxParallel int) *ResultSet {
	set := NewResultSet()

	if !parallel {
		for _, cfg := range configs {
			set.Put(c.Collect(ctx, cfg, nil))
		}

		return set
	}

	if maxParallel <= 0 || maxParallel > len(configs) {
		maxParallel = len(configs)
	}

	// Reserve request order up front so the set reflects configs, not completion.
	for _, cfg := range configs {
		set.Put(&Result{SourceID: cfg.ID, Kind: cfg.Kind})
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, max(maxParallel, 1))
	)

	for _, cfg := range configs {
		wg.Add(1)

		go func(cfg Config) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			r := c.Collect(ctx, cfg, nil)

			mu.Lock()
			set.Put(r)
			mu.Unlock()
		}(cfg)
	}

	wg.Wait()

	return set
}

func (c *Collector) fetchWithRetry(
	ctx context.Context,
	adapter Adapter,
	cfg Config,
	since *time.Time,
) ([]*record.Record, int, error) {
	breaker, limiter := c.guards(cfg)

	var (
		records  []*record.Record
		attempts int
	)

	operation := func() error {
		attempts++

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: %s: rate limiter: %w", ErrSourceUnavailable, cfg.ID, err))
			}
		}

		out, err := breaker.Execute(func() (interface{}, error) {
			return c.fetchOnce(ctx, adapter, cfg, since)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%w: %w: %s", ErrSourceUnavailable, ErrCircuitOpen, cfg.ID))
			}

			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			return err
		}

		records, _ = out.([]*record.Record)

		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = c.maxBackoff
	policy.RandomizationFactor = backoffRandomization
	policy.MaxElapsedTime = 0

	//nolint:gosec // RetryAttempts is validated to [0,10]
	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.RetryAttempts)), ctx)

	err := backoff.RetryNotify(operation, retryPolicy, func(err error, wait time.Duration) {
		c.logger.Warn("Collection attempt failed, retrying",
			slog.String("source_id", cfg.ID),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))
	})

	// Cancellation during a backoff wait surfaces as a bare ctx.Err().
	if err != nil && !errors.Is(err, ErrSourceUnavailable) {
		err = fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, cfg.ID, err)
	}

	return records, attempts, err
}

// fetchOnce runs a single adapter call under the source's hard deadline.
// The adapter runs in its own goroutine so a call that ignores its context
// still cannot hold the collector past the deadline.
func (c *Collector) fetchOnce(
	ctx context.Context,
	adapter Adapter,
	cfg Config,
	since *time.Time,
) ([]*record.Record, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	type outcome struct {
		records []*record.Record
		err     error
	}

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("adapter panic: %v", rec)}
			}
		}()

		records, err := adapter.Fetch(attemptCtx, cfg, since)
		done <- outcome{records: records, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.records, nil
		}

		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, c.timeoutError(cfg)
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, cfg.ID, out.err)
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, cfg.ID, ctx.Err())
		}

		return nil, c.timeoutError(cfg)
	}
}

func (c *Collector) timeoutError(cfg Config) error {
	return fmt.Errorf("%w: %w: %s exceeded %s", ErrSourceUnavailable, ErrSourceTimeout, cfg.ID, cfg.Timeout())
}

// guards returns the per-source breaker and limiter, creating them on first use.
func (c *Collector) guards(cfg Config) (*gobreaker.CircuitBreaker, *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	breaker, ok := c.breakers[cfg.ID]
	if !ok {
		threshold := c.breakerFailures
		logger := c.logger

		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     cfg.ID,
			Interval: defaultBreakerInterval,
			Timeout:  c.breakerOpenTime,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Source circuit breaker state changed",
					slog.String("source_id", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
		c.breakers[cfg.ID] = breaker
	}

	if cfg.RateLimit <= 0 {
		delete(c.limiters, cfg.ID)

		return breaker, nil
	}

	limiter, ok := c.limiters[cfg.ID]
	if !ok || limiter.Limit() != rate.Limit(cfg.RateLimit) {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(int(cfg.RateLimit), minimumLimiterBurst))
		c.limiters[cfg.ID] = limiter
	}

	return breaker, limiter
}

func (c *Collector) fail(result *Result, err error) {
	result.Success = false
	result.Err = err
	result.Error = err.Error()
	result.Records = nil
	result.RecordsCollected = 0
	result.Bytes = 0
	result.QualityScore = 0
}

func (c *Collector) report(result *Result) {
	if result.Success {
		c.logger.Info("Source collected",
			slog.String("source_id", result.SourceID),
			slog.String("kind", string(result.Kind)),
			slog.Int("records", result.RecordsCollected),
			slog.Int("attempts", result.Attempts),
			slog.Float64("quality_score", result.QualityScore),
			slog.Duration("elapsed", result.Elapsed))
	} else {
		c.logger.Warn("Source collection failed",
			slog.String("source_id", result.SourceID),
			slog.String("kind", string(result.Kind)),
			slog.Int("attempts", result.Attempts),
			slog.String("error", result.Error),
			slog.Duration("elapsed", result.Elapsed))
	}

	if c.observer != nil {
		c.observer.ObserveCollection(result.SourceID, result.Kind, result.Success, result.RecordsCollected, result.Elapsed)
	}
}
