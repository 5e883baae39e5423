// Package enrichment augments normalized records with auxiliary signals
// (sentiment, benchmark comparison, audience segmentation) and scores how
// well each record was enriched.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/correlator-io/seeder/internal/quality"
	"github.com/correlator-io/seeder/internal/record"
)

const (
	// Table is where enriched batches are persisted.
	Table = "enriched_records"

	// ScoreField and BatchField are added to every enriched record.
	ScoreField = "enrichment_score"
	BatchField = "enrichment_batch_id"

	defaultCacheTTL  = 15 * time.Minute
	defaultAuditSize = 100

	coverageWeight     = 0.4
	completenessWeight = 0.3
	qualityWeight      = 0.3
)

// ErrPersistFailed wraps storage failures; it aborts the batch.
var ErrPersistFailed = errors.New("failed to persist enriched batch")

type (
	// Enricher computes extra fields for one record. It must not mutate r.
	Enricher interface {
		Name() string
		Enrich(ctx context.Context, r *record.Record) (map[string]any, error)
	}

	// Store persists record batches. storage.RecordStore and
	// storage.MemoryStore implement it.
	Store interface {
		Insert(ctx context.Context, table string, records []*record.Record) error
	}

	// Result is the enrichment outcome for one record.
	Result struct {
		Record  *record.Record    `json:"record"`
		Sources []string          `json:"sources"`
		Failed  map[string]string `json:"failed,omitempty"`
		Score   float64           `json:"score"`
	}

	// Batch is the audit entry for one Enrich call.
	Batch struct {
		ID           uuid.UUID      `json:"id"`
		CreatedAt    time.Time      `json:"created_at"`
		Records      int            `json:"records"`
		Enrichers    []string       `json:"enrichers"`
		AverageScore float64        `json:"average_score"`
		CacheHits    int            `json:"cache_hits"`
		Lineage      record.Lineage `json:"lineage"`
	}

	// Engine runs enrichers over batches.
	Engine struct {
		enrichers []Enricher
		store     Store
		memo      *cache.Cache
		logger    *slog.Logger
		now       func() time.Time
		auditSize int

		mu    sync.Mutex
		audit []Batch
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithEnrichers replaces the default enricher set.
func WithEnrichers(enrichers ...Enricher) Option {
	return func(e *Engine) {
		e.enrichers = enrichers
	}
}

// WithStore persists every enriched batch to Table.
func WithStore(store Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithCacheTTL sets how long enricher outputs are memoised per record fingerprint.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.memo = cache.New(ttl, 2*ttl)
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAuditSize bounds how many batches the audit log retains.
func WithAuditSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.auditSize = n
		}
	}
}

// NewEngine creates an enrichment Engine with the built-in sentiment and
// audience enrichers. Benchmark comparison needs baselines; the binary adds it
// from the catalog's enrichment section through WithEnrichers.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		enrichers: []Enricher{NewSentimentEnricher("content"), NewAudienceEnricher()},
		memo:      cache.New(defaultCacheTTL, 2*defaultCacheTTL),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})),
		now:       time.Now,
		auditSize: defaultAuditSize,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Enrich runs every enricher over every record, merges the outputs into
// copies of the records and scores them.
//
// A failing enricher only lowers that record's score. Context cancellation or
// a storage failure aborts the whole batch and is returned.
func (e *Engine) Enrich(ctx context.Context, records []*record.Record, lineage record.Lineage) ([]Result, Batch, error) {
	batch := Batch{
		ID:        uuid.New(),
		CreatedAt: e.now().UTC(),
		Records:   len(records),
		Enrichers: e.names(),
		Lineage:   lineage.Clone(),
	}
	batch.Lineage.Append("enrichment", batch.ID.String(), batch.CreatedAt)

	results := make([]Result, 0, len(records))
	enriched := make([]*record.Record, 0, len(records))
	total := 0.0

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, batch, fmt.Errorf("enrichment aborted: %w", err)
		}

		res, hits := e.enrichOne(ctx, r)
		batch.CacheHits += hits

		res.Record.Set(ScoreField, res.Score)
		res.Record.Set(BatchField, batch.ID.String())

		results = append(results, res)
		enriched = append(enriched, res.Record)
		total += res.Score
	}

	if len(results) > 0 {
		batch.AverageScore = total / float64(len(results))
	}

	if e.store != nil && len(enriched) > 0 {
		if err := e.store.Insert(ctx, Table, enriched); err != nil {
			e.logger.Error("Failed to persist enriched batch",
				slog.String("batch_id", batch.ID.String()),
				slog.Int("records", len(enriched)),
				slog.String("error", err.Error()))

			return nil, batch, fmt.Errorf("%w: batch %s: %w", ErrPersistFailed, batch.ID, err)
		}
	}

	e.remember(batch)

	e.logger.Info("Batch enriched",
		slog.String("batch_id", batch.ID.String()),
		slog.Int("records", batch.Records),
		slog.Int("cache_hits", batch.CacheHits),
		slog.Float64("average_score", batch.AverageScore))

	return results, batch, nil
}

// Audit returns the retained batches, oldest first.
func (e *Engine) Audit() []Batch {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]Batch(nil), e.audit...)
}

func (e *Engine) remember(b Batch) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.audit = append(e.audit, b)
	if over := len(e.audit) - e.auditSize; over > 0 {
		e.audit = append([]Batch(nil), e.audit[over:]...)
	}
}

func (e *Engine) names() []string {
	out := make([]string, 0, len(e.enrichers))
	for _, en := range e.enrichers {
		out = append(out, en.Name())
	}

	return out
}

func (e *Engine) enrichOne(ctx context.Context, r *record.Record) (Result, int) {
	out := r.Clone()
	res := Result{Record: out, Sources: []string{}}
	fingerprint := record.Fingerprint(r)
	hits := 0

	var produced []any

	for _, en := range e.enrichers {
		key := en.Name() + ":" + fingerprint

		var fields map[string]any

		if cached, ok := e.memo.Get(key); ok {
			fields, _ = cached.(map[string]any)
			hits++
		} else {
			var err error

			fields, err = e.safeEnrich(ctx, en, r)
			if err != nil {
				if res.Failed == nil {
					res.Failed = map[string]string{}
				}

				res.Failed[en.Name()] = err.Error()

				continue
			}

			e.memo.Set(key, fields, cache.DefaultExpiration)
		}

		for k, v := range fields {
			out.Set(k, v)
			produced = append(produced, v)
		}

		res.Sources = append(res.Sources, en.Name())
	}

	res.Score = e.score(len(res.Sources), out, produced)

	return res, hits
}

func (e *Engine) safeEnrich(ctx context.Context, en Enricher, r *record.Record) (fields map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("enricher %s panicked: %v", en.Name(), rec)
		}
	}()

	return en.Enrich(ctx, r)
}

// score = 0.4 x enricher coverage + 0.3 x field completeness + 0.3 x share of
// produced values that are usable (non-empty, finite).
func (e *Engine) score(succeeded int, out *record.Record, produced []any) float64 {
	coverage := 0.0
	if len(e.enrichers) > 0 {
		coverage = float64(succeeded) / float64(len(e.enrichers))
	}

	completeness := 0.0
	if keys := out.Keys(); len(keys) > 0 {
		filled := 0

		for _, k := range keys {
			if out.Has(k) {
				filled++
			}
		}

		completeness = float64(filled) / float64(len(keys))
	}

	usable := 0.0
	if len(produced) > 0 {
		ok := 0

		for _, v := range produced {
			if f, isFloat := v.(float64); isFloat && (math.IsNaN(f) || math.IsInf(f, 0)) {
				continue
			}

			if !record.IsEmpty(v) {
				ok++
			}
		}

		usable = float64(ok) / float64(len(produced))
	}

	return quality.Clamp(coverageWeight*coverage + completenessWeight*completeness + qualityWeight*usable)
}
