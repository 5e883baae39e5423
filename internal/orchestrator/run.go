package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/seeder/internal/distribution"
	"github.com/correlator-io/seeder/internal/enrichment"
	"github.com/correlator-io/seeder/internal/normalization"
	"github.com/correlator-io/seeder/internal/quality"
	"github.com/correlator-io/seeder/internal/record"
	"github.com/correlator-io/seeder/internal/source"
	"github.com/correlator-io/seeder/internal/storage"
	"github.com/correlator-io/seeder/internal/strategy"
)

type (
	// StrategyRun is one strategy's share of a run.
	StrategyRun struct {
		Strategy      strategy.Strategy
		Results       *source.ResultSet
		FallbackUsed  bool
		Normalization *normalization.Result
		Enrichment    *enrichment.Batch
		Dropped       map[string]int
		// Records are the processed records offered to the strategy's engines.
		Records []*record.Record
	}

	// RunContext carries one invocation through the phases. It is owned by the
	// goroutine executing the run and never shared.
	RunContext struct {
		ID         uuid.UUID
		StartedAt  time.Time
		Strategies []*StrategyRun
		Assessment *quality.Assessment
		Outcomes   []distribution.Outcome
		timings    Performance
	}

	// Summary condenses a run.
	Summary struct {
		TotalRecords      int            `json:"total_records"`
		SuccessfulSources int            `json:"successful_sources"`
		FailedSources     int            `json:"failed_sources"`
		AverageQuality    float64        `json:"average_quality"`
		FallbackUsed      []string       `json:"fallback_used,omitempty"`
		NormalizedRecords int            `json:"normalized_records"`
		QualityScore      float64        `json:"quality_score"`
		Distributed       map[string]int `json:"distributed"`
		Duration          time.Duration  `json:"duration"`
	}

	// Report is the caller-facing result of Start or ExecuteStrategy.
	Report struct {
		RunID       uuid.UUID              `json:"run_id"`
		Success     bool                   `json:"success"`
		Status      string                 `json:"status"`
		Strategies  []string               `json:"strategies"`
		Results     []*source.Result       `json:"results"`
		Summary     Summary                `json:"summary"`
		Assessment  *quality.Assessment    `json:"assessment,omitempty"`
		Outcomes    []distribution.Outcome `json:"outcomes"`
		Warnings    []string               `json:"warnings"`
		Error       string                 `json:"error,omitempty"`
		StartedAt   time.Time              `json:"started_at"`
		CompletedAt time.Time              `json:"completed_at"`
	}
)

func newRunContext(strategies []strategy.Strategy, now time.Time) *RunContext {
	rc := &RunContext{ID: uuid.New(), StartedAt: now}
	for _, s := range strategies {
		rc.Strategies = append(rc.Strategies, &StrategyRun{Strategy: s, Results: source.NewResultSet()})
	}

	return rc
}

// Records returns the processed records of every strategy.
func (rc *RunContext) Records() []*record.Record {
	var out []*record.Record
	for _, sr := range rc.Strategies {
		out = append(out, sr.Records...)
	}

	return out
}

// RecordsFor returns the processed records of strategies targeting engine.
func (rc *RunContext) RecordsFor(engine string) []*record.Record {
	var out []*record.Record

	for _, sr := range rc.Strategies {
		for _, target := range sr.Strategy.TargetEngines {
			if target == engine {
				out = append(out, sr.Records...)

				break
			}
		}
	}

	return out
}

// Engines returns the distinct target engines of the run's strategies in first-seen order.
func (rc *RunContext) Engines() []string {
	seen := map[string]bool{}

	var out []string

	for _, sr := range rc.Strategies {
		for _, e := range sr.Strategy.TargetEngines {
			if !seen[e] {
				seen[e] = true

				out = append(out, e)
			}
		}
	}

	return out
}

func (rc *RunContext) summary(completedAt time.Time) Summary {
	s := Summary{Distributed: map[string]int{}, Duration: completedAt.Sub(rc.StartedAt)}
	qualitySum, qualityN := 0.0, 0

	for _, sr := range rc.Strategies {
		s.TotalRecords += sr.Results.TotalRecords()
		s.SuccessfulSources += len(sr.Results.Successful())
		s.FailedSources += len(sr.Results.Failed())

		for _, r := range sr.Results.Successful() {
			qualitySum += r.QualityScore
			qualityN++
		}

		if sr.FallbackUsed {
			s.FallbackUsed = append(s.FallbackUsed, sr.Strategy.Name)
		}

		if sr.Normalization != nil {
			s.NormalizedRecords += sr.Normalization.NormalizedCount
		}
	}

	if qualityN > 0 {
		s.AverageQuality = qualitySum / float64(qualityN)
	}

	if rc.Assessment != nil {
		s.QualityScore = rc.Assessment.Overall
	}

	for _, o := range rc.Outcomes {
		if o.Delivered {
			s.Distributed[o.Engine] = o.Records
		}
	}

	return s
}

func (rc *RunContext) report(status string, runErr error, completedAt time.Time) *Report {
	r := &Report{
		RunID:       rc.ID,
		Success:     runErr == nil,
		Status:      status,
		Summary:     rc.summary(completedAt),
		Assessment:  rc.Assessment,
		Outcomes:    append([]distribution.Outcome{}, rc.Outcomes...),
		Results:     []*source.Result{},
		Warnings:    []string{},
		StartedAt:   rc.StartedAt,
		CompletedAt: completedAt,
	}

	for _, sr := range rc.Strategies {
		r.Strategies = append(r.Strategies, sr.Strategy.Name)
		r.Results = append(r.Results, sr.Results.Results()...)

		if sr.Normalization != nil {
			r.Warnings = append(r.Warnings, sr.Normalization.Warnings...)
		}
	}

	if runErr != nil {
		r.Error = runErr.Error()
	}

	return r
}

func (r *Report) storageRun() *storage.Run {
	return &storage.Run{
		ID:                r.RunID,
		Strategies:        r.Strategies,
		Status:            r.Status,
		RecordsCollected:  r.Summary.TotalRecords,
		RecordsNormalized: r.Summary.NormalizedRecords,
		QualityScore:      r.Summary.QualityScore,
		Error:             r.Error,
		Summary: map[string]any{
			"successful_sources": r.Summary.SuccessfulSources,
			"failed_sources":     r.Summary.FailedSources,
			"average_quality":    r.Summary.AverageQuality,
			"fallback_used":      r.Summary.FallbackUsed,
			"distributed":        r.Summary.Distributed,
		},
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}
