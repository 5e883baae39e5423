package quality

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/correlator-io/seeder/internal/record"
)

// ErrQualityBelowThreshold is returned by Assessor.Check when the combined score
// falls below the configured threshold. It aborts the orchestration run.
var ErrQualityBelowThreshold = errors.New("quality below threshold")

// Dimension names used in assessments and weight maps.
const (
	DimensionCompleteness = "completeness"
	DimensionConsistency  = "consistency"
	DimensionAccuracy     = "accuracy"
	DimensionBias         = "bias"
	DimensionGovernance   = "governance"
)

// DimensionScorer scores one quality dimension of a batch in [0,1].
type DimensionScorer interface {
	Score(records []*record.Record) float64
}

// DimensionScorerFunc adapts a function to DimensionScorer.
type DimensionScorerFunc func(records []*record.Record) float64

// Score implements DimensionScorer.
func (f DimensionScorerFunc) Score(records []*record.Record) float64 {
	return f(records)
}

// Assessment is the result of the quality-assurance gate.
type Assessment struct {
	Dimensions map[string]float64 `json:"dimensions"`
	Overall    float64            `json:"overall"`
	Threshold  float64            `json:"threshold"`
	Passed     bool               `json:"passed"`
	Records    int                `json:"records"`
}

// Assessor runs the five-dimension quality-assurance check.
type Assessor struct {
	scorer     *Scorer
	bias       DimensionScorer
	governance DimensionScorer
	weights    map[string]float64
	threshold  float64
}

// AssessorOption configures an Assessor.
type AssessorOption func(*Assessor)

// WithBiasScorer replaces the default platform-balance bias scorer.
func WithBiasScorer(d DimensionScorer) AssessorOption {
	return func(a *Assessor) { a.bias = d }
}

// WithGovernanceScorer replaces the default PII governance scorer.
func WithGovernanceScorer(d DimensionScorer) AssessorOption {
	return func(a *Assessor) { a.governance = d }
}

// WithWeights overrides dimension weights. Missing dimensions keep weight 0.
func WithWeights(weights map[string]float64) AssessorOption {
	return func(a *Assessor) {
		a.weights = make(map[string]float64, len(weights))
		for k, v := range weights {
			a.weights[k] = v
		}
	}
}

// NewAssessor creates an Assessor with equal weights and the given pass threshold.
func NewAssessor(scorer *Scorer, threshold float64, opts ...AssessorOption) *Assessor {
	if scorer == nil {
		scorer = NewScorer()
	}

	a := &Assessor{
		scorer:     scorer,
		bias:       PlatformBalance("platform"),
		governance: PIIGovernance(),
		threshold:  Clamp(threshold),
		weights: map[string]float64{
			DimensionCompleteness: 1,
			DimensionConsistency:  1,
			DimensionAccuracy:     1,
			DimensionBias:         1,
			DimensionGovernance:   1,
		},
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Threshold returns the pass threshold.
func (a *Assessor) Threshold() float64 {
	return a.threshold
}

// Assess scores every dimension and combines them with the configured weights.
// An empty batch scores 0 and never passes a positive threshold.
func (a *Assessor) Assess(records []*record.Record) Assessment {
	assessment := Assessment{
		Dimensions: make(map[string]float64, len(a.weights)),
		Threshold:  a.threshold,
		Records:    len(records),
	}

	if len(records) == 0 {
		assessment.Passed = a.threshold <= 0

		return assessment
	}

	base := a.scorer.Breakdown(records)
	assessment.Dimensions[DimensionCompleteness] = base.Completeness
	assessment.Dimensions[DimensionConsistency] = base.Consistency
	assessment.Dimensions[DimensionAccuracy] = base.Accuracy
	assessment.Dimensions[DimensionBias] = Clamp(a.bias.Score(records))
	assessment.Dimensions[DimensionGovernance] = Clamp(a.governance.Score(records))

	var weighted, totalWeight float64

	for name, weight := range a.weights {
		if weight <= 0 {
			continue
		}

		weighted += weight * assessment.Dimensions[name]
		totalWeight += weight
	}

	if totalWeight > 0 {
		assessment.Overall = Clamp(weighted / totalWeight)
	}

	assessment.Passed = assessment.Overall >= a.threshold

	return assessment
}

// Check runs Assess and returns ErrQualityBelowThreshold when the batch fails.
func (a *Assessor) Check(records []*record.Record) (Assessment, error) {
	assessment := a.Assess(records)
	if !assessment.Passed {
		return assessment, fmt.Errorf("%w: score %.3f < threshold %.3f (records=%d)",
			ErrQualityBelowThreshold, assessment.Overall, assessment.Threshold, assessment.Records)
	}

	return assessment, nil
}

// PlatformBalance scores how evenly records spread across the values of field,
// as normalised Shannon entropy. Fewer than two distinct values score 1.
func PlatformBalance(field string) DimensionScorer {
	return DimensionScorerFunc(func(records []*record.Record) float64 {
		counts := make(map[string]int)
		total := 0

		for _, r := range records {
			v, ok := r.Get(field)
			if !ok || record.IsEmpty(v) {
				continue
			}

			counts[fmt.Sprint(v)]++
			total++
		}

		if len(counts) < 2 { //nolint:mnd // entropy needs two categories
			return 1
		}

		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		entropy := 0.0

		for _, k := range keys {
			p := float64(counts[k]) / float64(total)
			entropy -= p * math.Log(p)
		}

		return Clamp(entropy / math.Log(float64(len(counts))))
	})
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(\+\d{1,3}[\s.\-]?)?\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`)
)

// PIIGovernance scores the share of records whose string fields contain no
// email- or phone-like values.
func PIIGovernance() DimensionScorer {
	return DimensionScorerFunc(func(records []*record.Record) float64 {
		if len(records) == 0 {
			return 0
		}

		clean := 0

		for _, r := range records {
			if !containsPII(r) {
				clean++
			}
		}

		return Clamp(float64(clean) / float64(len(records)))
	})
}

func containsPII(r *record.Record) bool {
	for _, k := range r.Keys() {
		v, _ := r.Get(k)

		s, ok := v.(string)
		if !ok || IsTimestampField(k) {
			continue
		}

		if emailPattern.MatchString(s) || phonePattern.MatchString(s) {
			return true
		}
	}

	return false
}
