// Package quality scores record batches.
//
// The Scorer produces the [0,1] collection quality score from three sub-scores:
//   - completeness: non-empty field slots / total field slots (first 100 records)
//   - consistency: records whose key set equals the first record's / total
//   - accuracy: records passing timestamp and numeric sanity checks / total
//
// The Assessor extends this with bias and governance dimensions for the
// orchestrator's quality-assurance gate.
package quality

import (
	"math"
	"strings"
	"time"

	"github.com/correlator-io/seeder/internal/record"
)

const (
	// DefaultSampleSize caps how many records the completeness check inspects.
	DefaultSampleSize = 100

	defaultPastWindow   = 10 * 365 * 24 * time.Hour
	defaultFutureWindow = 24 * time.Hour
	subScoreCount       = 3
)

// Scores holds the three sub-scores and their combination.
type Scores struct {
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	Accuracy     float64 `json:"accuracy"`
	Overall      float64 `json:"overall"`
}

// Scorer computes batch quality. It is stateless and safe for concurrent use.
type Scorer struct {
	sampleSize   int
	pastWindow   time.Duration
	futureWindow time.Duration
	now          func() time.Time
}

// ScorerOption configures a Scorer.
type ScorerOption func(*Scorer)

// WithSampleSize overrides the completeness sample size.
func WithSampleSize(n int) ScorerOption {
	return func(s *Scorer) {
		if n > 0 {
			s.sampleSize = n
		}
	}
}

// WithTimestampWindow overrides the plausible timestamp window relative to now.
func WithTimestampWindow(past, future time.Duration) ScorerOption {
	return func(s *Scorer) {
		s.pastWindow = past
		s.futureWindow = future
	}
}

// WithClock overrides the scorer's time source.
func WithClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) {
		s.now = now
	}
}

// NewScorer creates a Scorer with the default sample size and timestamp window.
func NewScorer(opts ...ScorerOption) *Scorer {
	s := &Scorer{
		sampleSize:   DefaultSampleSize,
		pastWindow:   defaultPastWindow,
		futureWindow: defaultFutureWindow,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Score returns the combined quality score in [0,1]. Empty input scores 0.
func (s *Scorer) Score(records []*record.Record) float64 {
	return s.Breakdown(records).Overall
}

// Breakdown returns every sub-score. Empty input yields all zeros.
func (s *Scorer) Breakdown(records []*record.Record) Scores {
	if len(records) == 0 {
		return Scores{}
	}

	scores := Scores{
		Completeness: s.Completeness(records),
		Consistency:  Consistency(records),
		Accuracy:     s.Accuracy(records),
	}
	scores.Overall = Clamp((scores.Completeness + scores.Consistency + scores.Accuracy) / subScoreCount)

	return scores
}

// Completeness returns the share of non-empty field slots over the sampled records.
func (s *Scorer) Completeness(records []*record.Record) float64 {
	sample := records
	if len(sample) > s.sampleSize {
		sample = sample[:s.sampleSize]
	}

	total, filled := 0, 0

	for _, r := range sample {
		for _, k := range r.Keys() {
			total++

			if r.Has(k) {
				filled++
			}
		}
	}

	if total == 0 {
		return 0
	}

	return Clamp(float64(filled) / float64(total))
}

// Consistency returns the share of records whose key set matches the first record's.
func Consistency(records []*record.Record) float64 {
	if len(records) == 0 {
		return 0
	}

	reference := strings.Join(records[0].Keys(), "\x00")
	matching := 0

	for _, r := range records {
		if strings.Join(r.Keys(), "\x00") == reference {
			matching++
		}
	}

	return Clamp(float64(matching) / float64(len(records)))
}

// Accuracy returns the share of records passing the validity heuristics.
func (s *Scorer) Accuracy(records []*record.Record) float64 {
	if len(records) == 0 {
		return 0
	}

	now := s.now()
	earliest, latest := now.Add(-s.pastWindow), now.Add(s.futureWindow)
	valid := 0

	for _, r := range records {
		if s.recordIsAccurate(r, earliest, latest) {
			valid++
		}
	}

	return Clamp(float64(valid) / float64(len(records)))
}

func (s *Scorer) recordIsAccurate(r *record.Record, earliest, latest time.Time) bool {
	for _, k := range r.Keys() {
		v, _ := r.Get(k)

		switch val := v.(type) {
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return false
			}
		case float32:
			if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
				return false
			}
		case time.Time:
			if val.Before(earliest) || val.After(latest) {
				return false
			}
		case string:
			if !IsTimestampField(k) || val == "" {
				continue
			}

			ts, ok := ParseTimestamp(val)
			if !ok || ts.Before(earliest) || ts.After(latest) {
				return false
			}
		}
	}

	return true
}

// IsTimestampField reports whether a field name conventionally carries a timestamp.
func IsTimestampField(name string) bool {
	return strings.HasSuffix(name, "_at") || name == "timestamp" || name == "date"
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// ParseTimestamp parses the timestamp layouts the pipeline accepts.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}

	return time.Time{}, false
}

// Clamp bounds v to [0,1]; NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
