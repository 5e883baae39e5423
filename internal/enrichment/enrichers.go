package enrichment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/correlator-io/seeder/internal/record"
)

var (
	// ErrMissingInput indicates a record lacks the fields an enricher needs.
	ErrMissingInput = errors.New("missing enrichment input")

	// ErrNoBaseline indicates no benchmark baseline exists for the record's platform.
	ErrNoBaseline = errors.New("no benchmark baseline")
)

var (
	positiveWords = wordSet("good", "great", "love", "loving", "excellent", "amazing", "happy",
		"win", "best", "awesome", "fantastic", "nice", "thanks", "improved", "success")
	negativeWords = wordSet("bad", "terrible", "hate", "awful", "worst", "outage", "broken",
		"angry", "poor", "fail", "failed", "slow", "bug", "disappointed", "problem")
)

func wordSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}

	return out
}

// SentimentEnricher scores text with a fixed lexicon.
//
// Output: sentiment_score in [-1,1] and sentiment_label
// (positive|negative|neutral).
type SentimentEnricher struct {
	field string
}

// NewSentimentEnricher creates a SentimentEnricher reading field.
func NewSentimentEnricher(field string) *SentimentEnricher {
	return &SentimentEnricher{field: field}
}

// Name implements Enricher.
func (s *SentimentEnricher) Name() string { return "sentiment" }

// Enrich implements Enricher.
func (s *SentimentEnricher) Enrich(_ context.Context, r *record.Record) (map[string]any, error) {
	v, ok := r.Get(s.field)
	text, isString := v.(string)

	if !ok || !isString || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, s.field)
	}

	pos, neg := 0, 0

	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && c != '\''
	}) {
		if _, ok := positiveWords[w]; ok {
			pos++
		}

		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}

	score := 0.0
	if pos+neg > 0 {
		score = float64(pos-neg) / float64(pos+neg)
	}

	label := "neutral"

	switch {
	case score > 0:
		label = "positive"
	case score < 0:
		label = "negative"
	}

	return map[string]any{"sentiment_score": score, "sentiment_label": label}, nil
}

// BenchmarkEnricher compares a record's engagement rate with its platform's
// baseline.
//
// Output: benchmark_rate, benchmark_delta (rate - baseline) and
// benchmark_performance (above|below|at).
type BenchmarkEnricher struct {
	baselines map[string]float64
	tolerance float64
}

const benchmarkTolerance = 0.001

// NewBenchmarkEnricher creates a BenchmarkEnricher over per-platform baselines.
func NewBenchmarkEnricher(baselines map[string]float64) *BenchmarkEnricher {
	copied := make(map[string]float64, len(baselines))
	for k, v := range baselines {
		copied[strings.ToLower(k)] = v
	}

	return &BenchmarkEnricher{baselines: copied, tolerance: benchmarkTolerance}
}

// BaselinesFromRecords averages engagement_rate values of benchmark records per platform.
func BaselinesFromRecords(records []*record.Record) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}

	for _, r := range records {
		if metric, _ := r.Get("metric"); metric != "engagement_rate" {
			continue
		}

		platform, _ := r.Get("platform")
		value, ok := number(r, "value")

		p, isString := platform.(string)
		if !ok || !isString || p == "" {
			continue
		}

		p = strings.ToLower(p)
		sums[p] += value
		counts[p]++
	}

	out := make(map[string]float64, len(sums))
	for p, s := range sums {
		out[p] = s / float64(counts[p])
	}

	return out
}

// Name implements Enricher.
func (b *BenchmarkEnricher) Name() string { return "benchmark" }

// Enrich implements Enricher.
func (b *BenchmarkEnricher) Enrich(_ context.Context, r *record.Record) (map[string]any, error) {
	platform, _ := r.Get("platform")

	p, ok := platform.(string)
	if !ok || p == "" {
		return nil, fmt.Errorf("%w: platform", ErrMissingInput)
	}

	baseline, ok := b.baselines[strings.ToLower(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBaseline, p)
	}

	rate, ok := engagementRate(r)
	if !ok {
		return nil, fmt.Errorf("%w: engagement", ErrMissingInput)
	}

	delta := rate - baseline
	performance := "at"

	switch {
	case delta > b.tolerance:
		performance = "above"
	case delta < -b.tolerance:
		performance = "below"
	}

	return map[string]any{
		"benchmark_rate":        rate,
		"benchmark_delta":       delta,
		"benchmark_performance": performance,
	}, nil
}

// AudienceEnricher buckets records by follower count and interaction volume.
//
// Output: audience_tier (nano|micro|mid|macro|mega) and audience_engagement
// (low|medium|high).
type AudienceEnricher struct{}

// NewAudienceEnricher creates an AudienceEnricher.
func NewAudienceEnricher() *AudienceEnricher {
	return &AudienceEnricher{}
}

// Name implements Enricher.
func (a *AudienceEnricher) Name() string { return "audience" }

var audienceTiers = []struct {
	below float64
	name  string
}{
	{1_000, "nano"},
	{10_000, "micro"},
	{100_000, "mid"},
	{1_000_000, "macro"},
	{math.Inf(1), "mega"},
}

const (
	lowEngagement  = 0.01
	highEngagement = 0.05
)

// Enrich implements Enricher.
func (a *AudienceEnricher) Enrich(_ context.Context, r *record.Record) (map[string]any, error) {
	followers, ok := number(r, "followers")
	if !ok {
		return nil, fmt.Errorf("%w: followers", ErrMissingInput)
	}

	tier := ""

	for _, t := range audienceTiers {
		if followers < t.below {
			tier = t.name

			break
		}
	}

	out := map[string]any{"audience_tier": tier}

	if rate, ok := engagementRate(r); ok {
		switch {
		case rate >= highEngagement:
			out["audience_engagement"] = "high"
		case rate >= lowEngagement:
			out["audience_engagement"] = "medium"
		default:
			out["audience_engagement"] = "low"
		}
	}

	return out, nil
}

// engagementRate uses an explicit engagement_rate field, else
// (likes+shares+comments)/followers.
func engagementRate(r *record.Record) (float64, bool) {
	if rate, ok := number(r, "engagement_rate"); ok {
		return rate, true
	}

	followers, ok := number(r, "followers")
	if !ok || followers <= 0 {
		return 0, false
	}

	interactions, found := 0.0, false

	for _, f := range []string{"likes", "shares", "comments"} {
		if n, ok := number(r, f); ok {
			interactions += n
			found = true
		}
	}

	if !found {
		return 0, false
	}

	return interactions / followers, true
}

func number(r *record.Record, field string) (float64, bool) {
	v, ok := r.Get(field)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}
