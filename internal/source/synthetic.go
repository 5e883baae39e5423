package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/correlator-io/seeder/internal/record"
)

const (
	defaultSyntheticCount = 100
	maxSyntheticCount     = 100_000
)

var (
	syntheticPlatforms  = []string{"twitter", "linkedin", "instagram", "facebook"}
	syntheticIndustries = []string{"retail", "saas", "finance", "media"}
	syntheticPhrases    = []string{
		"great launch today",
		"loving the new dashboard",
		"terrible outage this morning",
		"quarterly results look good",
		"nothing new to report",
	}
)

// SyntheticAdapter generates deterministic records for the source's shape.
//
// Params:
//   - count: number of records (default 100)
//   - platform: fixed platform; when unset platforms rotate
//
// Output depends only on the config, the cursor and the adapter clock, so two
// fetches with the same inputs produce identical batches.
type SyntheticAdapter struct {
	now func() time.Time
}

// NewSyntheticAdapter creates a SyntheticAdapter. A nil clock uses time.Now.
func NewSyntheticAdapter(now func() time.Time) *SyntheticAdapter {
	if now == nil {
		now = time.Now
	}

	return &SyntheticAdapter{now: now}
}

// Fetch implements Adapter.
func (a *SyntheticAdapter) Fetch(ctx context.Context, cfg Config, since *time.Time) ([]*record.Record, error) {
	count, err := strconv.Atoi(cfg.Param("count", strconv.Itoa(defaultSyntheticCount)))
	if err != nil || count < 0 || count > maxSyntheticCount {
		return nil, fmt.Errorf("synthetic source %s: invalid count %q", cfg.ID, cfg.Params["count"])
	}

	anchor := a.now().UTC().Truncate(time.Hour)
	shape := cfg.RecordShape()
	out := make([]*record.Record, 0, count)

	for i := range count {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ts := anchor.Add(-time.Duration(i) * time.Minute)
		if since != nil && ts.Before(*since) {
			break
		}

		out = append(out, a.generate(cfg, shape, i, ts))
	}

	return out, nil
}

func (a *SyntheticAdapter) generate(cfg Config, shape record.Shape, i int, ts time.Time) *record.Record {
	platform := cfg.Param("platform", syntheticPlatforms[i%len(syntheticPlatforms)])
	id := fmt.Sprintf("%s-%06d", cfg.ID, i)
	r := record.New(shape)

	r.Set("id", id)

	switch shape {
	case record.ShapeSocialPost:
		r.Set("platform", platform)
		r.Set("content_id", "post-"+strconv.Itoa(i))
		r.Set("content", syntheticPhrases[i%len(syntheticPhrases)])
		r.Set("author", "user_"+strconv.Itoa(i%17)) //nolint:mnd // author pool
		r.Set("followers", float64(100+(i*37)%5000))
		r.Set("likes", float64((i*13)%400))
		r.Set("shares", float64((i*7)%90))
		r.Set("comments", float64((i*3)%60))
		r.Set("published_at", ts.Format(time.RFC3339))
	case record.ShapeEngagement:
		r.Set("platform", platform)
		r.Set("content_id", "post-"+strconv.Itoa(i))
		r.Set("metric", "engagement_rate")
		r.Set("value", float64((i*11)%100)/1000) //nolint:mnd // 0-10% rates
		r.Set("observed_at", ts.Format(time.RFC3339))
	case record.ShapeBenchmark:
		r.Set("platform", platform)
		r.Set("industry", syntheticIndustries[i%len(syntheticIndustries)])
		r.Set("metric", "engagement_rate")
		r.Set("value", float64(10+(i*5)%40)/1000) //nolint:mnd // 1-5% baselines
		r.Set("period", ts.Format("2006-01"))
	default:
		r.Set("platform", platform)
		r.Set("value", float64(i))
		r.Set("created_at", ts.Format(time.RFC3339))
	}

	if tag := cfg.Param("tag", ""); tag != "" {
		r.Set("tags", strings.Split(tag, ","))
	}

	return r
}
