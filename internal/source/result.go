package source

import (
	"encoding/json"
	"time"

	"github.com/correlator-io/seeder/internal/record"
)

type (
	// Result is the outcome of collecting one source. Error is set iff
	// Success is false. Results are never mutated after creation.
	Result struct {
		SourceID         string           `json:"source_id"`
		Kind             Kind             `json:"kind"`
		Success          bool             `json:"success"`
		RecordsCollected int              `json:"records_collected"`
		Bytes            int              `json:"bytes"`
		Elapsed          time.Duration    `json:"elapsed"`
		QualityScore     float64          `json:"quality_score"`
		Error            string           `json:"error,omitempty"`
		Attempts         int              `json:"attempts"`
		CollectedAt      time.Time        `json:"collected_at"`
		Records          []*record.Record `json:"-"`
		Err              error            `json:"-"`
	}

	// ResultSet holds one Result per source id, plus the order sources were
	// requested in. Association is by id, never by completion order.
	ResultSet struct {
		results map[string]*Result
		order   []string
	}
)

// NewResultSet creates an empty ResultSet.
func NewResultSet() *ResultSet {
	return &ResultSet{results: make(map[string]*Result)}
}

// Put stores r under its source id, replacing any previous result for that id.
func (s *ResultSet) Put(r *Result) {
	if _, ok := s.results[r.SourceID]; !ok {
		s.order = append(s.order, r.SourceID)
	}

	s.results[r.SourceID] = r
}

// Get returns the result for a source id.
func (s *ResultSet) Get(id string) (*Result, bool) {
	r, ok := s.results[id]

	return r, ok
}

// Len returns the number of results.
func (s *ResultSet) Len() int {
	return len(s.results)
}

// Results returns results in request order.
func (s *ResultSet) Results() []*Result {
	out := make([]*Result, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.results[id])
	}

	return out
}

// Successful returns the successful results in request order.
func (s *ResultSet) Successful() []*Result {
	var out []*Result

	for _, r := range s.Results() {
		if r.Success {
			out = append(out, r)
		}
	}

	return out
}

// Failed returns the failed results in request order.
func (s *ResultSet) Failed() []*Result {
	var out []*Result

	for _, r := range s.Results() {
		if !r.Success {
			out = append(out, r)
		}
	}

	return out
}

// TotalRecords sums records collected by successful sources.
func (s *ResultSet) TotalRecords() int {
	total := 0
	for _, r := range s.Successful() {
		total += r.RecordsCollected
	}

	return total
}

// AverageQuality averages the quality score of successful sources; 0 when none succeeded.
func (s *ResultSet) AverageQuality() float64 {
	ok := s.Successful()
	if len(ok) == 0 {
		return 0
	}

	sum := 0.0
	for _, r := range ok {
		sum += r.QualityScore
	}

	return sum / float64(len(ok))
}

// Records concatenates the records of successful sources in request order.
func (s *ResultSet) Records() []*record.Record {
	var out []*record.Record
	for _, r := range s.Successful() {
		out = append(out, r.Records...)
	}

	return out
}

// Merge copies every result of other into s. A failed result never
// replaces a successful one for the same source id.
func (s *ResultSet) Merge(other *ResultSet) {
	if other == nil {
		return
	}

	for _, r := range other.Results() {
		if prev, ok := s.results[r.SourceID]; ok && prev.Success && !r.Success {
			continue
		}

		s.Put(r)
	}
}

func batchBytes(records []*record.Record) int {
	total := 0

	for _, r := range records {
		b, err := json.Marshal(r)
		if err == nil {
			total += len(b)
		}
	}

	return total
}
