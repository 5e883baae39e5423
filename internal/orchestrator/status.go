package orchestrator

import (
	"maps"
	"time"
)

// EngineState is the seeding state of one downstream engine.
type EngineState string

// Engine states. An engine moves to training once a batch has been delivered
// and stays there until MarkEngineReady.
const (
	EngineReady    EngineState = "ready"
	EngineSeeding  EngineState = "seeding"
	EngineTraining EngineState = "training"
	EngineError    EngineState = "error"
)

type (
	// DataStats aggregates the last collection phase.
	DataStats struct {
		TotalRecords      int     `json:"total_records"`
		SuccessfulSources int     `json:"successful_sources"`
		FailedSources     int     `json:"failed_sources"`
		AverageQuality    float64 `json:"average_quality"`
		NormalizedRecords int     `json:"normalized_records"`
		DistributedTotal  int     `json:"distributed_total"`
	}

	// Performance holds phase timings of the last run.
	Performance struct {
		Collection       time.Duration `json:"collection"`
		Processing       time.Duration `json:"processing"`
		Distribution     time.Duration `json:"distribution"`
		Total            time.Duration `json:"total"`
		RecordsPerSecond float64       `json:"records_per_second"`
	}

	// Status is a snapshot of the orchestrator. Progress is a percentage.
	Status struct {
		Phase         Phase                  `json:"phase"`
		Progress      float64                `json:"progress"`
		Running       bool                   `json:"running"`
		RunID         string                 `json:"run_id,omitempty"`
		DataCollected DataStats              `json:"data_collected"`
		Engines       map[string]EngineState `json:"engines"`
		Performance   Performance            `json:"performance"`
		LastRun       *time.Time             `json:"last_run,omitempty"`
		NextRun       *time.Time             `json:"next_run,omitempty"`
		LastError     string                 `json:"last_error,omitempty"`
	}
)

func (s Status) clone() Status {
	out := s
	out.Engines = maps.Clone(s.Engines)

	if s.LastRun != nil {
		t := *s.LastRun
		out.LastRun = &t
	}

	if s.NextRun != nil {
		t := *s.NextRun
		out.NextRun = &t
	}

	return out
}
