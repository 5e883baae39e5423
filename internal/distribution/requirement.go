// Package distribution matches processed batches against each engine's declared
// requirements and hands qualifying records to the engine's transport.
package distribution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/correlator-io/seeder/internal/record"
)

// TransportKind names how an engine accepts records.
type TransportKind string

// Transport kinds.
const (
	TransportDatabase TransportKind = "database"
	TransportAPI      TransportKind = "api"
	TransportFile     TransportKind = "file"
	TransportStream   TransportKind = "stream"
)

// DefaultMaxBatchSize caps a delivery when the requirement leaves MaxBatchSize unset.
const DefaultMaxBatchSize = 1000

var (
	// ErrEngineRequirementNotMet marks a refused delivery. It is reported on the
	// outcome, never returned from Distribute.
	ErrEngineRequirementNotMet = errors.New("engine requirement not met")
	// ErrEngineNotFound is returned for an engine with no registered requirement.
	ErrEngineNotFound = errors.New("engine not found")
	// ErrInvalidRequirement is returned by Register for a malformed requirement.
	ErrInvalidRequirement = errors.New("invalid engine requirement")
	// ErrNoTransport is reported when no transport is wired for the requirement's kind.
	ErrNoTransport = errors.New("no transport for kind")
	// ErrDeliveryFailed wraps transport errors.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// IsValid reports whether k is a known transport kind.
func (k TransportKind) IsValid() bool {
	switch k {
	case TransportDatabase, TransportAPI, TransportFile, TransportStream:
		return true
	default:
		return false
	}
}

// Requirement is what an engine needs from a batch before it accepts it.
type Requirement struct {
	Engine           string        `yaml:"engine" json:"engine"`
	MinimumRecords   int           `yaml:"minimum_records" json:"minimum_records"`
	RequiredFields   []string      `yaml:"required_fields" json:"required_fields"`
	QualityThreshold float64       `yaml:"quality_threshold" json:"quality_threshold"`
	Transport        TransportKind `yaml:"transport" json:"transport"`
	// Destination is a table, URL, file path or topic depending on Transport.
	Destination  string `yaml:"destination" json:"destination"`
	MaxBatchSize int    `yaml:"max_batch_size" json:"max_batch_size"`
}

// Validate checks the requirement and fills defaults.
func (r *Requirement) Validate() error {
	r.Engine = strings.TrimSpace(r.Engine)
	if r.Engine == "" {
		return fmt.Errorf("%w: engine name is required", ErrInvalidRequirement)
	}

	if r.MinimumRecords < 0 {
		return fmt.Errorf("%w: %s: minimum_records must be >= 0", ErrInvalidRequirement, r.Engine)
	}

	if r.QualityThreshold < 0 || r.QualityThreshold > 1 {
		return fmt.Errorf("%w: %s: quality_threshold must be within [0,1]", ErrInvalidRequirement, r.Engine)
	}

	if r.Transport == "" {
		r.Transport = TransportDatabase
	}

	if !r.Transport.IsValid() {
		return fmt.Errorf("%w: %s: unknown transport %q", ErrInvalidRequirement, r.Engine, r.Transport)
	}

	if r.Destination == "" && r.Transport != TransportDatabase {
		return fmt.Errorf("%w: %s: %s transport needs a destination", ErrInvalidRequirement, r.Engine, r.Transport)
	}

	if r.MaxBatchSize < 0 {
		return fmt.Errorf("%w: %s: max_batch_size must be >= 0", ErrInvalidRequirement, r.Engine)
	}

	if r.MaxBatchSize == 0 {
		r.MaxBatchSize = DefaultMaxBatchSize
	}

	if r.MaxBatchSize < r.MinimumRecords {
		return fmt.Errorf("%w: %s: max_batch_size %d is below minimum_records %d",
			ErrInvalidRequirement, r.Engine, r.MaxBatchSize, r.MinimumRecords)
	}

	return nil
}

// Satisfies reports whether records meet the volume and field requirements.
// It never mutates records.
func (r Requirement) Satisfies(records []*record.Record) error {
	if len(records) < r.MinimumRecords {
		return fmt.Errorf("%w: %s needs %d records, got %d",
			ErrEngineRequirementNotMet, r.Engine, r.MinimumRecords, len(records))
	}

	for i, rec := range records {
		if !rec.HasFields(r.RequiredFields) {
			return fmt.Errorf("%w: %s: record %d lacks required fields %v",
				ErrEngineRequirementNotMet, r.Engine, i, r.RequiredFields)
		}
	}

	return nil
}

// Prepare keeps records carrying every required field, capped at the batch size.
func Prepare(records []*record.Record, req Requirement) []*record.Record {
	limit := req.MaxBatchSize
	if limit <= 0 {
		limit = DefaultMaxBatchSize
	}

	out := make([]*record.Record, 0, min(len(records), limit))

	for _, rec := range records {
		if len(out) == limit {
			break
		}

		if rec != nil && rec.HasFields(req.RequiredFields) {
			out = append(out, rec)
		}
	}

	return out
}
