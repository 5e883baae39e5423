// Package strategy holds collection strategies: named bindings of target
// engines to an ordered list of sources, volume and quality requirements,
// fallback sources and batch checks.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrStrategyNotFound is returned for an unregistered strategy name.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrInvalidStrategy is returned when a strategy fails registration checks.
	ErrInvalidStrategy = errors.New("invalid strategy")
)

type (
	// DataRequirements are the volume and quality floors of a strategy.
	DataRequirements struct {
		MinRecordsPerSource int     `json:"min_records_per_source" yaml:"min_records_per_source"`
		MinQualityScore     float64 `json:"min_quality_score"      yaml:"min_quality_score"`
	}

	// Strategy binds target engines to sources.
	Strategy struct {
		Name             string           `json:"name"                       yaml:"name"`
		TargetEngines    []string         `json:"target_engines"             yaml:"target_engines"`
		Sources          []string         `json:"sources"                    yaml:"sources"`
		FallbackSources  []string         `json:"fallback_sources,omitempty" yaml:"fallback_sources"`
		DataRequirements DataRequirements `json:"data_requirements"          yaml:"data_requirements"`
		ValidationRules  []string         `json:"validation_rules,omitempty" yaml:"validation_rules"`
		Parallel         bool             `json:"parallel"                   yaml:"parallel"`
		SchemaID         string           `json:"schema_id,omitempty"        yaml:"schema_id"`
	}

	// SourceCatalog answers whether a source id is registered.
	// source.Registry implements it.
	SourceCatalog interface {
		Exists(id string) bool
	}

	// Registry holds strategies by name. Registration replaces an existing
	// strategy with the same name.
	Registry struct {
		mu         sync.RWMutex
		sources    SourceCatalog
		strategies map[string]Strategy
	}
)

// MinimumRecords is the aggregate volume below which fallback sources run:
// min_records_per_source x number of primary sources.
func (s Strategy) MinimumRecords() int {
	return s.DataRequirements.MinRecordsPerSource * len(s.Sources)
}

// NeedsFallback reports whether the primary collection under-delivered in
// volume, or in quality when a quality floor is set.
func (s Strategy) NeedsFallback(totalRecords int, averageQuality float64) bool {
	if totalRecords < s.MinimumRecords() {
		return true
	}

	return s.DataRequirements.MinQualityScore > 0 && averageQuality < s.DataRequirements.MinQualityScore
}

// NewRegistry creates a Registry validating source references against sources.
func NewRegistry(sources SourceCatalog) *Registry {
	return &Registry{sources: sources, strategies: make(map[string]Strategy)}
}

// Register validates and stores s. Every referenced source, primary or
// fallback, must already exist and every validation rule must be known.
func (r *Registry) Register(s Strategy) error {
	if err := r.validate(s); err != nil {
		return err
	}

	r.mu.Lock()
	r.strategies[s.Name] = clone(s)
	r.mu.Unlock()

	return nil
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	s, ok := r.strategies[name]
	r.mu.RUnlock()

	if !ok {
		return Strategy{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, name)
	}

	return clone(s), nil
}

// List returns every strategy sorted by name.
func (r *Registry) List() []Strategy {
	r.mu.RLock()

	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, clone(s))
	}

	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.strategies)
}

// Engines returns the distinct target engines across all strategies, sorted.
func (r *Registry) Engines() []string {
	seen := map[string]struct{}{}

	for _, s := range r.List() {
		for _, e := range s.TargetEngines {
			seen[e] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}

	sort.Strings(out)

	return out
}

func (r *Registry) validate(s Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidStrategy)
	}

	if len(s.TargetEngines) == 0 {
		return fmt.Errorf("%w: %s: at least one target engine is required", ErrInvalidStrategy, s.Name)
	}

	if len(s.Sources) == 0 {
		return fmt.Errorf("%w: %s: at least one source is required", ErrInvalidStrategy, s.Name)
	}

	if s.DataRequirements.MinRecordsPerSource < 0 {
		return fmt.Errorf("%w: %s: min_records_per_source must not be negative", ErrInvalidStrategy, s.Name)
	}

	if q := s.DataRequirements.MinQualityScore; q < 0 || q > 1 {
		return fmt.Errorf("%w: %s: min_quality_score must be within [0,1]", ErrInvalidStrategy, s.Name)
	}

	primary := make(map[string]struct{}, len(s.Sources))
	for _, id := range s.Sources {
		primary[id] = struct{}{}
	}

	for _, id := range s.FallbackSources {
		if _, ok := primary[id]; ok {
			return fmt.Errorf("%w: %s: source %s is both primary and fallback", ErrInvalidStrategy, s.Name, id)
		}
	}

	if r.sources != nil {
		for _, id := range append(append([]string(nil), s.Sources...), s.FallbackSources...) {
			if !r.sources.Exists(id) {
				return fmt.Errorf("%w: %s references unknown source %s", ErrInvalidStrategy, s.Name, id)
			}
		}
	}

	for _, name := range s.ValidationRules {
		if _, ok := checks[name]; !ok {
			return fmt.Errorf("%w: %s: %w: %s", ErrInvalidStrategy, s.Name, ErrUnknownCheck, name)
		}
	}

	return nil
}

func clone(s Strategy) Strategy {
	s.TargetEngines = append([]string(nil), s.TargetEngines...)
	s.Sources = append([]string(nil), s.Sources...)
	s.FallbackSources = append([]string(nil), s.FallbackSources...)
	s.ValidationRules = append([]string(nil), s.ValidationRules...)

	return s
}
