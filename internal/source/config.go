// Package source holds the data-source catalog and the collector that pulls
// record batches from configured sources through kind-specific adapters.
package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/correlator-io/seeder/internal/record"
)

const (
	// DefaultTimeout applies when a source declares no timeout_ms.
	DefaultTimeout = 30 * time.Second

	hoursPerDay = 24
	daysPerWeek = 7
	maxRetryCap = 10
)

var (
	// ErrSourceNotFound indicates a lookup for an unregistered source id.
	ErrSourceNotFound = errors.New("source not found")

	// ErrSourceUnavailable indicates an adapter call failed. It is recorded per
	// source and never aborts a run.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSourceTimeout indicates an adapter attempt exceeded the source's timeout.
	ErrSourceTimeout = errors.New("source timed out")

	// ErrCircuitOpen indicates the source's circuit breaker rejected the call.
	ErrCircuitOpen = errors.New("source circuit open")

	// ErrSourceDisabled indicates a collection was requested for a disabled source.
	ErrSourceDisabled = errors.New("source disabled")

	// ErrNoAdapter indicates no adapter is registered for the source kind.
	ErrNoAdapter = errors.New("no adapter for source kind")

	// ErrInvalidConfig indicates a source configuration failed validation.
	ErrInvalidConfig = errors.New("invalid source config")
)

type (
	// Kind identifies how a source is fetched.
	Kind string

	// Schedule is how often a source is meant to be collected.
	Schedule string

	// Config describes one registered data source. Values are copied on
	// registration and treated as immutable afterwards.
	Config struct {
		ID            string            `json:"id"              yaml:"id"`
		Name          string            `json:"name,omitempty"  yaml:"name"`
		Kind          Kind              `json:"kind"            yaml:"kind"`
		Schedule      Schedule          `json:"schedule"        yaml:"schedule"`
		Priority      int               `json:"priority"        yaml:"priority"`
		Enabled       bool              `json:"enabled"         yaml:"enabled"`
		RetryAttempts int               `json:"retry_attempts"  yaml:"retry_attempts"`
		TimeoutMS     int               `json:"timeout_ms"      yaml:"timeout_ms"`
		RateLimit     float64           `json:"rate_limit"      yaml:"rate_limit"`
		Shape         record.Shape      `json:"shape,omitempty" yaml:"shape"`
		Params        map[string]string `json:"params,omitempty" yaml:"params"`
	}
)

// Source kinds.
const (
	KindDatabase  Kind = "database"
	KindAPI       Kind = "api"
	KindScraping  Kind = "scraping"
	KindSynthetic Kind = "synthetic"
	KindBenchmark Kind = "benchmark"
)

// Collection schedules.
const (
	ScheduleHourly   Schedule = "hourly"
	ScheduleDaily    Schedule = "daily"
	ScheduleWeekly   Schedule = "weekly"
	ScheduleOnDemand Schedule = "on_demand"
)

// IsValid reports whether k is a known source kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindDatabase, KindAPI, KindScraping, KindSynthetic, KindBenchmark:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known schedule.
func (s Schedule) IsValid() bool {
	switch s {
	case ScheduleHourly, ScheduleDaily, ScheduleWeekly, ScheduleOnDemand:
		return true
	default:
		return false
	}
}

// Interval returns the period between scheduled runs. On-demand sources
// return 0.
func (s Schedule) Interval() time.Duration {
	switch s {
	case ScheduleHourly:
		return time.Hour
	case ScheduleDaily:
		return hoursPerDay * time.Hour
	case ScheduleWeekly:
		return daysPerWeek * hoursPerDay * time.Hour
	default:
		return 0
	}
}

// Timeout returns the per-attempt deadline.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return DefaultTimeout
	}

	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// DisplayName returns Name, falling back to ID.
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}

	return c.ID
}

// Param returns a parameter value or the fallback when unset.
func (c Config) Param(key, fallback string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}

	return fallback
}

// RecordShape returns the declared record shape, generic when unset.
func (c Config) RecordShape() record.Shape {
	if c.Shape.IsValid() {
		return c.Shape
	}

	return record.ShapeGeneric
}

// Validate checks the configuration and fills defaults for an empty schedule.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}

	if !c.Kind.IsValid() {
		return fmt.Errorf("%w: source %s has unknown kind %q", ErrInvalidConfig, c.ID, c.Kind)
	}

	if c.Schedule == "" {
		c.Schedule = ScheduleOnDemand
	}

	if !c.Schedule.IsValid() {
		return fmt.Errorf("%w: source %s has unknown schedule %q", ErrInvalidConfig, c.ID, c.Schedule)
	}

	if c.RetryAttempts < 0 || c.RetryAttempts > maxRetryCap {
		return fmt.Errorf("%w: source %s retry_attempts must be within [0,%d], got %d",
			ErrInvalidConfig, c.ID, maxRetryCap, c.RetryAttempts)
	}

	if c.TimeoutMS < 0 {
		return fmt.Errorf("%w: source %s timeout_ms must not be negative", ErrInvalidConfig, c.ID)
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("%w: source %s rate_limit must not be negative", ErrInvalidConfig, c.ID)
	}

	if c.Shape != "" && !c.Shape.IsValid() {
		return fmt.Errorf("%w: source %s: %w", ErrInvalidConfig, c.ID, record.ErrUnknownShape)
	}

	return nil
}

func (c Config) clone() Config {
	if c.Params != nil {
		params := make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			params[k] = v
		}

		c.Params = params
	}

	return c
}
