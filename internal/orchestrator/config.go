package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/correlator-io/seeder/internal/config"
	"github.com/correlator-io/seeder/internal/source"
)

const (
	defaultSchedule               = source.ScheduleDaily
	defaultMaxParallelCollections = 4
	defaultQualityThreshold       = 0.7
	defaultHistorySize            = 20
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid orchestrator config")

// Config controls run scheduling, collection fan-out and the quality gate.
type Config struct {
	// Schedule sets Interval when Interval is zero.
	Schedule               source.Schedule
	Interval               time.Duration
	MaxParallelCollections int
	QualityThreshold       float64
	HistorySize            int
}

// LoadConfig reads SEEDER_SCHEDULE, SEEDER_MAX_PARALLEL_COLLECTIONS,
// SEEDER_QUALITY_THRESHOLD and SEEDER_RUN_HISTORY.
func LoadConfig() Config {
	return Config{
		Schedule:               source.Schedule(config.GetEnvStr("SEEDER_SCHEDULE", string(defaultSchedule))),
		MaxParallelCollections: config.GetEnvInt("SEEDER_MAX_PARALLEL_COLLECTIONS", defaultMaxParallelCollections),
		QualityThreshold:       config.GetEnvFloat("SEEDER_QUALITY_THRESHOLD", defaultQualityThreshold),
		HistorySize:            config.GetEnvInt("SEEDER_RUN_HISTORY", defaultHistorySize),
	}
}

// DefaultConfig returns a daily schedule with default limits.
func DefaultConfig() Config {
	return Config{
		Schedule:               defaultSchedule,
		MaxParallelCollections: defaultMaxParallelCollections,
		QualityThreshold:       defaultQualityThreshold,
		HistorySize:            defaultHistorySize,
	}
}

// Validate checks the config and derives Interval from Schedule.
func (c *Config) Validate() error {
	if c.Interval < 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}

	if c.Interval == 0 {
		if c.Schedule == "" {
			c.Schedule = defaultSchedule
		}

		switch c.Schedule {
		case source.ScheduleHourly, source.ScheduleDaily, source.ScheduleWeekly:
			c.Interval = c.Schedule.Interval()
		default:
			return fmt.Errorf("%w: schedule must be hourly, daily or weekly, got %q", ErrInvalidConfig, c.Schedule)
		}
	}

	if c.MaxParallelCollections <= 0 {
		return fmt.Errorf("%w: max_parallel_collections must be > 0", ErrInvalidConfig)
	}

	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("%w: quality_threshold must be within [0,1]", ErrInvalidConfig)
	}

	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}

	return nil
}
