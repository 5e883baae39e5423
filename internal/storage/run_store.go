package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Run statuses accepted by pipeline_runs.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunStopped   = "stopped"
)

const defaultRecentRuns = 20

var (
	// ErrInvalidRun is returned when a run summary cannot be persisted as given.
	ErrInvalidRun = errors.New("invalid run")
	// ErrRunNotFound is returned when no run matches the requested id.
	ErrRunNotFound = errors.New("run not found")
)

// Run is the persisted summary of one orchestration run or strategy execution.
type Run struct {
	ID                uuid.UUID      `json:"run_id"`
	Strategies        []string       `json:"strategies"`
	Status            string         `json:"status"`
	RecordsCollected  int            `json:"records_collected"`
	RecordsNormalized int            `json:"records_normalized"`
	QualityScore      float64        `json:"quality_score"`
	Error             string         `json:"error,omitempty"`
	Summary           map[string]any `json:"summary,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       time.Time      `json:"completed_at"`
}

// Validate checks the fields constrained by the pipeline_runs table.
func (r *Run) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("%w: missing run id", ErrInvalidRun)
	}

	switch r.Status {
	case RunCompleted, RunFailed, RunStopped:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidRun, r.Status)
	}

	if r.QualityScore < 0 || r.QualityScore > 1 {
		return fmt.Errorf("%w: quality score %.3f out of range", ErrInvalidRun, r.QualityScore)
	}

	if r.CompletedAt.Before(r.StartedAt) {
		return fmt.Errorf("%w: completed before started", ErrInvalidRun)
	}

	return nil
}

// RunStore persists run summaries to pipeline_runs.
type RunStore struct {
	conn *Connection
}

// NewRunStore creates a RunStore on conn.
func NewRunStore(conn *Connection) (*RunStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RunStore{conn: conn}, nil
}

// SaveRun upserts run by id.
func (s *RunStore) SaveRun(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("%w: nil run", ErrInvalidRun)
	}

	if err := run.Validate(); err != nil {
		return err
	}

	summary, err := json.Marshal(summaryOrEmpty(run.Summary))
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	query := `
		INSERT INTO pipeline_runs (
			run_id, strategies, status, records_collected, records_normalized,
			quality_score, error_message, summary, started_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
			strategies = EXCLUDED.strategies,
			status = EXCLUDED.status,
			records_collected = EXCLUDED.records_collected,
			records_normalized = EXCLUDED.records_normalized,
			quality_score = EXCLUDED.quality_score,
			error_message = EXCLUDED.error_message,
			summary = EXCLUDED.summary,
			completed_at = EXCLUDED.completed_at
	`

	_, err = s.conn.ExecContext(ctx, query,
		run.ID,
		pq.Array(stringsOrEmpty(run.Strategies)),
		run.Status,
		run.RecordsCollected,
		run.RecordsNormalized,
		run.QualityScore,
		nullableString(run.Error),
		summary,
		run.StartedAt.UTC(),
		run.CompletedAt.UTC(),
	)
	if err != nil {
		if isDatabaseConnectionError(err) {
			return fmt.Errorf("%w: save run: %w", ErrStoreUnavailable, err)
		}

		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun returns the run with id.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := `
		SELECT run_id, strategies, status, records_collected, records_normalized,
		       quality_score, COALESCE(error_message, ''), summary, started_at, completed_at
		FROM pipeline_runs
		WHERE run_id = $1
	`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}

		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// RecentRuns returns up to limit runs, newest first. limit <= 0 uses a default.
func (s *RunStore) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultRecentRuns
	}

	query := `
		SELECT run_id, strategies, status, records_collected, records_normalized,
		       quality_score, COALESCE(error_message, ''), summary, started_at, completed_at
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	runs := []*Run{}

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run     Run
		summary []byte
	)

	err := row.Scan(
		&run.ID,
		pq.Array(&run.Strategies),
		&run.Status,
		&run.RecordsCollected,
		&run.RecordsNormalized,
		&run.QualityScore,
		&run.Error,
		&summary,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode run summary: %w", err)
		}
	}

	return &run, nil
}

func summaryOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
