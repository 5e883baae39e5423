package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/correlator-io/seeder/internal/record"
)

// StoredRecord is a row held by MemoryStore.
type StoredRecord struct {
	RunID  uuid.UUID
	Engine string
	Record *record.Record
}

// MemoryStore is a thread-safe in-memory RecordStore and RunStore.
// Records are cloned on the way in and out.
type MemoryStore struct {
	mutex  sync.RWMutex
	tables map[string][]StoredRecord
	runs   map[uuid.UUID]*Run
	// failWith, when set, is returned by every Insert.
	failWith error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string][]StoredRecord),
		runs:   make(map[uuid.UUID]*Run),
	}
}

// FailInserts makes subsequent Insert calls return err; nil restores normal behaviour.
func (s *MemoryStore) FailInserts(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.failWith = err
}

// Insert appends records to table.
func (s *MemoryStore) Insert(ctx context.Context, table string, records []*record.Record) error {
	if _, ok := recordColumns[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	runID, _ := RunIDFromContext(ctx)
	engine, _ := EngineFromContext(ctx)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.failWith != nil {
		return s.failWith
	}

	for _, r := range records {
		s.tables[table] = append(s.tables[table], StoredRecord{
			RunID:  runID,
			Engine: engine,
			Record: r.Clone(),
		})
	}

	return nil
}

// Count returns the number of rows in table, optionally filtered by run id.
func (s *MemoryStore) Count(_ context.Context, table string, runID *uuid.UUID) (int, error) {
	if _, ok := recordColumns[table]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if runID == nil {
		return len(s.tables[table]), nil
	}

	n := 0

	for _, row := range s.tables[table] {
		if row.RunID == *runID {
			n++
		}
	}

	return n, nil
}

// Rows returns copies of the rows stored in table.
func (s *MemoryStore) Rows(table string) []StoredRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows := make([]StoredRecord, len(s.tables[table]))
	for i, row := range s.tables[table] {
		row.Record = row.Record.Clone()
		rows[i] = row
	}

	return rows
}

// SaveRun upserts run by id.
func (s *MemoryStore) SaveRun(_ context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("%w: nil run", ErrInvalidRun)
	}

	if err := run.Validate(); err != nil {
		return err
	}

	runCopy := *run
	runCopy.Strategies = append([]string(nil), run.Strategies...)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.runs[run.ID] = &runCopy

	return nil
}

// GetRun returns the run with id.
func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	runCopy := *run

	return &runCopy, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *MemoryStore) RecentRuns(_ context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultRecentRuns
	}

	s.mutex.RLock()
	runs := make([]*Run, 0, len(s.runs))

	for _, run := range s.runs {
		runCopy := *run
		runs = append(runs, &runCopy)
	}
	s.mutex.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	if len(runs) > limit {
		runs = runs[:limit]
	}

	return runs, nil
}
