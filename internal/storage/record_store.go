package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/correlator-io/seeder/internal/config"
	"github.com/correlator-io/seeder/internal/record"
)

// Tables accepted by RecordStore.Insert.
const (
	TableNormalized = "normalized_records"
	TableEnriched   = "enriched_records"
	TableDeliveries = "engine_deliveries"
)

var (
	// ErrUnknownTable is returned when inserting into a table the store does not manage.
	ErrUnknownTable = errors.New("unknown table")
	// ErrStoreUnavailable wraps connection-class database failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

var recordColumns = map[string][]string{
	TableNormalized: {"run_id", "record_id", "shape", "fingerprint", "payload"},
	TableEnriched:   {"run_id", "record_id", "shape", "fingerprint", "payload"},
	TableDeliveries: {"run_id", "engine", "record_id", "shape", "fingerprint", "payload"},
}

// RecordStore writes pipeline records to PostgreSQL as JSONB payloads.
type RecordStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRecordStore creates a RecordStore on conn.
func NewRecordStore(conn *Connection) (*RecordStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RecordStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("SEEDER_LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Insert bulk-copies records into table inside a single transaction.
// Run id and engine are taken from ctx (see WithRunID, WithEngine).
func (s *RecordStore) Insert(ctx context.Context, table string, records []*record.Record) error {
	columns, ok := recordColumns[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	if len(records) == 0 {
		return nil
	}

	runID := nullableRunID(ctx)
	engine, _ := EngineFromContext(ctx)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return s.classify("begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return s.classify("prepare copy", err)
	}

	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			_ = stmt.Close()

			return fmt.Errorf("failed to encode record %q: %w", r.ID(), err)
		}

		args := []any{runID}
		if table == TableDeliveries {
			args = append(args, engine)
		}

		args = append(args, nullableString(r.ID()), string(r.Shape()), record.Fingerprint(r), string(payload))

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = stmt.Close()

			return s.classify("copy record", err)
		}
	}

	// Flush buffered COPY data.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()

		return s.classify("flush copy", err)
	}

	if err := stmt.Close(); err != nil {
		return s.classify("close copy", err)
	}

	if err := tx.Commit(); err != nil {
		return s.classify("commit", err)
	}

	s.logger.Debug("records inserted",
		slog.String("table", table),
		slog.Int("count", len(records)),
		slog.String("engine", engine))

	return nil
}

// Count returns the number of rows in table, optionally filtered by run id.
func (s *RecordStore) Count(ctx context.Context, table string, runID *uuid.UUID) (int, error) {
	if _, ok := recordColumns[table]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	// table is whitelisted above.
	query := "SELECT COUNT(*) FROM " + pq.QuoteIdentifier(table)
	args := []any{}

	if runID != nil {
		query += " WHERE run_id = $1"

		args = append(args, *runID)
	}

	var n int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, s.classify("count records", err)
	}

	return n, nil
}

func (s *RecordStore) classify(op string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("database connection failure", slog.String("op", op), slog.String("error", err.Error()))

		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}

func nullableRunID(ctx context.Context) any {
	if id, ok := RunIDFromContext(ctx); ok {
		return id.String()
	}

	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// isDatabaseConnectionError reports whether err is a connection-class failure
// (PostgreSQL class 08, or database/sql's bad connection errors).
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
