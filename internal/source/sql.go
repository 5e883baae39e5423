package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/correlator-io/seeder/internal/record"
)

var (
	// ErrMissingQuery indicates a database source without a query param.
	ErrMissingQuery = errors.New("source has no query param")

	// ErrNoDatabase indicates a SQLAdapter built without a connection.
	ErrNoDatabase = errors.New("sql adapter has no database")
)

// SQLAdapter runs a read query and returns each row as a record keyed by
// column name.
//
// Params:
//   - query: SELECT statement (required). When it references $1 the since
//     cursor is bound to it (epoch when no cursor is given).
type SQLAdapter struct {
	db *sql.DB
}

// NewSQLAdapter creates a SQLAdapter over db.
func NewSQLAdapter(db *sql.DB) *SQLAdapter {
	return &SQLAdapter{db: db}
}

// Fetch implements Adapter.
func (a *SQLAdapter) Fetch(ctx context.Context, cfg Config, since *time.Time) ([]*record.Record, error) {
	if a.db == nil {
		return nil, ErrNoDatabase
	}

	query := cfg.Param("query", "")
	if query == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingQuery, cfg.ID)
	}

	var args []any

	if strings.Contains(query, "$1") {
		cursor := time.Unix(0, 0).UTC()
		if since != nil {
			cursor = since.UTC()
		}

		args = append(args, cursor)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("source %s: query failed: %w", cfg.ID, err)
	}

	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	shape := cfg.RecordShape()

	var out []*record.Record

	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))

		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("source %s: scan failed: %w", cfg.ID, err)
		}

		r := record.New(shape)
		for i, col := range columns {
			r.Set(col, columnValue(values[i]))
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source %s: row iteration failed: %w", cfg.ID, err)
	}

	return out, nil
}

func columnValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}
