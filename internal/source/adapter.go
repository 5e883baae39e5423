package source

import (
	"context"
	"time"

	"github.com/correlator-io/seeder/internal/record"
)

type (
	// Adapter fetches one batch of records for a source. Implementations must
	// honour ctx cancellation; retries are the collector's job, not the adapter's.
	Adapter interface {
		Fetch(ctx context.Context, cfg Config, since *time.Time) ([]*record.Record, error)
	}

	// AdapterFunc adapts a function to the Adapter interface.
	AdapterFunc func(ctx context.Context, cfg Config, since *time.Time) ([]*record.Record, error)
)

// Fetch implements Adapter.
func (f AdapterFunc) Fetch(ctx context.Context, cfg Config, since *time.Time) ([]*record.Record, error) {
	return f(ctx, cfg, since)
}
