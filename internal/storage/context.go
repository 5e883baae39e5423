package storage

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const (
	runIDKey contextKey = iota
	engineKey
)

// WithRunID tags inserts made with ctx with a pipeline run id.
func WithRunID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext returns the run id set by WithRunID.
func RunIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(runIDKey).(uuid.UUID)

	return id, ok
}

// WithEngine tags engine_deliveries inserts made with ctx with the receiving engine.
func WithEngine(ctx context.Context, engine string) context.Context {
	return context.WithValue(ctx, engineKey, engine)
}

// EngineFromContext returns the engine set by WithEngine.
func EngineFromContext(ctx context.Context) (string, bool) {
	engine, ok := ctx.Value(engineKey).(string)

	return engine, ok && engine != ""
}
