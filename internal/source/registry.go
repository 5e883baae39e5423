package source

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the in-memory catalog of configured sources.
//
// Registration is idempotent by id: registering the same id again replaces the
// previous entry (last write wins), so the catalog always holds exactly one
// config per id. The registry is read-mostly after startup and safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Config
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Config)}
}

// Register validates cfg and stores a copy of it, replacing any existing
// source with the same id.
func (r *Registry) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.sources[cfg.ID] = cfg.clone()
	r.mu.Unlock()

	return nil
}

// Get returns the source registered under id.
func (r *Registry) Get(id string) (Config, error) {
	r.mu.RLock()
	cfg, ok := r.sources[id]
	r.mu.RUnlock()

	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}

	return cfg.clone(), nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sources[id]

	return ok
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sources)
}

// List returns every source ordered by priority (lower first), then id.
func (r *Registry) List() []Config {
	return r.filter(func(Config) bool { return true })
}

// ListBySchedule returns the sources with the given schedule, ordered by
// priority (lower first), then id.
func (r *Registry) ListBySchedule(schedule Schedule) []Config {
	return r.filter(func(c Config) bool { return c.Schedule == schedule })
}

// Snapshot returns an immutable copy of the catalog keyed by id.
func (r *Registry) Snapshot() map[string]Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Config, len(r.sources))
	for id, cfg := range r.sources {
		out[id] = cfg.clone()
	}

	return out
}

func (r *Registry) filter(keep func(Config) bool) []Config {
	r.mu.RLock()

	out := make([]Config, 0, len(r.sources))

	for _, cfg := range r.sources {
		if keep(cfg) {
			out = append(out, cfg.clone())
		}
	}

	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}

		return out[i].ID < out[j].ID
	})

	return out
}
