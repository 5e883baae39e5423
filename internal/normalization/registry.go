package normalization

import (
	"fmt"
	"sort"
	"sync"
)

// SchemaRegistry holds compiled schemas by id. Registration replaces an
// existing schema with the same id.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*Schema)}
}

// Register compiles and stores schema. Unknown function names, kinds,
// severities and unparsable patterns are rejected here.
func (r *SchemaRegistry) Register(schema Schema) error {
	schema.compiled = nil
	schema.FieldMappings = append([]FieldMapping(nil), schema.FieldMappings...)
	schema.ValidationRules = append([]ValidationRule(nil), schema.ValidationRules...)

	if err := schema.Compile(); err != nil {
		return err
	}

	r.mu.Lock()
	r.schemas[schema.ID] = &schema
	r.mu.Unlock()

	return nil
}

// Get returns the schema registered under id.
func (r *SchemaRegistry) Get(id string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, id)
	}

	return s, nil
}

// ForEngine returns the first schema (by id) that targets engine.
func (r *SchemaRegistry) ForEngine(engine string) (*Schema, error) {
	for _, s := range r.List() {
		if s.Targets(engine) {
			return s, nil
		}
	}

	return nil, fmt.Errorf("%w: no schema targets engine %s", ErrSchemaNotFound, engine)
}

// List returns all schemas sorted by id.
func (r *SchemaRegistry) List() []*Schema {
	r.mu.RLock()

	out := make([]*Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}

	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Len returns the number of registered schemas.
func (r *SchemaRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.schemas)
}
