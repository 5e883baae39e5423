// Package record provides the tagged-variant record model that flows through the
// seeding pipeline.
//
// Every record carries a Shape. A shape declares a fixed list of core fields;
// values for those fields live in the core map and everything else lands in the
// extension map. Required-field checks can therefore be validated against the
// shape up front (Shape.Declares) instead of discovering typos at runtime.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Shape identifies a known record layout.
type Shape string

// Known record shapes.
const (
	ShapeSocialPost Shape = "social_post"
	ShapeEngagement Shape = "engagement_metric"
	ShapeBenchmark  Shape = "benchmark"
	ShapeGeneric    Shape = "generic"
)

// ErrUnknownShape is returned when decoding a record with an unregistered shape.
var ErrUnknownShape = errors.New("unknown record shape")

var shapeFields = map[Shape][]string{
	ShapeSocialPost: {
		"id", "platform", "content_id", "content", "author", "followers",
		"likes", "shares", "comments", "published_at",
	},
	ShapeEngagement: {"id", "platform", "content_id", "metric", "value", "observed_at"},
	ShapeBenchmark:  {"id", "platform", "industry", "metric", "value", "period"},
	ShapeGeneric:    {"id"},
}

// IsValid reports whether s is a known shape.
func (s Shape) IsValid() bool {
	_, ok := shapeFields[s]

	return ok
}

// Fields returns a copy of the core field list declared by the shape.
func (s Shape) Fields() []string {
	fields := shapeFields[s]
	out := make([]string, len(fields))
	copy(out, fields)

	return out
}

// Declares reports whether field is a core field of the shape.
func (s Shape) Declares(field string) bool {
	for _, f := range shapeFields[s] {
		if f == field {
			return true
		}
	}

	return false
}

// Record is a single data item. The zero value is not usable; use New or FromMap.
// Records are not safe for concurrent mutation.
type Record struct {
	shape      Shape
	core       map[string]any
	extensions map[string]any
}

// New creates an empty record of the given shape. Unknown shapes fall back to generic.
func New(shape Shape) *Record {
	if !shape.IsValid() {
		shape = ShapeGeneric
	}

	return &Record{
		shape:      shape,
		core:       make(map[string]any),
		extensions: make(map[string]any),
	}
}

// FromMap builds a record of the given shape from a plain key/value map.
func FromMap(shape Shape, values map[string]any) *Record {
	r := New(shape)
	for k, v := range values {
		r.Set(k, v)
	}

	return r
}

// Shape returns the record's shape.
func (r *Record) Shape() Shape {
	return r.shape
}

// Get returns the value for field and whether the field is present.
func (r *Record) Get(field string) (any, bool) {
	if v, ok := r.core[field]; ok {
		return v, true
	}

	v, ok := r.extensions[field]

	return v, ok
}

// Set stores value under field, routing it to the core or extension map.
func (r *Record) Set(field string, value any) {
	if r.shape.Declares(field) {
		r.core[field] = value

		return
	}

	r.extensions[field] = value
}

// Delete removes field from the record.
func (r *Record) Delete(field string) {
	delete(r.core, field)
	delete(r.extensions, field)
}

// Has reports whether field is present with a non-empty value.
func (r *Record) Has(field string) bool {
	v, ok := r.Get(field)

	return ok && !IsEmpty(v)
}

// HasFields reports whether every field in fields is present with a non-empty value.
func (r *Record) HasFields(fields []string) bool {
	for _, f := range fields {
		if !r.Has(f) {
			return false
		}
	}

	return true
}

// Keys returns all field names, sorted.
func (r *Record) Keys() []string {
	keys := make([]string, 0, r.Len())
	for k := range r.core {
		keys = append(keys, k)
	}

	for k := range r.extensions {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Len returns the number of fields present.
func (r *Record) Len() int {
	return len(r.core) + len(r.extensions)
}

// Map returns a merged copy of all fields.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, r.Len())
	for k, v := range r.core {
		out[k] = v
	}

	for k, v := range r.extensions {
		out[k] = v
	}

	return out
}

// Extensions returns a copy of the fields not declared by the shape.
func (r *Record) Extensions() map[string]any {
	out := make(map[string]any, len(r.extensions))
	for k, v := range r.extensions {
		out[k] = v
	}

	return out
}

// Clone returns a shallow copy of the record. Nested maps and slices are shared.
func (r *Record) Clone() *Record {
	return FromMap(r.shape, r.Map())
}

// ID returns the record's "id" field rendered as a string, or "" when absent.
func (r *Record) ID() string {
	v, ok := r.Get("id")
	if !ok || v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

type wireRecord struct {
	Shape  Shape          `json:"shape"`
	Fields map[string]any `json:"fields"`
}

// MarshalJSON encodes the record as {"shape": ..., "fields": {...}}.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{Shape: r.shape, Fields: r.Map()})
}

// UnmarshalJSON decodes the {"shape": ..., "fields": {...}} form.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	if w.Shape == "" {
		w.Shape = ShapeGeneric
	}

	if !w.Shape.IsValid() {
		return fmt.Errorf("%w: %s", ErrUnknownShape, w.Shape)
	}

	*r = *FromMap(w.Shape, w.Fields)

	return nil
}

// IsEmpty reports whether v counts as missing: nil, blank string, or empty slice/map.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return len(val) == 0 || isBlank(val)
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func isBlank(s string) bool {
	for _, c := range s {
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
	}

	return true
}
