// Package normalization applies named schemas to raw record batches.
//
// A schema maps source fields to target fields, converts them to declared
// types, applies transformation rules and validates the result. Transform
// logic is resolved from a static function table keyed by name; nothing in a
// schema is ever evaluated as code.
package normalization

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/correlator-io/seeder/internal/record"
)

var (
	// ErrSchemaNotFound is returned when no schema is registered under an id or engine.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrInvalidSchema is returned when a schema fails registration checks.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrInvalidDate is returned when a value cannot be converted to a date.
	ErrInvalidDate = errors.New("invalid date")

	// ErrNonFiniteNumber is returned when a value converts to NaN or an infinity.
	ErrNonFiniteNumber = errors.New("non-finite number")
)

type (
	// TransformKind selects how a field mapping computes its value.
	TransformKind string

	// FieldType is a declared target type for type conversion.
	FieldType string

	// Severity grades a validation violation.
	Severity string

	// ValidationKind selects a validation check.
	ValidationKind string

	// ConditionOp is a comparison used to gate transformation rules.
	ConditionOp string

	// FieldMapping maps one source field (or several inputs) to a target field.
	FieldMapping struct {
		Source    string        `json:"source,omitempty"    yaml:"source"`
		Inputs    []string      `json:"inputs,omitempty"    yaml:"inputs"`
		Target    string        `json:"target"              yaml:"target"`
		Transform TransformKind `json:"transform,omitempty" yaml:"transform"`
		Function  string        `json:"function,omitempty"  yaml:"function"`
		Default   any           `json:"default,omitempty"   yaml:"default"`
		Required  bool          `json:"required,omitempty"  yaml:"required"`
		Priority  int           `json:"priority,omitempty"  yaml:"priority"`
	}

	// ValidationRule checks one field of a normalized record.
	ValidationRule struct {
		Name     string         `json:"name,omitempty"    yaml:"name"`
		Field    string         `json:"field"             yaml:"field"`
		Kind     ValidationKind `json:"kind"              yaml:"kind"`
		Pattern  string         `json:"pattern,omitempty" yaml:"pattern"`
		Min      *float64       `json:"min,omitempty"     yaml:"min"`
		Max      *float64       `json:"max,omitempty"     yaml:"max"`
		Values   []string       `json:"values,omitempty"  yaml:"values"`
		Severity Severity       `json:"severity"          yaml:"severity"`
		Message  string         `json:"message,omitempty" yaml:"message"`
	}

	// Condition gates a transformation rule on a field of the record being built.
	Condition struct {
		Field string      `json:"field"           yaml:"field"`
		Op    ConditionOp `json:"op"              yaml:"op"`
		Value any         `json:"value,omitempty" yaml:"value"`
	}

	// TransformationRule derives an extra target field after mapping.
	TransformationRule struct {
		Name         string      `json:"name"                 yaml:"name"`
		SourceFields []string    `json:"source_fields"        yaml:"source_fields"`
		Target       string      `json:"target"               yaml:"target"`
		Function     string      `json:"function"             yaml:"function"`
		Priority     int         `json:"priority,omitempty"   yaml:"priority"`
		Conditions   []Condition `json:"conditions,omitempty" yaml:"conditions"`
	}

	// QualityThreshold weights one aggregate metric into the result's quality score.
	QualityThreshold struct {
		Metric string  `json:"metric" yaml:"metric"`
		Min    float64 `json:"min"    yaml:"min"`
		Target float64 `json:"target" yaml:"target"`
		Weight float64 `json:"weight" yaml:"weight"`
	}

	// Schema is a named normalization specification scoped to target engines.
	// Schemas are registered once and read-only afterwards.
	Schema struct {
		ID                  string               `json:"id"                             yaml:"id"`
		Name                string               `json:"name,omitempty"                 yaml:"name"`
		Version             string               `json:"version,omitempty"              yaml:"version"`
		TargetEngines       []string             `json:"target_engines"                 yaml:"target_engines"`
		Shape               record.Shape         `json:"shape,omitempty"                yaml:"shape"`
		KeepUnmapped        bool                 `json:"keep_unmapped,omitempty"        yaml:"keep_unmapped"`
		FieldMappings       []FieldMapping       `json:"field_mappings"                 yaml:"field_mappings"`
		TypeMappings        map[string]FieldType `json:"type_mappings,omitempty"        yaml:"type_mappings"`
		ArrayDelimiter      string               `json:"array_delimiter,omitempty"      yaml:"array_delimiter"`
		ValidationRules     []ValidationRule     `json:"validation_rules,omitempty"     yaml:"validation_rules"`
		TransformationRules []TransformationRule `json:"transformation_rules,omitempty" yaml:"transformation_rules"`
		QualityThresholds   []QualityThreshold   `json:"quality_thresholds,omitempty"   yaml:"quality_thresholds"`

		compiled *compiledSchema
	}

	compiledSchema struct {
		mappings []FieldMapping
		rules    []TransformationRule
		patterns map[int]*regexp.Regexp
	}
)

// Transform kinds.
const (
	TransformDirect     TransformKind = "direct"
	TransformCalculated TransformKind = "calculated"
	TransformAggregated TransformKind = "aggregated"
	TransformDerived    TransformKind = "derived"
)

// Field types.
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Validation kinds.
const (
	ValidateRequired ValidationKind = "required"
	ValidatePattern  ValidationKind = "pattern"
	ValidateRange    ValidationKind = "range"
	ValidateLength   ValidationKind = "length"
	ValidateEnum     ValidationKind = "enum"
)

// Condition operators.
const (
	OpExists    ConditionOp = "exists"
	OpNotExists ConditionOp = "not_exists"
	OpEquals    ConditionOp = "equals"
	OpNotEquals ConditionOp = "not_equals"
	OpGreater   ConditionOp = "gt"
	OpLess      ConditionOp = "lt"
)

// Quality metrics a threshold may reference.
const (
	MetricCompleteness = "completeness"
	MetricAccuracy     = "accuracy"
	MetricConsistency  = "consistency"
)

const defaultArrayDelimiter = ","

// Targets reports whether the schema serves engine.
func (s *Schema) Targets(engine string) bool {
	for _, e := range s.TargetEngines {
		if e == engine {
			return true
		}
	}

	return false
}

// OutputShape returns the record shape normalized records are built with.
func (s *Schema) OutputShape() record.Shape {
	if s.Shape.IsValid() {
		return s.Shape
	}

	return record.ShapeGeneric
}

func (s *Schema) delimiter() string {
	if s.ArrayDelimiter == "" {
		return defaultArrayDelimiter
	}

	return s.ArrayDelimiter
}

// Compile validates the schema and prepares sorted mappings, sorted rules and
// compiled patterns. Normalize compiles lazily; registries compile eagerly so
// a broken schema fails at startup.
func (s *Schema) Compile() error {
	if s.compiled != nil {
		return nil
	}

	if err := s.validate(); err != nil {
		return err
	}

	c := &compiledSchema{
		mappings: append([]FieldMapping(nil), s.FieldMappings...),
		rules:    append([]TransformationRule(nil), s.TransformationRules...),
		patterns: make(map[int]*regexp.Regexp),
	}

	sort.SliceStable(c.mappings, func(i, j int) bool { return c.mappings[i].Priority < c.mappings[j].Priority })
	sort.SliceStable(c.rules, func(i, j int) bool { return c.rules[i].Priority < c.rules[j].Priority })

	for i, rule := range s.ValidationRules {
		if rule.Kind != ValidatePattern {
			continue
		}

		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("%w: %s: validation rule %d: %w", ErrInvalidSchema, s.ID, i, err)
		}

		c.patterns[i] = re
	}

	s.compiled = c

	return nil
}

func (s *Schema) validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSchema)
	}

	if len(s.TargetEngines) == 0 {
		return fmt.Errorf("%w: %s: at least one target engine is required", ErrInvalidSchema, s.ID)
	}

	if s.Shape != "" && !s.Shape.IsValid() {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSchema, s.ID, record.ErrUnknownShape)
	}

	for i := range s.FieldMappings {
		if err := s.validateMapping(&s.FieldMappings[i]); err != nil {
			return fmt.Errorf("%w: %s: mapping %d: %w", ErrInvalidSchema, s.ID, i, err)
		}
	}

	for field, typ := range s.TypeMappings {
		if !typ.IsValid() {
			return fmt.Errorf("%w: %s: field %s has unknown type %q", ErrInvalidSchema, s.ID, field, typ)
		}
	}

	for i := range s.ValidationRules {
		if err := validateRule(&s.ValidationRules[i]); err != nil {
			return fmt.Errorf("%w: %s: validation rule %d: %w", ErrInvalidSchema, s.ID, i, err)
		}
	}

	for i, rule := range s.TransformationRules {
		if err := validateTransformationRule(rule); err != nil {
			return fmt.Errorf("%w: %s: transformation rule %d: %w", ErrInvalidSchema, s.ID, i, err)
		}
	}

	for _, th := range s.QualityThresholds {
		switch th.Metric {
		case MetricCompleteness, MetricAccuracy, MetricConsistency:
		default:
			return fmt.Errorf("%w: %s: unknown quality metric %q", ErrInvalidSchema, s.ID, th.Metric)
		}

		if th.Weight < 0 {
			return fmt.Errorf("%w: %s: negative weight for %s", ErrInvalidSchema, s.ID, th.Metric)
		}
	}

	return nil
}

func (s *Schema) validateMapping(m *FieldMapping) error {
	if m.Target == "" {
		return errors.New("target is required")
	}

	if m.Transform == "" {
		m.Transform = TransformDirect
	}

	if m.Transform == TransformDirect {
		if m.Source == "" {
			return fmt.Errorf("direct mapping to %s needs a source field", m.Target)
		}

		if m.Function != "" {
			_, err := LookupFunction(m.Function, m.Transform)

			return err
		}

		return nil
	}

	if !m.Transform.IsValid() {
		return fmt.Errorf("unknown transform kind %q", m.Transform)
	}

	if m.Function == "" {
		return fmt.Errorf("%s mapping to %s needs a function", m.Transform, m.Target)
	}

	if len(m.inputs()) == 0 {
		return fmt.Errorf("%s mapping to %s needs inputs", m.Transform, m.Target)
	}

	_, err := LookupFunction(m.Function, m.Transform)

	return err
}

func validateRule(rule *ValidationRule) error {
	if rule.Field == "" {
		return errors.New("field is required")
	}

	if rule.Severity == "" {
		rule.Severity = SeverityError
	}

	if !rule.Severity.IsValid() {
		return fmt.Errorf("unknown severity %q", rule.Severity)
	}

	switch rule.Kind {
	case ValidateRequired:
	case ValidatePattern:
		if rule.Pattern == "" {
			return fmt.Errorf("pattern rule on %s needs a pattern", rule.Field)
		}
	case ValidateRange, ValidateLength:
		if rule.Min == nil && rule.Max == nil {
			return fmt.Errorf("%s rule on %s needs min or max", rule.Kind, rule.Field)
		}
	case ValidateEnum:
		if len(rule.Values) == 0 {
			return fmt.Errorf("enum rule on %s needs values", rule.Field)
		}
	default:
		return fmt.Errorf("unknown validation kind %q", rule.Kind)
	}

	return nil
}

func validateTransformationRule(rule TransformationRule) error {
	if rule.Target == "" {
		return errors.New("target is required")
	}

	if len(rule.SourceFields) == 0 {
		return fmt.Errorf("rule %s needs source fields", rule.Name)
	}

	if _, err := LookupFunction(rule.Function, ""); err != nil {
		return err
	}

	for _, c := range rule.Conditions {
		if !c.Op.IsValid() {
			return fmt.Errorf("rule %s has unknown condition op %q", rule.Name, c.Op)
		}

		if c.Field == "" {
			return fmt.Errorf("rule %s has a condition without field", rule.Name)
		}
	}

	return nil
}

func (m FieldMapping) inputs() []string {
	if len(m.Inputs) > 0 {
		return m.Inputs
	}

	if m.Source != "" {
		return []string{m.Source}
	}

	return nil
}

// IsValid reports whether k is a known transform kind.
func (k TransformKind) IsValid() bool {
	switch k {
	case TransformDirect, TransformCalculated, TransformAggregated, TransformDerived:
		return true
	default:
		return false
	}
}

// IsValid reports whether t is a known field type.
func (t FieldType) IsValid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeDate, TypeArray, TypeObject:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}

// IsValid reports whether op is a known condition operator.
func (op ConditionOp) IsValid() bool {
	switch op {
	case OpExists, OpNotExists, OpEquals, OpNotEquals, OpGreater, OpLess:
		return true
	default:
		return false
	}
}
