package normalization

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/correlator-io/seeder/internal/quality"
	"github.com/correlator-io/seeder/internal/record"
)

type (
	// ValidationError is one rule violation found on a normalized record.
	ValidationError struct {
		Field       string   `json:"field"`
		Rule        string   `json:"rule"`
		Message     string   `json:"message"`
		Severity    Severity `json:"severity"`
		RecordIndex *int     `json:"record_index,omitempty"`
	}

	// Summary counts what the engine did to a batch.
	Summary struct {
		FieldsMapped       int `json:"fields_mapped"`
		DefaultsApplied    int `json:"defaults_applied"`
		TypeConversions    int `json:"type_conversions"`
		ConversionFailures int `json:"conversion_failures"`
		MappingFailures    int `json:"mapping_failures"`
		RulesApplied       int `json:"rules_applied"`
		RulesSkipped       int `json:"rules_skipped"`
		RuleFailures       int `json:"rule_failures"`
		ValidationPasses   int `json:"validation_passes"`
		ValidationFailures int `json:"validation_failures"`
	}

	// Result is the outcome of normalizing one batch. Success is false
	// whenever any violation is critical; the records are returned regardless.
	Result struct {
		Success          bool               `json:"success"`
		SchemaID         string             `json:"schema_id"`
		TargetEngines    []string           `json:"target_engines"`
		OriginalCount    int                `json:"original_count"`
		NormalizedCount  int                `json:"normalized_count"`
		QualityScore     float64            `json:"quality_score"`
		Metrics          map[string]float64 `json:"metrics"`
		RecordScores     []float64          `json:"-"`
		ValidationErrors []ValidationError  `json:"validation_errors"`
		Warnings         []string           `json:"warnings"`
		Summary          Summary            `json:"summary"`
		Lineage          record.Lineage     `json:"lineage"`
		Records          []*record.Record   `json:"-"`
	}

	// Engine normalizes record batches against schemas. It holds no per-batch
	// state and is safe for concurrent use.
	Engine struct {
		logger *slog.Logger
		now    func() time.Time
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)
)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the engine's time source used for lineage stamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a normalization Engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Normalize applies schema to records.
//
// Per record: field mappings (ascending priority), type conversion,
// transformation rules (ascending priority, condition gated) and validation.
// Mapping, conversion and rule failures are recorded and skipped. Only an
// invalid schema returns an error.
//
// An empty batch yields Success=true with zero counts and a zero quality score.
func (e *Engine) Normalize(records []*record.Record, schema *Schema) (*Result, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: nil schema", ErrInvalidSchema)
	}

	compiled, err := compiledFor(schema)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Success:          true,
		SchemaID:         schema.ID,
		TargetEngines:    append([]string(nil), schema.TargetEngines...),
		OriginalCount:    len(records),
		Metrics:          map[string]float64{},
		ValidationErrors: []ValidationError{},
		Warnings:         []string{},
		Records:          make([]*record.Record, 0, len(records)),
	}
	result.Lineage.Append("schema:"+schema.ID, schema.Version, e.now())

	if len(records) == 0 {
		return result, nil
	}

	for i, raw := range records {
		out := e.normalizeRecord(i, raw, schema, compiled, result)
		result.Records = append(result.Records, out)
	}

	result.NormalizedCount = len(result.Records)
	e.score(schema, compiled, result)

	e.logger.Info("Batch normalized",
		slog.String("schema_id", schema.ID),
		slog.Int("original_count", result.OriginalCount),
		slog.Int("normalized_count", result.NormalizedCount),
		slog.Int("validation_failures", result.Summary.ValidationFailures),
		slog.Float64("quality_score", result.QualityScore),
		slog.Bool("success", result.Success))

	return result, nil
}

func compiledFor(schema *Schema) (*compiledSchema, error) {
	if schema.compiled != nil {
		return schema.compiled, nil
	}

	local := *schema
	local.FieldMappings = append([]FieldMapping(nil), schema.FieldMappings...)
	local.ValidationRules = append([]ValidationRule(nil), schema.ValidationRules...)

	if err := local.Compile(); err != nil {
		return nil, err
	}

	return local.compiled, nil
}

func (e *Engine) normalizeRecord(
	index int,
	raw *record.Record,
	schema *Schema,
	compiled *compiledSchema,
	result *Result,
) *record.Record {
	out := record.New(schema.OutputShape())

	if schema.KeepUnmapped && raw != nil {
		for _, k := range raw.Keys() {
			v, _ := raw.Get(k)
			if checkFinite(v) != nil {
				result.Summary.ConversionFailures++

				continue
			}

			out.Set(k, v)
		}
	}

	if raw == nil {
		raw = record.New(record.ShapeGeneric)
	}

	e.applyMappings(index, raw, out, compiled.mappings, result)
	e.convertTypes(index, out, schema, result)
	e.applyRules(index, out, compiled.rules, result)

	violations := e.validate(index, out, schema, compiled, result)
	result.RecordScores = append(result.RecordScores, recordScore(out.Len(), violations))

	return out
}

func (e *Engine) applyMappings(index int, raw, out *record.Record, mappings []FieldMapping, result *Result) {
	for _, m := range mappings {
		value, err := mapValue(raw, m)
		if err != nil {
			result.Summary.MappingFailures++
			e.logger.Debug("Field mapping failed",
				slog.Int("record_index", index),
				slog.String("target", m.Target),
				slog.String("error", err.Error()))
		}

		if err == nil && !record.IsEmpty(value) {
			out.Set(m.Target, value)
			result.Summary.FieldsMapped++

			continue
		}

		if m.Default != nil {
			out.Set(m.Target, m.Default)
			result.Summary.DefaultsApplied++

			continue
		}

		if m.Required {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("record %d: required field %s missing and has no default", index, m.Target))
		}
	}
}

func mapValue(raw *record.Record, m FieldMapping) (any, error) {
	transform := m.Transform
	if transform == "" {
		transform = TransformDirect
	}

	if transform == TransformDirect && m.Function == "" {
		v, _ := raw.Get(m.Source)
		if err := checkFinite(v); err != nil {
			return nil, &TransformationError{Field: m.Target, Step: "map", Err: err}
		}

		return v, nil
	}

	fn, err := LookupFunction(m.Function, transform)
	if err != nil {
		return nil, err
	}

	inputs := m.inputs()
	args := make([]any, len(inputs))

	for i, field := range inputs {
		args[i], _ = raw.Get(field)
	}

	v, err := fn(args)
	if err == nil {
		err = checkFinite(v)
	}

	if err != nil {
		return nil, &TransformationError{Field: m.Target, Step: m.Function, Err: err}
	}

	return v, nil
}

func (e *Engine) convertTypes(index int, out *record.Record, schema *Schema, result *Result) {
	for field, typ := range schema.TypeMappings {
		v, ok := out.Get(field)
		if !ok || v == nil {
			continue
		}

		converted, err := Convert(v, typ, schema.delimiter())
		if err != nil {
			terr := &TransformationError{Field: field, Step: "convert:" + string(typ), Err: err}
			result.Summary.ConversionFailures++
			out.Delete(field)

			e.logger.Debug("Type conversion failed",
				slog.Int("record_index", index),
				slog.String("field", field),
				slog.String("error", terr.Error()))

			if errors.Is(err, ErrInvalidDate) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("record %d: %s", index, terr.Error()))
			}

			continue
		}

		out.Set(field, converted)
		result.Summary.TypeConversions++
	}
}

func (e *Engine) applyRules(index int, out *record.Record, rules []TransformationRule, result *Result) {
	for _, rule := range rules {
		if !conditionsHold(out, rule.Conditions) {
			result.Summary.RulesSkipped++

			continue
		}

		fn, err := LookupFunction(rule.Function, "")
		if err == nil {
			args := make([]any, len(rule.SourceFields))
			for i, field := range rule.SourceFields {
				args[i], _ = out.Get(field)
			}

			var v any

			v, err = fn(args)
			if err == nil {
				err = checkFinite(v)
			}

			if err == nil {
				out.Set(rule.Target, v)
				result.Summary.RulesApplied++

				continue
			}
		}

		result.Summary.RuleFailures++
		e.logger.Debug("Transformation rule failed",
			slog.Int("record_index", index),
			slog.String("rule", rule.Name),
			slog.String("error", err.Error()))
	}
}

func conditionsHold(r *record.Record, conditions []Condition) bool {
	for _, c := range conditions {
		v, ok := r.Get(c.Field)
		present := ok && !record.IsEmpty(v)

		switch c.Op {
		case OpExists:
			if !present {
				return false
			}
		case OpNotExists:
			if present {
				return false
			}
		case OpEquals:
			if !present || !looseEqual(v, c.Value) {
				return false
			}
		case OpNotEquals:
			if present && looseEqual(v, c.Value) {
				return false
			}
		case OpGreater, OpLess:
			if !present || !compare(v, c.Value, c.Op) {
				return false
			}
		default:
			return false
		}
	}

	return true
}

func looseEqual(a, b any) bool {
	if fa, err := toNumber(a); err == nil {
		if fb, err := toNumber(b); err == nil {
			return fa == fb
		}
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b any, op ConditionOp) bool {
	fa, err := toNumber(a)
	if err != nil {
		return false
	}

	fb, err := toNumber(b)
	if err != nil {
		return false
	}

	if op == OpGreater {
		return fa > fb
	}

	return fa < fb
}

func (e *Engine) validate(
	index int,
	out *record.Record,
	schema *Schema,
	compiled *compiledSchema,
	result *Result,
) []ValidationError {
	var violations []ValidationError

	for i, rule := range schema.ValidationRules {
		msg, ok := check(out, rule, compiled.patterns[i])
		if ok {
			continue
		}

		if rule.Message != "" {
			msg = rule.Message
		}

		name := rule.Name
		if name == "" {
			name = string(rule.Kind)
		}

		severity := rule.Severity
		if severity == "" {
			severity = SeverityError
		}

		idx := index
		violations = append(violations, ValidationError{
			Field:       rule.Field,
			Rule:        name,
			Message:     msg,
			Severity:    severity,
			RecordIndex: &idx,
		})

		if severity == SeverityCritical {
			result.Success = false
		}
	}

	if len(violations) == 0 {
		result.Summary.ValidationPasses++
	} else {
		result.Summary.ValidationFailures++
		result.ValidationErrors = append(result.ValidationErrors, violations...)
	}

	return violations
}

// check returns a message and false when r violates rule. Rules other than
// required pass when the field is absent.
func check(r *record.Record, rule ValidationRule, pattern *regexp.Regexp) (string, bool) {
	v, ok := r.Get(rule.Field)
	present := ok && !record.IsEmpty(v)

	if rule.Kind == ValidateRequired {
		return fmt.Sprintf("%s is required", rule.Field), present
	}

	if !present {
		return "", true
	}

	switch rule.Kind {
	case ValidatePattern:
		s, err := toString(v)
		if err != nil || pattern == nil || !pattern.MatchString(s) {
			return fmt.Sprintf("%s does not match %s", rule.Field, rule.Pattern), false
		}
	case ValidateRange:
		n, err := toNumber(v)
		if err != nil {
			return fmt.Sprintf("%s is not numeric", rule.Field), false
		}

		if !withinBounds(n, rule.Min, rule.Max) {
			return fmt.Sprintf("%s=%v is out of range", rule.Field, n), false
		}
	case ValidateLength:
		if !withinBounds(float64(length(v)), rule.Min, rule.Max) {
			return fmt.Sprintf("%s has invalid length %d", rule.Field, length(v)), false
		}
	case ValidateEnum:
		s := fmt.Sprint(v)
		for _, allowed := range rule.Values {
			if s == allowed {
				return "", true
			}
		}

		return fmt.Sprintf("%s=%q is not one of %s", rule.Field, s, strings.Join(rule.Values, ", ")), false
	}

	return "", true
}

func withinBounds(n float64, lo, hi *float64) bool {
	if lo != nil && n < *lo {
		return false
	}

	if hi != nil && n > *hi {
		return false
	}

	return true
}

func length(v any) int {
	switch val := v.(type) {
	case string:
		return len([]rune(val))
	case []any:
		return len(val)
	case []string:
		return len(val)
	case map[string]any:
		return len(val)
	default:
		return len([]rune(fmt.Sprint(val)))
	}
}

// recordScore is (fields - violations) / fields, floored at 0, and 0 when any
// violation is critical or the record is empty.
func recordScore(fields int, violations []ValidationError) float64 {
	if fields == 0 {
		return 0
	}

	for _, v := range violations {
		if v.Severity == SeverityCritical {
			return 0
		}
	}

	return quality.Clamp(float64(fields-len(violations)) / float64(fields))
}

// score fills the aggregate metrics and the weighted quality score.
//
// completeness: share of mapped target slots filled across the batch.
// accuracy: mean per-record score. consistency: share of records sharing
// the first record's key set.
func (e *Engine) score(schema *Schema, compiled *compiledSchema, result *Result) {
	targets := map[string]struct{}{}
	for _, m := range compiled.mappings {
		targets[m.Target] = struct{}{}
	}

	filled := 0

	for _, r := range result.Records {
		for t := range targets {
			if r.Has(t) {
				filled++
			}
		}
	}

	completeness := 0.0
	if slots := len(targets) * len(result.Records); slots > 0 {
		completeness = float64(filled) / float64(slots)
	} else if len(result.Records) > 0 {
		completeness = quality.NewScorer().Completeness(result.Records)
	}

	accuracy := 0.0
	for _, s := range result.RecordScores {
		accuracy += s
	}

	if len(result.RecordScores) > 0 {
		accuracy /= float64(len(result.RecordScores))
	}

	metrics := map[string]float64{
		MetricCompleteness: quality.Clamp(completeness),
		MetricAccuracy:     quality.Clamp(accuracy),
		MetricConsistency:  quality.Consistency(result.Records),
	}
	result.Metrics = metrics

	if len(schema.QualityThresholds) == 0 {
		result.QualityScore = quality.Clamp((metrics[MetricCompleteness] + metrics[MetricAccuracy] + metrics[MetricConsistency]) / 3) //nolint:mnd // three metrics

		return
	}

	var weighted, totalWeight float64

	for _, th := range schema.QualityThresholds {
		m := metrics[th.Metric]
		weighted += th.Weight * m
		totalWeight += th.Weight

		if m < th.Min {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s %.3f below minimum %.3f", th.Metric, m, th.Min))
		}
	}

	if totalWeight > 0 {
		result.QualityScore = quality.Clamp(weighted / totalWeight)
	}
}
