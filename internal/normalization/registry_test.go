package normalization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSchemaRegistry()

	require.NoError(t, r.Register(*socialSchema()))
	require.NoError(t, r.Register(Schema{ID: "audience-v1", TargetEngines: []string{"audience", "sentiment"}}))

	s, err := r.Get("social-v1")
	require.NoError(t, err)
	assert.NotNil(t, s.compiled)

	byEngine, err := r.ForEngine("sentiment")
	require.NoError(t, err)
	assert.Equal(t, "audience-v1", byEngine.ID, "first schema by id wins")

	_, err = r.Get("missing")
	require.ErrorIs(t, err, ErrSchemaNotFound)

	_, err = r.ForEngine("forecast")
	require.ErrorIs(t, err, ErrSchemaNotFound)

	require.NoError(t, r.Register(Schema{ID: "social-v1", TargetEngines: []string{"other"}}))
	assert.Equal(t, 2, r.Len(), "re-registering replaces")
}

func TestSchemaRegistry_RejectsInvalidSchemas(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
	}{
		{"missing id", Schema{TargetEngines: []string{"e"}}},
		{"no engines", Schema{ID: "s"}},
		{"unknown shape", Schema{ID: "s", TargetEngines: []string{"e"}, Shape: "tweet"}},
		{"mapping without target", Schema{ID: "s", TargetEngines: []string{"e"}, FieldMappings: []FieldMapping{{Source: "a"}}}},
		{"direct without source", Schema{ID: "s", TargetEngines: []string{"e"}, FieldMappings: []FieldMapping{{Target: "a"}}}},
		{"calculated without function", Schema{ID: "s", TargetEngines: []string{"e"}, FieldMappings: []FieldMapping{
			{Inputs: []string{"a"}, Target: "b", Transform: TransformCalculated},
		}}},
		{"function wrong kind", Schema{ID: "s", TargetEngines: []string{"e"}, FieldMappings: []FieldMapping{
			{Inputs: []string{"a"}, Target: "b", Transform: TransformCalculated, Function: FuncHashtags},
		}}},
		{"unknown type", Schema{ID: "s", TargetEngines: []string{"e"}, TypeMappings: map[string]FieldType{"a": "blob"}}},
		{"bad pattern", Schema{ID: "s", TargetEngines: []string{"e"}, ValidationRules: []ValidationRule{
			{Field: "a", Kind: ValidatePattern, Pattern: "("},
		}}},
		{"unknown severity", Schema{ID: "s", TargetEngines: []string{"e"}, ValidationRules: []ValidationRule{
			{Field: "a", Kind: ValidateRequired, Severity: "fatal"},
		}}},
		{"range without bounds", Schema{ID: "s", TargetEngines: []string{"e"}, ValidationRules: []ValidationRule{
			{Field: "a", Kind: ValidateRange},
		}}},
		{"unknown condition", Schema{ID: "s", TargetEngines: []string{"e"}, TransformationRules: []TransformationRule{
			{Name: "r", SourceFields: []string{"a"}, Target: "b", Function: FuncTrim, Conditions: []Condition{{Field: "a", Op: "matches"}}},
		}}},
		{"unknown metric", Schema{ID: "s", TargetEngines: []string{"e"}, QualityThresholds: []QualityThreshold{{Metric: "vibes", Weight: 1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSchemaRegistry().Register(tt.schema)
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}
