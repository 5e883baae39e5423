package record

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_SetRoutesCoreAndExtensionFields(t *testing.T) {
	r := New(ShapeSocialPost)
	r.Set("platform", "twitter")
	r.Set("campaign", "spring")

	assert.Equal(t, []string{"campaign", "platform"}, r.Keys())
	assert.Equal(t, map[string]any{"campaign": "spring"}, r.Extensions())
	assert.Equal(t, 2, r.Len())

	v, ok := r.Get("campaign")
	require.True(t, ok)
	assert.Equal(t, "spring", v)

	r.Delete("campaign")
	assert.False(t, r.Has("campaign"))
}

func TestRecord_UnknownShapeFallsBackToGeneric(t *testing.T) {
	r := New(Shape("tiktok_video"))
	assert.Equal(t, ShapeGeneric, r.Shape())
}

func TestRecord_HasTreatsBlankValuesAsMissing(t *testing.T) {
	r := FromMap(ShapeGeneric, map[string]any{
		"id":    "1",
		"blank": "   ",
		"nil":   nil,
		"list":  []any{},
		"zero":  0,
	})

	assert.True(t, r.Has("id"))
	assert.False(t, r.Has("blank"))
	assert.False(t, r.Has("nil"))
	assert.False(t, r.Has("list"))
	assert.True(t, r.Has("zero"))
	assert.True(t, r.HasFields([]string{"id", "zero"}))
	assert.False(t, r.HasFields([]string{"id", "missing"}))
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	original := FromMap(ShapeSocialPost, map[string]any{"id": "a", "likes": 3})
	clone := original.Clone()
	clone.Set("likes", 10)

	v, _ := original.Get("likes")
	assert.Equal(t, 3, v)
}

func TestRecord_JSONRoundTripKeepsShape(t *testing.T) {
	original := FromMap(ShapeBenchmark, map[string]any{"id": "b-1", "industry": "retail"})

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Record
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, ShapeBenchmark, decoded.Shape())
	assert.Equal(t, "b-1", decoded.ID())
}

func TestRecord_UnmarshalRejectsUnknownShape(t *testing.T) {
	var r Record

	err := json.Unmarshal([]byte(`{"shape":"mystery","fields":{}}`), &r)
	assert.ErrorIs(t, err, ErrUnknownShape)
}

func TestFingerprint(t *testing.T) {
	a := FromMap(ShapeSocialPost, map[string]any{"id": "1", "platform": "x"})
	b := FromMap(ShapeSocialPost, map[string]any{"platform": "x", "id": "1"})
	c := FromMap(ShapeSocialPost, map[string]any{"id": "2", "platform": "x"})

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.Len(t, Fingerprint(a), 64)

	// NaN cannot be JSON encoded; the digest must still be produced.
	nan := FromMap(ShapeGeneric, map[string]any{"id": "n", "value": math.NaN()})
	assert.Len(t, Fingerprint(nan), 64)
}

func TestLineage_AppendKeepsOrder(t *testing.T) {
	var l Lineage

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	l.Append("source", "twitter", at).Append("schema:social", "", at)

	assert.Equal(t, []string{"source", "schema:social"}, l.Names())
	assert.Equal(t, time.UTC, l.Stages[0].At.Location())

	clone := l.Clone()
	clone.Append("enrichment", "", at)
	assert.Len(t, l.Stages, 2)
}
