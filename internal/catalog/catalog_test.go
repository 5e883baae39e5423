package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/seeder/internal/distribution"
	"github.com/correlator-io/seeder/internal/enrichment"
	"github.com/correlator-io/seeder/internal/normalization"
	"github.com/correlator-io/seeder/internal/orchestrator"
	"github.com/correlator-io/seeder/internal/record"
	"github.com/correlator-io/seeder/internal/source"
	"github.com/correlator-io/seeder/internal/strategy"
)

const sampleCatalog = `
sources:
  - id: instagram-api
    kind: api
    schedule: hourly
    priority: 1
    enabled: true
    retry_attempts: 2
    timeout_ms: 5000
    rate_limit: 2
    shape: social_post
    params:
      url: https://api.example.com/posts
      auth_token: ${SEEDER_TEST_TOKEN}
  - id: synthetic-posts
    kind: synthetic
    enabled: true
    params:
      count: "50"

schemas:
  - id: recommender-v1
    target_engines: [recommender]
    shape: social_post
    field_mappings:
      - source: id
        target: id
        required: true
      - source: platform
        target: platform
    type_mappings:
      likes: number

engines:
  - engine: recommender
    minimum_records: 60
    required_fields: [id, platform]
    max_batch_size: 500

strategies:
  - name: social
    target_engines: [recommender]
    sources: [instagram-api]
    fallback_sources: [synthetic-posts]
    data_requirements:
      min_records_per_source: 100
    validation_rules: [has_id, dedupe_by_id]
    parallel: true

enrichment:
  benchmark_baselines:
    instagram: 0.035
    TikTok: 0.06
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "seeder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func newComponents() orchestrator.Components {
	sources := source.NewRegistry()

	return orchestrator.Components{
		Sources:     sources,
		Strategies:  strategy.NewRegistry(sources),
		Schemas:     normalization.NewSchemaRegistry(),
		Distributor: distribution.NewEngine(),
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	t.Setenv("SEEDER_TEST_TOKEN", "s3cret")

	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	assert.Equal(t, Summary{Sources: 2, Schemas: 1, Engines: 1, Strategies: 1, Baselines: 2}, cat.Summary())

	api := cat.Sources[0]
	assert.Equal(t, "instagram-api", api.ID)
	assert.Equal(t, source.KindAPI, api.Kind)
	assert.Equal(t, source.ScheduleHourly, api.Schedule)
	assert.Equal(t, 2, api.RetryAttempts)
	assert.Equal(t, record.ShapeSocialPost, api.Shape)
	assert.Equal(t, "s3cret", api.Params["auth_token"])

	assert.Equal(t, normalization.TypeNumber, cat.Schemas[0].TypeMappings["likes"])
	assert.True(t, cat.Schemas[0].FieldMappings[0].Required)

	assert.Equal(t, 60, cat.Engines[0].MinimumRecords)
	assert.Equal(t, []string{"id", "platform"}, cat.Engines[0].RequiredFields)

	assert.Equal(t, 100, cat.Strategies[0].DataRequirements.MinRecordsPerSource)
	assert.Equal(t, []string{"synthetic-posts"}, cat.Strategies[0].FallbackSources)
	assert.True(t, cat.Strategies[0].Parallel)
}

func TestEnrichers(t *testing.T) {
	names := func(enrichers []enrichment.Enricher) []string {
		out := make([]string, 0, len(enrichers))
		for _, e := range enrichers {
			out = append(out, e.Name())
		}

		return out
	}

	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)
	assert.Equal(t, []string{"sentiment", "benchmark", "audience"}, names(cat.Enrichers()))

	post := record.FromMap(record.ShapeSocialPost, map[string]any{
		"platform": "tiktok", "likes": 80.0, "shares": 10.0, "comments": 10.0, "followers": 1000.0,
	})

	fields, err := cat.Enrichers()[1].Enrich(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, "above", fields["benchmark_performance"])

	assert.Equal(t, []string{"sentiment", "audience"}, names((&Catalog{}).Enrichers()))
}

func TestLoad_MissingFile(t *testing.T) {
	cat, err := Load("/nonexistent/path/seeder.yaml")

	require.NoError(t, err)
	require.NotNil(t, cat)
	assert.Equal(t, Summary{}, cat.Summary())
}

func TestLoad_EmptyFile(t *testing.T) {
	cat, err := Load(writeCatalog(t, ""))

	require.NoError(t, err)
	assert.Empty(t, cat.Sources)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeCatalog(t, "sources:\n  - id: [broken\n"))

	require.ErrorIs(t, err, ErrInvalidCatalog)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(PathEnvVar, writeCatalog(t, sampleCatalog))

	cat, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Len(t, cat.Sources, 2)
}

func TestApply(t *testing.T) {
	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	components := newComponents()
	require.NoError(t, cat.Apply(components))

	assert.Equal(t, 2, components.Sources.Len())
	assert.Equal(t, 1, components.Schemas.Len())
	assert.Equal(t, []string{"recommender"}, components.Distributor.Engines())

	s, err := components.Strategies.Get("social")
	require.NoError(t, err)
	assert.Equal(t, []string{"recommender"}, s.TargetEngines)

	req, err := components.Distributor.Requirement("recommender")
	require.NoError(t, err)
	assert.Equal(t, distribution.TransportDatabase, req.Transport)
}

func TestApply_RejectsUnknownStrategySource(t *testing.T) {
	cat := &Catalog{
		Strategies: []strategy.Strategy{{
			Name: "orphan", TargetEngines: []string{"recommender"}, Sources: []string{"ghost"},
		}},
	}

	err := cat.Apply(newComponents())
	require.ErrorIs(t, err, ErrRegistration)
	assert.Contains(t, err.Error(), "orphan")
}

func TestApply_RejectsInvalidSource(t *testing.T) {
	cat := &Catalog{Sources: []source.Config{{ID: "x", Kind: "carrier-pigeon"}}}

	require.ErrorIs(t, cat.Apply(newComponents()), ErrRegistration)
}

func TestApply_MissingComponents(t *testing.T) {
	require.ErrorIs(t, (&Catalog{}).Apply(orchestrator.Components{}), orchestrator.ErrMissingComponent)
}
