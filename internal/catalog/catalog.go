// Package catalog loads the pipeline catalog (sources, schemas, engine
// requirements and strategies) from a YAML file and registers it with the
// pipeline's registries.
//
// The catalog file is optional: the operator API can register sources and
// strategies at runtime, so a missing file yields an empty catalog.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/correlator-io/seeder/internal/config"
	"github.com/correlator-io/seeder/internal/distribution"
	"github.com/correlator-io/seeder/internal/enrichment"
	"github.com/correlator-io/seeder/internal/normalization"
	"github.com/correlator-io/seeder/internal/orchestrator"
	"github.com/correlator-io/seeder/internal/source"
	"github.com/correlator-io/seeder/internal/strategy"
)

// DefaultPath is the default location of the catalog file.
const DefaultPath = ".seeder.yaml"

// PathEnvVar is the environment variable naming a custom catalog path.
const PathEnvVar = "SEEDER_CONFIG_PATH"

var (
	// ErrInvalidCatalog is returned for a catalog file that cannot be read or parsed.
	ErrInvalidCatalog = errors.New("invalid catalog")

	// ErrRegistration is returned by Apply when an entry is rejected by its registry.
	ErrRegistration = errors.New("catalog registration failed")
)

const defaultSentimentField = "content"

type (
	// Catalog is the declarative pipeline configuration.
	Catalog struct {
		Sources    []source.Config            `yaml:"sources"`
		Schemas    []normalization.Schema     `yaml:"schemas"`
		Engines    []distribution.Requirement `yaml:"engines"`
		Strategies []strategy.Strategy        `yaml:"strategies"`
		Enrichment Enrichment                 `yaml:"enrichment"`
	}

	// Enrichment configures the enrichers run on normalized records.
	// BenchmarkBaselines maps a platform to its expected engagement rate.
	Enrichment struct {
		SentimentField     string             `yaml:"sentiment_field"`
		BenchmarkBaselines map[string]float64 `yaml:"benchmark_baselines"`
	}

	// Summary counts the entries of a catalog.
	Summary struct {
		Sources    int `json:"sources"`
		Schemas    int `json:"schemas"`
		Engines    int `json:"engines"`
		Strategies int `json:"strategies"`
		Baselines  int `json:"benchmark_baselines"`
	}
)

// Load reads the catalog at path.
//
// Behavior:
//   - Returns an empty catalog (not error) if the file doesn't exist
//   - Returns an empty catalog for an empty file
//   - Returns ErrInvalidCatalog for unreadable or malformed YAML
//
// ${VAR} references are expanded from the environment before parsing so
// credentials can stay out of the file.
func Load(path string) (*Catalog, error) {
	cat := &Catalog{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Catalog file not found, continuing with an empty catalog",
				slog.String("path", path))

			return cat, nil
		}

		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidCatalog, path, err)
	}

	if len(data) == 0 {
		return cat, nil
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cat); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidCatalog, path, err)
	}

	return cat, nil
}

// LoadFromEnv loads the catalog from SEEDER_CONFIG_PATH, falling back to
// ".seeder.yaml" in the current directory.
func LoadFromEnv() (*Catalog, error) {
	return Load(config.GetEnvStr(PathEnvVar, DefaultPath))
}

// Summary returns entry counts.
func (c *Catalog) Summary() Summary {
	return Summary{
		Sources:    len(c.Sources),
		Schemas:    len(c.Schemas),
		Engines:    len(c.Engines),
		Strategies: len(c.Strategies),
		Baselines:  len(c.Enrichment.BenchmarkBaselines),
	}
}

// Enrichers returns the sentiment, benchmark comparison and audience
// enrichers. Benchmark comparison is omitted when no baselines are configured,
// since it would fail every record.
func (c *Catalog) Enrichers() []enrichment.Enricher {
	field := c.Enrichment.SentimentField
	if field == "" {
		field = defaultSentimentField
	}

	enrichers := []enrichment.Enricher{enrichment.NewSentimentEnricher(field)}

	if len(c.Enrichment.BenchmarkBaselines) > 0 {
		enrichers = append(enrichers, enrichment.NewBenchmarkEnricher(c.Enrichment.BenchmarkBaselines))
	}

	return append(enrichers, enrichment.NewAudienceEnricher())
}

// Apply registers every entry with components. Sources go first because
// strategy registration checks that referenced sources exist. It stops at the
// first rejected entry.
func (c *Catalog) Apply(components orchestrator.Components) error {
	if components.Sources == nil || components.Schemas == nil ||
		components.Distributor == nil || components.Strategies == nil {
		return orchestrator.ErrMissingComponent
	}

	for _, cfg := range c.Sources {
		if err := components.Sources.Register(cfg); err != nil {
			return fmt.Errorf("%w: source %q: %w", ErrRegistration, cfg.ID, err)
		}
	}

	for _, schema := range c.Schemas {
		if err := components.Schemas.Register(schema); err != nil {
			return fmt.Errorf("%w: schema %q: %w", ErrRegistration, schema.ID, err)
		}
	}

	for _, req := range c.Engines {
		if err := components.Distributor.Register(req); err != nil {
			return fmt.Errorf("%w: engine %q: %w", ErrRegistration, req.Engine, err)
		}
	}

	for _, s := range c.Strategies {
		if err := components.Strategies.Register(s); err != nil {
			return fmt.Errorf("%w: strategy %q: %w", ErrRegistration, s.Name, err)
		}
	}

	return nil
}
