package sources

import (
	"context"
	_ "embed"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teranos/codeload/errors"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the seed list of sources
type Catalog struct {
	Sources []CatalogEntry `yaml:"sources"`
}

// CatalogEntry is one source as written in sources.yaml
type CatalogEntry struct {
	Name             string   `yaml:"name"`
	Kind             string   `yaml:"kind"`
	SourceType       string   `yaml:"source_type"`
	BaseLocation     string   `yaml:"base_location"`
	CodeFamily       string   `yaml:"code_family"`
	RateLimitPerHour *int     `yaml:"rate_limit_per_hour"`
	CostPerRequest   float64  `yaml:"cost_per_request"`
	FallbackPriority int      `yaml:"fallback_priority"`
	ResourceKeys     []string `yaml:"resource_keys"` // keys this source is known to cover
}

// DefaultRateLimitPerHour applies when a catalog entry omits the limit
const DefaultRateLimitPerHour = 60

// LoadCatalog reads a YAML catalog from path, or the built-in catalog when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		err = errors.Wrap(err, "failed to read source catalog")
		return nil, errors.WithHintf(err, "check sources.catalog_path (%s)", path)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return nil, errors.WithDetailf(err, "Catalog: %s", path)
	}
	return cat, nil
}

// ParseCatalog decodes and validates a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, errors.Wrap(err, "failed to parse source catalog")
	}

	seen := make(map[string]bool, len(cat.Sources))
	for i, e := range cat.Sources {
		if e.Name == "" {
			return nil, errors.NewInvalidInputError("catalog entry %d has no name", i)
		}
		if seen[e.Name] {
			return nil, errors.NewInvalidInputError("catalog lists %q twice", e.Name)
		}
		seen[e.Name] = true
		if e.BaseLocation == "" {
			return nil, errors.NewInvalidInputError("catalog entry %q has no base_location", e.Name)
		}
		if e.SourceType != "" && !SourceType(e.SourceType).Valid() {
			return nil, errors.NewInvalidInputError("catalog entry %q has unknown source_type %q", e.Name, e.SourceType)
		}
	}
	return &cat, nil
}

// Source converts the entry into a registry source
func (e CatalogEntry) Source() *Source {
	limit := DefaultRateLimitPerHour
	if e.RateLimitPerHour != nil {
		limit = *e.RateLimitPerHour
	}
	return &Source{
		Name:             e.Name,
		Kind:             e.Kind,
		SourceType:       SourceType(e.SourceType),
		BaseLocation:     e.BaseLocation,
		CodeFamily:       e.CodeFamily,
		RateLimitPerHour: limit,
		CostPerRequest:   e.CostPerRequest,
		FallbackPriority: e.FallbackPriority,
	}
}

// Seed upserts every catalog entry and its known resource mappings.
// Returns the number of sources written.
func Seed(ctx context.Context, reg *Registry, cat *Catalog) (int, error) {
	for _, e := range cat.Sources {
		id, err := reg.Upsert(ctx, e.Source())
		if err != nil {
			return 0, err
		}
		for _, key := range e.ResourceKeys {
			if err := reg.MapSource(ctx, key, id, DiscoveryCatalog, Unverified); err != nil {
				return 0, err
			}
		}
	}
	return len(cat.Sources), nil
}
