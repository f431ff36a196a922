package den

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkflowType is an opaque hint telling the builder how to approach a
// feature. The den never branches on it beyond validation.
type WorkflowType string

const (
	// WorkflowTDD asks the builder to write tests first
	WorkflowTDD WorkflowType = "tdd"

	// WorkflowDirect asks the builder to implement directly
	WorkflowDirect WorkflowType = "direct"

	// WorkflowDocs marks documentation-only work
	WorkflowDocs WorkflowType = "docs"

	// WorkflowOther marks work that fits no standard shape
	WorkflowOther WorkflowType = "other"
)

// Hints carries optional, opaque guidance forwarded verbatim to the builder.
type Hints struct {
	APIEndpoints []string          `yaml:"api_endpoints,omitempty" json:"api_endpoints,omitempty"`
	Packages     []string          `yaml:"packages,omitempty" json:"packages,omitempty"`
	EnvVars      map[string]string `yaml:"env_vars,omitempty" json:"env_vars,omitempty"`
}

// CatalogFeature is one entry in the static feature catalog. Catalog entries
// are loaded once at startup and never mutated; runtime state lives in the
// separate state document keyed by the same id.
type CatalogFeature struct {
	ID        string       `yaml:"id" json:"id"`                                 // Stable short identifier, unique in the catalog
	Name      string       `yaml:"name" json:"name"`                             // Human label
	DependsOn []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"` // Feature ids that must complete first
	Priority  int          `yaml:"priority" json:"priority"`                     // Lower is claimed first
	Workflow  WorkflowType `yaml:"workflow_type" json:"workflow_type"`           // Builder hint
	Hints     *Hints       `yaml:"hints,omitempty" json:"hints,omitempty"`       // Optional opaque builder hints
}

// IntegrationTest labels a set of features exercised together by a
// downstream integration phase. Carried through to the merge plan.
type IntegrationTest struct {
	Name     string   `yaml:"name" json:"name"`
	Features []string `yaml:"features" json:"features"`
}

// Catalog is the static feature specification document. It is
// source-controlled alongside the code; the den state document is not.
type Catalog struct {
	Features         []CatalogFeature  `yaml:"features" json:"features"`
	IntegrationTests []IntegrationTest `yaml:"integration_tests,omitempty" json:"integration_tests,omitempty"`
}

// Validate checks if the WorkflowType is a valid enum value.
func (w WorkflowType) Validate() error {
	switch w {
	case WorkflowTDD, WorkflowDirect, WorkflowDocs, WorkflowOther:
		return nil
	default:
		return fmt.Errorf("unknown workflow type: %q", w)
	}
}

// Validate performs strict validation on the catalog: every feature carries
// an id, name and valid workflow type; ids are unique; every depends_on
// entry references a feature defined in this catalog.
func (c *Catalog) Validate() error {
	if len(c.Features) == 0 {
		return fmt.Errorf("no features defined")
	}

	ids := make(map[string]bool, len(c.Features))
	for _, f := range c.Features {
		if f.ID == "" {
			return fmt.Errorf("feature with empty id (name: %q)", f.Name)
		}
		if ids[f.ID] {
			return fmt.Errorf("duplicate feature id: %s", f.ID)
		}
		ids[f.ID] = true

		if f.Name == "" {
			return fmt.Errorf("feature '%s': name is required", f.ID)
		}
		if err := f.Workflow.Validate(); err != nil {
			return fmt.Errorf("feature '%s': %w", f.ID, err)
		}
	}

	for _, f := range c.Features {
		for _, dep := range f.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("feature '%s': depends on unknown feature '%s'", f.ID, dep)
			}
			if dep == f.ID {
				return fmt.Errorf("feature '%s': depends on itself", f.ID)
			}
		}
	}

	for _, it := range c.IntegrationTests {
		if it.Name == "" {
			return fmt.Errorf("integration test with empty name")
		}
		for _, id := range it.Features {
			if !ids[id] {
				return fmt.Errorf("integration test '%s': references unknown feature '%s'", it.Name, id)
			}
		}
	}

	return nil
}

// Feature returns the catalog entry for the given id, or nil if absent.
func (c *Catalog) Feature(id string) *CatalogFeature {
	for i := range c.Features {
		if c.Features[i].ID == id {
			return &c.Features[i]
		}
	}
	return nil
}

// LoadCatalog reads and validates the catalog from the specified path.
// The file is parsed as YAML, which also accepts JSON catalogs.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	return &catalog, nil
}
