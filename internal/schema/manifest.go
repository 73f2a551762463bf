// Parses schema manifest YAML files.

package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is a YAML document listing row type declarations.
type Manifest struct {
	Version int           `yaml:"version"`
	Schemas []Declaration `yaml:"schemas"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-specified manifest path
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses a manifest from bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Validate checks the structure of the manifest. Column and relation
// semantics are checked by the Registry when a schema is first built.
func (m *Manifest) Validate() error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported manifest version: %d", m.Version)
	}
	seen := map[string]bool{}
	for i := range m.Schemas {
		d := &m.Schemas[i]
		if d.Name == "" {
			return fmt.Errorf("schema %d: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("schema %q: duplicate name", d.Name)
		}
		seen[d.Name] = true
		for j := range d.Columns {
			c := &d.Columns[j]
			if c.Type == "" {
				c.Type = TypeString
			}
			t, err := ParseColumnType(string(c.Type))
			if err != nil {
				return fmt.Errorf("schema %q, column %q: %w", d.Name, c.Name, err)
			}
			c.Type = t
		}
	}
	return nil
}

// RegisterManifest adds every declaration of m to r.
func (r *Registry) RegisterManifest(m *Manifest) error {
	return r.Register(m.Schemas...)
}
