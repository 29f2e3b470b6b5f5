package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Pack is the YAML root structure of an operator-supplied pattern pack.
// Packs overlay the built-in table: a pattern for an existing kind replaces
// it, unknown kinds extend the catalogue.
type Pack struct {
	Patterns      []Pattern      `yaml:"patterns"`
	ResourceRules []ResourceRule `yaml:"resourceRules"`
	StateRules    []StateRule    `yaml:"stateRules"`
}

// Load builds the catalogue, overlaying the pack at path when it exists.
// An empty path or missing file yields the built-in catalogue.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return New(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(nil)
		}
		return nil, fmt.Errorf("read pattern pack: %w", err)
	}
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse pattern pack: %w", err)
	}
	return New(&pack)
}
