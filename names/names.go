// Package names maps sensor and gateway MAC addresses to human readable names.
package names

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mapping is a read-only id to name table. The zero value is empty.
type Mapping struct {
	names map[string]string
}

// Load reads a YAML document of the form
//
//	"AA:BB:CC:DD:EE:FF": "Living Room"
//	"11:22:33:44:55:66": "Kitchen"
func Load(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mac mapping file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML mapping document. An empty document yields an empty mapping.
func Parse(data []byte) (*Mapping, error) {
	m := make(map[string]string)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mac mapping: %w", err)
	}
	return &Mapping{names: m}, nil
}

// Lookup returns the name registered for id
func (m *Mapping) Lookup(id string) (string, bool) {
	if m == nil {
		return "", false
	}
	name, ok := m.names[id]
	return name, ok
}

// Len returns the number of entries
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.names)
}
