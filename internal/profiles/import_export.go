package profiles

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Format selects the serialization for profile documents
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Export serializes a profile for editing or sharing
func Export(p *Profile, format Format) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to export profile %s: %w", p.Metadata.Name, err)
		}
		return data, nil
	case FormatYAML, "":
		data, err := yaml.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to export profile %s: %w", p.Metadata.Name, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// Import parses a profile document, migrating older schema versions
// up and validating the result. Both YAML and JSON are accepted
// (JSON is a YAML subset).
func Import(data []byte) (*Profile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty profile document")
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	if err := Migrate(&p); err != nil {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
