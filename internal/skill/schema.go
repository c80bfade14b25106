package skill

import (
	"encoding/json"
	"fmt"
)

// Schema is the subset of JSON Schema the skill contracts use: an object
// with named properties and a required list.
type Schema struct {
	Type       string                     `json:"type,omitempty"`
	Required   []string                   `json:"required,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
}

func ParseSchema(data string) (Schema, error) {
	if data == "" || data == "{}" {
		return Schema{}, nil
	}
	var s Schema
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Schema{}, fmt.Errorf("parse schema: %w", err)
	}
	return s, nil
}

// DeclaresField reports whether the schema mentions a field at all, in
// properties or required.
func (s Schema) DeclaresField(name string) bool {
	if _, ok := s.Properties[name]; ok {
		return true
	}
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// MissingRequired returns the required fields absent from payload.
func (s Schema) MissingRequired(payload map[string]any) []string {
	var missing []string
	for _, name := range s.Required {
		if _, ok := payload[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
