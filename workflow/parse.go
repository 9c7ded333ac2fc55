package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// ParseJSON decodes a JSON workflow document. Unknown fields are rejected.
func ParseJSON(data []byte) (*Definition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse workflow json: %w", err)
	}
	return &def, nil
}

// ParseYAML decodes a YAML workflow document. The document is read into a
// generic tree first and then decoded like JSON, so both formats share one
// set of field names and value rules.
func ParseYAML(data []byte) (*Definition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("parse workflow yaml: empty document")
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	return ParseJSON(b)
}

// LoadFile reads a workflow from disk. Files ending in .json are parsed as
// JSON, everything else as YAML.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}
