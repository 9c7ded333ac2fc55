package util

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
)

// ValidationError describes a single parameter violation.
type ValidationError struct {
	Field   string `json:"field"`           // Field that failed validation ("" for the root)
	Value   any    `json:"value,omitempty"` // Value that was provided
	Message string `json:"message"`         // Human-readable error message
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Schema is a compiled JSON schema. The raw map is kept for field level
// diagnostics; full validation is delegated to jsonschema-go.
type Schema struct {
	raw      map[string]any
	resolved *jsonschema.Resolved
}

// CompileSchema resolves a JSON schema given as a generic map. A nil or empty
// map compiles to a schema accepting any object.
func CompileSchema(schema map[string]any) (*Schema, error) {
	if len(schema) == 0 {
		schema = map[string]any{"type": "object"}
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	var js jsonschema.Schema
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	resolved, err := js.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}

	return &Schema{raw: schema, resolved: resolved}, nil
}

// Raw returns the schema map the Schema was compiled from.
func (s *Schema) Raw() map[string]any { return s.raw }

// Validate checks params (expected to be JSON-native, see NormalizeMap) and
// returns every violation found. Top level required and type checks report
// the offending field; anything else jsonschema-go rejects is reported
// against the root.
func (s *Schema) Validate(params map[string]any) []ValidationError {
	violations := fieldViolations(params, s.raw)

	if err := s.resolved.Validate(params); err != nil && len(violations) == 0 {
		violations = append(violations, ValidationError{Message: err.Error()})
	}

	return violations
}

// ValidateParameters is a convenience wrapper compiling schema and validating
// params in one go. It returns the first violation as error.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	s, err := CompileSchema(schema)
	if err != nil {
		return err
	}
	normalized, err := NormalizeMap(params)
	if err != nil {
		return err
	}
	if v := s.Validate(normalized); len(v) > 0 {
		return &v[0]
	}
	return nil
}

// SchemaFor derives a JSON schema map from the Go type T.
func SchemaFor[T any]() (map[string]any, error) {
	js, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("derive schema: %w", err)
	}

	data, err := json.Marshal(js)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func fieldViolations(params map[string]any, schema map[string]any) []ValidationError {
	var violations []ValidationError

	for _, field := range requiredFields(schema) {
		if _, exists := params[field]; !exists {
			violations = append(violations, ValidationError{Field: field, Message: "required field is missing"})
		}
	}

	properties, _ := schema["properties"].(map[string]any)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		propMap, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		value := params[name]
		expectedType, _ := propMap["type"].(string)
		if !isValidType(value, expectedType) {
			violations = append(violations, ValidationError{
				Field:   name,
				Value:   value,
				Message: fmt.Sprintf("expected type %s, got %T", expectedType, value),
			})
			continue
		}
		if enum, ok := propMap["enum"].([]any); ok && !containsValue(enum, value) {
			violations = append(violations, ValidationError{
				Field:   name,
				Value:   value,
				Message: fmt.Sprintf("value %v is not one of %v", value, enum),
			})
		}
	}

	return violations
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsValue(values []any, v any) bool {
	for _, candidate := range values {
		if reflect.DeepEqual(candidate, v) {
			return true
		}
	}
	return false
}

// isValidType checks if a JSON-native value matches the expected JSON schema type.
func isValidType(value any, expectedType string) bool {
	if value == nil {
		return expectedType == "" || expectedType == "null"
	}

	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		v, ok := value.(float64)
		return ok && v == float64(int64(v))
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
