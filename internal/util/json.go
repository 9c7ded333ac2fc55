package util

import (
	"encoding/json"
	"fmt"
)

// NormalizeJSON converts v into its JSON-native shape (map[string]any, []any,
// float64, string, bool, nil) by a marshal / unmarshal round trip.
func NormalizeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}

	return out, nil
}

// NormalizeMap is NormalizeJSON for object values. A nil map yields an empty map.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}

	v, err := NormalizeJSON(m)
	if err != nil {
		return nil, err
	}

	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("normalize value: expected object, got %T", v)
	}

	return out, nil
}
