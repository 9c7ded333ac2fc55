package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeArguments parses the raw JSON arguments of a model-produced tool call.
// Empty input yields an empty map. Malformed JSON (trailing commas, missing
// quotes, truncated objects) is repaired before giving up.
func DecodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}

	var args map[string]any
	err := json.Unmarshal([]byte(raw), &args)
	if err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}

	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	repaired, rerr := jsonrepair.JSONRepair(raw)
	if rerr != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("decode repaired arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}

	return args, nil
}

// DecodeInto converts JSON-native arguments into a typed value.
func DecodeInto(args map[string]any, out any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode arguments into %T: %w", out, err)
	}
	return nil
}
