package core

import (
	"encoding/json"
	"fmt"
)

// ToolCall is a function call request surfaced by a model provider.
// Arguments holds the raw JSON text produced by the model.
type ToolCall struct {
	ID        string `json:"id" msgpack:"id"`
	Name      string `json:"name" msgpack:"name"`
	Arguments string `json:"arguments" msgpack:"arguments"`
}

// NewToolCall builds a ToolCall marshaling args to JSON. A missing id is generated.
func NewToolCall(id, name string, args any) (ToolCall, error) {
	if id == "" {
		id = NewID()
	}
	if args == nil {
		return ToolCall{ID: id, Name: name, Arguments: "{}"}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ToolCall{}, fmt.Errorf("marshal tool call arguments: %w", err)
	}
	return ToolCall{ID: id, Name: name, Arguments: string(b)}, nil
}

// ToolDefinition declaratively exposes a callable function to a model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolChoiceMode controls whether and which tool the model may call.
type ToolChoiceMode string

const (
	// ToolChoiceModeAuto lets the model decide.
	ToolChoiceModeAuto ToolChoiceMode = "auto"
	// ToolChoiceModeNone forbids tool calls.
	ToolChoiceModeNone ToolChoiceMode = "none"
	// ToolChoiceModeRequired forces at least one tool call.
	ToolChoiceModeRequired ToolChoiceMode = "required"
	// ToolChoiceModeSpecific forces a call to the named tool.
	ToolChoiceModeSpecific ToolChoiceMode = "specific"
)

// ToolChoice is the policy passed to GenerateWithFunctions. The zero value is Auto.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// ToolChoiceAuto lets the model decide whether to call a tool.
func ToolChoiceAuto() ToolChoice { return ToolChoice{Mode: ToolChoiceModeAuto} }

// ToolChoiceNone forbids tool calls.
func ToolChoiceNone() ToolChoice { return ToolChoice{Mode: ToolChoiceModeNone} }

// ToolChoiceRequired forces the model to call at least one tool.
func ToolChoiceRequired() ToolChoice { return ToolChoice{Mode: ToolChoiceModeRequired} }

// ToolChoiceSpecific forces the model to call the named tool.
func ToolChoiceSpecific(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceModeSpecific, Name: name}
}

// Normalized maps the zero value to Auto.
func (c ToolChoice) Normalized() ToolChoice {
	if c.Mode == "" {
		return ToolChoiceAuto()
	}
	return c
}

// IsForced reports whether the choice obliges the model to call a tool.
func (c ToolChoice) IsForced() bool {
	return c.Mode == ToolChoiceModeRequired || c.Mode == ToolChoiceModeSpecific
}

// String implements fmt.Stringer.
func (c ToolChoice) String() string {
	c = c.Normalized()
	if c.Mode == ToolChoiceModeSpecific {
		return fmt.Sprintf("specific(%s)", c.Name)
	}
	return string(c.Mode)
}
