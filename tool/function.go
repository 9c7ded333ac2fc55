package tool

import (
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// Argument validation happens in the Registry before Call is reached, so the
// wrapped function receives JSON-native arguments that satisfy the schema
// (numbers are float64, arrays []any, objects map[string]any).
//
// A FunctionTool has no internal mutable state after construction and is safe
// for concurrent use by multiple goroutines.
type FunctionTool struct {
	name         string
	description  string
	parameters   map[string]any
	category     string
	capabilities Capabilities
	fn           func(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// FunctionToolOptions configures optional metadata of a FunctionTool.
type FunctionToolOptions struct {
	Category     string
	Capabilities Capabilities
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(tc *core.ToolContext, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(toolCtx *core.ToolContext, args map[string]any) (any, error),
	optFns ...func(o *FunctionToolOptions),
) *FunctionTool {
	opts := FunctionToolOptions{Category: "general"}
	for _, f := range optFns {
		f(&opts)
	}

	return &FunctionTool{
		name:         name,
		description:  description,
		parameters:   parameters,
		category:     opts.Category,
		capabilities: opts.Capabilities,
		fn:           fn,
	}
}

// NewTypedTool derives the parameter schema from T and decodes the validated
// arguments into a T before invoking fn.
//
//	type SumArgs struct {
//	  A float64 `json:"a" jsonschema:"first addend"`
//	  B float64 `json:"b" jsonschema:"second addend"`
//	}
//
//	sumTool, err := NewTypedTool("calculate_sum", "Calculate the sum of two numbers",
//	  func(tc *core.ToolContext, args SumArgs) (any, error) { return args.A + args.B, nil })
func NewTypedTool[T any](
	name, description string,
	fn func(toolCtx *core.ToolContext, args T) (any, error),
	optFns ...func(o *FunctionToolOptions),
) (*FunctionTool, error) {
	schema, err := util.SchemaFor[T]()
	if err != nil {
		return nil, err
	}

	return NewFunctionTool(name, description, schema, func(toolCtx *core.ToolContext, args map[string]any) (any, error) {
		var typed T
		if err := DecodeInto(args, &typed); err != nil {
			return nil, err
		}
		return fn(toolCtx, typed)
	}, optFns...), nil
}

// Name returns the unique tool name used in function call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Category returns the classification tag.
func (t *FunctionTool) Category() string { return t.category }

// Capabilities returns the capability tags.
func (t *FunctionTool) Capabilities() Capabilities { return t.capabilities }

// Call invokes the wrapped function.
func (t *FunctionTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	return t.fn(toolCtx, args)
}
