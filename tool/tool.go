// Package tool implements the function / tool calling subsystem that lets agents
// and workflow steps invoke structured capabilities (APIs, computations,
// side-effects) with schema validated arguments, consistent error handling and
// metadata for LLM guidance.
package tool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
)

// Tool defines the interface for extending agent capabilities with external functions.
//
// Tools are registered with a Registry and bound to agents by name, allowing
// agents to perform actions beyond text generation such as API calls,
// calculations or database queries. Workflow tool steps call them directly.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Be safe for concurrent use
//   - Honor toolCtx.Context() cancellation when doing I/O
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// It is provided to the LLM to help it understand when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Category returns a free-form classification tag ("math", "search", ...).
	Category() string

	// Capabilities reports optional behaviour the tool supports.
	Capabilities() Capabilities

	// Call executes the tool with validated, JSON-native arguments.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// Capabilities are informational capability tags of a tool.
type Capabilities struct {
	Streaming bool `json:"streaming"`
	Batch     bool `json:"batch"`
	Cache     bool `json:"cache"`
	Auth      bool `json:"auth"`
}

// Tags returns the enabled capability names in a stable order.
func (c Capabilities) Tags() []string {
	var tags []string
	if c.Streaming {
		tags = append(tags, "streaming")
	}
	if c.Batch {
		tags = append(tags, "batch")
	}
	if c.Cache {
		tags = append(tags, "cache")
	}
	if c.Auth {
		tags = append(tags, "auth")
	}
	return tags
}

// Definition converts a tool into the provider-facing definition.
func Definition(t Tool) core.ToolDefinition {
	params := t.Parameters()
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return core.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  params,
	}
}

// Violation represents a single parameter validation failure.
type Violation = util.ValidationError

// Code classifies a ToolError.
type Code string

const (
	CodeInvalidParams   Code = "INVALID_PARAMS"
	CodeNotFound        Code = "NOT_FOUND"
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	CodeDuplicateTool   Code = "DUPLICATE_TOOL"
	CodeRegistryFrozen  Code = "REGISTRY_FROZEN"
)

// Sentinels matched by ToolError.Is.
var (
	ErrInvalidParams   = errors.New("invalid tool parameters")
	ErrNotFound        = errors.New("tool not found")
	ErrExecutionFailed = errors.New("tool execution failed")
	ErrDuplicateTool   = errors.New("duplicate tool")
	ErrRegistryFrozen  = errors.New("tool registry is frozen")
)

// ToolError represents errors that occur while registering or executing tools.
type ToolError struct {
	Tool       string      `json:"tool"`                 // Name of the tool involved
	Code       Code        `json:"code"`                 // Error code for categorization
	Message    string      `json:"message"`              // Error message
	Violations []Violation `json:"violations,omitempty"` // Parameter violations (INVALID_PARAMS)
	Cause      error       `json:"-"`                    // Underlying error (EXECUTION_FAILED)
}

func (e *ToolError) Error() string {
	msg := e.Message
	if len(e.Violations) > 0 {
		parts := make([]string, len(e.Violations))
		for i := range e.Violations {
			parts[i] = e.Violations[i].Error()
		}
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, msg)
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error { return e.Cause }

// Is maps the error code onto the package sentinels.
func (e *ToolError) Is(target error) bool {
	switch target {
	case ErrInvalidParams:
		return e.Code == CodeInvalidParams
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrExecutionFailed:
		return e.Code == CodeExecutionFailed
	case ErrDuplicateTool:
		return e.Code == CodeDuplicateTool
	case ErrRegistryFrozen:
		return e.Code == CodeRegistryFrozen
	}
	return false
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool string, code Code, message string) *ToolError {
	return &ToolError{Tool: tool, Code: code, Message: message}
}

func newExecutionError(tool string, cause error) *ToolError {
	return &ToolError{Tool: tool, Code: CodeExecutionFailed, Message: cause.Error(), Cause: cause}
}
