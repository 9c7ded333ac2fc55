package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/workflow"
)

// CallbackType names a lifecycle point of a workflow run.
type CallbackType string

const (
	// CallbackBeforeWorkflow runs after input validation, before the first
	// step. An error aborts the run.
	CallbackBeforeWorkflow CallbackType = "before_workflow"

	// CallbackAfterWorkflow runs once the run finished, successful or not.
	CallbackAfterWorkflow CallbackType = "after_workflow"

	// CallbackBeforeStep runs before a step's condition is evaluated. An
	// error fails the step.
	CallbackBeforeStep CallbackType = "before_step"

	// CallbackAfterStep runs after a step produced its output and before the
	// output is committed. An error fails the step.
	CallbackAfterStep CallbackType = "after_step"

	// CallbackOnError runs when a step fails.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext describes the event a callback is invoked for.
type CallbackContext struct {
	WorkflowID string
	RunID      string

	// StepID and StepType are empty for workflow level callbacks.
	StepID   string
	StepType workflow.StepType

	// Input is the workflow input.
	Input map[string]any

	// Output is the step output (after_step) or the workflow output
	// (after_workflow).
	Output any

	// Err is set for on_error and for a failed after_workflow.
	Err error

	CallbackType CallbackType
	Metadata     map[string]any
}

// Callback is a lifecycle hook.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a Callback.
//
// Example:
//
//	cb := NewFunctionCallback(CallbackBeforeStep, func(ctx context.Context, cc *CallbackContext) error {
//	    log.Printf("starting %s", cc.StepID)
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a function based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks per type and runs them in registration
// order. The first error stops the chain.
//
// Steps run concurrently, so callbacks must be safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds callbacks.
func (cm *CallbackManager) RegisterCallback(callbacks ...Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, cb := range callbacks {
		cm.callbacks[cb.Type()] = append(cm.callbacks[cb.Type()], cb)
	}
}

// ExecuteCallbacks runs all callbacks registered for callbackType.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}

	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return fmt.Errorf("%s callback: %w", callbackType, err)
		}
	}

	return nil
}

// LoggingCallback forwards lifecycle events to a print function.
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the event.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	msg := fmt.Sprintf("[%s] workflow=%s run=%s", c.callbackType, callbackCtx.WorkflowID, callbackCtx.RunID)
	if callbackCtx.StepID != "" {
		msg += fmt.Sprintf(" step=%s (%s)", callbackCtx.StepID, callbackCtx.StepType)
	}
	if callbackCtx.Err != nil {
		msg += " error=" + callbackCtx.Err.Error()
	}
	c.logger(msg)
	return nil
}

// OutputSchemaCallback validates the output of one step against a JSON
// schema. A violation fails the step.
//
// Example:
//
//	cb := NewOutputSchemaCallback("classify", map[string]any{
//	    "type":     "object",
//	    "required": []any{"category"},
//	})
type OutputSchemaCallback struct {
	stepID string
	schema *util.Schema
}

// NewOutputSchemaCallback compiles schema and returns an after_step
// callback for stepID.
func NewOutputSchemaCallback(stepID string, schema map[string]any) (*OutputSchemaCallback, error) {
	s, err := util.CompileSchema(schema)
	if err != nil {
		return nil, err
	}
	return &OutputSchemaCallback{stepID: stepID, schema: s}, nil
}

// Type returns CallbackAfterStep.
func (c *OutputSchemaCallback) Type() CallbackType {
	return CallbackAfterStep
}

// Execute validates the output of the configured step.
func (c *OutputSchemaCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if callbackCtx.StepID != c.stepID {
		return nil
	}
	out, ok := callbackCtx.Output.(map[string]any)
	if !ok {
		return fmt.Errorf("output of step %s is %T, want an object", c.stepID, callbackCtx.Output)
	}
	normalized, err := util.NormalizeMap(out)
	if err != nil {
		return err
	}
	if violations := c.schema.Validate(normalized); len(violations) > 0 {
		return &violations[0]
	}
	return nil
}
