package tool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/logging"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger logging.Logger
}

// Registry holds validated tool definitions and dispatches execution.
//
// Registration happens before execution begins. The registry freezes on the
// first Execute (or an explicit Freeze); later registrations fail with
// ErrRegistryFrozen. Lookups are read-mostly and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	order  []string
	frozen atomic.Bool
	logger logging.Logger
}

type entry struct {
	tool   Tool
	schema *util.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Registry{
		tools:  make(map[string]entry),
		logger: opts.Logger,
	}
}

// Register adds tools to the registry. Each tool's parameter schema is
// compiled once here.
func (r *Registry) Register(tools ...Tool) error {
	for _, t := range tools {
		if err := r.register(t); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(tools ...Tool) {
	if err := r.Register(tools...); err != nil {
		panic(err)
	}
}

func (r *Registry) register(t Tool) error {
	name := t.Name()
	if r.frozen.Load() {
		return NewToolError(name, CodeRegistryFrozen, "registration after execution started")
	}

	schema, err := util.CompileSchema(t.Parameters())
	if err != nil {
		return &ToolError{Tool: name, Code: CodeInvalidParams, Message: "invalid parameter schema", Cause: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return NewToolError(name, CodeRegistryFrozen, "registration after execution started")
	}
	if _, exists := r.tools[name]; exists {
		return NewToolError(name, CodeDuplicateTool, "a tool with this name is already registered")
	}

	r.tools[name] = entry{tool: t, schema: schema}
	r.order = append(r.order, name)

	r.logger.Debug("tool.registry.registered", "tool", name, "category", t.Category())

	return nil
}

// Freeze disallows further registrations.
func (r *Registry) Freeze() { r.frozen.Store(true) }

// Frozen reports whether the registry is frozen.
func (r *Registry) Frozen() bool { return r.frozen.Load() }

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Has reports whether a tool named name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns provider-facing definitions for the named tools (in
// the given order), or for every tool when names is empty. Unknown names
// are reported as ErrNotFound.
func (r *Registry) Definitions(names ...string) ([]core.ToolDefinition, error) {
	if len(names) == 0 {
		names = r.Names()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]core.ToolDefinition, 0, len(names))
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			return nil, NewToolError(name, CodeNotFound, "tool is not registered")
		}
		defs = append(defs, Definition(e.tool))
	}
	return defs, nil
}

// ByCategory groups registered tool names by category.
func (r *Registry) ByCategory() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string)
	for _, name := range r.order {
		c := r.tools[name].tool.Category()
		out[c] = append(out[c], name)
	}
	for c := range out {
		sort.Strings(out[c])
	}
	return out
}

// ExecuteOptions carries correlation identifiers of one invocation.
type ExecuteOptions struct {
	CallID   string
	AgentID  string
	ThreadID string
	RunID    string
}

// Execute validates params against the tool's schema and invokes it.
//
// Error Semantics:
//
//	unknown tool           -> *ToolError{Code: NOT_FOUND}
//	schema violation       -> *ToolError{Code: INVALID_PARAMS, Violations}
//	callback error / panic -> *ToolError{Code: EXECUTION_FAILED, Cause}
//	ctx done               -> *ToolError{Code: EXECUTION_FAILED, Cause: ctx.Err()}
//
// A *ToolError returned by the callback itself is forwarded unchanged.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, optFns ...func(o *ExecuteOptions)) (any, error) {
	opts := ExecuteOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	r.Freeze()

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewToolError(name, CodeNotFound, "tool is not registered")
	}

	if err := ctx.Err(); err != nil {
		return nil, newExecutionError(name, err)
	}

	args, err := util.NormalizeMap(params)
	if err != nil {
		return nil, &ToolError{
			Tool:       name,
			Code:       CodeInvalidParams,
			Message:    "parameters are not JSON compatible",
			Violations: []Violation{{Message: err.Error()}},
			Cause:      err,
		}
	}

	if violations := e.schema.Validate(args); len(violations) > 0 {
		r.logger.Warn("tool.execute.invalid_params", "tool", name, "violations", len(violations))
		return nil, &ToolError{
			Tool:       name,
			Code:       CodeInvalidParams,
			Message:    "parameter validation failed",
			Violations: violations,
		}
	}

	toolCtx := core.NewToolContext(ctx, name, func(o *core.ToolContextOptions) {
		o.FunctionCallID = opts.CallID
		o.AgentID = opts.AgentID
		o.ThreadID = opts.ThreadID
		o.RunID = opts.RunID
		o.Logger = r.logger
	})

	toolCtx.LogDebug("tool.execute.start")
	start := time.Now()

	result, err := invoke(ctx, e.tool, toolCtx, args)
	dur := time.Since(start)

	if err != nil {
		toolCtx.LogError("tool.execute.failed", "duration_ms", dur.Milliseconds(), "error", err.Error())

		if toolErr, ok := err.(*ToolError); ok {
			return nil, toolErr
		}
		return nil, newExecutionError(name, err)
	}

	toolCtx.LogInfo("tool.execute.completed", "duration_ms", dur.Milliseconds())

	return result, nil
}

// ExecuteCall decodes (and if necessary repairs) the raw JSON arguments of
// a model-produced call and executes it.
func (r *Registry) ExecuteCall(ctx context.Context, call core.ToolCall, optFns ...func(o *ExecuteOptions)) (any, error) {
	args, err := DecodeArguments(call.Arguments)
	if err != nil {
		return nil, &ToolError{
			Tool:       call.Name,
			Code:       CodeInvalidParams,
			Message:    "malformed arguments",
			Violations: []Violation{{Message: err.Error()}},
			Cause:      err,
		}
	}

	return r.Execute(ctx, call.Name, args, append([]func(o *ExecuteOptions){func(o *ExecuteOptions) {
		o.CallID = call.ID
	}}, optFns...)...)
}

type callResult struct {
	value any
	err   error
}

// invoke runs the tool in its own goroutine so that cancellation is observed
// even if the tool ignores its context. Panics are recovered into errors.
func invoke(ctx context.Context, t Tool, toolCtx *core.ToolContext, args map[string]any) (any, error) {
	done := make(chan callResult, 1)

	go func() {
		var res callResult
		defer func() {
			if rec := recover(); rec != nil {
				res = callResult{err: panicError(rec)}
			}
			done <- res
		}()
		res.value, res.err = t.Call(toolCtx, args)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.value, res.err
	}
}

// PanicError is the cause of an EXECUTION_FAILED error produced by a
// recovered panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic recovered: %v", p.Value) }

func panicError(r any) error { return &PanicError{Value: r, Stack: debug.Stack()} }
