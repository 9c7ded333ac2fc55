package core

import (
	"context"

	"github.com/hupe1980/agentflow/logging"
)

// ToolContext is the scoped handle passed to a tool implementation for one
// invocation. It carries the cancellation context, correlation identifiers
// and a logger pre-populated with those identifiers.
type ToolContext struct {
	ctx            context.Context
	functionCallID string
	toolName       string
	agentID        string
	threadID       string
	runID          string

	*loggerAdapter
}

// ToolContextOptions configures optional identifiers of a ToolContext.
type ToolContextOptions struct {
	FunctionCallID string
	AgentID        string
	ThreadID       string
	RunID          string
	Logger         logging.Logger
}

// NewToolContext constructs a tool context for a call of toolName.
func NewToolContext(ctx context.Context, toolName string, optFns ...func(o *ToolContextOptions)) *ToolContext {
	opts := ToolContextOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FunctionCallID == "" {
		opts.FunctionCallID = NewID()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &ToolContext{
		ctx:            ctx,
		functionCallID: opts.FunctionCallID,
		toolName:       toolName,
		agentID:        opts.AgentID,
		threadID:       opts.ThreadID,
		runID:          opts.RunID,
		loggerAdapter:  newLoggerAdapter(opts.Logger, "tool", toolName, "fc_id", opts.FunctionCallID),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// Logger returns the logger associated with the tool invocation.
func (tc *ToolContext) Logger() logging.Logger { return tc.loggerAdapter.Logger() }

// FunctionCallID returns the correlation id of the call.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }

// ToolName returns the name of the invoked tool.
func (tc *ToolContext) ToolName() string { return tc.toolName }

// AgentID returns the calling agent, if any.
func (tc *ToolContext) AgentID() string { return tc.agentID }

// ThreadID returns the memory thread of the calling agent, if any.
func (tc *ToolContext) ThreadID() string { return tc.threadID }

// RunID returns the workflow run the call belongs to, if any.
func (tc *ToolContext) RunID() string { return tc.runID }
