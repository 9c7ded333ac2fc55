package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/runstore"
	"github.com/hupe1980/agentflow/tool"
	"github.com/hupe1980/agentflow/workflow"
)

// Config tunes workflow execution.
type Config struct {
	// Timeout bounds a whole run. Zero falls back to the definition's
	// timeout; both zero means no deadline.
	Timeout time.Duration

	// MaxConcurrency bounds the top-level steps running at once
	// (0 = unbounded). Parallel steps bound their children separately.
	MaxConcurrency int

	// StrictLoops turns every LoopExceeded warning into a step failure.
	StrictLoops bool

	// RunID fixes the id of the next run instead of generating one. Only
	// useful as a per-call override of Execute.
	RunID string
}

// DefaultConfig is used when no Config is given.
var DefaultConfig = Config{}

// AgentRunner is the part of an agent the engine needs. *agent.Agent
// implements it.
type AgentRunner interface {
	Generate(ctx context.Context, input string, optFns ...func(o *agent.RunOptions)) (*agent.Response, error)
}

var _ AgentRunner = (*agent.Agent)(nil)

// Options configures an Engine.
type Options struct {
	Config Config

	// Registry serves tool steps. It is frozen when a run starts.
	Registry *tool.Registry

	// Agents serves agent steps by name.
	Agents map[string]AgentRunner

	// Executors serves simple and conditional steps referring to them
	// through Step.Run.
	Executors map[string]workflow.StepFunc

	Callbacks *CallbackManager

	// RunStore, when set, persists every run.
	RunStore runstore.Store

	Logger logging.Logger
}

// Engine executes workflow definitions. It is safe for concurrent use and
// a single Engine may run many workflows at once.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Registry = registry
//	    o.Config.MaxConcurrency = 4
//	})
//	eng.RegisterExecutor("fetch", fetchOrder)
//	eng.RegisterAgent("triage", triageAgent)
//
//	res, err := eng.Execute(ctx, def, map[string]any{"order_id": "42"})
type Engine struct {
	config    Config
	registry  *tool.Registry
	callbacks *CallbackManager
	runStore  runstore.Store
	logger    logging.Logger

	mu        sync.RWMutex
	agents    map[string]AgentRunner
	executors map[string]workflow.StepFunc
}

// New creates an Engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:    DefaultConfig,
		Callbacks: NewCallbackManager(),
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}

	e := &Engine{
		config:    opts.Config,
		registry:  opts.Registry,
		callbacks: opts.Callbacks,
		runStore:  opts.RunStore,
		logger:    opts.Logger,
		agents:    make(map[string]AgentRunner, len(opts.Agents)),
		executors: make(map[string]workflow.StepFunc, len(opts.Executors)),
	}
	for name, a := range opts.Agents {
		e.agents[name] = a
	}
	for name, fn := range opts.Executors {
		e.executors[name] = fn
	}
	return e
}

// RegisterAgent makes an agent available to agent steps. A later
// registration under the same name replaces the earlier one.
func (e *Engine) RegisterAgent(name string, a AgentRunner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents[name] = a
}

// GetAgent returns a registered agent.
func (e *Engine) GetAgent(name string) (AgentRunner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[name]
	return a, ok
}

// RegisterExecutor makes fn available to steps with Run == name.
func (e *Engine) RegisterExecutor(name string, fn workflow.StepFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors[name] = fn
}

// Registry returns the tool registry (may be nil).
func (e *Engine) Registry() *tool.Registry { return e.registry }

// Callbacks returns the callback manager.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// RunStore returns the configured run store (may be nil).
func (e *Engine) RunStore() runstore.Store { return e.runStore }

// Execute validates def and input and runs the workflow to completion.
//
// Error Semantics:
//
//	invalid definition       -> *workflow.Error (validation code), nil Result
//	input violates schema    -> *workflow.Error{Code: INVALID_INPUT}, nil Result
//	required step failed     -> *workflow.Error{Code: STEP_FAILED, StepID}, partial Result
//	deadline exceeded        -> *workflow.Error{Code: TIMEOUT}, partial Result
//	parent context canceled  -> *workflow.Error{Code: CANCELED}, partial Result
//
// optFns override the engine Config for this run only.
func (e *Engine) Execute(ctx context.Context, def *workflow.Definition, input map[string]any, optFns ...func(c *Config)) (*Result, error) {
	cfg := e.config
	cfg.RunID = ""
	for _, fn := range optFns {
		fn(&cfg)
	}

	plan, err := workflow.Compile(def)
	if err != nil {
		return nil, err
	}

	if input == nil {
		input = map[string]any{}
	}
	if err := validateInput(def, input); err != nil {
		return nil, err
	}

	runID := cfg.RunID
	if runID == "" {
		runID = core.NewID()
	}

	r := e.newRun(plan, cfg, runID, input)
	if err := r.resolve(); err != nil {
		return nil, err
	}
	if e.registry != nil {
		e.registry.Freeze()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = def.Timeout.Std()
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r.rc.LogInfo("engine.workflow.start", "steps", len(plan.Order), "timeout", timeout)
	e.save(ctx, r, runstore.StatusRunning, nil)

	cbCtx := &CallbackContext{WorkflowID: def.ID, RunID: runID, Input: r.rc.Input()}
	var runErr error
	if err := e.callbacks.ExecuteCallbacks(runCtx, CallbackBeforeWorkflow, cbCtx); err != nil {
		runErr = &workflow.Error{Code: workflow.CodeCanceled, WorkflowID: def.ID, Message: "aborted before start", Cause: err}
	} else {
		runErr = r.classify(ctx, runCtx, r.schedule(runCtx))
	}

	res := r.result(statusOf(runErr))

	cbCtx = &CallbackContext{WorkflowID: def.ID, RunID: runID, Input: r.rc.Input(), Output: res.Output, Err: runErr}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterWorkflow, cbCtx); err != nil {
		r.rc.LogWarn("engine.callback.failed", "callback", CallbackAfterWorkflow, "error", err.Error())
	}

	if fl, ok := e.logger.(*logging.AgentFlowLogger); ok {
		fl.WithRun(def.ID, runID).LogWorkflowExecution(def.ID, len(res.Steps), res.Duration, runErr == nil, runErr)
	} else {
		r.rc.LogInfo("engine.workflow.complete", "status", res.Status, "duration_ms", res.Duration.Milliseconds())
	}

	e.save(ctx, r, res.Status, runErr)

	return res, runErr
}

func (e *Engine) save(ctx context.Context, r *run, status runstore.Status, runErr error) {
	if e.runStore == nil {
		return
	}
	// persist even when the run itself was canceled
	ctx = context.WithoutCancel(ctx)
	if err := e.runStore.Save(ctx, r.record(status, runErr)); err != nil {
		r.rc.LogError("engine.runstore.save_failed", "error", err.Error())
	}
}

func validateInput(def *workflow.Definition, input map[string]any) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	schema, err := util.CompileSchema(def.InputSchema)
	if err != nil {
		return &workflow.Error{Code: workflow.CodeInvalidDefinition, WorkflowID: def.ID, Message: "invalid input_schema", Cause: err}
	}
	normalized, err := util.NormalizeMap(input)
	if err != nil {
		return &workflow.Error{Code: workflow.CodeInvalidInput, WorkflowID: def.ID, Message: "input is not JSON compatible", Cause: err}
	}
	if violations := schema.Validate(normalized); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Error()
		}
		return &workflow.Error{Code: workflow.CodeInvalidInput, WorkflowID: def.ID, Message: strings.Join(msgs, "; ")}
	}
	return nil
}

func statusOf(err error) runstore.Status {
	switch {
	case err == nil:
		return runstore.StatusCompleted
	case errors.Is(err, workflow.ErrTimeout):
		return runstore.StatusTimeout
	case errors.Is(err, workflow.ErrCanceled):
		return runstore.StatusCanceled
	}
	return runstore.StatusFailed
}
