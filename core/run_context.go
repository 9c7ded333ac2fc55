package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentflow/logging"
)

// ErrAlreadyWritten is returned when a RunContext key is written twice.
var ErrAlreadyWritten = errors.New("run context key already written")

// StepState is the lifecycle state of a workflow step.
type StepState string

const (
	// StepPending means the step has not started.
	StepPending StepState = "pending"
	// StepSkipped means the step's condition was false (or a dependency failed).
	StepSkipped StepState = "skipped"
	// StepRunning means the step's executor is in flight.
	StepRunning StepState = "running"
	// StepCompleted means the step finished successfully.
	StepCompleted StepState = "completed"
	// StepFailed means the step's executor returned an error.
	StepFailed StepState = "failed"
)

// Done reports whether s is terminal.
func (s StepState) Done() bool {
	return s == StepSkipped || s == StepCompleted || s == StepFailed
}

// Warning is a non fatal diagnostic recorded during a run.
type Warning struct {
	StepID  string `json:"step_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// slot boxes a stored value so nil outputs are distinguishable from absent keys.
type slot struct{ v any }

// RunContext carries the shared state of a single workflow execution:
//   - the workflow input (read-only)
//   - step outputs keyed by step id, each written at most once
//   - free-form variables (output mapping aliases), each written at most once
//   - step states and accumulated warnings
//
// Every key is guarded individually (sync.Map LoadOrStore) so concurrent steps
// writing their own ids never contend on a shared lock.
type RunContext struct {
	WorkflowID string
	RunID      string

	input    map[string]any
	outputs  sync.Map // step id -> slot
	vars     sync.Map // name -> slot
	states   sync.Map // step id -> StepState
	warnMu   sync.Mutex
	warnings []Warning

	*loggerAdapter
}

// NewRunContext constructs an empty RunContext for one execution.
func NewRunContext(workflowID, runID string, input map[string]any, logger logging.Logger) *RunContext {
	in := make(map[string]any, len(input))
	for k, v := range input {
		in[k] = v
	}
	return &RunContext{
		WorkflowID:    workflowID,
		RunID:         runID,
		input:         in,
		loggerAdapter: newLoggerAdapter(logger, "workflow_id", workflowID, "run_id", runID),
	}
}

// Input returns a shallow copy of the workflow input.
func (rc *RunContext) Input() map[string]any {
	out := make(map[string]any, len(rc.input))
	for k, v := range rc.input {
		out[k] = v
	}
	return out
}

// SetOutput records the output of a step. A second write for the same step
// fails with ErrAlreadyWritten and leaves the first value in place.
func (rc *RunContext) SetOutput(stepID string, v any) error {
	if _, loaded := rc.outputs.LoadOrStore(stepID, slot{v: v}); loaded {
		return fmt.Errorf("%w: step %q", ErrAlreadyWritten, stepID)
	}
	return nil
}

// Output returns the recorded output of a step.
func (rc *RunContext) Output(stepID string) (any, bool) {
	v, ok := rc.outputs.Load(stepID)
	if !ok {
		return nil, false
	}
	return v.(slot).v, true
}

// Outputs returns a copy of all recorded step outputs.
func (rc *RunContext) Outputs() map[string]any {
	out := map[string]any{}
	rc.outputs.Range(func(k, v any) bool {
		out[k.(string)] = v.(slot).v
		return true
	})
	return out
}

// SetVar records a run variable. Variables are write-once like outputs.
func (rc *RunContext) SetVar(name string, v any) error {
	if _, loaded := rc.vars.LoadOrStore(name, slot{v: v}); loaded {
		return fmt.Errorf("%w: variable %q", ErrAlreadyWritten, name)
	}
	return nil
}

// Var returns a run variable.
func (rc *RunContext) Var(name string) (any, bool) {
	v, ok := rc.vars.Load(name)
	if !ok {
		return nil, false
	}
	return v.(slot).v, true
}

// Vars returns a copy of all run variables.
func (rc *RunContext) Vars() map[string]any {
	out := map[string]any{}
	rc.vars.Range(func(k, v any) bool {
		out[k.(string)] = v.(slot).v
		return true
	})
	return out
}

// SetState records the lifecycle state of a step. Only the goroutine running
// the step transitions its state.
func (rc *RunContext) SetState(stepID string, s StepState) { rc.states.Store(stepID, s) }

// State returns the lifecycle state of a step (StepPending when unknown).
func (rc *RunContext) State(stepID string) StepState {
	if v, ok := rc.states.Load(stepID); ok {
		return v.(StepState)
	}
	return StepPending
}

// States returns a copy of all recorded step states.
func (rc *RunContext) States() map[string]StepState {
	out := map[string]StepState{}
	rc.states.Range(func(k, v any) bool {
		out[k.(string)] = v.(StepState)
		return true
	})
	return out
}

// AddWarning records a non fatal diagnostic.
func (rc *RunContext) AddWarning(w Warning) {
	rc.warnMu.Lock()
	defer rc.warnMu.Unlock()
	rc.warnings = append(rc.warnings, w)
}

// Warnings returns recorded warnings ordered by step id, then insertion.
func (rc *RunContext) Warnings() []Warning {
	rc.warnMu.Lock()
	out := append([]Warning(nil), rc.warnings...)
	rc.warnMu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}

// Snapshot returns the data view used by expressions and templates:
//
//	{"input": {...}, "steps": {"<id>": {"output": ..., "state": "..."}}, "vars": {...}}
func (rc *RunContext) Snapshot() map[string]any {
	steps := map[string]any{}
	rc.states.Range(func(k, v any) bool {
		id := k.(string)
		entry := map[string]any{"state": string(v.(StepState))}
		if out, ok := rc.Output(id); ok {
			entry["output"] = out
		}
		steps[id] = entry
		return true
	})
	rc.outputs.Range(func(k, v any) bool {
		id := k.(string)
		if _, ok := steps[id]; !ok {
			steps[id] = map[string]any{"output": v.(slot).v, "state": string(rc.State(id))}
		}
		return true
	})
	return map[string]any{
		"input": rc.Input(),
		"steps": steps,
		"vars":  rc.Vars(),
	}
}
