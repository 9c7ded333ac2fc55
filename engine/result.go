package engine

import (
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/runstore"
	"github.com/hupe1980/agentflow/workflow"
)

// StepResult is the outcome of one step. Steps inside a loop body report
// their last iteration.
type StepResult struct {
	ID        string
	Type      workflow.StepType
	State     core.StepState
	Output    any
	Err       error
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
}

// Result is the outcome of a run. On failure it holds everything that
// completed before the run stopped.
type Result struct {
	RunID      string
	WorkflowID string
	Status     runstore.Status

	// Output is the union of the map outputs of top-level steps in
	// declaration order, overlaid with the output mapping aliases.
	Output map[string]any

	// Steps holds every step that left the pending state, nested included.
	Steps    map[string]StepResult
	Warnings []core.Warning

	StartedAt time.Time
	Duration  time.Duration

	// Context is the RunContext of the run.
	Context *core.RunContext
}

// State returns the final state of a step (pending when it never started).
func (r *Result) State(stepID string) core.StepState {
	if s, ok := r.Steps[stepID]; ok {
		return s.State
	}
	return core.StepPending
}

// StepOutput returns the output of a step.
func (r *Result) StepOutput(stepID string) (any, bool) {
	s, ok := r.Steps[stepID]
	if !ok || (s.State != core.StepCompleted && s.State != core.StepSkipped) {
		return nil, false
	}
	return s.Output, true
}

func (r *run) result(status runstore.Status) *Result {
	r.mu.Lock()
	steps := make(map[string]StepResult, len(r.results))
	for id, s := range r.results {
		steps[id] = *s
	}
	r.mu.Unlock()

	return &Result{
		RunID:      r.rc.RunID,
		WorkflowID: r.plan.Definition.ID,
		Status:     status,
		Output:     r.output(),
		Steps:      steps,
		Warnings:   r.rc.Warnings(),
		StartedAt:  r.started,
		Duration:   time.Since(r.started),
		Context:    r.rc,
	}
}

// output merges the map outputs of finished top-level steps and the aliases.
func (r *run) output() map[string]any {
	out := map[string]any{}
	for _, s := range r.plan.Definition.Steps {
		state := r.rc.State(s.ID)
		if state != core.StepCompleted && state != core.StepSkipped {
			continue
		}
		v, ok := r.rc.Output(s.ID)
		if !ok {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			for k, val := range m {
				out[k] = val
			}
		}
	}
	for k, v := range r.rc.Vars() {
		out[k] = v
	}
	return out
}

func (r *run) record(status runstore.Status, runErr error) *runstore.Run {
	rec := &runstore.Run{
		ID:         r.rc.RunID,
		WorkflowID: r.plan.Definition.ID,
		Status:     status,
		Input:      r.rc.Input(),
		Warnings:   r.rc.Warnings(),
		StartedAt:  r.started,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if status == runstore.StatusRunning {
		return rec
	}

	rec.Output = r.output()
	rec.FinishedAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.seen {
		s := r.results[id]
		sr := runstore.StepRecord{
			ID:        s.ID,
			State:     s.State,
			Output:    s.Output,
			Attempts:  s.Attempts,
			StartedAt: s.StartedAt,
			Duration:  s.Duration,
		}
		if s.Err != nil {
			sr.Error = s.Err.Error()
		}
		rec.Steps = append(rec.Steps, sr)
	}
	return rec
}
