package engine

import (
	"context"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/workflow"
)

func (r *run) begin(s *workflow.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[s.ID]; !ok {
		r.seen = append(r.seen, s.ID)
	}
	r.results[s.ID] = &StepResult{
		ID:        s.ID,
		Type:      s.Kind(),
		State:     core.StepPending,
		StartedAt: time.Now(),
	}
}

func (r *run) setState(s *workflow.Step, state core.StepState, out any, err error) {
	r.mu.Lock()
	res, ok := r.results[s.ID]
	if !ok {
		res = &StepResult{ID: s.ID, Type: s.Kind(), StartedAt: time.Now()}
		r.results[s.ID] = res
		r.seen = append(r.seen, s.ID)
	}
	res.State = state
	res.Output = out
	res.Err = err
	if state.Done() {
		res.Duration = time.Since(res.StartedAt)
	}
	r.mu.Unlock()

	r.rc.SetState(s.ID, state)
}

func (r *run) setAttempts(stepID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.results[stepID]; ok {
		res.Attempts = n
	}
}

// skip marks a step skipped and writes its default output.
func (r *run) skip(ctx context.Context, s *workflow.Step, sc *scope, reason string) {
	r.setState(s, core.StepSkipped, s.Default, nil)
	if sc == nil || !sc.deferred {
		r.commit(ctx, s, s.Default)
	}
	r.rc.LogInfo("engine.step.skipped", "step_id", s.ID, "reason", reason)
}

func (r *run) fail(ctx context.Context, s *workflow.Step, err error) error {
	r.setState(s, core.StepFailed, nil, err)
	r.logStep(s, core.StepFailed, err)

	cbCtx := r.callbackContext(s)
	cbCtx.Err = err
	if cbErr := r.e.callbacks.ExecuteCallbacks(context.WithoutCancel(ctx), CallbackOnError, cbCtx); cbErr != nil {
		r.rc.LogWarn("engine.callback.failed", "callback", CallbackOnError, "step_id", s.ID, "error", cbErr.Error())
	}
	return err
}

// commit writes a step output into the RunContext and applies its output
// mappings. A mapping that cannot be evaluated is recorded as a warning.
func (r *run) commit(ctx context.Context, s *workflow.Step, out any) {
	if err := r.rc.SetOutput(s.ID, out); err != nil {
		r.rc.LogWarn("engine.output.rejected", "step_id", s.ID, "error", err.Error())
		return
	}

	for _, m := range s.OutputMappings {
		v, err := r.mapOutput(ctx, m, out)
		if err == nil {
			err = r.rc.SetVar(m.Alias, v)
		}
		if err != nil {
			r.rc.AddWarning(core.Warning{StepID: s.ID, Code: "OUTPUT_MAPPING", Message: m.Alias + ": " + err.Error()})
			r.rc.LogWarn("engine.output_mapping.failed", "step_id", s.ID, "alias", m.Alias, "error", err.Error())
		}
	}
}

func (r *run) mapOutput(ctx context.Context, m workflow.OutputMapping, out any) (any, error) {
	expr, err := r.plan.Path(m.Path)
	if err != nil {
		return nil, err
	}
	return expr.Eval(context.WithoutCancel(ctx), out)
}

func (r *run) logStep(s *workflow.Step, state core.StepState, err error) {
	var dur time.Duration
	r.mu.Lock()
	if res, ok := r.results[s.ID]; ok {
		dur = res.Duration
	}
	r.mu.Unlock()

	if r.flog != nil {
		r.flog.LogStep(s.ID, string(s.Kind()), string(state), dur, err)
		return
	}
	if err != nil {
		r.rc.LogError("engine.step.failed", "step_id", s.ID, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}
	r.rc.LogInfo("engine.step.completed", "step_id", s.ID, "duration_ms", dur.Milliseconds())
}

func (r *run) callbackContext(s *workflow.Step) *CallbackContext {
	return &CallbackContext{
		WorkflowID: r.plan.Definition.ID,
		RunID:      r.rc.RunID,
		StepID:     s.ID,
		StepType:   s.Kind(),
		Input:      r.rc.Input(),
	}
}
