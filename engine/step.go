package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/workflow"
)

// runStep drives one step through its state machine:
//
//	pending -> skipped                  (condition false)
//	pending -> running -> completed
//	pending -> running -> failed
//
// The returned error is non-nil only for a failed step.
func (r *run) runStep(ctx context.Context, s *workflow.Step, sc *scope) (any, error) {
	r.begin(s)

	cbCtx := r.callbackContext(s)
	if err := r.e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeStep, cbCtx); err != nil {
		return nil, r.fail(ctx, s, err)
	}

	data := r.data(sc)
	// a loop re-checks its condition before every iteration
	if s.Condition != "" && s.Kind() != workflow.StepLoop {
		ok, err := r.evalBool(ctx, s.Condition, data)
		if err != nil {
			return nil, r.fail(ctx, s, fmt.Errorf("condition: %w", err))
		}
		if !ok {
			r.skip(ctx, s, sc, "condition is false")
			return s.Default, nil
		}
	}

	r.setState(s, core.StepRunning, nil, nil)
	r.rc.LogDebug("engine.step.start", "step_id", s.ID, "step_type", s.Kind())

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout.Std())
		defer cancel()
	}

	out, err := r.execute(ctx, s, sc, data)
	if err != nil {
		return nil, r.fail(ctx, s, err)
	}

	cbCtx.Output = out
	if err := r.e.callbacks.ExecuteCallbacks(ctx, CallbackAfterStep, cbCtx); err != nil {
		return nil, r.fail(ctx, s, err)
	}

	r.setState(s, core.StepCompleted, out, nil)
	if sc == nil || !sc.deferred {
		r.commit(ctx, s, out)
	}
	r.logStep(s, core.StepCompleted, nil)
	return out, nil
}

func (r *run) execute(ctx context.Context, s *workflow.Step, sc *scope, data map[string]any) (any, error) {
	switch s.Kind() {
	case workflow.StepParallel:
		return r.runParallel(ctx, s, sc)
	case workflow.StepLoop:
		return r.runLoop(ctx, s, sc, data)
	case workflow.StepAgent:
		return r.retry(ctx, s, func(ctx context.Context, _ int) (any, error) {
			return r.runAgent(ctx, s, data)
		})
	case workflow.StepTool:
		return r.retry(ctx, s, func(ctx context.Context, _ int) (any, error) {
			return r.runTool(ctx, s, data)
		})
	}

	fn := s.Func
	if fn == nil {
		fn = r.executors[s.Run]
	}
	return r.retry(ctx, s, func(ctx context.Context, attempt int) (any, error) {
		return callStepFunc(ctx, fn, workflow.StepInput{StepID: s.ID, Data: data, Attempt: attempt})
	})
}

func callStepFunc(ctx context.Context, fn workflow.StepFunc, in workflow.StepInput) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step %s panicked: %v", in.StepID, rec)
		}
	}()
	return fn(ctx, in)
}

// retry runs fn up to Retry.MaxAttempts times with exponential backoff.
func (r *run) retry(ctx context.Context, s *workflow.Step, fn func(ctx context.Context, attempt int) (any, error)) (any, error) {
	attempts := 1
	if s.Retry != nil && s.Retry.MaxAttempts > 1 {
		attempts = s.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := s.Retry.Backoff(attempt - 1)
			r.rc.LogWarn("engine.step.retry", "step_id", s.ID, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", lastErr.Error())
			if err := sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w (retry aborted: %v)", lastErr, err)
			}
		}
		r.setAttempts(s.ID, attempt)

		out, err := fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runParallel fans out the children and joins on all of them. Once a
// required child failed, children that have not started stay pending.
func (r *run) runParallel(ctx context.Context, s *workflow.Step, sc *scope) (any, error) {
	children := s.Parallel.Steps
	limit := s.Parallel.Concurrency
	if limit <= 0 {
		limit = len(children)
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		outputs = make(map[string]any, len(children))
		settled atomic.Int32
		failed  atomic.Bool
	)
	g.SetLimit(limit)

	for i := range children {
		child := &children[i]
		if failed.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			out, err := r.runStep(ctx, child, sc)
			settled.Add(1)
			if err != nil {
				if child.Optional {
					return nil
				}
				failed.Store(true)
				return &workflow.Error{Code: workflow.CodeStepFailed, WorkflowID: r.plan.Definition.ID, StepID: child.ID, Cause: err}
			}
			mu.Lock()
			outputs[child.ID] = out
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if int(settled.Load()) < len(children) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// runLoop repeats the body. The step condition and While are checked
// before and Until after each iteration; ForEach walks an array. The output
// is the list of body outputs.
func (r *run) runLoop(ctx context.Context, s *workflow.Step, sc *scope, data map[string]any) (any, error) {
	spec := s.Loop

	var items []any
	hasItems := spec.ForEach != ""
	if hasItems {
		v, err := r.eval(ctx, spec.ForEach, data)
		if err != nil {
			return nil, fmt.Errorf("for_each: %w", err)
		}
		switch t := v.(type) {
		case nil:
		case []any:
			items = t
		default:
			return nil, fmt.Errorf("for_each yields %T, want an array", v)
		}
	}

	outputs := make([]any, 0)
	var last any

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if hasItems && i >= len(items) {
			break
		}

		vars := map[string]any{"index": i, "iteration": i + 1, "output": last}
		if hasItems {
			vars["item"] = items[i]
		}
		inner := &scope{loop: vars, deferred: true}

		if s.Condition != "" {
			ok, err := r.evalBool(ctx, s.Condition, r.data(inner))
			if err != nil {
				return nil, fmt.Errorf("condition: %w", err)
			}
			if !ok {
				break
			}
		}
		if spec.While != "" {
			ok, err := r.evalBool(ctx, spec.While, r.data(inner))
			if err != nil {
				return nil, fmt.Errorf("while: %w", err)
			}
			if !ok {
				break
			}
		}

		if i >= spec.MaxIterations {
			// a loop without any condition simply runs max_iterations times
			if s.Condition == "" && spec.While == "" && spec.Until == "" && !hasItems {
				break
			}
			if err := r.loopExceeded(s); err != nil {
				return nil, err
			}
			break
		}

		out, err := r.runStep(ctx, spec.Body, inner)
		if err != nil && !spec.Body.Optional {
			return nil, err
		}
		outputs = append(outputs, out)
		last = out

		if spec.Until != "" {
			vars["output"] = out
			ok, err := r.evalBool(ctx, spec.Until, r.data(inner))
			if err != nil {
				return nil, fmt.Errorf("until: %w", err)
			}
			if ok {
				break
			}
		}
	}

	if sc == nil || !sc.deferred {
		r.flush(ctx, spec.Body)
	}
	return outputs, nil
}

func (r *run) loopExceeded(s *workflow.Step) error {
	msg := fmt.Sprintf("loop stopped after max_iterations=%d", s.Loop.MaxIterations)
	if s.Loop.Strict || r.cfg.StrictLoops {
		return &workflow.Error{Code: workflow.CodeLoopExceeded, WorkflowID: r.plan.Definition.ID, StepID: s.ID, Message: msg}
	}
	r.rc.AddWarning(core.Warning{StepID: s.ID, Code: string(workflow.CodeLoopExceeded), Message: msg})
	r.rc.LogWarn("engine.loop.exceeded", "step_id", s.ID, "max_iterations", s.Loop.MaxIterations)
	return nil
}

// flush commits the last iteration of a loop body subtree.
func (r *run) flush(ctx context.Context, body *workflow.Step) {
	body.Walk(func(st *workflow.Step) bool {
		r.mu.Lock()
		res, ok := r.results[st.ID]
		var (
			state core.StepState
			out   any
		)
		if ok {
			state, out = res.State, res.Output
		}
		r.mu.Unlock()

		if ok && (state == core.StepCompleted || state == core.StepSkipped) {
			r.commit(ctx, st, out)
		}
		return true
	})
}
