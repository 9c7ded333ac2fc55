package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/workflow"
)

// run is the state of one execution.
type run struct {
	e    *Engine
	plan *workflow.Plan
	cfg  Config
	rc   *core.RunContext
	flog *logging.AgentFlowLogger

	agents    map[string]AgentRunner
	executors map[string]workflow.StepFunc

	started time.Time

	mu      sync.Mutex
	results map[string]*StepResult
	seen    []string // result ids in first-start order
}

// scope carries the loop variables of the enclosing loop iteration.
type scope struct {
	loop map[string]any
	// deferred steps run inside a loop body; their outputs are committed
	// once the outermost loop finished.
	deferred bool
}

type stepDone struct {
	id  string
	err error
}

func (e *Engine) newRun(plan *workflow.Plan, cfg Config, runID string, input map[string]any) *run {
	e.mu.RLock()
	agents := make(map[string]AgentRunner, len(e.agents))
	for k, v := range e.agents {
		agents[k] = v
	}
	executors := make(map[string]workflow.StepFunc, len(e.executors))
	for k, v := range e.executors {
		executors[k] = v
	}
	e.mu.RUnlock()

	r := &run{
		e:         e,
		plan:      plan,
		cfg:       cfg,
		rc:        core.NewRunContext(plan.Definition.ID, runID, input, e.logger),
		agents:    agents,
		executors: executors,
		started:   time.Now(),
		results:   make(map[string]*StepResult),
	}
	if fl, ok := e.logger.(*logging.AgentFlowLogger); ok {
		r.flog = fl.WithRun(plan.Definition.ID, runID)
	}
	return r
}

// resolve checks that every executor, agent and tool a step names exists.
func (r *run) resolve() error {
	def := r.plan.Definition
	var err error
	for i := range def.Steps {
		def.Steps[i].Walk(func(s *workflow.Step) bool {
			switch s.Kind() {
			case workflow.StepSimple, workflow.StepConditional:
				if s.Func == nil {
					if _, ok := r.executors[s.Run]; !ok {
						err = &workflow.Error{Code: workflow.CodeInvalidDefinition, WorkflowID: def.ID, StepID: s.ID, Message: fmt.Sprintf("unknown executor %q", s.Run)}
					}
				}
			case workflow.StepAgent:
				if _, ok := r.agents[s.Agent.Agent]; !ok {
					err = &workflow.Error{Code: workflow.CodeInvalidDefinition, WorkflowID: def.ID, StepID: s.ID, Message: fmt.Sprintf("unknown agent %q", s.Agent.Agent)}
				}
			case workflow.StepTool:
				if r.e.registry == nil || !r.e.registry.Has(s.Tool.Tool) {
					err = &workflow.Error{Code: workflow.CodeInvalidDefinition, WorkflowID: def.ID, StepID: s.ID, Message: fmt.Sprintf("unknown tool %q", s.Tool.Tool)}
				}
			}
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// schedule starts top-level steps in plan order as soon as their
// dependencies are done and a concurrency slot is free. After a required
// step failed or ctx ended no further step starts; running steps drain.
func (r *run) schedule(ctx context.Context) error {
	order := r.plan.Order
	limit := r.cfg.MaxConcurrency
	if limit <= 0 || limit > len(order) {
		limit = len(order)
	}
	sem := make(chan struct{}, limit)
	done := make(chan stepDone, len(order))

	started := make(map[string]bool, len(order))
	running := 0
	var failed *stepDone

	for {
		if failed == nil && ctx.Err() == nil {
		launch:
			for _, id := range order {
				if started[id] {
					continue
				}
				ready, depFailed := r.ready(id)
				if !ready {
					continue
				}
				step, _ := r.plan.Step(id)
				if depFailed {
					started[id] = true
					r.skip(ctx, step, nil, "dependency failed")
					continue
				}
				select {
				case sem <- struct{}{}:
				default:
					break launch
				}
				started[id] = true
				running++
				go func() {
					_, err := r.runStep(ctx, step, nil)
					<-sem
					done <- stepDone{id: id, err: err}
				}()
			}
		}

		if running == 0 {
			break
		}

		d := <-done
		running--
		if d.err != nil && failed == nil {
			if step, _ := r.plan.Step(d.id); !step.Optional {
				failed = &d
			}
		}
	}

	if failed != nil {
		return &workflow.Error{Code: workflow.CodeStepFailed, WorkflowID: r.plan.Definition.ID, StepID: failed.id, Cause: failed.err}
	}
	return nil
}

// ready reports whether all dependencies of a top-level step are done, and
// whether one of them failed.
func (r *run) ready(id string) (ready, depFailed bool) {
	for _, dep := range r.plan.Dependencies(id) {
		state := r.rc.State(dep)
		if !state.Done() {
			return false, false
		}
		if state == core.StepFailed {
			depFailed = true
		}
	}
	return true, depFailed
}

// classify maps context endings onto Timeout and Canceled.
func (r *run) classify(parent, runCtx context.Context, err error) error {
	if err == nil && r.finished() {
		return nil
	}
	wf := r.plan.Definition.ID
	switch {
	case parent.Err() != nil:
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return &workflow.Error{Code: workflow.CodeTimeout, WorkflowID: wf, Cause: parent.Err()}
		}
		return &workflow.Error{Code: workflow.CodeCanceled, WorkflowID: wf, Cause: parent.Err()}
	case runCtx.Err() != nil:
		return &workflow.Error{Code: workflow.CodeTimeout, WorkflowID: wf, Cause: runCtx.Err()}
	}
	return err
}

// finished reports whether every top-level step reached a terminal state.
func (r *run) finished() bool {
	for _, id := range r.plan.Order {
		if !r.rc.State(id).Done() {
			return false
		}
	}
	return true
}

// data is the expression and template view of the run.
func (r *run) data(sc *scope) map[string]any {
	d := r.rc.Snapshot()
	if sc != nil && sc.loop != nil {
		d["loop"] = sc.loop
	}
	return d
}

func (r *run) eval(ctx context.Context, src string, data any) (any, error) {
	expr, err := r.plan.Expr(src)
	if err != nil {
		return nil, err
	}
	return expr.Eval(ctx, data)
}

func (r *run) evalBool(ctx context.Context, src string, data any) (bool, error) {
	expr, err := r.plan.Expr(src)
	if err != nil {
		return false, err
	}
	return expr.EvalBool(ctx, data)
}
