package testutil

import (
	"time"

	"github.com/hupe1980/agentflow/workflow"
)

// WorkflowBuilder assembles a workflow definition.
// Example:
//
//	def := NewWorkflowBuilder("wf").
//	    Step(Func("a", fn)).
//	    Step(Func("b", fn).After("a").Optional()).
//	    Build()
type WorkflowBuilder struct {
	def workflow.Definition
}

// NewWorkflowBuilder starts a definition with the given id.
func NewWorkflowBuilder(id string) *WorkflowBuilder {
	return &WorkflowBuilder{def: workflow.Definition{ID: id}}
}

// Step appends top-level steps (chainable).
func (b *WorkflowBuilder) Step(steps ...*StepBuilder) *WorkflowBuilder {
	for _, s := range steps {
		b.def.Steps = append(b.def.Steps, s.step)
	}
	return b
}

// Timeout sets the run timeout (chainable).
func (b *WorkflowBuilder) Timeout(d time.Duration) *WorkflowBuilder {
	b.def.Timeout = workflow.Duration(d)
	return b
}

// InputSchema sets the JSON schema of the workflow input (chainable).
func (b *WorkflowBuilder) InputSchema(schema map[string]any) *WorkflowBuilder {
	b.def.InputSchema = schema
	return b
}

// Build returns the definition.
func (b *WorkflowBuilder) Build() *workflow.Definition {
	def := b.def
	return &def
}

// StepBuilder assembles a single step.
type StepBuilder struct {
	step workflow.Step
}

// Func creates a simple step backed by fn.
func Func(id string, fn workflow.StepFunc) *StepBuilder {
	return &StepBuilder{step: workflow.Step{ID: id, Func: fn}}
}

// Run creates a simple step backed by a registered executor.
func Run(id, executor string) *StepBuilder {
	return &StepBuilder{step: workflow.Step{ID: id, Run: executor}}
}

// Agent creates an agent step. input is a template over the run data.
func Agent(id, agent, input string) *StepBuilder {
	return &StepBuilder{step: workflow.Step{ID: id, Agent: &workflow.AgentSpec{Agent: agent, Input: input}}}
}

// Tool creates a tool step.
func Tool(id, tool string, params map[string]any) *StepBuilder {
	return &StepBuilder{step: workflow.Step{ID: id, Tool: &workflow.ToolSpec{Tool: tool, Params: params}}}
}

// Parallel creates a parallel step over children.
func Parallel(id string, children ...*StepBuilder) *StepBuilder {
	spec := &workflow.ParallelSpec{}
	for _, c := range children {
		spec.Steps = append(spec.Steps, c.step)
	}
	return &StepBuilder{step: workflow.Step{ID: id, Parallel: spec}}
}

// Loop creates a loop step repeating body at most maxIterations times.
func Loop(id string, body *StepBuilder, maxIterations int) *StepBuilder {
	b := body.step
	return &StepBuilder{step: workflow.Step{ID: id, Loop: &workflow.LoopSpec{Body: &b, MaxIterations: maxIterations}}}
}

// After adds dependencies (chainable).
func (b *StepBuilder) After(ids ...string) *StepBuilder {
	b.step.DependsOn = append(b.step.DependsOn, ids...)
	return b
}

// When sets the jq condition (chainable).
func (b *StepBuilder) When(expr string) *StepBuilder {
	b.step.Condition = expr
	return b
}

// Optional marks the step optional (chainable).
func (b *StepBuilder) Optional() *StepBuilder {
	b.step.Optional = true
	return b
}

// Default sets the output written when the step is skipped (chainable).
func (b *StepBuilder) Default(v any) *StepBuilder {
	b.step.Default = v
	return b
}

// Map adds an output mapping (chainable).
func (b *StepBuilder) Map(path, alias string) *StepBuilder {
	b.step.OutputMappings = append(b.step.OutputMappings, workflow.OutputMapping{Path: path, Alias: alias})
	return b
}

// Timeout sets the step timeout (chainable).
func (b *StepBuilder) Timeout(d time.Duration) *StepBuilder {
	b.step.Timeout = workflow.Duration(d)
	return b
}

// Retry sets a retry policy without backoff (chainable).
func (b *StepBuilder) Retry(maxAttempts int) *StepBuilder {
	b.step.Retry = &workflow.RetryPolicy{MaxAttempts: maxAttempts}
	return b
}

// While sets the loop's while condition (chainable).
func (b *StepBuilder) While(expr string) *StepBuilder {
	b.step.Loop.While = expr
	return b
}

// Until sets the loop's until condition (chainable).
func (b *StepBuilder) Until(expr string) *StepBuilder {
	b.step.Loop.Until = expr
	return b
}

// ForEach sets the loop's item source (chainable).
func (b *StepBuilder) ForEach(expr string) *StepBuilder {
	b.step.Loop.ForEach = expr
	return b
}

// Build returns the step.
func (b *StepBuilder) Build() workflow.Step {
	return b.step
}
