package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StepType selects how the engine executes a step.
type StepType string

const (
	StepSimple      StepType = "simple"
	StepConditional StepType = "conditional"
	StepParallel    StepType = "parallel"
	StepLoop        StepType = "loop"
	StepAgent       StepType = "agent"
	StepTool        StepType = "tool"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepSimple, StepConditional, StepParallel, StepLoop, StepAgent, StepTool:
		return true
	}
	return false
}

// StepInput is passed to programmatic step functions.
type StepInput struct {
	StepID string
	// Data is the expression view of the run: input, steps, vars and, inside
	// loops, loop.
	Data map[string]any
	// Attempt is 1-based and increases with retries.
	Attempt int
}

// StepFunc is the executor of a simple or conditional step.
type StepFunc func(ctx context.Context, in StepInput) (any, error)

// Definition is a workflow document. It is immutable once loaded and may be
// executed any number of times.
type Definition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Timeout     Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Step is a node of the workflow graph.
type Step struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        StepType `json:"type,omitempty" yaml:"type,omitempty"`

	// Condition is a jq expression; a false result skips the step. On a
	// loop step it is checked before every iteration instead.
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Optional steps may fail without failing the workflow.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
	// Default is written as the output of a skipped step.
	Default        any             `json:"default,omitempty" yaml:"default,omitempty"`
	OutputMappings []OutputMapping `json:"output_mappings,omitempty" yaml:"output_mappings,omitempty"`
	Timeout        Duration        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry          *RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Run names an executor registered with the engine.
	Run  string   `json:"run,omitempty" yaml:"run,omitempty"`
	Func StepFunc `json:"-" yaml:"-"`

	Parallel *ParallelSpec `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Loop     *LoopSpec     `json:"loop,omitempty" yaml:"loop,omitempty"`
	Agent    *AgentSpec    `json:"agent,omitempty" yaml:"agent,omitempty"`
	Tool     *ToolSpec     `json:"tool,omitempty" yaml:"tool,omitempty"`
}

// Kind returns the effective step type. An empty Type is inferred from the
// payload.
func (s *Step) Kind() StepType {
	if s.Type != "" {
		return s.Type
	}
	switch {
	case s.Parallel != nil:
		return StepParallel
	case s.Loop != nil:
		return StepLoop
	case s.Agent != nil:
		return StepAgent
	case s.Tool != nil:
		return StepTool
	case s.Condition != "":
		return StepConditional
	}
	return StepSimple
}

// Children returns the directly nested steps.
func (s *Step) Children() []*Step {
	switch {
	case s.Parallel != nil:
		out := make([]*Step, len(s.Parallel.Steps))
		for i := range s.Parallel.Steps {
			out[i] = &s.Parallel.Steps[i]
		}
		return out
	case s.Loop != nil && s.Loop.Body != nil:
		return []*Step{s.Loop.Body}
	}
	return nil
}

// Walk visits s and all of its descendants depth first. Returning false
// stops the walk.
func (s *Step) Walk(fn func(st *Step) bool) bool {
	if !fn(s) {
		return false
	}
	for _, c := range s.Children() {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// OutputMapping copies a value out of a step output into a run variable.
type OutputMapping struct {
	// Path is a jq path (".result.id") or dotted path ("result.id").
	Path  string `json:"path" yaml:"path"`
	Alias string `json:"alias" yaml:"alias"`
}

// ParallelSpec fans out Steps. Concurrency bounds the running children
// (0 = all at once).
type ParallelSpec struct {
	Steps       []Step `json:"steps" yaml:"steps"`
	Concurrency int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// LoopSpec repeats Body.
//
// While (and the step condition) is checked before, Until after each
// iteration. ForEach iterates over the array produced by a jq expression.
// MaxIterations is mandatory.
type LoopSpec struct {
	Body          *Step  `json:"body" yaml:"body"`
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`
	While         string `json:"while,omitempty" yaml:"while,omitempty"`
	Until         string `json:"until,omitempty" yaml:"until,omitempty"`
	ForEach       string `json:"for_each,omitempty" yaml:"for_each,omitempty"`
	// Strict turns hitting MaxIterations into a failure.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// AgentSpec runs a registered agent. Input is a template over the run data;
// when empty the workflow input is passed as JSON.
type AgentSpec struct {
	Agent      string `json:"agent" yaml:"agent"`
	Input      string `json:"input,omitempty" yaml:"input,omitempty"`
	ThreadID   string `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	MaxSteps   int    `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
}

// ToolSpec invokes a registered tool. String params starting with "=" are
// jq expressions, strings containing "{{" are templates, anything else is a
// literal.
type ToolSpec struct {
	Tool   string         `json:"tool" yaml:"tool"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// RetryPolicy retries a failing executor with exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff    Duration `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"`
	BackoffMultiplier float64  `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
	MaxBackoff        Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
}

// Backoff returns the delay before the given retry (1 = first retry).
func (p *RetryPolicy) Backoff(retry int) time.Duration {
	d := p.InitialBackoff.Std()
	if d <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	limit := p.MaxBackoff.Std()
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * mult)
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Duration is a time.Duration that reads "1m30s" strings or numbers of
// seconds.
type Duration time.Duration

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(t * float64(time.Second))
	case string:
		if t == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
