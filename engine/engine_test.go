package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/runstore"
	"github.com/hupe1980/agentflow/tool"
	"github.com/hupe1980/agentflow/workflow"
)

func value(v any) workflow.StepFunc {
	return func(context.Context, workflow.StepInput) (any, error) { return v, nil }
}

func failing(msg string) workflow.StepFunc {
	return func(context.Context, workflow.StepInput) (any, error) { return nil, errors.New(msg) }
}

func blockUntilDone(ctx context.Context, _ workflow.StepInput) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func simple(id string, fn workflow.StepFunc, deps ...string) workflow.Step {
	return workflow.Step{ID: id, Func: fn, DependsOn: deps}
}

func def(steps ...workflow.Step) *workflow.Definition {
	return &workflow.Definition{ID: "wf", Steps: steps}
}

func calculator(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []any{"a", "b"},
	}
	divide := tool.NewFunctionTool("divide", "Divides a by b", schema, func(_ *core.ToolContext, args map[string]any) (any, error) {
		b := args["b"].(float64)
		if b == 0 {
			return nil, errors.New("division by zero")
		}
		return args["a"].(float64) / b, nil
	})
	greet := tool.NewFunctionTool("greet", "Greets", map[string]any{"type": "object"}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return map[string]any{"greeting": "hello " + args["name"].(string)}, nil
	})
	require.NoError(t, reg.Register(divide, greet))
	return reg
}

// -------------------- Scheduling --------------------

func TestExecute_MergesMapOutputs(t *testing.T) {
	e := New()
	res, err := e.Execute(context.Background(), def(
		simple("a", value(map[string]any{"x": 1})),
		simple("b", value(map[string]any{"y": 2}), "a"),
	), nil)
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, res.Output)
	assert.Equal(t, core.StepCompleted, res.State("a"))
	assert.Equal(t, core.StepCompleted, res.State("b"))
	assert.NotEmpty(t, res.RunID)
}

func TestExecute_DependentSeesOutput(t *testing.T) {
	e := New()
	e.RegisterExecutor("double", func(_ context.Context, in workflow.StepInput) (any, error) {
		steps := in.Data["steps"].(map[string]any)
		n := steps["a"].(map[string]any)["output"].(int)
		return n * 2, nil
	})
	res, err := e.Execute(context.Background(), def(
		simple("a", value(21)),
		workflow.Step{ID: "b", Run: "double", DependsOn: []string{"a"}},
	), nil)
	require.NoError(t, err)
	out, ok := res.StepOutput("b")
	require.True(t, ok)
	assert.Equal(t, 42, out)
}

func TestExecute_MaxConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	track := func(context.Context, workflow.StepInput) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	var steps []workflow.Step
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		steps = append(steps, simple(id, track))
	}

	e := New(func(o *Options) { o.Config.MaxConcurrency = 2 })
	_, err := e.Execute(context.Background(), def(steps...), nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestExecute_Deterministic(t *testing.T) {
	d := def(
		simple("a", value(map[string]any{"a": 1})),
		simple("b", value(map[string]any{"b": 2})),
		simple("c", value(map[string]any{"a": 3}), "a", "b"),
	)
	e := New()
	first, err := e.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Execute(context.Background(), d, nil)
		require.NoError(t, err)
		assert.Equal(t, first.Output, again.Output)
	}
	// later declaration wins
	assert.Equal(t, 3, first.Output["a"])
}

// -------------------- Conditions & failures --------------------

func TestExecute_FalseConditionSkipsWithDefault(t *testing.T) {
	var called atomic.Bool
	e := New()
	res, err := e.Execute(context.Background(), def(
		simple("a", value(map[string]any{"n": 1})),
		workflow.Step{
			ID:        "b",
			Condition: "steps.a.output.n > 5",
			Default:   map[string]any{"big": false},
			Func: func(context.Context, workflow.StepInput) (any, error) {
				called.Store(true)
				return map[string]any{"big": true}, nil
			},
		},
	), nil)
	require.NoError(t, err)
	assert.False(t, called.Load())
	assert.Equal(t, core.StepSkipped, res.State("b"))
	assert.Equal(t, false, res.Output["big"])
}

func TestExecute_RequiredFailureStopsRun(t *testing.T) {
	e := New()
	res, err := e.Execute(context.Background(), def(
		simple("a", value(map[string]any{"x": 1})),
		simple("b", failing("boom"), "a"),
		simple("c", value(1), "b"),
	), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrStepFailed)
	assert.ErrorContains(t, err, "boom")

	var werr *workflow.Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "b", werr.StepID)

	require.NotNil(t, res)
	assert.Equal(t, runstore.StatusFailed, res.Status)
	assert.Equal(t, core.StepCompleted, res.State("a"))
	assert.Equal(t, core.StepFailed, res.State("b"))
	assert.Equal(t, core.StepPending, res.State("c"))
	assert.Equal(t, 1, res.Output["x"])
}

func TestExecute_OptionalFailureSkipsDependents(t *testing.T) {
	e := New()
	opt := simple("a", failing("flaky"))
	opt.Optional = true
	res, err := e.Execute(context.Background(), def(
		opt,
		simple("b", value(1), "a"),
		simple("c", value(map[string]any{"ok": true})),
	), nil)
	require.NoError(t, err)
	assert.Equal(t, core.StepFailed, res.State("a"))
	assert.ErrorContains(t, res.Steps["a"].Err, "flaky")
	assert.Equal(t, core.StepSkipped, res.State("b"))
	assert.Equal(t, true, res.Output["ok"])
}

func TestExecute_TimeoutKeepsPartialResults(t *testing.T) {
	e := New(func(o *Options) { o.Config.Timeout = 50 * time.Millisecond })
	res, err := e.Execute(context.Background(), def(
		simple("fast", value(map[string]any{"done": true})),
		simple("slow", blockUntilDone, "fast"),
	), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrTimeout)
	require.NotNil(t, res)
	assert.Equal(t, runstore.StatusTimeout, res.Status)
	assert.Equal(t, core.StepCompleted, res.State("fast"))
	assert.Equal(t, true, res.Output["done"])
	assert.Equal(t, core.StepFailed, res.State("slow"))
}

func TestExecute_DefinitionTimeout(t *testing.T) {
	d := def(simple("slow", blockUntilDone))
	d.Timeout = workflow.Duration(20 * time.Millisecond)
	_, err := New().Execute(context.Background(), d, nil)
	assert.ErrorIs(t, err, workflow.ErrTimeout)
}

func TestExecute_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := def(simple("wait", func(ctx context.Context, _ workflow.StepInput) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	res, err := New().Execute(ctx, d, nil)
	assert.ErrorIs(t, err, workflow.ErrCanceled)
	assert.Equal(t, runstore.StatusCanceled, res.Status)
}

func TestExecute_StepTimeout(t *testing.T) {
	s := simple("slow", blockUntilDone)
	s.Timeout = workflow.Duration(10 * time.Millisecond)
	_, err := New().Execute(context.Background(), def(s), nil)
	assert.ErrorIs(t, err, workflow.ErrStepFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_Retry(t *testing.T) {
	var calls atomic.Int32
	s := simple("flaky", func(_ context.Context, in workflow.StepInput) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"attempt": in.Attempt}, nil
	})
	s.Retry = &workflow.RetryPolicy{MaxAttempts: 3, InitialBackoff: workflow.Duration(time.Millisecond)}

	res, err := New().Execute(context.Background(), def(s), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, res.Output["attempt"])
	assert.Equal(t, 3, res.Steps["flaky"].Attempts)
}

func TestExecute_RecoversPanics(t *testing.T) {
	_, err := New().Execute(context.Background(), def(simple("p", func(context.Context, workflow.StepInput) (any, error) {
		panic("kaboom")
	})), nil)
	assert.ErrorIs(t, err, workflow.ErrStepFailed)
	assert.ErrorContains(t, err, "kaboom")
}

// -------------------- Parallel --------------------

func parallelDef(concurrency int) *workflow.Definition {
	return def(workflow.Step{
		ID: "fan",
		Parallel: &workflow.ParallelSpec{
			Concurrency: concurrency,
			Steps: []workflow.Step{
				simple("p1", value(1)),
				simple("p2", value(2)),
				simple("p3", value(3)),
			},
		},
	})
}

func TestExecute_ParallelEquivalence(t *testing.T) {
	e := New()
	bounded, err := e.Execute(context.Background(), parallelDef(1), nil)
	require.NoError(t, err)
	unbounded, err := e.Execute(context.Background(), parallelDef(0), nil)
	require.NoError(t, err)

	want := map[string]any{"p1": 1, "p2": 2, "p3": 3}
	assert.Equal(t, want, bounded.Output)
	assert.Equal(t, bounded.Output, unbounded.Output)

	out, ok := bounded.Context.Output("p2")
	require.True(t, ok)
	assert.Equal(t, 2, out)
}

func TestExecute_ParallelToolConcurrency(t *testing.T) {
	var active, peak, calls atomic.Int32
	slow := tool.NewFunctionTool("slow", "Sleeps briefly", map[string]any{"type": "object"}, func(*core.ToolContext, map[string]any) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return calls.Add(1), nil
	})
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(slow))

	var children []workflow.Step
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		children = append(children, workflow.Step{ID: id, Tool: &workflow.ToolSpec{Tool: "slow"}})
	}
	d := def(workflow.Step{
		ID:       "fan",
		Parallel: &workflow.ParallelSpec{Concurrency: 2, Steps: children},
	})

	e := New(func(o *Options) { o.Registry = reg })
	res, err := e.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, int32(2), peak.Load())
	for _, c := range children {
		assert.Equal(t, core.StepCompleted, res.State(c.ID))
	}
}

func TestExecute_ParallelRequiredChildFails(t *testing.T) {
	opt := simple("p1", failing("optional down"))
	opt.Optional = true
	d := def(workflow.Step{
		ID: "fan",
		Parallel: &workflow.ParallelSpec{
			Concurrency: 1,
			Steps: []workflow.Step{
				opt,
				simple("p2", failing("required down")),
				simple("p3", value(3)),
			},
		},
	})
	res, err := New().Execute(context.Background(), d, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "required down")
	assert.Equal(t, core.StepFailed, res.State("p1"))
	assert.Equal(t, core.StepFailed, res.State("fan"))
	assert.Equal(t, core.StepPending, res.State("p3"))
}

// -------------------- Loops --------------------

func TestExecute_ForEachLoop(t *testing.T) {
	d := def(workflow.Step{
		ID: "double",
		Loop: &workflow.LoopSpec{
			ForEach:       ".input.items",
			MaxIterations: 10,
			Body: &workflow.Step{ID: "body", Func: func(_ context.Context, in workflow.StepInput) (any, error) {
				loop := in.Data["loop"].(map[string]any)
				return loop["item"].(float64) * 2, nil
			}},
		},
	})
	res, err := New().Execute(context.Background(), d, map[string]any{"items": []any{1.0, 2.0, 3.0}})
	require.NoError(t, err)
	out, _ := res.StepOutput("double")
	assert.Equal(t, []any{2.0, 4.0, 6.0}, out)

	// the body keeps its last iteration
	last, ok := res.Context.Output("body")
	require.True(t, ok)
	assert.Equal(t, 6.0, last)
	assert.Empty(t, res.Warnings)
}

func TestExecute_WhileLoop(t *testing.T) {
	d := def(workflow.Step{
		ID: "count",
		Loop: &workflow.LoopSpec{
			While:         "loop.iteration <= 3",
			MaxIterations: 10,
			Body: &workflow.Step{ID: "tick", Func: func(_ context.Context, in workflow.StepInput) (any, error) {
				return in.Data["loop"].(map[string]any)["iteration"], nil
			}},
		},
	})
	res, err := New().Execute(context.Background(), d, nil)
	require.NoError(t, err)
	out, _ := res.StepOutput("count")
	assert.Equal(t, []any{1, 2, 3}, out)
}

func untilNeverDef(strict bool) *workflow.Definition {
	return def(workflow.Step{
		ID: "poll",
		Loop: &workflow.LoopSpec{
			Until:         "loop.output.ready",
			MaxIterations: 3,
			Strict:        strict,
			Body:          &workflow.Step{ID: "check", Func: value(map[string]any{"ready": false})},
		},
	})
}

func TestExecute_LoopExceeded(t *testing.T) {
	t.Run("warning", func(t *testing.T) {
		res, err := New().Execute(context.Background(), untilNeverDef(false), nil)
		require.NoError(t, err)
		out, _ := res.StepOutput("poll")
		assert.Len(t, out, 3)
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, string(workflow.CodeLoopExceeded), res.Warnings[0].Code)
	})

	t.Run("strict step", func(t *testing.T) {
		_, err := New().Execute(context.Background(), untilNeverDef(true), nil)
		assert.ErrorIs(t, err, workflow.ErrStepFailed)
		assert.ErrorIs(t, err, workflow.ErrLoopExceeded)
	})

	t.Run("strict engine", func(t *testing.T) {
		e := New(func(o *Options) { o.Config.StrictLoops = true })
		_, err := e.Execute(context.Background(), untilNeverDef(false), nil)
		assert.ErrorIs(t, err, workflow.ErrLoopExceeded)
	})
}

func TestExecute_UntilStopsLoop(t *testing.T) {
	var n atomic.Int32
	d := def(workflow.Step{
		ID: "poll",
		Loop: &workflow.LoopSpec{
			Until:         "loop.output.ready",
			MaxIterations: 5,
			Body: &workflow.Step{ID: "check", Func: func(context.Context, workflow.StepInput) (any, error) {
				return map[string]any{"ready": n.Add(1) == 2}, nil
			}},
		},
	})
	res, err := New().Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), n.Load())
	assert.Empty(t, res.Warnings)
}

func TestExecute_LoopConditionDrivesIterations(t *testing.T) {
	loopDef := func(condition string, strict bool, n *atomic.Int32) *workflow.Definition {
		return def(workflow.Step{
			ID:        "repeat",
			Type:      workflow.StepLoop,
			Condition: condition,
			Loop: &workflow.LoopSpec{
				MaxIterations: 3,
				Strict:        strict,
				Body: &workflow.Step{ID: "tick", Func: func(context.Context, workflow.StepInput) (any, error) {
					return map[string]any{"n": n.Add(1)}, nil
				}},
			},
		})
	}

	t.Run("cap reached", func(t *testing.T) {
		var n atomic.Int32
		res, err := New().Execute(context.Background(), loopDef("true", false, &n), nil)
		require.NoError(t, err)
		assert.Equal(t, int32(3), n.Load())
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, string(workflow.CodeLoopExceeded), res.Warnings[0].Code)
		assert.Equal(t, "repeat", res.Warnings[0].StepID)
	})

	t.Run("cap reached strict", func(t *testing.T) {
		var n atomic.Int32
		_, err := New().Execute(context.Background(), loopDef("true", true, &n), nil)
		assert.ErrorIs(t, err, workflow.ErrLoopExceeded)
		assert.Equal(t, int32(3), n.Load())
	})

	t.Run("condition sees loop variables", func(t *testing.T) {
		var n atomic.Int32
		res, err := New().Execute(context.Background(), loopDef("loop.iteration <= 2", false, &n), nil)
		require.NoError(t, err)
		assert.Equal(t, int32(2), n.Load())
		assert.Empty(t, res.Warnings)
		out, _ := res.StepOutput("repeat")
		assert.Len(t, out, 2)
		assert.Equal(t, core.StepCompleted, res.State("repeat"))
	})

	t.Run("false before first iteration", func(t *testing.T) {
		var n atomic.Int32
		res, err := New().Execute(context.Background(), loopDef("false", false, &n), nil)
		require.NoError(t, err)
		assert.Zero(t, n.Load())
		assert.Empty(t, res.Warnings)
	})
}

// -------------------- Tools & agents --------------------

func TestExecute_ToolStep(t *testing.T) {
	e := New(func(o *Options) { o.Registry = calculator(t) })
	d := def(
		workflow.Step{ID: "div", Tool: &workflow.ToolSpec{Tool: "divide", Params: map[string]any{"a": "=.input.a", "b": 4}}},
		workflow.Step{
			ID:             "hello",
			Tool:           &workflow.ToolSpec{Tool: "greet", Params: map[string]any{"name": "{{.input.name}}"}},
			OutputMappings: []workflow.OutputMapping{{Path: "greeting", Alias: "message"}},
		},
	)
	res, err := e.Execute(context.Background(), d, map[string]any{"a": 10, "name": "ada"})
	require.NoError(t, err)

	out, _ := res.StepOutput("div")
	assert.Equal(t, 2.5, out)
	assert.Equal(t, "hello ada", res.Output["message"])
	v, ok := res.Context.Var("message")
	require.True(t, ok)
	assert.Equal(t, "hello ada", v)
	assert.True(t, e.Registry().Frozen())
}

func TestExecute_ToolDivideByZero(t *testing.T) {
	e := New(func(o *Options) { o.Registry = calculator(t) })
	d := def(workflow.Step{ID: "div", Tool: &workflow.ToolSpec{Tool: "divide", Params: map[string]any{"a": 1, "b": 0}}})
	_, err := e.Execute(context.Background(), d, nil)
	assert.ErrorIs(t, err, workflow.ErrStepFailed)
	assert.ErrorIs(t, err, tool.ErrExecutionFailed)
}

func TestExecute_AgentStep(t *testing.T) {
	provider := model.NewMockProvider("m")
	provider.AddResponse("summarize: order 42", "order 42 shipped")
	e := New()
	e.RegisterAgent("summarizer", agent.NewAgent("summarizer", provider))

	d := def(workflow.Step{ID: "sum", Agent: &workflow.AgentSpec{Agent: "summarizer", Input: "summarize: order {{.input.order}}"}})
	res, err := e.Execute(context.Background(), d, map[string]any{"order": 42})
	require.NoError(t, err)
	assert.Equal(t, "order 42 shipped", res.Output["content"])
	assert.Equal(t, 1, res.Output["steps"])
}

func TestExecute_AgentMaxStepsIsRecoverable(t *testing.T) {
	provider := model.NewMockProvider("m").WithHandler(func(context.Context, int, model.MockRequest) (*model.FunctionCallingResponse, error) {
		return &model.FunctionCallingResponse{
			Content:   "still working",
			ToolCalls: []core.ToolCall{{Name: "greet", Arguments: `{"name": "x"}`}},
		}, nil
	})
	reg := calculator(t)
	e := New(func(o *Options) { o.Registry = reg })
	e.RegisterAgent("busy", agent.NewAgent("busy", provider, func(o *agent.Options) { o.Registry = reg }))

	d := def(workflow.Step{ID: "work", Agent: &workflow.AgentSpec{Agent: "busy", MaxSteps: 2}})
	res, err := e.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, "still working", res.Output["content"])
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, string(agent.CodeMaxStepsExceeded), res.Warnings[0].Code)
}

// -------------------- Validation --------------------

func TestExecute_RejectsBeforeRunning(t *testing.T) {
	var called atomic.Bool
	probe := func(context.Context, workflow.StepInput) (any, error) {
		called.Store(true)
		return nil, nil
	}

	tests := []struct {
		name  string
		def   *workflow.Definition
		input map[string]any
		want  error
	}{
		{
			name: "cycle",
			def:  def(simple("a", probe, "b"), simple("b", probe, "a")),
			want: workflow.ErrCycleDetected,
		},
		{
			name: "unknown executor",
			def:  def(workflow.Step{ID: "a", Run: "missing"}),
			want: workflow.ErrInvalidDefinition,
		},
		{
			name: "unknown agent",
			def:  def(workflow.Step{ID: "a", Agent: &workflow.AgentSpec{Agent: "ghost"}}),
			want: workflow.ErrInvalidDefinition,
		},
		{
			name: "input schema",
			def: &workflow.Definition{
				ID:          "wf",
				InputSchema: map[string]any{"type": "object", "required": []any{"order_id"}},
				Steps:       []workflow.Step{simple("a", probe)},
			},
			input: map[string]any{},
			want:  workflow.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New().Execute(context.Background(), tt.def, tt.input)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, called.Load())
		})
	}
}

// -------------------- Callbacks & persistence --------------------

func TestExecute_Callbacks(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(typ CallbackType) Callback {
		return NewFunctionCallback(typ, func(_ context.Context, cc *CallbackContext) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, string(typ)+":"+cc.StepID)
			return nil
		})
	}

	e := New()
	e.Callbacks().RegisterCallback(
		record(CallbackBeforeWorkflow),
		record(CallbackBeforeStep),
		record(CallbackAfterStep),
		record(CallbackOnError),
		record(CallbackAfterWorkflow),
	)

	opt := simple("b", failing("nope"), "a")
	opt.Optional = true
	_, err := e.Execute(context.Background(), def(simple("a", value(1)), opt), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"before_workflow:",
		"before_step:a",
		"after_step:a",
		"before_step:b",
		"on_error:b",
		"after_workflow:",
	}, events)
}

func TestExecute_BeforeStepCallbackFailsStep(t *testing.T) {
	e := New()
	e.Callbacks().RegisterCallback(NewFunctionCallback(CallbackBeforeStep, func(_ context.Context, cc *CallbackContext) error {
		if cc.StepID == "b" {
			return errors.New("denied")
		}
		return nil
	}))
	res, err := e.Execute(context.Background(), def(simple("a", value(1)), simple("b", value(2))), nil)
	assert.ErrorIs(t, err, workflow.ErrStepFailed)
	assert.ErrorContains(t, err, "denied")
	assert.Equal(t, core.StepFailed, res.State("b"))
}

func TestExecute_OutputSchemaCallback(t *testing.T) {
	cb, err := NewOutputSchemaCallback("a", map[string]any{
		"type":     "object",
		"required": []any{"category"},
	})
	require.NoError(t, err)

	e := New()
	e.Callbacks().RegisterCallback(cb)
	_, err = e.Execute(context.Background(), def(simple("a", value(map[string]any{"other": 1}))), nil)
	assert.ErrorIs(t, err, workflow.ErrStepFailed)
	assert.ErrorContains(t, err, "category")
}

func TestLoggingCallback(t *testing.T) {
	var got string
	cb := NewLoggingCallback(CallbackOnError, func(m string) { got = m })
	require.NoError(t, cb.Execute(context.Background(), &CallbackContext{
		WorkflowID: "wf", RunID: "r1", StepID: "s", StepType: workflow.StepTool, Err: errors.New("x"),
	}))
	assert.Equal(t, "[on_error] workflow=wf run=r1 step=s (tool) error=x", got)
}

func TestExecute_PersistsRuns(t *testing.T) {
	store := runstore.NewMemory()
	e := New(func(o *Options) { o.RunStore = store })

	res, err := e.Execute(context.Background(), def(
		simple("a", value(map[string]any{"x": 1})),
		simple("b", value(2), "a"),
	), map[string]any{"q": "hi"}, func(c *Config) { c.RunID = "run-1" })
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)

	rec, err := store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusCompleted, rec.Status)
	assert.Equal(t, "hi", rec.Input["q"])
	assert.Equal(t, 1.0, rec.Output["x"])
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, "a", rec.Steps[0].ID)
	assert.False(t, rec.FinishedAt.IsZero())
}
