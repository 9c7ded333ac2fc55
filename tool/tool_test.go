package tool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
)

var _ Tool = (*FunctionTool)(nil)

func calculatorTool() *FunctionTool {
	return NewFunctionTool(
		"calculator",
		"Perform basic arithmetic",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"operation": map[string]any{"type": "string", "enum": []any{"add", "subtract", "multiply", "divide"}},
				"a":         map[string]any{"type": "number"},
				"b":         map[string]any{"type": "number"},
			},
			"required": []any{"operation", "a", "b"},
		},
		func(_ *core.ToolContext, args map[string]any) (any, error) {
			a, b := args["a"].(float64), args["b"].(float64)
			switch args["operation"] {
			case "add":
				return a + b, nil
			case "subtract":
				return a - b, nil
			case "multiply":
				return a * b, nil
			case "divide":
				if b == 0 {
					return nil, errors.New("division by zero")
				}
				return a / b, nil
			}
			return nil, fmt.Errorf("unknown operation %v", args["operation"])
		},
		func(o *FunctionToolOptions) { o.Category = "math" },
	)
}

// -------------------- Registry Tests --------------------

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(calculatorTool()))

	err := r.Register(calculatorTool())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTool)
	assert.Equal(t, []string{"calculator"}, r.Names())
}

func TestRegistry_FrozenAfterExecute(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(calculatorTool())

	_, err := r.Execute(context.Background(), "calculator", map[string]any{"operation": "add", "a": 1, "b": 2})
	require.NoError(t, err)
	assert.True(t, r.Frozen())

	echo := NewFunctionTool("echo", "echo", nil, func(_ *core.ToolContext, args map[string]any) (any, error) { return args, nil })
	assert.ErrorIs(t, r.Register(echo), ErrRegistryFrozen)
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(calculatorTool())

	tests := []struct {
		name   string
		params map[string]any
		want   any
		errIs  error
	}{
		{name: "add", params: map[string]any{"operation": "add", "a": 1, "b": 2}, want: 3.0},
		{name: "int params normalized", params: map[string]any{"operation": "multiply", "a": int64(3), "b": 4}, want: 12.0},
		{name: "divide by zero", params: map[string]any{"operation": "divide", "a": 1, "b": 0}, errIs: ErrExecutionFailed},
		{name: "missing field", params: map[string]any{"operation": "add", "a": 1}, errIs: ErrInvalidParams},
		{name: "wrong type", params: map[string]any{"operation": "add", "a": "one", "b": 2}, errIs: ErrInvalidParams},
		{name: "enum violation", params: map[string]any{"operation": "pow", "a": 1, "b": 2}, errIs: ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Execute(context.Background(), "calculator", tt.params)
			if tt.errIs != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.errIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRegistry_ExecuteNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ViolationsListed(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(calculatorTool())

	_, err := r.Execute(context.Background(), "calculator", map[string]any{"a": "x"})
	require.Error(t, err)

	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, CodeInvalidParams, toolErr.Code)

	fields := make([]string, 0, len(toolErr.Violations))
	for _, v := range toolErr.Violations {
		fields = append(fields, v.Field)
	}
	assert.Contains(t, fields, "operation")
	assert.Contains(t, fields, "b")
	assert.Contains(t, fields, "a")
}

func TestRegistry_DivideByZeroCause(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(calculatorTool())

	_, err := r.Execute(context.Background(), "calculator", map[string]any{"operation": "divide", "a": 1, "b": 0})

	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "calculator", toolErr.Tool)
	require.Error(t, toolErr.Cause)
	assert.Contains(t, toolErr.Cause.Error(), "division by zero")
}

func TestRegistry_PanicRecovered(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewFunctionTool("boom", "panics", nil, func(*core.ToolContext, map[string]any) (any, error) {
		panic("kaboom")
	}))

	_, err := r.Execute(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)

	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "kaboom", pe.Value)
}

func TestRegistry_ToolErrorForwarded(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewFunctionTool("auth", "needs auth", nil, func(*core.ToolContext, map[string]any) (any, error) {
		return nil, NewToolError("auth", CodeExecutionFailed, "token expired")
	}))

	_, err := r.Execute(context.Background(), "auth", nil)
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "token expired", toolErr.Message)
}

func TestRegistry_ContextCancellation(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewFunctionTool("slow", "ignores ctx", nil, func(*core.ToolContext, map[string]any) (any, error) {
		time.Sleep(time.Second)
		return "late", nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Execute(ctx, "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRegistry_ToolContextIdentifiers(t *testing.T) {
	r := NewRegistry()
	var seen *core.ToolContext
	r.MustRegister(NewFunctionTool("probe", "records ctx", nil, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		seen = tc
		return nil, nil
	}))

	_, err := r.ExecuteCall(context.Background(), core.ToolCall{ID: "call-1", Name: "probe", Arguments: `{}`}, func(o *ExecuteOptions) {
		o.AgentID = "agent-1"
		o.ThreadID = "thread-1"
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "call-1", seen.FunctionCallID())
	assert.Equal(t, "probe", seen.ToolName())
	assert.Equal(t, "agent-1", seen.AgentID())
	assert.Equal(t, "thread-1", seen.ThreadID())
}

func TestRegistry_DefinitionsAndCategories(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(calculatorTool())

	defs, err := r.Definitions()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "calculator", defs[0].Name)
	assert.Equal(t, "object", defs[0].Parameters["type"])

	_, err = r.Definitions("calculator", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, map[string][]string{"math": {"calculator"}}, r.ByCategory())
}

// -------------------- Arguments Tests --------------------

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{name: "empty", raw: "", want: map[string]any{}},
		{name: "null", raw: "null", want: map[string]any{}},
		{name: "valid", raw: `{"a": 1}`, want: map[string]any{"a": 1.0}},
		{name: "trailing comma", raw: `{"a": 1,}`, want: map[string]any{"a": 1.0}},
		{name: "single quotes", raw: `{'city': 'Berlin'}`, want: map[string]any{"city": "Berlin"}},
		{name: "truncated", raw: `{"a": 1, "b": "x"`, want: map[string]any{"a": 1.0, "b": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeArguments(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteCall_RepairsArguments(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(calculatorTool())

	out, err := r.ExecuteCall(context.Background(), core.ToolCall{
		ID:        "c1",
		Name:      "calculator",
		Arguments: `{"operation": "add", "a": 2, "b": 3,}`,
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out)
}

// -------------------- Typed Tool Tests --------------------

type weatherArgs struct {
	City  string `json:"city" jsonschema:"the city to look up"`
	Units string `json:"units,omitempty"`
}

func TestNewTypedTool(t *testing.T) {
	weather, err := NewTypedTool("weather", "Look up the weather", func(_ *core.ToolContext, args weatherArgs) (any, error) {
		return fmt.Sprintf("sunny in %s", args.City), nil
	})
	require.NoError(t, err)

	props, ok := weather.Parameters()["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "city")
	assert.Contains(t, props, "units")

	r := NewRegistry()
	r.MustRegister(weather)

	out, err := r.Execute(context.Background(), "weather", map[string]any{"city": "Berlin"})
	require.NoError(t, err)
	assert.Equal(t, "sunny in Berlin", out)

	_, err = r.Execute(context.Background(), "weather", map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

// -------------------- Executor Tests --------------------

func TestExecutor_PreservesOrderAndBoundsParallelism(t *testing.T) {
	var active, peak int32
	r := NewRegistry()
	r.MustRegister(NewFunctionTool("sleep", "sleeps", map[string]any{
		"type":       "object",
		"properties": map[string]any{"ms": map[string]any{"type": "integer"}},
	}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		cur := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(time.Duration(args["ms"].(float64)) * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return args["ms"], nil
	}))

	calls := []core.ToolCall{
		{ID: "1", Name: "sleep", Arguments: `{"ms": 30}`},
		{ID: "2", Name: "sleep", Arguments: `{"ms": 5}`},
		{ID: "3", Name: "missing", Arguments: `{}`},
		{ID: "4", Name: "sleep", Arguments: `{"ms": 10}`},
	}

	results := NewExecutor(r, ExecutorConfig{MaxParallel: 2}).Execute(context.Background(), calls)
	require.Len(t, results, 4)

	for i, res := range results {
		assert.Equal(t, calls[i].ID, res.Call.ID)
	}
	assert.Equal(t, 30.0, results[0].Output)
	assert.Equal(t, 5.0, results[1].Output)
	assert.ErrorIs(t, results[2].Err, ErrNotFound)
	assert.Equal(t, 10.0, results[3].Output)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecutor_Empty(t *testing.T) {
	results := NewExecutor(NewRegistry(), ExecutorConfig{}).Execute(context.Background(), nil)
	assert.Empty(t, results)
}

func TestCapabilitiesTags(t *testing.T) {
	assert.Equal(t, []string{"streaming", "auth"}, Capabilities{Streaming: true, Auth: true}.Tags())
	assert.Empty(t, Capabilities{}.Tags())
}
