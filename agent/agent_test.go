package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/testutil"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/tool"
)

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	add := tool.NewFunctionTool("add", "Adds two numbers", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []any{"a", "b"},
	}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})
	fail := tool.NewFunctionTool("fail", "Always fails", map[string]any{"type": "object"},
		func(*core.ToolContext, map[string]any) (any, error) {
			return nil, errors.New("backend down")
		})
	secret := tool.NewFunctionTool("secret", "Not bound", map[string]any{"type": "object"},
		func(*core.ToolContext, map[string]any) (any, error) {
			t.Fatal("unbound tool must not run")
			return nil, nil
		})
	require.NoError(t, reg.Register(add, fail, secret))
	return reg
}

func call(id, name, args string) core.ToolCall {
	return core.ToolCall{ID: id, Name: name, Arguments: args}
}

// -------------------- Loop --------------------

func TestGenerate_FinalAnswerWithoutTools(t *testing.T) {
	provider := model.NewMockProvider("m").WithResponses(&model.FunctionCallingResponse{Content: "hello"})
	a := NewAgent("a1", provider)

	resp, err := a.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 1, resp.Steps)
	assert.Empty(t, resp.ToolCalls)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, core.RoleUser, resp.Messages[0].Role)
	assert.Equal(t, core.RoleAssistant, resp.Messages[1].Role)

	req := provider.Requests()[0]
	assert.Equal(t, core.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "You are a1")
	assert.Equal(t, "hi", req.Messages[len(req.Messages)-1].Content)
}

func TestGenerate_ToolRoundTrip(t *testing.T) {
	provider := model.NewMockProvider("m").WithResponses(
		&model.FunctionCallingResponse{ToolCalls: []core.ToolCall{
			call("c1", "add", `{"a": 1, "b": 2}`),
			call("c2", "fail", `{}`),
		}},
		&model.FunctionCallingResponse{Content: "the sum is 3"},
	)
	a := NewAgent("a1", provider, func(o *Options) {
		o.Registry = newRegistry(t)
		o.Tools = []string{"add", "fail"}
	})

	resp, err := a.Generate(context.Background(), "add 1 and 2")
	require.NoError(t, err)
	assert.Equal(t, "the sum is 3", resp.Content)
	assert.Equal(t, 2, resp.Steps)

	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, float64(3), resp.ToolCalls[0].Output)
	assert.Contains(t, resp.ToolCalls[1].Error, "backend down")

	// second request sees the assistant tool-call turn and both results in call order
	second := provider.Requests()[1].Messages
	n := len(second)
	assert.True(t, second[n-3].HasToolCalls())
	assert.Equal(t, "c1", second[n-2].ToolCallID)
	assert.Equal(t, "3", second[n-2].Content)
	assert.Equal(t, "c2", second[n-1].ToolCallID)
	assert.True(t, strings.HasPrefix(second[n-1].Content, "error: "))

	defs := provider.Requests()[0].Tools
	require.Len(t, defs, 2)
	assert.Equal(t, "add", defs[0].Name)
}

func TestGenerate_UnboundToolIsRejected(t *testing.T) {
	provider := model.NewMockProvider("m").WithResponses(
		&model.FunctionCallingResponse{ToolCalls: []core.ToolCall{call("c1", "secret", `{}`)}},
		&model.FunctionCallingResponse{Content: "ok"},
	)
	a := NewAgent("a1", provider, func(o *Options) {
		o.Registry = newRegistry(t)
		o.Tools = []string{"add"}
	})

	resp, err := a.Generate(context.Background(), "x")
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Contains(t, resp.ToolCalls[0].Error, "not available")
}

func TestGenerate_MaxStepsBoundsProviderCalls(t *testing.T) {
	provider := model.NewMockProvider("m").WithHandler(func(_ context.Context, n int, _ model.MockRequest) (*model.FunctionCallingResponse, error) {
		return &model.FunctionCallingResponse{
			Content:   fmt.Sprintf("thinking %d", n),
			ToolCalls: []core.ToolCall{call(fmt.Sprintf("c%d", n), "add", `{"a": 1, "b": 1}`)},
		}, nil
	})
	mgr := memory.NewManager(memory.NewInMemoryStorage())
	a := NewAgent("a1", provider, func(o *Options) {
		o.Registry = newRegistry(t)
		o.MaxSteps = 3
		o.Memory = mgr
		o.ThreadID = "t1"
		o.ResourceID = "u1"
	})

	resp, err := a.Generate(context.Background(), "loop forever")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxStepsExceeded)

	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, 3, aerr.Steps)

	assert.Equal(t, 3, provider.Calls())
	require.NotNil(t, resp)
	assert.Equal(t, "thinking 3", resp.Content)
	assert.Len(t, resp.ToolCalls, 3)

	// user + 3 x (assistant + tool result)
	msgs, err := mgr.GetMessages(context.Background(), "t1", memory.GetMessagesParams{})
	require.NoError(t, err)
	assert.Len(t, msgs, 7)
}

func TestGenerate_LogsStepBudget(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewSlogAdapter(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	provider := model.NewMockProvider("m").WithHandler(func(_ context.Context, n int, _ model.MockRequest) (*model.FunctionCallingResponse, error) {
		return &model.FunctionCallingResponse{
			ToolCalls: []core.ToolCall{call(fmt.Sprintf("c%d", n), "add", `{"a": 1, "b": 1}`)},
		}, nil
	})
	a := NewAgent("a1", provider, func(o *Options) {
		o.Registry = newRegistry(t)
		o.MaxSteps = 2
		o.Logger = logger
	})

	_, err := a.Generate(context.Background(), "x")
	require.ErrorIs(t, err, ErrMaxStepsExceeded)

	out := buf.String()
	assert.Contains(t, out, "remaining=1")
	assert.Contains(t, out, "remaining=0")
	assert.Contains(t, out, "agent.step_budget.exhausted")
	assert.Contains(t, out, "max_steps=2")
}

func TestGenerate_ForcedChoiceOnlyOnFirstCall(t *testing.T) {
	provider := model.NewMockProvider("m").WithResponses(
		&model.FunctionCallingResponse{ToolCalls: []core.ToolCall{call("c1", "add", `{"a": 1, "b": 1}`)}},
		&model.FunctionCallingResponse{Content: "2"},
	)
	a := NewAgent("a1", provider, func(o *Options) {
		o.Registry = newRegistry(t)
		o.ToolChoice = core.ToolChoiceSpecific("add")
	})

	_, err := a.Generate(context.Background(), "x")
	require.NoError(t, err)

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, core.ToolChoiceSpecific("add"), reqs[0].Choice)
	assert.Equal(t, core.ToolChoiceAuto(), reqs[1].Choice)
}

func TestGenerate_ProviderFailure(t *testing.T) {
	provider := model.NewMockProvider("m").WithHandler(func(context.Context, int, model.MockRequest) (*model.FunctionCallingResponse, error) {
		return nil, errors.New("rate limited")
	})
	a := NewAgent("a1", provider)

	resp, err := a.Generate(context.Background(), "x")
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrProviderFailure)
	assert.ErrorContains(t, err, "rate limited")
}

func TestGenerate_MalformedArgumentsAreRepaired(t *testing.T) {
	provider := model.NewMockProvider("m").WithResponses(
		&model.FunctionCallingResponse{ToolCalls: []core.ToolCall{call("c1", "add", `{a: 2, b: 3,}`)}},
		&model.FunctionCallingResponse{Content: "5"},
	)
	a := NewAgent("a1", provider, func(o *Options) { o.Registry = newRegistry(t) })

	resp, err := a.Generate(context.Background(), "x")
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Empty(t, resp.ToolCalls[0].Error)
	assert.Equal(t, float64(5), resp.ToolCalls[0].Output)
}

// -------------------- Memory --------------------

func TestGenerate_UsesAndPersistsMemory(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewManager(memory.NewInMemoryStorage())
	testutil.NewThreadBuilder("t1", "u1").Fact("prefers email").UserInfo("name", "Ada").Build(t, mgr)

	provider := model.NewMockProvider("m")
	provider.AddResponse("first", "one")
	provider.AddResponse("second", "two")

	a := NewAgent("a1", provider, func(o *Options) {
		o.Instructions = NewInstructionFromText("Assist {{.memory.user_info.name}}.")
		o.Memory = mgr
		o.ThreadID = "t1"
		o.ResourceID = "u1"
	})

	_, err := a.Generate(ctx, "first")
	require.NoError(t, err)
	resp, err := a.Generate(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, "two", resp.Content)

	req := provider.Requests()[1]
	system := req.Messages[0]
	assert.Equal(t, core.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "Assist Ada.")
	assert.Contains(t, system.Content, "prefers email")

	var contents []string
	for _, m := range req.Messages[1:] {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"first", "one", "second"}, contents)

	stats, err := mgr.Stats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.MessageCount)
}

func TestGenerate_ForeignThreadIsDenied(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewManager(memory.NewInMemoryStorage())
	_, err := mgr.EnsureThread(ctx, "t1", "owner")
	require.NoError(t, err)

	a := NewAgent("a1", model.NewMockProvider("m"), func(o *Options) { o.Memory = mgr })
	_, err = a.Generate(ctx, "x", func(o *RunOptions) {
		o.ThreadID = "t1"
		o.ResourceID = "intruder"
	})
	assert.ErrorIs(t, err, ErrMemoryFailure)
	assert.ErrorIs(t, err, memory.ErrAccessDenied)
}

func TestGenerate_RecallWindowNeverSplitsToolExchange(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewManager(memory.NewInMemoryStorage())
	provider := model.NewMockProvider("m").WithResponses(
		&model.FunctionCallingResponse{ToolCalls: []core.ToolCall{call("c1", "add", `{"a": 1, "b": 2}`)}},
		&model.FunctionCallingResponse{Content: "the sum is 3"},
		&model.FunctionCallingResponse{Content: "still 3"},
	)
	a := NewAgent("a1", provider, func(o *Options) {
		o.Registry = newRegistry(t)
		o.Tools = []string{"add"}
		o.Memory = mgr
		o.ThreadID = "t1"
		o.ResourceID = "u1"
		o.KRecent = 2
	})

	_, err := a.Generate(ctx, "add 1 and 2")
	require.NoError(t, err)
	_, err = a.Generate(ctx, "again?")
	require.NoError(t, err)

	reqs := provider.Requests()
	require.Len(t, reqs, 3)
	msgs := reqs[2].Messages

	calls := map[string]bool{}
	for _, m := range msgs {
		for _, c := range m.ToolCalls {
			calls[c.ID] = true
		}
		if m.Role == core.RoleTool {
			assert.True(t, calls[m.ToolCallID], "tool result %s sent without its call", m.ToolCallID)
		}
	}

	var contents []string
	for _, m := range msgs[1:] {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"the sum is 3", "again?"}, contents)
}

func TestPairToolTurns(t *testing.T) {
	c1 := call("c1", "add", `{}`)
	c2 := call("c2", "add", `{}`)
	c3 := call("c3", "add", `{}`)

	history := []core.Message{
		core.NewToolMessage("c0", "add", "orphan"),
		core.NewSystemMessage("old system"),
		core.NewUserMessage("q"),
		core.NewAssistantMessage("", c1, c2),
		core.NewToolMessage("c1", "add", "1"),
		core.NewToolMessage("c2", "add", "2"),
		core.NewAssistantMessage("thinking", c3),
		core.NewAssistantMessage("", call("c4", "add", `{}`)),
	}

	got := pairToolTurns(history)

	var summary []string
	for _, m := range got {
		summary = append(summary, fmt.Sprintf("%s:%s:%d", m.Role, m.Content, len(m.ToolCalls)))
	}
	assert.Equal(t, []string{
		"user:q:0",
		"assistant::2",
		"tool:1:0",
		"tool:2:0",
		"assistant:thinking:0",
	}, summary)

	// the input is not modified
	assert.Len(t, history[6].ToolCalls, 1)
}

// -------------------- Stream --------------------

func TestStream(t *testing.T) {
	ctx := context.Background()
	mgr := memory.NewManager(memory.NewInMemoryStorage())
	provider := model.NewMockProvider("m")
	provider.AddResponse("hi", "hello there")

	a := NewAgent("a1", provider, func(o *Options) {
		o.Memory = mgr
		o.ThreadID = "t1"
		o.ResourceID = "u1"
	})

	chunks, errs := a.Stream(ctx, "hi")
	text, err := model.CollectStream(ctx, chunks, errs)
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)

	msgs, err := mgr.GetMessages(ctx, "t1", memory.GetMessagesParams{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello there", msgs[1].Content)
}

func TestResponse_Output(t *testing.T) {
	r := &Response{
		Content: "done",
		Steps:   2,
		ToolCalls: []ToolCallRecord{
			{ID: "c1", Name: "add", Output: 3.0},
			{ID: "c2", Name: "fail", Error: "boom"},
		},
	}
	out := r.Output()
	assert.Equal(t, "done", out["content"])
	assert.Equal(t, 2, out["steps"])
	calls := out["tool_calls"].([]any)
	require.Len(t, calls, 2)
	assert.Equal(t, 3.0, calls[0].(map[string]any)["output"])
	assert.Equal(t, "boom", calls[1].(map[string]any)["error"])
}
