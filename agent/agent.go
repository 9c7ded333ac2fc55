package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/tool"
)

// DefaultMaxSteps bounds the number of provider calls per Generate.
const DefaultMaxSteps = 10

// Options configures an Agent.
//
// Use functional options with NewAgent to override defaults.
type Options struct {
	Name         string
	Instructions Instruction

	// Registry resolves tool calls. Tools names the subset bound to this
	// agent; when empty every registered tool is bound.
	Registry *tool.Registry
	Tools    []string

	// Memory, ThreadID and ResourceID enable conversation memory. Without
	// a ThreadID the agent is stateless.
	Memory     *memory.Manager
	ThreadID   string
	ResourceID string
	// KRecent / KSemantic are passed to Recall (<0 = manager defaults).
	KRecent   int
	KSemantic int

	// MaxSteps caps provider calls per Generate (0 = DefaultMaxSteps).
	MaxSteps int
	// ToolChoice applies to the first provider call; later calls use auto.
	ToolChoice core.ToolChoice

	GenerateOptions  model.GenerateOptions
	MaxParallelTools int
	Logger           logging.Logger
}

// RunOptions override per-call settings of Generate and Stream.
type RunOptions struct {
	ThreadID   string
	ResourceID string
	RunID      string
	MaxSteps   int
	ToolChoice *core.ToolChoice
}

// ToolCallRecord is one executed (or rejected) tool call.
type ToolCallRecord struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Response is the result of Generate.
type Response struct {
	Content      string           `json:"content"`
	Steps        int              `json:"steps"`
	ToolCalls    []ToolCallRecord `json:"tool_calls"`
	FinishReason string           `json:"finish_reason"`
	Usage        model.TokenUsage `json:"usage"`
	// Messages are the turns produced by this call, user message first.
	Messages []core.Message `json:"-"`
}

// Output returns the response in the shape recorded as workflow step output.
func (r *Response) Output() map[string]any {
	calls := make([]any, 0, len(r.ToolCalls))
	for _, c := range r.ToolCalls {
		rec := map[string]any{"id": c.ID, "name": c.Name, "arguments": c.Arguments}
		if c.Error != "" {
			rec["error"] = c.Error
		} else {
			rec["output"] = c.Output
		}
		calls = append(calls, rec)
	}
	return map[string]any{
		"content":    r.Content,
		"steps":      r.Steps,
		"tool_calls": calls,
	}
}

// Agent runs the agentic loop against a model provider. An Agent is safe for
// concurrent use as long as concurrent calls target different threads.
type Agent struct {
	id       string
	name     string
	provider model.Provider
	executor *tool.Executor
	opts     Options
	logger   logging.Logger
}

// NewAgent creates an agent with the given id.
func NewAgent(id string, provider model.Provider, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Name:         id,
		Instructions: NewInstructionFromText(fmt.Sprintf("You are %s, a helpful AI assistant.", id)),
		KRecent:      -1,
		KSemantic:    -1,
		MaxSteps:     DefaultMaxSteps,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}

	a := &Agent{
		id:       id,
		name:     opts.Name,
		provider: provider,
		opts:     opts,
		logger:   opts.Logger,
	}
	if opts.Registry != nil {
		a.executor = tool.NewExecutor(opts.Registry, tool.ExecutorConfig{
			MaxParallel: opts.MaxParallelTools,
			Logger:      opts.Logger,
		})
	}
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Name returns the display name.
func (a *Agent) Name() string { return a.name }

// Provider returns the model provider.
func (a *Agent) Provider() model.Provider { return a.provider }

// ToolNames returns the names of the tools bound to the agent.
func (a *Agent) ToolNames() []string {
	if a.opts.Registry == nil {
		return nil
	}
	if len(a.opts.Tools) > 0 {
		return append([]string(nil), a.opts.Tools...)
	}
	return a.opts.Registry.Names()
}

func (a *Agent) runOptions(optFns []func(o *RunOptions)) RunOptions {
	ro := RunOptions{
		ThreadID:   a.opts.ThreadID,
		ResourceID: a.opts.ResourceID,
		MaxSteps:   a.opts.MaxSteps,
	}
	for _, fn := range optFns {
		fn(&ro)
	}
	if ro.MaxSteps <= 0 {
		ro.MaxSteps = a.opts.MaxSteps
	}
	return ro
}

func (a *Agent) memoryEnabled(ro RunOptions) bool {
	return a.opts.Memory != nil && ro.ThreadID != ""
}

// Generate runs the agentic loop for input.
//
// When the step budget is exhausted the partial Response (last assistant
// content, executed tool calls) is returned together with an *Error of code
// MAX_STEPS_EXCEEDED. Provider errors abort the loop with PROVIDER_FAILURE.
func (a *Agent) Generate(ctx context.Context, input string, optFns ...func(o *RunOptions)) (*Response, error) {
	ro := a.runOptions(optFns)
	start := time.Now()

	a.logger.Debug("agent.generate.start", "agent", a.id, "thread_id", ro.ThreadID, "run_id", ro.RunID)

	messages, err := a.prepare(ctx, ro, input)
	if err != nil {
		return nil, err
	}

	defs, err := a.definitions()
	if err != nil {
		return nil, err
	}
	bound := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		bound[d.Name] = struct{}{}
	}

	choice := a.opts.ToolChoice.Normalized()
	if ro.ToolChoice != nil {
		choice = ro.ToolChoice.Normalized()
	}

	user := core.NewUserMessage(input)
	messages = append(messages, user)

	resp := &Response{Messages: []core.Message{user}, ToolCalls: []ToolCallRecord{}}
	limiter := core.NewStepLimiter(ro.MaxSteps)

	for {
		if err := limiter.Increment(); err != nil {
			resp.Steps = limiter.Count()
			a.logger.Warn("agent.max_steps_exceeded", "agent", a.id, "steps", resp.Steps, "max_steps", limiter.Max())
			if err := a.persist(ctx, ro, resp.Messages); err != nil {
				return resp, err
			}
			return resp, &Error{AgentID: a.id, Code: CodeMaxStepsExceeded, Steps: resp.Steps}
		}
		step := limiter.Count()

		callStart := time.Now()
		out, err := a.provider.GenerateWithFunctions(ctx, messages, defs, choice, a.opts.GenerateOptions)
		if err != nil {
			a.logger.Error("agent.provider.failed", "agent", a.id, "step", step, "error", err.Error())
			return nil, &Error{AgentID: a.id, Code: CodeProviderFailure, Steps: step, Cause: err}
		}
		if out == nil {
			out = &model.FunctionCallingResponse{}
		}

		// a forced choice only applies to the first call
		choice = core.ToolChoiceAuto()

		resp.Steps = step
		resp.Content = out.Content
		resp.FinishReason = out.FinishReason
		if out.Usage != nil {
			resp.Usage.PromptTokens += out.Usage.PromptTokens
			resp.Usage.CompletionTokens += out.Usage.CompletionTokens
			resp.Usage.TotalTokens += out.Usage.TotalTokens
		}

		a.logger.Debug("agent.step.complete",
			"agent", a.id,
			"step", step,
			"tool_calls", len(out.ToolCalls),
			"remaining", limiter.Remaining(),
			"duration_ms", time.Since(callStart).Milliseconds(),
		)

		if len(out.ToolCalls) == 0 {
			final := core.NewAssistantMessage(out.Content)
			resp.Messages = append(resp.Messages, final)
			if err := a.persist(ctx, ro, resp.Messages); err != nil {
				return resp, err
			}
			a.logger.Info("agent.generate.complete",
				"agent", a.id,
				"steps", resp.Steps,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return resp, nil
		}

		for i := range out.ToolCalls {
			if out.ToolCalls[i].ID == "" {
				out.ToolCalls[i].ID = core.NewID()
			}
		}
		if limiter.Reached() {
			// the results are recorded but no step is left to read them
			a.logger.Warn("agent.step_budget.exhausted", "agent", a.id, "step", step, "pending_tool_calls", len(out.ToolCalls))
		}
		assistant := core.NewAssistantMessage(out.Content, out.ToolCalls...)
		toolMsgs, records := a.runTools(ctx, ro, out.ToolCalls, bound)

		messages = append(messages, assistant)
		messages = append(messages, toolMsgs...)
		resp.Messages = append(resp.Messages, assistant)
		resp.Messages = append(resp.Messages, toolMsgs...)
		resp.ToolCalls = append(resp.ToolCalls, records...)
	}
}

// Stream answers input without tools and streams the text. The exchange is
// persisted once the stream completes successfully.
func (a *Agent) Stream(ctx context.Context, input string, optFns ...func(o *RunOptions)) (<-chan model.StreamChunk, <-chan error) {
	out := make(chan model.StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		ro := a.runOptions(optFns)
		messages, err := a.prepare(ctx, ro, input)
		if err != nil {
			errs <- err
			return
		}
		user := core.NewUserMessage(input)
		messages = append(messages, user)

		chunks, perrs := a.provider.GenerateStream(ctx, messages, a.opts.GenerateOptions)

		var b strings.Builder
		for chunks != nil || perrs != nil {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case c, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				b.WriteString(c.Delta)
				select {
				case out <- c:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			case err, ok := <-perrs:
				if !ok {
					perrs = nil
					continue
				}
				if err != nil {
					errs <- &Error{AgentID: a.id, Code: CodeProviderFailure, Steps: 1, Cause: err}
					return
				}
			}
		}

		if err := a.persist(ctx, ro, []core.Message{user, core.NewAssistantMessage(b.String())}); err != nil {
			errs <- err
		}
	}()

	return out, errs
}

// prepare builds the system message and the recalled history.
func (a *Agent) prepare(ctx context.Context, ro RunOptions, input string) ([]core.Message, error) {
	wm := core.NewWorkingMemory()
	var history []core.Message

	if a.memoryEnabled(ro) {
		mem := a.opts.Memory
		if _, err := mem.EnsureThread(ctx, ro.ThreadID, ro.ResourceID, func(o *memory.CreateThreadOptions) {
			o.AgentID = a.id
		}); err != nil {
			return nil, &Error{AgentID: a.id, Code: CodeMemoryFailure, Cause: err}
		}

		var err error
		if wm, err = mem.GetWorkingMemory(ctx, ro.ThreadID); err != nil {
			return nil, &Error{AgentID: a.id, Code: CodeMemoryFailure, Cause: err}
		}
		if history, err = mem.Recall(ctx, ro.ThreadID, input, a.opts.KRecent, a.opts.KSemantic); err != nil {
			return nil, &Error{AgentID: a.id, Code: CodeMemoryFailure, Cause: err}
		}
	}

	system, err := a.systemPrompt(ctx, wm, input)
	if err != nil {
		return nil, err
	}

	messages := make([]core.Message, 0, len(history)+2)
	if system != "" {
		messages = append(messages, core.NewSystemMessage(system))
	}
	messages = append(messages, pairToolTurns(history)...)
	return messages, nil
}

// pairToolTurns drops recalled system messages and every tool exchange the
// recall window cut in half: tool results without their assistant call and
// assistant calls without all of their results. An assistant turn that also
// carries text keeps the text.
func pairToolTurns(history []core.Message) []core.Message {
	results := make(map[string]struct{})
	for _, m := range history {
		if m.Role == core.RoleTool && m.ToolCallID != "" {
			results[m.ToolCallID] = struct{}{}
		}
	}

	open := make(map[string]struct{})
	out := make([]core.Message, 0, len(history))
	for _, m := range history {
		switch {
		case m.Role == core.RoleSystem:
			continue
		case m.Role == core.RoleTool:
			if _, ok := open[m.ToolCallID]; !ok {
				continue
			}
			delete(open, m.ToolCallID)
		case m.HasToolCalls():
			complete := true
			for _, c := range m.ToolCalls {
				if _, ok := results[c.ID]; !ok {
					complete = false
					break
				}
			}
			switch {
			case complete:
				for _, c := range m.ToolCalls {
					open[c.ID] = struct{}{}
				}
			case m.Content == "":
				continue
			default:
				m = m.Clone()
				m.ToolCalls = nil
			}
		}
		out = append(out, m)
	}
	return out
}

func (a *Agent) systemPrompt(ctx context.Context, wm *core.WorkingMemory, input string) (string, error) {
	data := map[string]any{
		"agent":  map[string]any{"id": a.id, "name": a.name},
		"memory": wm.TemplateData(),
		"input":  input,
	}
	text, err := a.opts.Instructions.Resolve(ctx, data)
	if err != nil {
		return "", fmt.Errorf("resolve instructions: %w", err)
	}

	if summary := summarizeWorkingMemory(wm); summary != "" {
		if text != "" {
			text += "\n\n"
		}
		text += summary
	}
	return text, nil
}

func summarizeWorkingMemory(wm *core.WorkingMemory) string {
	if wm.IsEmpty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("Working memory:")
	if len(wm.Facts) > 0 {
		b.WriteString("\nFacts: " + strings.Join(wm.Facts, "; "))
	}
	if len(wm.Goals) > 0 {
		b.WriteString("\nGoals: " + strings.Join(wm.Goals, "; "))
	}
	if len(wm.UserInfo) > 0 {
		b.WriteString("\nUser info: " + compactJSON(wm.UserInfo))
	}
	if len(wm.Context) > 0 {
		b.WriteString("\nContext: " + compactJSON(wm.Context))
	}
	return b.String()
}

func (a *Agent) definitions() ([]core.ToolDefinition, error) {
	if a.opts.Registry == nil {
		return nil, nil
	}
	return a.opts.Registry.Definitions(a.opts.Tools...)
}

// runTools executes one batch of tool calls. Calls to unbound tools are
// answered with an error message without being executed.
func (a *Agent) runTools(ctx context.Context, ro RunOptions, calls []core.ToolCall, bound map[string]struct{}) ([]core.Message, []ToolCallRecord) {
	records := make([]ToolCallRecord, len(calls))
	runnable := make([]core.ToolCall, 0, len(calls))
	index := make([]int, 0, len(calls))

	for i, c := range calls {
		records[i] = ToolCallRecord{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
		if _, ok := bound[c.Name]; !ok || a.executor == nil {
			records[i].Error = fmt.Sprintf("tool %q is not available", c.Name)
			a.logger.Warn("agent.tool.unbound", "agent", a.id, "tool", c.Name)
			continue
		}
		runnable = append(runnable, c)
		index = append(index, i)
	}

	if len(runnable) > 0 {
		results := a.executor.Execute(ctx, runnable, func(o *tool.ExecuteOptions) {
			o.AgentID = a.id
			o.ThreadID = ro.ThreadID
			o.RunID = ro.RunID
		})
		for j, res := range results {
			rec := &records[index[j]]
			rec.Duration = res.Duration
			if res.Err != nil {
				rec.Error = res.Err.Error()
				continue
			}
			rec.Output = res.Output
		}
	}

	msgs := make([]core.Message, len(calls))
	for i, rec := range records {
		content := "error: " + rec.Error
		if rec.Error == "" {
			content = formatOutput(rec.Output)
		}
		msgs[i] = core.NewToolMessage(rec.ID, rec.Name, content)
	}
	return msgs, records
}

func (a *Agent) persist(ctx context.Context, ro RunOptions, msgs []core.Message) error {
	if !a.memoryEnabled(ro) {
		return nil
	}
	if _, err := a.opts.Memory.StoreAll(ctx, ro.ThreadID, msgs...); err != nil {
		a.logger.Error("agent.memory.persist_failed", "agent", a.id, "thread_id", ro.ThreadID, "error", err.Error())
		return &Error{AgentID: a.id, Code: CodeMemoryFailure, Cause: err}
	}
	return nil
}

func formatOutput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	return compactJSON(v)
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
