// Package anthropic provides a model.Provider for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/model"
)

// Options configures the Anthropic provider adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Provider wraps the Anthropic Messages API behind the generic model.Provider interface.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

var _ model.Provider = (*Provider)(nil)

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// NewProvider creates a new Anthropic provider using the official client.
func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client, opts: opts}
}

// NewProviderFromClient creates a new Anthropic provider from an existing client.
func NewProviderFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Generate implements model.Provider.
func (p *Provider) Generate(ctx context.Context, prompt string, opts model.GenerateOptions) (string, error) {
	return p.GenerateWithMessages(ctx, []core.Message{core.NewUserMessage(prompt)}, opts)
}

// GenerateWithMessages implements model.Provider.
func (p *Provider) GenerateWithMessages(ctx context.Context, messages []core.Message, opts model.GenerateOptions) (string, error) {
	resp, err := p.GenerateWithFunctions(ctx, messages, nil, core.ToolChoiceNone(), opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateWithFunctions implements model.Provider.
func (p *Provider) GenerateWithFunctions(
	ctx context.Context,
	messages []core.Message,
	tools []core.ToolDefinition,
	choice core.ToolChoice,
	opts model.GenerateOptions,
) (*model.FunctionCallingResponse, error) {
	params := p.buildParams(messages, tools, choice, opts)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	out := &model.FunctionCallingResponse{
		FinishReason: "stop",
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := "{}"
			if toolBlock.Input != nil {
				if b, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(b)
				}
			}
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}

	switch {
	case len(out.ToolCalls) > 0:
		out.FinishReason = "tool_calls"
	case resp.StopReason != "":
		out.FinishReason = string(resp.StopReason)
	}

	return out, nil
}

// GenerateStream implements model.Provider using the streaming Messages API.
func (p *Provider) GenerateStream(ctx context.Context, messages []core.Message, opts model.GenerateOptions) (<-chan model.StreamChunk, <-chan error) {
	out := make(chan model.StreamChunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := p.buildParams(messages, nil, core.ToolChoiceNone(), opts)
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					out <- model.StreamChunk{Delta: delta.Text}
				}
			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					out <- model.StreamChunk{Done: true, FinishReason: string(ev.Delta.StopReason)}
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		}
	}()

	return out, errCh
}

// CreateEmbedding is not offered by the Messages API.
func (p *Provider) CreateEmbedding(context.Context, string) ([]float32, error) {
	return nil, model.ErrEmbeddingsUnsupported
}

// Info returns metadata describing this Anthropic provider.
func (p *Provider) Info() model.Info {
	return model.Info{
		Name:          string(p.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}

func (p *Provider) buildParams(
	messages []core.Message,
	tools []core.ToolDefinition,
	choice core.ToolChoice,
	opts model.GenerateOptions,
) anthropic.MessageNewParams {
	temperature := p.opts.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := p.opts.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	system, rest := model.SplitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:         p.opts.Model,
		Messages:      buildMessages(rest),
		MaxTokens:     maxTokens,
		Temperature:   anthropic.Float(temperature),
		StopSequences: opts.StopSequences,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
		params.ToolChoice = buildToolChoice(choice)
	}

	return params
}

// buildMessages converts core messages to Anthropic message format. Runs of
// tool results are folded into a single user turn of tool_result blocks.
func buildMessages(messages []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case core.RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case core.RoleAssistant:
			flush()
			var content []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						input = tc.Arguments
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		default:
			flush()
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	flush()

	return out
}

func buildTools(tools []core.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))

	for i, tdef := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if properties, ok := tdef.Parameters["properties"]; ok {
			inputSchema.Properties = properties
		}
		inputSchema.Required = requiredFields(tdef.Parameters["required"])

		out[i] = anthropic.ToolUnionParamOfTool(inputSchema, tdef.Name)
		if out[i].OfTool != nil && tdef.Description != "" {
			out[i].OfTool.Description = anthropic.String(tdef.Description)
		}
	}

	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func buildToolChoice(choice core.ToolChoice) anthropic.ToolChoiceUnionParam {
	choice = choice.Normalized()
	switch choice.Mode {
	case core.ToolChoiceModeNone:
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case core.ToolChoiceModeRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case core.ToolChoiceModeSpecific:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice.Name}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}
