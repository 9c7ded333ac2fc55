// Package openai provides an implementation of model.Provider using the OpenAI
// Chat Completions API (function calling, streaming) and the Embeddings API.
// It adapts agentflow's core messages and tool definitions into the SDK's
// parameter types and back.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/model"
)

// Options configure the OpenAI provider adapter.
// Fields mirror a subset of the Chat Completion parameters.
type Options struct {
	Model               string
	EmbeddingModel      string
	EmbeddingDimensions int64
	Temperature         float64
	MaxCompletionTokens int64
}

// Provider wraps the OpenAI APIs behind the generic model.Provider interface.
type Provider struct {
	client *openai.Client
	opts   Options
}

var _ model.Provider = (*Provider)(nil)

// NewProvider creates a new OpenAI provider using the official client
// (credentials are read from the environment by the SDK).
func NewProvider(optFns ...func(o *Options)) *Provider {
	client := openai.NewClient()
	return NewProviderFromClient(&client, optFns...)
}

// NewProviderFromClient creates a new OpenAI provider from an existing client.
func NewProviderFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		EmbeddingModel:      openai.EmbeddingModelTextEmbedding3Small,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
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

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	ch0 := resp.Choices[0]
	if ch0.Message.Refusal != "" {
		return nil, fmt.Errorf("openai refused: %s", ch0.Message.Refusal)
	}

	out := &model.FunctionCallingResponse{
		Content:      ch0.Message.Content,
		FinishReason: ch0.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range ch0.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return out, nil
}

// GenerateStream implements model.Provider using the streaming endpoint.
func (p *Provider) GenerateStream(ctx context.Context, messages []core.Message, opts model.GenerateOptions) (<-chan model.StreamChunk, <-chan error) {
	out := make(chan model.StreamChunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := p.buildParams(messages, nil, core.ToolChoiceNone(), opts)
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					out <- model.StreamChunk{Delta: ch.Delta.Content}
				}
				if ch.FinishReason != "" {
					out <- model.StreamChunk{Done: true, FinishReason: ch.FinishReason}
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("openai streaming error: %w", err)
		}
	}()

	return out, errCh
}

// CreateEmbedding implements model.Provider using the Embeddings API.
func (p *Provider) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          p.opts.EmbeddingModel,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if p.opts.EmbeddingDimensions > 0 {
		params.Dimensions = openai.Int(p.opts.EmbeddingDimensions)
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings error: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Info returns metadata describing this OpenAI provider.
func (p *Provider) Info() model.Info {
	return model.Info{
		Name:               p.opts.Model,
		Provider:           "openai",
		SupportsTools:      true,
		SupportsEmbeddings: true,
	}
}

// buildParams assembles the request parameters including tool definitions and tool choice.
func (p *Provider) buildParams(
	messages []core.Message,
	tools []core.ToolDefinition,
	choice core.ToolChoice,
	opts model.GenerateOptions,
) openai.ChatCompletionNewParams {
	temperature := p.opts.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := p.opts.MaxCompletionTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(messages),
		Model:               p.opts.Model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if len(tools) == 0 {
		return params
	}

	params.Tools = buildTools(tools)
	params.ToolChoice = buildToolChoice(choice)

	return params
}

// buildMessages converts core messages into OpenAI chat messages. Assistant
// turns carrying tool calls are emitted as tool call params; tool results
// reference their call id.
func buildMessages(messages []core.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case core.RoleAssistant:
			if !m.HasToolCalls() {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}})
		case core.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func buildTools(tools []core.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, tdef := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  tdef.Parameters,
			},
		}
	}
	return out
}

func buildToolChoice(choice core.ToolChoice) openai.ChatCompletionToolChoiceOptionUnionParam {
	choice = choice.Normalized()
	if choice.Mode == core.ToolChoiceModeSpecific {
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}
	}
	return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(string(choice.Mode))}
}
