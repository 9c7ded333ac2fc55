// Package gemini provides a model.Provider backed by the Google Gen AI SDK
// (Gemini API or Vertex AI).
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/model"
)

// Options configures the Gemini provider adapter.
type Options struct {
	Model           string
	EmbeddingModel  string
	Temperature     float32
	MaxOutputTokens int32
	APIKey          string
}

// Provider adapts genai.Client to model.Provider.
type Provider struct {
	client *genai.Client
	opts   Options
}

var _ model.Provider = (*Provider)(nil)

func defaultOptions() Options {
	return Options{
		Model:           "gemini-2.5-flash",
		EmbeddingModel:  "text-embedding-004",
		Temperature:     0.7,
		MaxOutputTokens: 4096,
	}
}

// NewProvider creates a Gemini provider; the SDK reads credentials from the
// environment unless Options.APIKey is set.
func NewProvider(ctx context.Context, optFns ...func(o *Options)) (*Provider, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: opts.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Provider{client: client, opts: opts}, nil
}

// NewProviderFromClient creates a Gemini provider from an existing client.
func NewProviderFromClient(client *genai.Client, optFns ...func(o *Options)) *Provider {
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
	cfg, contents := p.convert(messages, tools, choice, opts)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no contents")
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.opts.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini api error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates returned")
	}

	cand := resp.Candidates[0]
	out := &model.FunctionCallingResponse{
		FinishReason: finishReason(cand.FinishReason),
		Usage:        convUsage(resp.UsageMetadata),
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			b, _ := json.Marshal(part.FunctionCall.Args)
			id := part.FunctionCall.ID
			if id == "" {
				id = core.NewID()
			}
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: string(b),
			})
		case part.Text != "":
			sb.WriteString(part.Text)
		}
	}
	out.Content = sb.String()
	if len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}

	return out, nil
}

// GenerateStream implements model.Provider.
func (p *Provider) GenerateStream(ctx context.Context, messages []core.Message, opts model.GenerateOptions) (<-chan model.StreamChunk, <-chan error) {
	out := make(chan model.StreamChunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		cfg, contents := p.convert(messages, nil, core.ToolChoiceNone(), opts)
		for chunk, err := range p.client.Models.GenerateContentStream(ctx, p.opts.Model, contents, cfg) {
			if err != nil {
				errCh <- fmt.Errorf("gemini streaming error: %w", err)
				return
			}
			if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
				continue
			}
			cand := chunk.Candidates[0]
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					out <- model.StreamChunk{Delta: part.Text}
				}
			}
			if cand.FinishReason != genai.FinishReasonUnspecified && cand.FinishReason != "" {
				out <- model.StreamChunk{
					Done:         true,
					FinishReason: finishReason(cand.FinishReason),
					Usage:        convUsage(chunk.UsageMetadata),
				}
			}
		}
	}()

	return out, errCh
}

// CreateEmbedding implements model.Provider.
func (p *Provider) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Models.EmbedContent(ctx, p.opts.EmbeddingModel, []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings error: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Embeddings[0].Values, nil
}

// Info returns metadata describing this Gemini provider.
func (p *Provider) Info() model.Info {
	return model.Info{
		Name:               p.opts.Model,
		Provider:           "gemini",
		SupportsTools:      true,
		SupportsEmbeddings: true,
	}
}

func (p *Provider) convert(
	messages []core.Message,
	tools []core.ToolDefinition,
	choice core.ToolChoice,
	opts model.GenerateOptions,
) (*genai.GenerateContentConfig, []*genai.Content) {
	temperature := p.opts.Temperature
	if opts.Temperature != nil {
		temperature = float32(*opts.Temperature)
	}
	maxTokens := p.opts.MaxOutputTokens
	if opts.MaxTokens > 0 {
		maxTokens = int32(opts.MaxTokens)
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: maxTokens,
		StopSequences:   opts.StopSequences,
	}

	system, rest := model.SplitSystem(messages)
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}

	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, tdef := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tdef.Name,
				Description:          tdef.Description,
				ParametersJsonSchema: tdef.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: functionCallingConfig(choice)}
	}

	var (
		contents []*genai.Content
		last     *genai.Content
	)
	for _, m := range rest {
		role, parts := convMessage(m)
		if len(parts) == 0 {
			continue
		}
		// consecutive turns of the same role are merged
		if last != nil && last.Role == role {
			last.Parts = append(last.Parts, parts...)
			continue
		}
		last = &genai.Content{Role: role, Parts: parts}
		contents = append(contents, last)
	}

	return cfg, contents
}

func convMessage(m core.Message) (string, []*genai.Part) {
	switch m.Role {
	case core.RoleAssistant:
		var parts []*genai.Part
		if m.Content != "" {
			parts = append(parts, genai.NewPartFromText(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				args = map[string]any{"text": tc.Arguments}
			}
			part := genai.NewPartFromFunctionCall(tc.Name, args)
			part.FunctionCall.ID = tc.ID
			parts = append(parts, part)
		}
		return genai.RoleModel, parts
	case core.RoleTool:
		var result map[string]any
		if err := json.Unmarshal([]byte(m.Content), &result); err != nil {
			result = map[string]any{"output": m.Content}
		}
		part := genai.NewPartFromFunctionResponse(m.Name, result)
		part.FunctionResponse.ID = m.ToolCallID
		return genai.RoleUser, []*genai.Part{part}
	default:
		if m.Content == "" {
			return genai.RoleUser, nil
		}
		return genai.RoleUser, []*genai.Part{genai.NewPartFromText(m.Content)}
	}
}

func functionCallingConfig(choice core.ToolChoice) *genai.FunctionCallingConfig {
	choice = choice.Normalized()
	switch choice.Mode {
	case core.ToolChoiceModeNone:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeNone}
	case core.ToolChoiceModeRequired:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
	case core.ToolChoiceModeSpecific:
		return &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{choice.Name},
		}
	default:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	}
}

func finishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop, genai.FinishReasonUnspecified, "":
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety:
		return "content_filter"
	default:
		return strings.ToLower(string(r))
	}
}

func convUsage(usage *genai.GenerateContentResponseUsageMetadata) *model.TokenUsage {
	if usage == nil {
		return nil
	}
	return &model.TokenUsage{
		PromptTokens:     int(usage.PromptTokenCount),
		CompletionTokens: int(usage.CandidatesTokenCount),
		TotalTokens:      int(usage.TotalTokenCount),
	}
}
