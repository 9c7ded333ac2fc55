package model

import (
	"context"
	"errors"
	"strings"

	"github.com/hupe1980/agentflow/core"
)

// ErrEmbeddingsUnsupported is returned by providers without an embedding endpoint.
var ErrEmbeddingsUnsupported = errors.New("provider does not support embeddings")

// GenerateOptions are per-call generation parameters. Zero values defer to
// the provider's configured defaults.
type GenerateOptions struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FunctionCallingResponse is the result of GenerateWithFunctions. A response
// without ToolCalls is a final answer.
type FunctionCallingResponse struct {
	Content      string          `json:"content"`
	ToolCalls    []core.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage     `json:"usage,omitempty"`
}

// StreamChunk is a partial (or the final) piece of a streamed answer.
type StreamChunk struct {
	Delta        string      `json:"delta"`
	Done         bool        `json:"done"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name               string `json:"name"`
	Provider           string `json:"provider"` // "openai", "anthropic", "gemini", "mock", etc.
	SupportsTools      bool   `json:"supports_tools"`
	SupportsEmbeddings bool   `json:"supports_embeddings"`
}

// Provider is the contract the agentic loop and the memory manager consume.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Generate answers a single prompt.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// GenerateWithMessages answers a conversation.
	GenerateWithMessages(ctx context.Context, messages []core.Message, opts GenerateOptions) (string, error)

	// GenerateWithFunctions answers a conversation, optionally requesting tool calls.
	GenerateWithFunctions(
		ctx context.Context,
		messages []core.Message,
		tools []core.ToolDefinition,
		choice core.ToolChoice,
		opts GenerateOptions,
	) (*FunctionCallingResponse, error)

	// GenerateStream streams the answer to a conversation. Both channels are
	// closed when the stream ends; at most one error is delivered.
	GenerateStream(ctx context.Context, messages []core.Message, opts GenerateOptions) (<-chan StreamChunk, <-chan error)

	// CreateEmbedding computes the embedding vector of text.
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)

	// Info returns information about the provider implementation.
	Info() Info
}

// SplitSystem separates system messages (joined by blank lines) from the rest
// of the conversation. Vendors that take the system prompt out of band use it.
func SplitSystem(messages []core.Message) (string, []core.Message) {
	var system []string
	rest := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == core.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// CollectStream drains a stream into its full text.
func CollectStream(ctx context.Context, chunks <-chan StreamChunk, errs <-chan error) (string, error) {
	var b strings.Builder
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			b.WriteString(c.Delta)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return b.String(), err
			}
		}
	}
	return b.String(), nil
}
