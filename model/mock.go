package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/hupe1980/agentflow/core"
)

// MockRequest records one call made against a MockProvider.
type MockRequest struct {
	Messages []core.Message
	Tools    []core.ToolDefinition
	Choice   core.ToolChoice
	Options  GenerateOptions
}

// MockHandler computes the response of a MockProvider call. call is the
// 1-based index of the call.
type MockHandler func(ctx context.Context, call int, req MockRequest) (*FunctionCallingResponse, error)

// MockProvider is a lightweight in-memory Provider useful for tests & examples.
// Responses are produced, in order of precedence, by the handler, the
// scripted queue, the canned prompt map, or an echo of the last user message.
type MockProvider struct {
	mu        sync.Mutex
	info      Info
	handler   MockHandler
	queue     []*FunctionCallingResponse
	responses map[string]string
	embedFn   func(text string) []float32
	requests  []MockRequest
	dimension int
}

// NewMockProvider constructs a MockProvider with tool and embedding support enabled.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		info: Info{
			Name:               name,
			Provider:           "mock",
			SupportsTools:      true,
			SupportsEmbeddings: true,
		},
		responses: make(map[string]string),
		dimension: 16,
	}
}

// WithHandler sets a function computing every response.
func (m *MockProvider) WithHandler(h MockHandler) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	return m
}

// WithResponses queues scripted responses returned one per call.
func (m *MockProvider) WithResponses(resps ...*FunctionCallingResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resps...)
	return m
}

// WithEmbedder overrides the deterministic bag-of-words embedding.
func (m *MockProvider) WithEmbedder(fn func(text string) []float32) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedFn = fn
	return m
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockProvider) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Calls returns the number of generation calls made so far.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the recorded generation requests.
func (m *MockProvider) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// Generate implements Provider.
func (m *MockProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return m.GenerateWithMessages(ctx, []core.Message{core.NewUserMessage(prompt)}, opts)
}

// GenerateWithMessages implements Provider.
func (m *MockProvider) GenerateWithMessages(ctx context.Context, messages []core.Message, opts GenerateOptions) (string, error) {
	resp, err := m.GenerateWithFunctions(ctx, messages, nil, core.ToolChoiceNone(), opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateWithFunctions implements Provider.
func (m *MockProvider) GenerateWithFunctions(
	ctx context.Context,
	messages []core.Message,
	tools []core.ToolDefinition,
	choice core.ToolChoice,
	opts GenerateOptions,
) (*FunctionCallingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := MockRequest{
		Messages: append([]core.Message(nil), messages...),
		Tools:    append([]core.ToolDefinition(nil), tools...),
		Choice:   choice,
		Options:  opts,
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	call := len(m.requests)
	handler := m.handler
	var scripted *FunctionCallingResponse
	if handler == nil && len(m.queue) > 0 {
		scripted = m.queue[0]
		m.queue = m.queue[1:]
	}
	m.mu.Unlock()

	if handler != nil {
		return handler(ctx, call, req)
	}
	if scripted != nil {
		cp := *scripted
		cp.ToolCalls = append([]core.ToolCall(nil), scripted.ToolCalls...)
		if cp.FinishReason == "" {
			cp.FinishReason = "stop"
			if len(cp.ToolCalls) > 0 {
				cp.FinishReason = "tool_calls"
			}
		}
		return &cp, nil
	}

	input := lastUserContent(messages)
	m.mu.Lock()
	full := m.responses[input]
	m.mu.Unlock()
	if full == "" {
		full = fmt.Sprintf("Mock response to: %s", input)
	}
	return &FunctionCallingResponse{Content: full, FinishReason: "stop"}, nil
}

// GenerateStream implements Provider; emits the answer rune by rune.
func (m *MockProvider) GenerateStream(ctx context.Context, messages []core.Message, opts GenerateOptions) (<-chan StreamChunk, <-chan error) {
	out := make(chan StreamChunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		full, err := m.GenerateWithMessages(ctx, messages, opts)
		if err != nil {
			errCh <- err
			return
		}
		for _, r := range full {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- StreamChunk{Delta: string(r)}:
			}
		}
		out <- StreamChunk{Done: true, FinishReason: "stop"}
	}()

	return out, errCh
}

// CreateEmbedding implements Provider.
func (m *MockProvider) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	fn, dim := m.embedFn, m.dimension
	m.mu.Unlock()
	if fn != nil {
		return fn(text), nil
	}
	return HashEmbedding(text, dim), nil
}

// Info implements Provider.
func (m *MockProvider) Info() Info { return m.info }

// HashEmbedding is a deterministic, normalized bag-of-words embedding. Texts
// sharing words get a positive cosine similarity.
func HashEmbedding(text string, dim int) []float32 {
	vec := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,;:!?\"'")))
		vec[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

func lastUserContent(messages []core.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
