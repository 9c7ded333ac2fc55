package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new random identifier (UUID v4 string).
func NewID() string { return uuid.NewString() }

// Role identifies the author of a Message.
type Role string

const (
	// RoleSystem carries agent instructions.
	RoleSystem Role = "system"
	// RoleUser carries end user input.
	RoleUser Role = "user"
	// RoleAssistant carries model output, including tool call requests.
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of a tool call.
	RoleTool Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is a single conversational turn. Messages stored in a memory
// thread are immutable: they are appended and never edited in place.
type Message struct {
	ID         string         `json:"id" msgpack:"id"`
	Role       Role           `json:"role" msgpack:"role"`
	Content    string         `json:"content" msgpack:"content"`
	Name       string         `json:"name,omitempty" msgpack:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty" msgpack:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty" msgpack:"tool_calls,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty" msgpack:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// NewMessage creates a message with a fresh id and the current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{ID: NewID(), Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message { return NewMessage(RoleSystem, content) }

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message { return NewMessage(RoleUser, content) }

// NewAssistantMessage creates an assistant message, optionally carrying tool calls.
func NewAssistantMessage(content string, calls ...ToolCall) Message {
	m := NewMessage(RoleAssistant, content)
	if len(calls) > 0 {
		m.ToolCalls = append([]ToolCall(nil), calls...)
	}
	return m
}

// NewToolMessage creates a tool result message correlated to a tool call.
func NewToolMessage(callID, toolName, content string) Message {
	m := NewMessage(RoleTool, content)
	m.ToolCallID = callID
	m.Name = toolName
	return m
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Embedding != nil {
		out.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
