package testutil

import (
	"context"
	"testing"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/memory"
)

// ThreadBuilder seeds a thread in a memory manager with fluent chaining.
// Example:
//
//	NewThreadBuilder("t1", "u1").User("hi").Assistant("hello").Fact("likes tea").Build(t, mgr)
type ThreadBuilder struct {
	id       string
	resource string
	title    string
	messages []core.Message
	working  core.WorkingMemory
}

// NewThreadBuilder creates a builder for the thread id owned by resourceID.
func NewThreadBuilder(id, resourceID string) *ThreadBuilder {
	return &ThreadBuilder{id: id, resource: resourceID}
}

// Title sets the thread title (chainable).
func (b *ThreadBuilder) Title(title string) *ThreadBuilder {
	b.title = title
	return b
}

// User appends user messages (chainable).
func (b *ThreadBuilder) User(contents ...string) *ThreadBuilder {
	for _, c := range contents {
		b.messages = append(b.messages, core.NewUserMessage(c))
	}
	return b
}

// Assistant appends an assistant message (chainable).
func (b *ThreadBuilder) Assistant(content string, calls ...core.ToolCall) *ThreadBuilder {
	b.messages = append(b.messages, core.NewAssistantMessage(content, calls...))
	return b
}

// ToolResult appends the result of a tool call (chainable).
func (b *ThreadBuilder) ToolResult(callID, toolName, content string) *ThreadBuilder {
	b.messages = append(b.messages, core.NewToolMessage(callID, toolName, content))
	return b
}

// Fact adds a working memory fact (chainable).
func (b *ThreadBuilder) Fact(facts ...string) *ThreadBuilder {
	b.working.Facts = append(b.working.Facts, facts...)
	return b
}

// UserInfo sets a working memory user_info entry (chainable).
func (b *ThreadBuilder) UserInfo(key string, val any) *ThreadBuilder {
	if b.working.UserInfo == nil {
		b.working.UserInfo = map[string]any{}
	}
	b.working.UserInfo[key] = val
	return b
}

// Build creates the thread in mgr and stores the messages and working
// memory. Failures abort the test.
func (b *ThreadBuilder) Build(t testing.TB, mgr *memory.Manager) memory.Thread {
	t.Helper()
	ctx := context.Background()

	th, err := mgr.EnsureThread(ctx, b.id, b.resource, func(o *memory.CreateThreadOptions) {
		o.Title = b.title
	})
	if err != nil {
		t.Fatalf("ensure thread %s: %v", b.id, err)
	}
	if len(b.messages) > 0 {
		if _, err := mgr.StoreAll(ctx, b.id, b.messages...); err != nil {
			t.Fatalf("store messages in %s: %v", b.id, err)
		}
	}
	if len(b.working.Facts) > 0 || len(b.working.UserInfo) > 0 {
		if _, err := mgr.MergeWorkingMemory(ctx, b.id, b.working); err != nil {
			t.Fatalf("merge working memory of %s: %v", b.id, err)
		}
	}
	return th
}
