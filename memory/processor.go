package memory

import (
	"context"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

// Processor post-processes recalled messages (in chronological order).
type Processor interface {
	Name() string
	Process(ctx context.Context, messages []core.Message) ([]core.Message, error)
}

// MessageLimit keeps the most recent Max messages.
type MessageLimit struct {
	Max    int
	Logger logging.Logger
}

func (p MessageLimit) Name() string { return "message_limit" }

func (p MessageLimit) Process(_ context.Context, messages []core.Message) ([]core.Message, error) {
	if p.Max <= 0 || len(messages) <= p.Max {
		return messages, nil
	}
	out := messages[len(messages)-p.Max:]
	if p.Logger != nil {
		p.Logger.Debug("memory.processor.limited", "from", len(messages), "to", len(out))
	}
	return out, nil
}

// RoleFilter keeps messages whose role is in Allowed.
type RoleFilter struct {
	Allowed []core.Role
}

func (p RoleFilter) Name() string { return "role_filter" }

func (p RoleFilter) Process(_ context.Context, messages []core.Message) ([]core.Message, error) {
	if len(p.Allowed) == 0 {
		return messages, nil
	}
	out := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		if containsRole(p.Allowed, m.Role) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Deduplicate drops messages repeating the role and content of an earlier one.
type Deduplicate struct{}

func (Deduplicate) Name() string { return "deduplicate" }

func (Deduplicate) Process(_ context.Context, messages []core.Message) ([]core.Message, error) {
	seen := make(map[string]struct{}, len(messages))
	out := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		key := string(m.Role) + ":" + m.Content
		if m.HasToolCalls() || m.ToolCallID != "" {
			// tool traffic is kept intact so call/result pairs stay matched
			key = m.ID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

// Composite applies processors in order.
type Composite []Processor

func (c Composite) Name() string { return "composite" }

func (c Composite) Process(ctx context.Context, messages []core.Message) ([]core.Message, error) {
	var err error
	for _, p := range c {
		messages, err = p.Process(ctx, messages)
		if err != nil {
			return nil, err
		}
	}
	return messages, nil
}
