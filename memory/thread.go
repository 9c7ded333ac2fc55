package memory

import (
	"strings"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// Thread is a conversation owned by exactly one resource.
type Thread struct {
	ID         string         `json:"id" msgpack:"id"`
	ResourceID string         `json:"resource_id" msgpack:"resource_id"`
	AgentID    string         `json:"agent_id,omitempty" msgpack:"agent_id,omitempty"`
	Title      string         `json:"title,omitempty" msgpack:"title,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at" msgpack:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" msgpack:"updated_at"`
}

// OwnedBy reports whether the thread belongs to resourceID.
func (t Thread) OwnedBy(resourceID string) bool { return t.ResourceID == resourceID }

// Clone returns a copy with its own metadata map.
func (t Thread) Clone() Thread {
	if t.Metadata != nil {
		md := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			md[k] = v
		}
		t.Metadata = md
	}
	return t
}

// CreateThreadOptions configures a new thread.
type CreateThreadOptions struct {
	ID       string // generated when empty
	Title    string
	AgentID  string
	Metadata map[string]any
}

// UpdateThreadParams holds thread attributes to change. Nil fields are kept;
// metadata keys are merged.
type UpdateThreadParams struct {
	Title    *string
	Metadata map[string]any
}

// ThreadFilter selects threads in ListThreads. Empty fields match everything.
type ThreadFilter struct {
	ResourceID string
	AgentID    string
}

func (f ThreadFilter) match(t Thread) bool {
	if f.ResourceID != "" && t.ResourceID != f.ResourceID {
		return false
	}
	if f.AgentID != "" && t.AgentID != f.AgentID {
		return false
	}
	return true
}

// ThreadStats summarizes a thread.
type ThreadStats struct {
	MessageCount          int        `json:"message_count"`
	UserMessageCount      int        `json:"user_message_count"`
	AssistantMessageCount int        `json:"assistant_message_count"`
	ToolMessageCount      int        `json:"tool_message_count"`
	CreatedAt             time.Time  `json:"created_at"`
	LastMessageAt         *time.Time `json:"last_message_at,omitempty"`
	SizeBytes             int        `json:"size_bytes"`
}

func computeStats(t Thread, msgs []core.Message) ThreadStats {
	stats := ThreadStats{MessageCount: len(msgs), CreatedAt: t.CreatedAt}
	for _, m := range msgs {
		switch m.Role {
		case core.RoleUser:
			stats.UserMessageCount++
		case core.RoleAssistant:
			stats.AssistantMessageCount++
		case core.RoleTool:
			stats.ToolMessageCount++
		}
		stats.SizeBytes += len(m.Content)
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1].Timestamp
		stats.LastMessageAt = &last
	}
	return stats
}

// DefaultMessageLimit is used by GetMessages when no limit is given.
const DefaultMessageLimit = 50

// GetMessagesParams filters and pages a thread's messages.
type GetMessagesParams struct {
	// Limit caps the result (default DefaultMessageLimit, <0 = unlimited).
	// The newest matching messages are kept.
	Limit int
	// Roles keeps only messages with one of the given roles.
	Roles []core.Role
	// Since / Until bound the timestamp (inclusive); zero means open.
	Since time.Time
	Until time.Time
	// Keywords keeps messages whose content contains any keyword
	// (case-insensitive).
	Keywords []string
	// Reverse returns newest first.
	Reverse bool
}

func filterMessages(msgs []core.Message, p GetMessagesParams) []core.Message {
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(p.Roles) > 0 && !containsRole(p.Roles, m.Role) {
			continue
		}
		if !p.Since.IsZero() && m.Timestamp.Before(p.Since) {
			continue
		}
		if !p.Until.IsZero() && m.Timestamp.After(p.Until) {
			continue
		}
		if len(p.Keywords) > 0 && !containsKeyword(m.Content, p.Keywords) {
			continue
		}
		out = append(out, m)
	}

	limit := p.Limit
	if limit == 0 {
		limit = DefaultMessageLimit
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	if p.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}

	return out
}

func containsRole(roles []core.Role, r core.Role) bool {
	for _, candidate := range roles {
		if candidate == r {
			return true
		}
	}
	return false
}

func containsKeyword(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
