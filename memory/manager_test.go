package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
)

type stubVectorStore struct {
	mu      sync.Mutex
	upserts []string
	matches []VectorMatch
	err     error
}

func (s *stubVectorStore) Upsert(_ context.Context, _, messageID string, _ []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, messageID)
	return nil
}

func (s *stubVectorStore) Search(_ context.Context, _ string, _ []float32, k int) ([]VectorMatch, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.matches) > k {
		return s.matches[:k], nil
	}
	return s.matches, nil
}

var constEmbedder = EmbedderFunc(func(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
})

func newThreadWithMessages(t *testing.T, m *Manager, n int) string {
	t.Helper()
	ctx := context.Background()
	th, err := m.CreateThread(ctx, "user-1", func(o *CreateThreadOptions) { o.ID = "t1" })
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		msg := core.NewUserMessage(fmt.Sprintf("message %d", i))
		msg.ID = fmt.Sprintf("m%d", i)
		_, err := m.Store(ctx, th.ID, msg)
		require.NoError(t, err)
	}
	return th.ID
}

func ids(msgs []core.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestManager_StoreAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStorage())
	th, err := m.CreateThread(ctx, "user-1")
	require.NoError(t, err)

	id, err := m.Store(ctx, th.ID, core.Message{Role: core.RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := m.GetMessages(ctx, th.ID, GetMessagesParams{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestManager_StoreErrors(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStorage())

	_, err := m.Store(ctx, "missing", core.NewUserMessage("hi"))
	assert.ErrorIs(t, err, ErrNotFound)

	th, err := m.CreateThread(ctx, "user-1")
	require.NoError(t, err)
	_, err = m.Store(ctx, th.ID, core.Message{Role: "bogus", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestManager_StoreKeepsAppendOrderUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStorage())
	th, err := m.CreateThread(ctx, "user-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Store(ctx, th.ID, core.NewUserMessage(fmt.Sprintf("%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := m.GetMessages(ctx, th.ID, GetMessagesParams{Limit: -1})
	require.NoError(t, err)
	assert.Len(t, msgs, 50)
}

func TestManager_RecallRecentAndSemantic(t *testing.T) {
	vs := &stubVectorStore{matches: []VectorMatch{{MessageID: "m2", Score: 0.9}, {MessageID: "m7", Score: 0.8}}}
	m := NewManager(NewInMemoryStorage(), func(o *Options) {
		o.VectorStore = vs
		o.Embedder = constEmbedder
	})
	threadID := newThreadWithMessages(t, m, 10)
	assert.Len(t, vs.upserts, 10)

	got, err := m.Recall(context.Background(), threadID, "topic", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m7", "m8", "m9", "m10"}, ids(got))
}

func TestManager_RecallDegradesWithoutVectorStore(t *testing.T) {
	m := NewManager(NewInMemoryStorage())
	threadID := newThreadWithMessages(t, m, 10)

	got, err := m.Recall(context.Background(), threadID, "topic", 5, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m6", "m7", "m8", "m9", "m10"}, ids(got))
}

func TestManager_RecallDegradesOnSearchError(t *testing.T) {
	vs := &stubVectorStore{err: errors.New("index offline")}
	m := NewManager(NewInMemoryStorage(), func(o *Options) {
		o.VectorStore = vs
		o.Embedder = constEmbedder
	})
	threadID := newThreadWithMessages(t, m, 4)

	got, err := m.Recall(context.Background(), threadID, "topic", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, ids(got))
}

func TestManager_RecallDefaultsAndUnknownMatches(t *testing.T) {
	vs := &stubVectorStore{matches: []VectorMatch{{MessageID: "gone"}, {MessageID: "m1"}}}
	m := NewManager(NewInMemoryStorage(), func(o *Options) {
		o.KRecent = 2
		o.VectorStore = vs
		o.Embedder = constEmbedder
	})
	threadID := newThreadWithMessages(t, m, 6)

	got, err := m.Recall(context.Background(), threadID, "q", -1, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m5", "m6"}, ids(got))
}

func TestManager_RecallDeduplicatesOverlap(t *testing.T) {
	vs := &stubVectorStore{matches: []VectorMatch{{MessageID: "m5"}}}
	m := NewManager(NewInMemoryStorage(), func(o *Options) {
		o.VectorStore = vs
		o.Embedder = constEmbedder
	})
	threadID := newThreadWithMessages(t, m, 5)

	got, err := m.Recall(context.Background(), threadID, "q", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4", "m5"}, ids(got))
}

func TestManager_RecallAppliesProcessors(t *testing.T) {
	m := NewManager(NewInMemoryStorage(), func(o *Options) {
		o.Processors = []Processor{MessageLimit{Max: 2}}
	})
	threadID := newThreadWithMessages(t, m, 6)

	got, err := m.Recall(context.Background(), threadID, "", 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m6"}, ids(got))
}

func TestManager_WorkingMemoryMerge(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStorage())
	th, err := m.CreateThread(ctx, "user-1")
	require.NoError(t, err)

	wm, err := m.GetWorkingMemory(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, wm.IsEmpty())

	_, err = m.MergeWorkingMemory(ctx, th.ID, core.WorkingMemory{
		Facts:    []string{"likes tea"},
		UserInfo: map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)

	merged, err := m.MergeWorkingMemory(ctx, th.ID, core.WorkingMemory{
		Facts:    []string{"likes tea", "lives in Berlin"},
		Goals:    []string{"book flight"},
		UserInfo: map[string]any{"name": "Ada L."},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"likes tea", "lives in Berlin"}, merged.Facts)
	assert.Equal(t, []string{"book flight"}, merged.Goals)
	assert.Equal(t, "Ada L.", merged.UserInfo["name"])

	stored, err := m.GetWorkingMemory(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, merged.Facts, stored.Facts)
}

func TestManager_WorkingMemoryCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStorage(), func(o *Options) { o.MaxWorkingMemoryBytes = 64 })
	th, err := m.CreateThread(ctx, "user-1")
	require.NoError(t, err)

	_, err = m.MergeWorkingMemory(ctx, th.ID, core.WorkingMemory{
		Facts: []string{"a very long fact that does not fit into sixty four bytes of json"},
	})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	wm, err := m.GetWorkingMemory(ctx, th.ID)
	require.NoError(t, err)
	assert.Empty(t, wm.Facts)
}

func TestManager_ThreadOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStorage())

	th, err := m.EnsureThread(ctx, "t-own", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", th.ResourceID)

	again, err := m.EnsureThread(ctx, "t-own", "alice")
	require.NoError(t, err)
	assert.Equal(t, th.CreatedAt, again.CreatedAt)

	_, err = m.EnsureThread(ctx, "t-own", "bob")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = m.GetThreadForResource(ctx, "t-own", "bob")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = m.CreateThread(ctx, "alice", func(o *CreateThreadOptions) { o.ID = "t-own" })
	assert.ErrorIs(t, err, ErrThreadExists)
}

func TestManager_ListUpdateDeleteStats(t *testing.T) {
	ctx := context.Background()
	vs := &stubVectorStore{}
	m := NewManager(NewInMemoryStorage(), func(o *Options) { o.VectorStore = vs })

	a, err := m.CreateThread(ctx, "alice", func(o *CreateThreadOptions) { o.AgentID = "support" })
	require.NoError(t, err)
	_, err = m.CreateThread(ctx, "bob")
	require.NoError(t, err)

	threads, err := m.ListThreads(ctx, ThreadFilter{ResourceID: "alice"})
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, a.ID, threads[0].ID)

	title := "Refunds"
	updated, err := m.UpdateThread(ctx, a.ID, UpdateThreadParams{Title: &title, Metadata: map[string]any{"tier": "gold"}})
	require.NoError(t, err)
	assert.Equal(t, "Refunds", updated.Title)
	assert.Equal(t, "gold", updated.Metadata["tier"])

	_, err = m.StoreAll(ctx, a.ID,
		core.NewUserMessage("hello"),
		core.NewAssistantMessage("", core.ToolCall{ID: "c1", Name: "lookup"}),
		core.NewToolMessage("c1", "lookup", "ok"),
	)
	require.NoError(t, err)

	stats, err := m.Stats(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.MessageCount)
	assert.Equal(t, 1, stats.UserMessageCount)
	assert.Equal(t, 1, stats.AssistantMessageCount)
	assert.Equal(t, 1, stats.ToolMessageCount)
	assert.NotNil(t, stats.LastMessageAt)

	require.NoError(t, m.DeleteThread(ctx, a.ID))
	_, err = m.GetThread(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.DeleteThread(ctx, a.ID), ErrNotFound)
}

func TestManager_GetMessagesFilters(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStorage())
	th, err := m.CreateThread(ctx, "user-1")
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	contents := []struct {
		role    core.Role
		content string
	}{
		{core.RoleUser, "Where is my Order?"},
		{core.RoleAssistant, "Let me check."},
		{core.RoleUser, "thanks"},
		{core.RoleAssistant, "Your order shipped."},
	}
	for i, c := range contents {
		msg := core.NewMessage(c.role, c.content)
		msg.ID = fmt.Sprintf("m%d", i+1)
		msg.Timestamp = base.Add(time.Duration(i) * time.Hour)
		_, err := m.Store(ctx, th.ID, msg)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		params GetMessagesParams
		want   []string
	}{
		{"all", GetMessagesParams{}, []string{"m1", "m2", "m3", "m4"}},
		{"roles", GetMessagesParams{Roles: []core.Role{core.RoleUser}}, []string{"m1", "m3"}},
		{"keywords", GetMessagesParams{Keywords: []string{"order"}}, []string{"m1", "m4"}},
		{"since", GetMessagesParams{Since: base.Add(2 * time.Hour)}, []string{"m3", "m4"}},
		{"until", GetMessagesParams{Until: base.Add(time.Hour)}, []string{"m1", "m2"}},
		{"limit keeps newest", GetMessagesParams{Limit: 2}, []string{"m3", "m4"}},
		{"reverse", GetMessagesParams{Limit: 2, Reverse: true}, []string{"m4", "m3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.GetMessages(ctx, th.ID, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}
