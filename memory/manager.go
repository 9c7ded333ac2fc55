package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

// Options configures a Manager.
type Options struct {
	// KRecent and KSemantic are used by Recall when a negative k is passed.
	KRecent   int
	KSemantic int
	// MaxWorkingMemoryBytes caps the JSON size of a thread's working memory
	// (0 = unlimited).
	MaxWorkingMemoryBytes int
	// Processors post-process recall results.
	Processors []Processor
	// VectorStore and Embedder enable semantic recall. Both are optional.
	VectorStore VectorStore
	Embedder    Embedder
	Logger      logging.Logger
}

// Manager implements the thread memory contract: store, recall and working
// memory, plus thread management with ownership checks.
//
// Appends to one thread are serialized by a per-thread mutex; different
// threads proceed in parallel.
type Manager struct {
	storage Storage
	opts    Options
	logger  logging.Logger
	locks   sync.Map // threadID -> *sync.Mutex
}

// NewManager creates a Manager on top of storage.
func NewManager(storage Storage, optFns ...func(o *Options)) *Manager {
	opts := Options{
		KRecent:   10,
		KSemantic: 5,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Manager{storage: storage, opts: opts, logger: opts.Logger}
}

// Storage returns the underlying storage backend.
func (m *Manager) Storage() Storage { return m.storage }

// SemanticEnabled reports whether semantic recall is configured.
func (m *Manager) SemanticEnabled() bool {
	return m.opts.VectorStore != nil && m.opts.Embedder != nil
}

func (m *Manager) lock(threadID string) func() {
	v, _ := m.locks.LoadOrStore(threadID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// -------------------- Threads --------------------

// CreateThread creates a thread owned by resourceID.
func (m *Manager) CreateThread(ctx context.Context, resourceID string, optFns ...func(o *CreateThreadOptions)) (Thread, error) {
	opts := CreateThreadOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ID == "" {
		opts.ID = core.NewID()
	}

	now := time.Now().UTC()
	t := Thread{
		ID:         opts.ID,
		ResourceID: resourceID,
		AgentID:    opts.AgentID,
		Title:      opts.Title,
		Metadata:   opts.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.storage.CreateThread(ctx, t); err != nil {
		return Thread{}, wrap("create_thread", t.ID, err)
	}

	m.logger.Debug("memory.thread.created", "thread_id", t.ID, "resource_id", resourceID)

	return t, nil
}

// GetThread returns the thread without ownership check.
func (m *Manager) GetThread(ctx context.Context, threadID string) (Thread, error) {
	t, err := m.storage.GetThread(ctx, threadID)
	return t, wrap("get_thread", threadID, err)
}

// GetThreadForResource returns the thread if it is owned by resourceID.
func (m *Manager) GetThreadForResource(ctx context.Context, threadID, resourceID string) (Thread, error) {
	t, err := m.GetThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	if !t.OwnedBy(resourceID) {
		return Thread{}, &Error{Op: "get_thread", ThreadID: threadID, ID: resourceID, Code: CodeAccessDenied}
	}
	return t, nil
}

// EnsureThread returns the thread, creating it for resourceID when it does
// not exist. An existing thread of another resource yields ErrAccessDenied.
func (m *Manager) EnsureThread(ctx context.Context, threadID, resourceID string, optFns ...func(o *CreateThreadOptions)) (Thread, error) {
	unlock := m.lock(threadID)
	defer unlock()

	t, err := m.GetThreadForResource(ctx, threadID, resourceID)
	if err == nil {
		return t, nil
	}
	var merr *Error
	if !errors.As(err, &merr) || merr.Code != CodeNotFound {
		return Thread{}, err
	}

	return m.CreateThread(ctx, resourceID, append(optFns, func(o *CreateThreadOptions) { o.ID = threadID })...)
}

// ListThreads returns threads matching filter.
func (m *Manager) ListThreads(ctx context.Context, filter ThreadFilter) ([]Thread, error) {
	threads, err := m.storage.ListThreads(ctx, filter)
	return threads, wrap("list_threads", "", err)
}

// UpdateThread changes title and merges metadata.
func (m *Manager) UpdateThread(ctx context.Context, threadID string, params UpdateThreadParams) (Thread, error) {
	unlock := m.lock(threadID)
	defer unlock()

	t, err := m.storage.GetThread(ctx, threadID)
	if err != nil {
		return Thread{}, wrap("update_thread", threadID, err)
	}
	if params.Title != nil {
		t.Title = *params.Title
	}
	if len(params.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(params.Metadata))
		}
		for k, v := range params.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = time.Now().UTC()

	if err := m.storage.UpdateThread(ctx, t); err != nil {
		return Thread{}, wrap("update_thread", threadID, err)
	}
	return t, nil
}

// DeleteThread prunes the thread, its log, working memory and (if supported)
// its vector index.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	unlock := m.lock(threadID)
	defer unlock()

	if err := m.storage.DeleteThread(ctx, threadID); err != nil {
		return wrap("delete_thread", threadID, err)
	}
	if d, ok := m.opts.VectorStore.(VectorDeleter); ok {
		if err := d.DeleteThread(ctx, threadID); err != nil {
			m.logger.Warn("memory.vector.delete_failed", "thread_id", threadID, "error", err.Error())
		}
	}
	return nil
}

// Stats summarizes a thread.
func (m *Manager) Stats(ctx context.Context, threadID string) (ThreadStats, error) {
	t, err := m.storage.GetThread(ctx, threadID)
	if err != nil {
		return ThreadStats{}, wrap("stats", threadID, err)
	}
	msgs, err := m.storage.Messages(ctx, threadID)
	if err != nil {
		return ThreadStats{}, wrap("stats", threadID, err)
	}
	return computeStats(t, msgs), nil
}

// -------------------- Messages --------------------

// Store appends msg to the thread and returns its id. Missing ids and
// timestamps are assigned. When semantic recall is configured the message is
// embedded (unless it carries an embedding) and indexed; indexing failures
// are logged and do not fail the append.
func (m *Manager) Store(ctx context.Context, threadID string, msg core.Message) (string, error) {
	if !msg.Role.Valid() {
		return "", &Error{Op: "store", ThreadID: threadID, ID: msg.ID, Code: CodeInvalidMessage}
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if err := m.append(ctx, threadID, msg); err != nil {
		return "", err
	}

	m.index(ctx, threadID, msg)

	return msg.ID, nil
}

// StoreAll appends messages in order.
func (m *Manager) StoreAll(ctx context.Context, threadID string, msgs ...core.Message) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		id, err := m.Store(ctx, threadID, msg)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) append(ctx context.Context, threadID string, msg core.Message) error {
	unlock := m.lock(threadID)
	defer unlock()

	t, err := m.storage.GetThread(ctx, threadID)
	if err != nil {
		return wrap("store", threadID, err)
	}

	if err := m.storage.AppendMessage(ctx, threadID, msg); err != nil {
		return wrap("store", threadID, err)
	}

	t.UpdatedAt = msg.Timestamp
	if err := m.storage.UpdateThread(ctx, t); err != nil {
		return wrap("store", threadID, err)
	}

	return nil
}

func (m *Manager) index(ctx context.Context, threadID string, msg core.Message) {
	if m.opts.VectorStore == nil {
		return
	}

	vec := msg.Embedding
	if len(vec) == 0 {
		if m.opts.Embedder == nil || msg.Content == "" {
			return
		}
		var err error
		vec, err = m.opts.Embedder.CreateEmbedding(ctx, msg.Content)
		if err != nil {
			m.logger.Warn("memory.embed.failed", "thread_id", threadID, "message_id", msg.ID, "error", err.Error())
			return
		}
	}

	if err := m.opts.VectorStore.Upsert(ctx, threadID, msg.ID, vec); err != nil {
		m.logger.Warn("memory.vector.upsert_failed", "thread_id", threadID, "message_id", msg.ID, "error", err.Error())
	}
}

// Recall returns the last kRecent messages plus, when query is non-empty and
// semantic recall is configured, the kSemantic messages most similar to
// query. The union is deduplicated by id and returned in thread order.
// Negative k values use the manager defaults.
func (m *Manager) Recall(ctx context.Context, threadID, query string, kRecent, kSemantic int) ([]core.Message, error) {
	if kRecent < 0 {
		kRecent = m.opts.KRecent
	}
	if kSemantic < 0 {
		kSemantic = m.opts.KSemantic
	}

	msgs, err := m.storage.Messages(ctx, threadID)
	if err != nil {
		return nil, wrap("recall", threadID, err)
	}

	selected := make(map[int]struct{}, kRecent+kSemantic)
	for i := max(0, len(msgs)-kRecent); i < len(msgs); i++ {
		selected[i] = struct{}{}
	}

	if query != "" && kSemantic > 0 && len(msgs) > 0 {
		for _, pos := range m.semantic(ctx, threadID, query, kSemantic, msgs) {
			selected[pos] = struct{}{}
		}
	}

	positions := make([]int, 0, len(selected))
	for pos := range selected {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	out := make([]core.Message, 0, len(positions))
	for _, pos := range positions {
		out = append(out, msgs[pos])
	}

	for _, p := range m.opts.Processors {
		out, err = p.Process(ctx, out)
		if err != nil {
			return nil, &Error{Op: "recall", ThreadID: threadID, Code: CodeStorageFailure, Cause: err}
		}
	}

	m.logger.Debug("memory.recall.completed", "thread_id", threadID, "k_recent", kRecent, "k_semantic", kSemantic, "count", len(out))

	return out, nil
}

// semantic returns thread positions of the top matches. Any failure degrades
// to no matches.
func (m *Manager) semantic(ctx context.Context, threadID, query string, k int, msgs []core.Message) []int {
	if !m.SemanticEnabled() {
		return nil
	}

	vec, err := m.opts.Embedder.CreateEmbedding(ctx, query)
	if err != nil {
		m.logger.Warn("memory.recall.degraded", "thread_id", threadID, "stage", "embed", "error", err.Error())
		return nil
	}

	matches, err := m.opts.VectorStore.Search(ctx, threadID, vec, k)
	if err != nil {
		m.logger.Warn("memory.recall.degraded", "thread_id", threadID, "stage", "search", "error", err.Error())
		return nil
	}

	position := make(map[string]int, len(msgs))
	for i, msg := range msgs {
		position[msg.ID] = i
	}

	out := make([]int, 0, k)
	for _, match := range matches {
		if len(out) == k {
			break
		}
		if pos, ok := position[match.MessageID]; ok {
			out = append(out, pos)
		}
	}
	return out
}

// GetMessages returns filtered messages of a thread.
func (m *Manager) GetMessages(ctx context.Context, threadID string, params GetMessagesParams) ([]core.Message, error) {
	msgs, err := m.storage.Messages(ctx, threadID)
	if err != nil {
		return nil, wrap("get_messages", threadID, err)
	}
	return filterMessages(msgs, params), nil
}

// -------------------- Working memory --------------------

// GetWorkingMemory returns the thread's working memory.
func (m *Manager) GetWorkingMemory(ctx context.Context, threadID string) (*core.WorkingMemory, error) {
	wm, err := m.storage.GetWorkingMemory(ctx, threadID)
	if err != nil {
		return nil, wrap("get_working_memory", threadID, err)
	}
	return wm, nil
}

// MergeWorkingMemory merges patch into the thread's working memory: facts
// and goals are set-unioned in insertion order, user info and context keys
// are last-write-wins. The merged result is returned.
func (m *Manager) MergeWorkingMemory(ctx context.Context, threadID string, patch core.WorkingMemory) (*core.WorkingMemory, error) {
	unlock := m.lock(threadID)
	defer unlock()

	wm, err := m.storage.GetWorkingMemory(ctx, threadID)
	if err != nil {
		return nil, wrap("merge_working_memory", threadID, err)
	}

	wm.Merge(patch)

	if limit := m.opts.MaxWorkingMemoryBytes; limit > 0 && wm.SizeBytes() > limit {
		return nil, &Error{Op: "merge_working_memory", ThreadID: threadID, Code: CodeCapacityExceeded}
	}

	if err := m.storage.PutWorkingMemory(ctx, threadID, wm); err != nil {
		return nil, wrap("merge_working_memory", threadID, err)
	}

	return wm, nil
}

// Close closes the underlying storage.
func (m *Manager) Close() error { return m.storage.Close() }
