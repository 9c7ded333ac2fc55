package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/agentflow/core"
)

// InMemoryStorage is a process-local Storage. Suitable for tests, demos and
// short-lived processes.
//
// Concurrency: protected by RWMutex. Reads return copies.
type InMemoryStorage struct {
	mu       sync.RWMutex
	threads  map[string]Thread              // threadID -> thread
	messages map[string][]core.Message      // threadID -> append-only log
	working  map[string]*core.WorkingMemory // threadID -> working memory
}

var _ Storage = (*InMemoryStorage)(nil)

// NewInMemoryStorage creates a new in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		threads:  make(map[string]Thread),
		messages: make(map[string][]core.Message),
		working:  make(map[string]*core.WorkingMemory),
	}
}

// CreateThread stores a new thread.
func (s *InMemoryStorage) CreateThread(_ context.Context, thread Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[thread.ID]; exists {
		return &Error{Op: "create_thread", ThreadID: thread.ID, Code: CodeThreadExists}
	}
	s.threads[thread.ID] = thread.Clone()
	return nil
}

// GetThread returns a copy of the thread.
func (s *InMemoryStorage) GetThread(_ context.Context, threadID string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, exists := s.threads[threadID]
	if !exists {
		return Thread{}, notFound("get_thread", threadID)
	}
	return t.Clone(), nil
}

// UpdateThread replaces the stored thread attributes.
func (s *InMemoryStorage) UpdateThread(_ context.Context, thread Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[thread.ID]; !exists {
		return notFound("update_thread", thread.ID)
	}
	s.threads[thread.ID] = thread.Clone()
	return nil
}

// DeleteThread removes the thread with all of its data.
func (s *InMemoryStorage) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[threadID]; !exists {
		return notFound("delete_thread", threadID)
	}
	delete(s.threads, threadID)
	delete(s.messages, threadID)
	delete(s.working, threadID)
	return nil
}

// ListThreads returns matching threads ordered by creation time.
func (s *InMemoryStorage) ListThreads(_ context.Context, filter ThreadFilter) ([]Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		if filter.match(t) {
			out = append(out, t.Clone())
		}
	}
	sortThreads(out)
	return out, nil
}

// AppendMessage appends msg to the thread's log.
func (s *InMemoryStorage) AppendMessage(_ context.Context, threadID string, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[threadID]; !exists {
		return notFound("append_message", threadID)
	}
	s.messages[threadID] = append(s.messages[threadID], msg.Clone())
	return nil
}

// Messages returns a copy of the thread's log.
func (s *InMemoryStorage) Messages(_ context.Context, threadID string) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.threads[threadID]; !exists {
		return nil, notFound("messages", threadID)
	}
	log := s.messages[threadID]
	out := make([]core.Message, len(log))
	for i := range log {
		out[i] = log[i].Clone()
	}
	return out, nil
}

// GetWorkingMemory returns a copy of the thread's working memory.
func (s *InMemoryStorage) GetWorkingMemory(_ context.Context, threadID string) (*core.WorkingMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.threads[threadID]; !exists {
		return nil, notFound("get_working_memory", threadID)
	}
	return s.working[threadID].Clone(), nil
}

// PutWorkingMemory replaces the thread's working memory.
func (s *InMemoryStorage) PutWorkingMemory(_ context.Context, threadID string, wm *core.WorkingMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[threadID]; !exists {
		return notFound("put_working_memory", threadID)
	}
	s.working[threadID] = wm.Clone()
	return nil
}

// Close is a no-op.
func (s *InMemoryStorage) Close() error { return nil }

func sortThreads(threads []Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].CreatedAt.Before(threads[j].CreatedAt)
	})
}
