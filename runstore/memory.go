package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is a process-local Store.
type Memory struct {
	mu   sync.RWMutex
	runs map[string][]byte // id -> JSON encoded run
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string][]byte)}
}

// Save stores a copy of run.
func (m *Memory) Save(_ context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = data
	return nil
}

// Get returns a copy of the run.
func (m *Memory) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	data, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeRun(data)
}

// List returns matching runs, newest first.
func (m *Memory) List(_ context.Context, filter Filter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Run, 0, len(m.runs))
	for _, data := range m.runs {
		r, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		if filter.match(r) {
			out = append(out, r)
		}
	}
	return filter.apply(out), nil
}

// Delete removes a run.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.runs, id)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func decodeRun(data []byte) (*Run, error) {
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &r, nil
}
