// Package vecstore provides an in-process, brute-force memory.VectorStore.
package vecstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/hupe1980/agentflow/memory"
)

// Metric selects the similarity function.
type Metric string

const (
	// Cosine similarity (default).
	Cosine Metric = "cosine"
	// Dot product.
	Dot Metric = "dot"
	// L2 scores by negative euclidean distance.
	L2 Metric = "l2"
)

// Options configures a Memory store.
type Options struct {
	Metric Metric
}

// Memory keeps vectors in process, namespaced per thread.
type Memory struct {
	mu      sync.RWMutex
	metric  Metric
	vectors map[string]map[string][]float32 // threadID -> messageID -> vector
	dim     int
}

var (
	_ memory.VectorStore   = (*Memory)(nil)
	_ memory.VectorDeleter = (*Memory)(nil)
)

// New creates an empty store.
func New(optFns ...func(o *Options)) *Memory {
	opts := Options{Metric: Cosine}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Memory{metric: opts.Metric, vectors: make(map[string]map[string][]float32)}
}

// Upsert stores (or replaces) the vector of a message. All vectors must
// share one dimension.
func (m *Memory) Upsert(_ context.Context, threadID, messageID string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("vecstore: empty vector for %s", messageID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dim == 0 {
		m.dim = len(vector)
	} else if len(vector) != m.dim {
		return fmt.Errorf("vecstore: dimension mismatch: got %d, want %d", len(vector), m.dim)
	}

	ns, ok := m.vectors[threadID]
	if !ok {
		ns = make(map[string][]float32)
		m.vectors[threadID] = ns
	}
	ns[messageID] = append([]float32(nil), vector...)
	return nil
}

// Search returns the k best matches of the thread, best first. Ties are
// broken by message id.
func (m *Memory) Search(_ context.Context, threadID string, vector []float32, k int) ([]memory.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dim != 0 && len(vector) != m.dim {
		return nil, fmt.Errorf("vecstore: dimension mismatch: got %d, want %d", len(vector), m.dim)
	}

	ns := m.vectors[threadID]
	matches := make([]memory.VectorMatch, 0, len(ns))
	for id, v := range ns {
		matches = append(matches, memory.VectorMatch{MessageID: id, Score: m.score(vector, v)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].MessageID < matches[j].MessageID
		}
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// DeleteThread drops the thread's vectors.
func (m *Memory) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, threadID)
	return nil
}

// Len returns the number of vectors stored for a thread.
func (m *Memory) Len(threadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors[threadID])
}

func (m *Memory) score(a, b []float32) float64 {
	switch m.metric {
	case Dot:
		return dot(a, b)
	case L2:
		var sum float64
		for i := range a {
			d := float64(a[i] - b[i])
			sum += d * d
		}
		return -math.Sqrt(sum)
	default:
		na, nb := math.Sqrt(dot(a, a)), math.Sqrt(dot(b, b))
		if na == 0 || nb == 0 {
			return 0
		}
		return dot(a, b) / (na * nb)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
