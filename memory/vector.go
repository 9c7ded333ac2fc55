package memory

import "context"

// VectorMatch is a similarity search hit.
type VectorMatch struct {
	MessageID string
	Score     float64
}

// VectorStore indexes message embeddings per thread. Search returns at most
// k matches ordered by decreasing score.
type VectorStore interface {
	Upsert(ctx context.Context, threadID, messageID string, vector []float32) error
	Search(ctx context.Context, threadID string, vector []float32, k int) ([]VectorMatch, error)
}

// VectorDeleter is implemented by vector stores that support pruning a
// thread's index.
type VectorDeleter interface {
	DeleteThread(ctx context.Context, threadID string) error
}

// Embedder computes embeddings. Every model.Provider satisfies it.
type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// CreateEmbedding implements Embedder.
func (f EmbedderFunc) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
