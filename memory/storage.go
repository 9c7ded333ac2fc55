package memory

import (
	"context"

	"github.com/hupe1980/agentflow/core"
)

// Storage persists threads, their message logs and working memory.
//
// Implementations must be safe for concurrent use. Message reads return
// copies of a consistent prefix of the log in append order. Unknown thread
// ids are reported as *Error with CodeNotFound.
type Storage interface {
	CreateThread(ctx context.Context, thread Thread) error
	GetThread(ctx context.Context, threadID string) (Thread, error)
	UpdateThread(ctx context.Context, thread Thread) error
	// DeleteThread removes the thread, its messages and working memory.
	DeleteThread(ctx context.Context, threadID string) error
	ListThreads(ctx context.Context, filter ThreadFilter) ([]Thread, error)

	AppendMessage(ctx context.Context, threadID string, msg core.Message) error
	Messages(ctx context.Context, threadID string) ([]core.Message, error)

	// GetWorkingMemory returns an empty working memory if none was stored.
	GetWorkingMemory(ctx context.Context, threadID string) (*core.WorkingMemory, error)
	PutWorkingMemory(ctx context.Context, threadID string, wm *core.WorkingMemory) error

	Close() error
}
