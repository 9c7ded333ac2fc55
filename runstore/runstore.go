// Package runstore persists workflow run records.
package runstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Status is the final (or current) status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCanceled  Status = "canceled"
)

// StepRecord is the persisted outcome of one step.
type StepRecord struct {
	ID        string         `json:"id"`
	State     core.StepState `json:"state"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	Duration  time.Duration  `json:"duration"`
}

// Run is a persisted workflow execution.
type Run struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Status     Status         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Steps      []StepRecord   `json:"steps,omitempty"`
	Warnings   []core.Warning `json:"warnings,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
}

// Filter selects runs in List. Runs are returned newest first.
type Filter struct {
	WorkflowID string
	Status     Status
	Limit      int // 0 = unlimited
}

func (f Filter) match(r *Run) bool {
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// apply sorts runs newest first (ties by id, descending) and cuts them to
// the limit.
func (f Filter) apply(runs []*Run) []*Run {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs
}

// Store persists runs. Save inserts or replaces by id.
type Store interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, filter Filter) ([]*Run, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
