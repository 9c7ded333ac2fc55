package core

import (
	"fmt"
	"sync"
)

// StepLimiter enforces a maximum number of steps (model calls, iterations) per run.
type StepLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewStepLimiter creates a new limiter with a max number of steps.
// If max == 0, unlimited steps are allowed.
func NewStepLimiter(max int) *StepLimiter {
	return &StepLimiter{max: max}
}

// Increment increases the step counter and returns an error if the limit is exceeded.
func (sl *StepLimiter) Increment() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.max > 0 && sl.count >= sl.max {
		return fmt.Errorf("exceeded max steps: %d", sl.max)
	}
	sl.count++

	return nil
}

// Reached reports whether no further step is allowed.
func (sl *StepLimiter) Reached() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	return sl.max > 0 && sl.count >= sl.max
}

// Count returns the current number of steps taken.
func (sl *StepLimiter) Count() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	return sl.count
}

// Max returns the configured limit (0 = unlimited).
func (sl *StepLimiter) Max() int { return sl.max }

// Remaining returns how many steps are left before hitting the limit.
func (sl *StepLimiter) Remaining() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.max == 0 {
		return -1 // unlimited
	}

	return sl.max - sl.count
}
