package agent

import (
	"errors"
	"fmt"
)

// Code classifies an agent Error.
type Code string

const (
	CodeMaxStepsExceeded Code = "MAX_STEPS_EXCEEDED"
	CodeProviderFailure  Code = "PROVIDER_FAILURE"
	CodeMemoryFailure    Code = "MEMORY_FAILURE"
)

var (
	// ErrMaxStepsExceeded is returned together with a partial Response when
	// the step budget ran out before the model produced a final answer.
	ErrMaxStepsExceeded = errors.New("max steps exceeded")
	// ErrProviderFailure wraps errors returned by the model provider.
	ErrProviderFailure = errors.New("provider failure")
	// ErrMemoryFailure wraps errors of the memory manager.
	ErrMemoryFailure = errors.New("memory failure")
)

// Error is returned by Generate.
type Error struct {
	AgentID string
	Code    Code
	Steps   int
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("agent %s [%s] after %d step(s)", e.AgentID, e.Code, e.Steps)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is maps the error code onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrMaxStepsExceeded:
		return e.Code == CodeMaxStepsExceeded
	case ErrProviderFailure:
		return e.Code == CodeProviderFailure
	case ErrMemoryFailure:
		return e.Code == CodeMemoryFailure
	}
	return false
}
