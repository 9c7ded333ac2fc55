package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a workflow Error.
type Code string

const (
	CodeCycleDetected        Code = "CYCLE_DETECTED"
	CodeDuplicateStepID      Code = "DUPLICATE_STEP_ID"
	CodeMissingMaxIterations Code = "MISSING_MAX_ITERATIONS"
	CodeInvalidDefinition    Code = "INVALID_DEFINITION"
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeStepFailed           Code = "STEP_FAILED"
	CodeTimeout              Code = "TIMEOUT"
	CodeLoopExceeded         Code = "LOOP_EXCEEDED"
	CodeCanceled             Code = "CANCELED"
)

// Sentinels matched by Error.Is.
var (
	ErrCycleDetected        = errors.New("cycle detected")
	ErrDuplicateStepID      = errors.New("duplicate step id")
	ErrMissingMaxIterations = errors.New("loop without max_iterations")
	ErrInvalidDefinition    = errors.New("invalid workflow definition")
	ErrInvalidInput         = errors.New("invalid workflow input")
	ErrStepFailed           = errors.New("step failed")
	ErrTimeout              = errors.New("workflow timed out")
	ErrLoopExceeded         = errors.New("loop exceeded max_iterations")
	ErrCanceled             = errors.New("workflow canceled")
)

// Error is returned by validation and execution.
type Error struct {
	Code       Code
	WorkflowID string
	StepID     string
	// Cycle lists the step ids of a detected cycle, first id repeated last.
	Cycle   []string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %s [%s]", e.WorkflowID, e.Code)
	if e.StepID != "" {
		fmt.Fprintf(&b, " step=%s", e.StepID)
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, " cycle=%s", strings.Join(e.Cycle, " -> "))
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is maps the error code onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrCycleDetected:
		return e.Code == CodeCycleDetected
	case ErrDuplicateStepID:
		return e.Code == CodeDuplicateStepID
	case ErrMissingMaxIterations:
		return e.Code == CodeMissingMaxIterations
	case ErrInvalidDefinition:
		return e.Code == CodeInvalidDefinition
	case ErrInvalidInput:
		return e.Code == CodeInvalidInput
	case ErrStepFailed:
		return e.Code == CodeStepFailed
	case ErrTimeout:
		return e.Code == CodeTimeout
	case ErrLoopExceeded:
		return e.Code == CodeLoopExceeded
	case ErrCanceled:
		return e.Code == CodeCanceled
	}
	return false
}

func invalid(wfID, stepID, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidDefinition, WorkflowID: wfID, StepID: stepID, Message: fmt.Sprintf(format, args...)}
}
