package memory

import (
	"errors"
	"fmt"
)

// Code classifies a memory Error.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeAccessDenied     Code = "ACCESS_DENIED"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeInvalidMessage   Code = "INVALID_MESSAGE"
	CodeThreadExists     Code = "THREAD_EXISTS"
)

// Sentinels matched by Error.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrStorageFailure   = errors.New("storage failure")
	ErrAccessDenied     = errors.New("access denied")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrThreadExists     = errors.New("thread already exists")
)

// Error is returned by memory operations.
type Error struct {
	Op       string // operation, e.g. "store", "recall"
	ThreadID string
	ID       string // message or resource id, if relevant
	Code     Code
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("memory %s [%s] thread=%s", e.Op, e.Code, e.ThreadID)
	if e.ID != "" {
		msg += " id=" + e.ID
	}
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
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrStorageFailure:
		return e.Code == CodeStorageFailure
	case ErrAccessDenied:
		return e.Code == CodeAccessDenied
	case ErrCapacityExceeded:
		return e.Code == CodeCapacityExceeded
	case ErrInvalidMessage:
		return e.Code == CodeInvalidMessage
	case ErrThreadExists:
		return e.Code == CodeThreadExists
	}
	return false
}

func notFound(op, threadID string) *Error {
	return &Error{Op: op, ThreadID: threadID, Code: CodeNotFound}
}

func storageFailure(op, threadID string, cause error) *Error {
	return &Error{Op: op, ThreadID: threadID, Code: CodeStorageFailure, Cause: cause}
}

// wrap passes *Error values through and classifies anything else as a
// storage failure.
func wrap(op, threadID string, err error) error {
	if err == nil {
		return nil
	}
	var merr *Error
	if errors.As(err, &merr) {
		return merr
	}
	return storageFailure(op, threadID, err)
}
