package store

import (
	"errors"
	"fmt"

	"github.com/go-go-golems/asynclang/pkg/conversation"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrValidation      = errors.New("validation error")
	ErrStoreClosed     = errors.New("store is closed")
)

// VersionConflictError reports optimistic-locking failures.
type VersionConflictError struct {
	ThreadID conversation.ThreadID
	Expected uint64
	Actual   uint64
}

func (e *VersionConflictError) Error() string {
	if e == nil {
		return ErrVersionConflict.Error()
	}
	return fmt.Sprintf("thread %s version conflict: expected=%d actual=%d", e.ThreadID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// ValidationError reports invalid domain data.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func assertExpectedVersion(threadID conversation.ThreadID, expected uint64, actual uint64) error {
	if expected == 0 {
		return nil
	}
	if expected != actual {
		return &VersionConflictError{ThreadID: threadID, Expected: expected, Actual: actual}
	}
	return nil
}
