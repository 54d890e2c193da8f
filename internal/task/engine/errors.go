package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState reports an operation called from a state that forbids it.
	// It is always returned wrapped in a *StateError.
	ErrInvalidState = errors.New("invalid state")

	// ErrCancelled rejects the future of a task cancelled while queued.
	ErrCancelled = errors.New("task cancelled")

	errNilTask = errors.New("scheduled task has no task")
)

// StateError carries the operation and the state it was attempted from.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v (state %s)", e.Op, ErrInvalidState, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }
