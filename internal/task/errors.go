package task

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is the cause used by RateLimited when the local bucket is empty.
var ErrRateLimited = errors.New("task rate limited")

// ThrottleError is the rate-limit signal: the resource asked callers not to
// come back before Until. The engine treats it as an ordinary failure; a
// throttle policy listening to engine events reacts to it.
type ThrottleError struct {
	Until time.Time
	Err   error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled until %s: %v", e.Until.Format(time.RFC3339Nano), e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// Throttle wraps err as a rate-limit signal. A nil err gets ErrRateLimited.
func Throttle(err error, until time.Time) error {
	if err == nil {
		err = ErrRateLimited
	}
	return &ThrottleError{Until: until, Err: err}
}

// AsThrottle extracts a rate-limit signal from anywhere in err's chain.
func AsThrottle(err error) (*ThrottleError, bool) {
	var te *ThrottleError
	if errors.As(err, &te) && te != nil {
		return te, true
	}
	return nil, false
}

// Permanent marks err as non-retryable.
//
// Example:
//
//	return nil, task.Permanent(fmt.Errorf("bad input: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// PanicError is the failure recorded when a task panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panic: %v", e.Value) }
