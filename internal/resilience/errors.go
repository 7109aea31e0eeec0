package resilience

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen matches any CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrAttemptTimeout matches any AttemptTimeoutError.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// CircuitOpenError is returned without invoking the operation while its circuit is open.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open", e.Name)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// AttemptTimeoutError reports a single attempt that ran past its timeout.
type AttemptTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *AttemptTimeoutError) Error() string {
	return fmt.Sprintf("%s: attempt exceeded %v", e.Name, e.Timeout)
}

func (e *AttemptTimeoutError) Is(target error) bool {
	return target == ErrAttemptTimeout
}

// RetriesExhaustedError wraps the last failure after every attempt failed.
type RetriesExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether err is, or wraps, a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
