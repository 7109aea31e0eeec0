package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPoolTimeout = errors.New("pool acquire timed out")
	ErrPoolClosed  = errors.New("pool is closed")

	// ErrConnectionInvalid marks a connection that failed validation. The pool recycles such
	// connections itself; it is never returned from Acquire.
	ErrConnectionInvalid = errors.New("connection invalid")
)

// ConnectionCreationError is returned when every attempt to open a connection failed.
type ConnectionCreationError struct {
	Err error
}

func (e *ConnectionCreationError) Error() string {
	return fmt.Sprintf("failed to create connection: %v", e.Err)
}

func (e *ConnectionCreationError) Unwrap() error {
	return e.Err
}

// PoolTimeoutError is returned when no connection became available within the timeout.
type PoolTimeoutError struct {
	Timeout    time.Duration
	CheckedOut int
	Limit      int
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("no connection available after %v (%d/%d checked out)", e.Timeout, e.CheckedOut, e.Limit)
}

func (e *PoolTimeoutError) Is(target error) bool {
	return target == ErrPoolTimeout
}
