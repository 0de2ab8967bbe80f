// ABOUTME: Error values returned by the collector
// ABOUTME: Fatal errors poison the collector and reach Config.OnFatal

package collector

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is called in the wrong phase
	ErrInvalidState = errors.New("invalid collector state")
	// ErrConcurrencyTimeout is returned when mutators did not quiesce or
	// termination did not reach a fixpoint in time
	ErrConcurrencyTimeout = errors.New("concurrency timeout")
	// ErrAllocatorCallback wraps a failing Heap callback
	ErrAllocatorCallback = errors.New("allocator callback failed")
	// ErrBarrierOverflow is returned when a write barrier shard is full
	ErrBarrierOverflow = errors.New("write barrier overflow")
	// ErrMarkVerification is returned when VerifyMarks finds a reachable
	// object left unmarked
	ErrMarkVerification = errors.New("mark verification failed")
	// ErrClosed is returned by driver calls after Close
	ErrClosed = errors.New("collector closed")
)

// FatalError is an error after which the collector cannot continue. The
// heap may hold objects whose liveness is unknown.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("gc fatal in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is or wraps a *FatalError
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
