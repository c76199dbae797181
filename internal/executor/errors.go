package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrCircuitOpen is returned without calling the external system while
	// the capability's breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrMissionDeadlineExceeded means the task arrived or kept running past
	// the mission deadline.
	ErrMissionDeadlineExceeded = errors.New("mission deadline exceeded")
	// ErrUnknownCapability means no action is registered for the task.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrLeaseHeld means another executor holds the task's lease. The
	// delivery stays pending and is retried once the lease is released or
	// expires.
	ErrLeaseHeld = errors.New("task lease held by another executor")
	// ErrLeaseLost means the lease expired mid-run and another executor
	// took the task over.
	ErrLeaseLost = errors.New("task lease lost")
)

// TransientError is an external failure worth retrying (timeouts, 5xx,
// refused connections).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient external error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient external error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PersistentError is an external failure that will not change on retry
// (rejected request, unknown device, 4xx).
type PersistentError struct {
	Err        error
	StatusCode int
}

func (e *PersistentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("persistent external error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("persistent external error: %v", e.Err)
}

func (e *PersistentError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Persistent marks err as not retryable.
func Persistent(err error) error {
	return &PersistentError{Err: err}
}

// HTTPStatusError classifies a non-2xx vendor response: 408, 429 and 5xx
// are transient, everything else persistent.
func HTTPStatusError(status int, err error) error {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return &TransientError{Err: err, StatusCode: status}
	}
	return &PersistentError{Err: err, StatusCode: status}
}

// IsTransient reports whether err should be retried. Explicit
// classification wins; unclassified network errors and request timeouts
// are transient; anything else is treated as persistent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var persistent *PersistentError
	if errors.As(err, &persistent) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
