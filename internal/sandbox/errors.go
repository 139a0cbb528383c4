package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentExecution is returned when Execute is called while a
	// session is already running.
	ErrConcurrentExecution = errors.New("sandbox: execution already in progress")
	// ErrInvalidRequest is returned for code the manager refuses to send to
	// a runtime.
	ErrInvalidRequest = errors.New("sandbox: invalid request")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("sandbox: manager closed")

	ErrTimeoutExceeded           = errors.New("sandbox: timeout exceeded")
	ErrMemoryLimitExceeded       = errors.New("sandbox: memory limit exceeded")
	ErrFunctionCallLimitExceeded = errors.New("sandbox: function call limit exceeded")
	ErrTerminated                = errors.New("sandbox: execution terminated")
)

// LoadError reports that an isolation boundary could not be provisioned or
// did not complete its ready handshake.
type LoadError struct {
	Isolation string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("sandbox: load %s boundary: %v", e.Isolation, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrorKind classifies an execution failure.
type ErrorKind string

const (
	KindException     ErrorKind = "exception"
	KindTimeout       ErrorKind = "timeout"
	KindMemoryLimit   ErrorKind = "memory_limit"
	KindFunctionLimit ErrorKind = "function_limit"
	KindTerminated    ErrorKind = "terminated"
)

// ExecutionError describes why an execution did not succeed. It travels
// inside ExecutionResult rather than as a returned error.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches the sentinel for the error's kind.
func (e *ExecutionError) Is(target error) bool {
	switch target {
	case ErrTimeoutExceeded:
		return e.Kind == KindTimeout
	case ErrMemoryLimitExceeded:
		return e.Kind == KindMemoryLimit
	case ErrFunctionCallLimitExceeded:
		return e.Kind == KindFunctionLimit
	case ErrTerminated:
		return e.Kind == KindTerminated
	}
	return false
}

// ProtocolError describes a frame the manager dropped.
type ProtocolError struct {
	Boundary string
	Reason   string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox: protocol: %s from %s: %v", e.Reason, e.Boundary, e.Err)
	}
	return fmt.Sprintf("sandbox: protocol: %s from %s", e.Reason, e.Boundary)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StateError reports an operation that is not valid in the current state.
type StateError struct {
	Op    string
	State Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("sandbox: cannot %s while %s", e.Op, e.State)
}
