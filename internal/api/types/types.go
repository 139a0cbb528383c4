// Package types holds the JSON shapes shared by the HTTP API, the
// WebSocket stream and the client.
package types

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/capability"
)

// ExecuteRequest is the body of POST /v1/executions and of the WebSocket
// execute message. Zero limits take the server's defaults.
type ExecuteRequest struct {
	Code             string `json:"code" binding:"required"`
	TimeoutMS        int64  `json:"timeout_ms,omitempty" binding:"gte=0"`
	MemoryLimitBytes uint64 `json:"memory_limit_bytes,omitempty"`
	MaxFunctionCalls uint64 `json:"max_function_calls,omitempty"`
}

// maxTimeoutMS is the largest timeout_ms a time.Duration can hold.
const maxTimeoutMS = int64(math.MaxInt64 / time.Millisecond)

// Sandbox converts the request for the sandbox package. A timeout too large
// for a time.Duration saturates, so the manager's ceiling rejects it.
func (r ExecuteRequest) Sandbox() sandbox.ExecutionRequest {
	timeout := time.Duration(math.MaxInt64)
	if r.TimeoutMS <= maxTimeoutMS {
		timeout = time.Duration(r.TimeoutMS) * time.Millisecond
	}
	return sandbox.ExecutionRequest{
		Code:             r.Code,
		Timeout:          timeout,
		MemoryLimitBytes: r.MemoryLimitBytes,
		MaxFunctionCalls: r.MaxFunctionCalls,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HistoryResponse is the body of GET /v1/executions/history.
type HistoryResponse struct {
	Entries []sandbox.ExecutionHistoryEntry `json:"entries"`
	Stats   sandbox.HistoryStats            `json:"stats"`
}

// CapabilitiesResponse is the body of GET /v1/capabilities.
type CapabilitiesResponse struct {
	Capabilities []capability.Capability `json:"capabilities"`
	Count        int                     `json:"count"`
}

// Error codes.
const (
	CodeInvalidRequest = "invalid_request"
	CodeConcurrent     = "concurrent_execution"
	CodeInvalidState   = "invalid_state"
	CodePoolExhausted  = "pool_exhausted"
	CodeCircuitOpen    = "circuit_open"
	CodeLoadFailed     = "load_failed"
	CodeUnavailable    = "unavailable"
	CodeCancelled      = "cancelled"
	CodeInternal       = "internal"
)

// Classify maps an error returned by the sandbox to an HTTP status and an
// error code.
func Classify(err error) (int, string) {
	var (
		loadErr  *sandbox.LoadError
		stateErr *sandbox.StateError
	)
	switch {
	case errors.Is(err, sandbox.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, sandbox.ErrConcurrentExecution):
		return http.StatusConflict, CodeConcurrent
	case errors.As(err, &stateErr):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, sandbox.ErrPoolTimeout):
		return http.StatusServiceUnavailable, CodePoolExhausted
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return http.StatusServiceUnavailable, CodeCircuitOpen
	case errors.As(err, &loadErr):
		return http.StatusServiceUnavailable, CodeLoadFailed
	case errors.Is(err, sandbox.ErrPoolClosed), errors.Is(err, sandbox.ErrClosed):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeCancelled
	}
	return http.StatusInternalServerError, CodeInternal
}

// WebSocket message types.
const (
	MsgExecute   = "execute"
	MsgTerminate = "terminate"
	MsgReset     = "reset"
	MsgPing      = "ping"

	MsgReady   = "ready"
	MsgStarted = "started"
	MsgResult  = "result"
	MsgError   = "error"
	MsgPong    = "pong"
)

// ClientMessage is a message from a WebSocket client. Execute messages
// carry the request fields inline.
type ClientMessage struct {
	Type string `json:"type"`
	ExecuteRequest
}

// ServerMessage is a message to a WebSocket client.
type ServerMessage struct {
	Type      string                   `json:"type"`
	SessionID string                   `json:"session_id,omitempty"`
	State     sandbox.Status           `json:"state,omitempty"`
	Result    *sandbox.ExecutionResult `json:"result,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Code      string                   `json:"code,omitempty"`
	Timestamp int64                    `json:"timestamp"`
}
