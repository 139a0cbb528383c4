package sandbox

import (
	"time"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
)

// Status is the lifecycle state of a session and, once terminal, the
// outcome of an execution.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusRunning       Status = "running"
	StatusSuccess       Status = "success"
	StatusError         Status = "error"
	StatusTimeout       Status = "timeout"
	StatusMemoryLimit   Status = "memory_limit"
	StatusFunctionLimit Status = "function_limit"
	StatusTerminated    Status = "terminated"
)

// Terminal reports whether s ends an execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusMemoryLimit,
		StatusFunctionLimit, StatusTerminated:
		return true
	}
	return false
}

// Statuses lists the terminal statuses in a stable order.
var Statuses = []Status{
	StatusSuccess, StatusError, StatusTimeout,
	StatusMemoryLimit, StatusFunctionLimit, StatusTerminated,
}

// ExecutionRequest is one piece of code with its limits. Zero limits take
// the manager's defaults.
type ExecutionRequest struct {
	Code             string
	Timeout          time.Duration
	MemoryLimitBytes uint64
	MaxFunctionCalls uint64
}

// Render is the display list produced by a successful execution.
type (
	Render       = protocol.Render
	DrawCommand  = protocol.DrawCommand
	ConsoleEntry = protocol.ConsoleEntry
)

// ExecutionResult is produced once per execution.
type ExecutionResult struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id"`
	Status            Status          `json:"status"`
	ExecutionTime     time.Duration   `json:"execution_time_ns"`
	FunctionCallCount uint64          `json:"function_call_count"`
	MemoryUsedBytes   uint64          `json:"memory_used_bytes,omitempty"`
	Error             *ExecutionError `json:"error,omitempty"`
	Render            *Render         `json:"render,omitempty"`
}

// Session is a snapshot of the manager's session.
type Session struct {
	ID                string           `json:"id"`
	State             Status           `json:"state"`
	StartedAt         time.Time        `json:"started_at,omitempty"`
	FunctionCallCount uint64           `json:"function_call_count"`
	MemoryUsedBytes   uint64           `json:"memory_used_bytes"`
	Errors            []ExecutionError `json:"errors,omitempty"`
}

// ExecutionHistoryEntry is a past result kept in the bounded history.
type ExecutionHistoryEntry struct {
	ExecutionResult
	RecordedAt time.Time `json:"recorded_at"`
	CodeDigest string    `json:"code_digest"`
	CodeBytes  int       `json:"code_bytes"`
}

// HistoryStats summarises the retained history.
type HistoryStats struct {
	Count             int            `json:"count"`
	ByStatus          map[Status]int `json:"by_status"`
	MeanExecutionMS   float64        `json:"mean_execution_ms"`
	StdDevExecutionMS float64        `json:"stddev_execution_ms"`
	P95ExecutionMS    float64        `json:"p95_execution_ms"`
	MeanFunctionCalls float64        `json:"mean_function_calls"`
}
