package governor

import (
	"fmt"
	"time"
)

// Default limits.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultMemoryLimitBytes = 50 * 1024 * 1024
	DefaultMaxFunctionCalls = 1000
	DefaultSampleInterval   = 100 * time.Millisecond
)

// Default ceilings for caller-supplied limits.
const (
	CeilingTimeout          = time.Minute
	CeilingMemoryLimitBytes = 512 * 1024 * 1024
	CeilingFunctionCalls    = 1_000_000_000
)

// Limits are the three independent ceilings applied to one execution.
type Limits struct {
	Timeout          time.Duration
	MemoryLimitBytes uint64
	MaxFunctionCalls uint64
}

// DefaultLimits returns the standard limits.
func DefaultLimits() Limits {
	return Limits{
		Timeout:          DefaultTimeout,
		MemoryLimitBytes: DefaultMemoryLimitBytes,
		MaxFunctionCalls: DefaultMaxFunctionCalls,
	}
}

// DefaultCeilings returns the standard upper bounds for requested limits.
func DefaultCeilings() Limits {
	return Limits{
		Timeout:          CeilingTimeout,
		MemoryLimitBytes: CeilingMemoryLimitBytes,
		MaxFunctionCalls: CeilingFunctionCalls,
	}
}

// WithDefaults fills zero fields from defaults.
func (l Limits) WithDefaults(defaults Limits) Limits {
	if l.Timeout <= 0 {
		l.Timeout = defaults.Timeout
	}
	if l.MemoryLimitBytes == 0 {
		l.MemoryLimitBytes = defaults.MemoryLimitBytes
	}
	if l.MaxFunctionCalls == 0 {
		l.MaxFunctionCalls = defaults.MaxFunctionCalls
	}
	return l
}

// Validate rejects limits that can never be satisfied.
func (l Limits) Validate() error {
	if l.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", l.Timeout)
	}
	if l.MemoryLimitBytes == 0 {
		return fmt.Errorf("memory limit must be positive")
	}
	if l.MaxFunctionCalls == 0 {
		return fmt.Errorf("function call limit must be positive")
	}
	return nil
}

// Raise lifts each field of l to at least the matching field of floor.
func (l Limits) Raise(floor Limits) Limits {
	l.Timeout = max(l.Timeout, floor.Timeout)
	l.MemoryLimitBytes = max(l.MemoryLimitBytes, floor.MemoryLimitBytes)
	l.MaxFunctionCalls = max(l.MaxFunctionCalls, floor.MaxFunctionCalls)
	return l
}

// Within reports the first non-zero field of l above its ceiling.
func (l Limits) Within(ceilings Limits) error {
	if l.Timeout > ceilings.Timeout {
		return fmt.Errorf("timeout %s is above the %s ceiling", l.Timeout, ceilings.Timeout)
	}
	if l.MemoryLimitBytes > ceilings.MemoryLimitBytes {
		return fmt.Errorf("memory limit %d is above the %d byte ceiling", l.MemoryLimitBytes, ceilings.MemoryLimitBytes)
	}
	if l.MaxFunctionCalls > ceilings.MaxFunctionCalls {
		return fmt.Errorf("function call limit %d is above the %d ceiling", l.MaxFunctionCalls, ceilings.MaxFunctionCalls)
	}
	return nil
}
