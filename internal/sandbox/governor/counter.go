package governor

import "sync/atomic"

// CallCounter is the synchronous call-count ceiling. Tick runs on the
// VM goroutine; Count may be read from any goroutine.
type CallCounter struct {
	max     uint64
	count   atomic.Uint64
	tripped atomic.Bool
	onTrip  func(count uint64)
}

// NewCallCounter creates a counter that calls onTrip once, the first time
// the count exceeds max.
func NewCallCounter(max uint64, onTrip func(count uint64)) *CallCounter {
	return &CallCounter{max: max, onTrip: onTrip}
}

// Tick records one call and reports whether the ceiling has been exceeded.
func (c *CallCounter) Tick() bool {
	n := c.count.Add(1)
	if n <= c.max {
		return false
	}
	if c.tripped.CompareAndSwap(false, true) && c.onTrip != nil {
		c.onTrip(n)
	}
	return true
}

// Count returns the number of recorded calls.
func (c *CallCounter) Count() uint64 {
	return c.count.Load()
}

// Max returns the configured ceiling.
func (c *CallCounter) Max() uint64 {
	return c.max
}

// Exceeded reports whether the ceiling has been crossed.
func (c *CallCounter) Exceeded() bool {
	return c.tripped.Load()
}
