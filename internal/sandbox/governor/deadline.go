package governor

import (
	"sync"
	"time"
)

// Deadline is the wall-clock limit armed by the manager at request start.
type Deadline struct {
	timer   *time.Timer
	fired   chan struct{}
	once    sync.Once
	started time.Time
	timeout time.Duration
}

// Arm starts a deadline that fires after timeout.
func Arm(timeout time.Duration) *Deadline {
	d := &Deadline{
		fired:   make(chan struct{}),
		started: time.Now(),
		timeout: timeout,
	}
	d.timer = time.AfterFunc(timeout, func() {
		d.once.Do(func() { close(d.fired) })
	})
	return d
}

// C is closed when the deadline expires.
func (d *Deadline) C() <-chan struct{} {
	return d.fired
}

// Disarm stops the timer. It reports whether the deadline had not fired yet.
func (d *Deadline) Disarm() bool {
	return d.timer.Stop()
}

// Elapsed returns the time since the deadline was armed.
func (d *Deadline) Elapsed() time.Duration {
	return time.Since(d.started)
}

// Remaining returns the time left before expiry, never negative.
func (d *Deadline) Remaining() time.Duration {
	left := d.timeout - d.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}
