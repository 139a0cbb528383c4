package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State is the position of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateHalfOpen: "half-open",
	StateOpen:     "open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText lets the state appear by name in JSON stats.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	defaultInterval  = time.Minute
	defaultOpenFor   = time.Minute
	defaultTripAfter = 5
)

// Settings configures a Breaker. Zero fields take defaults.
type Settings struct {
	// MaxRequests is how many trial calls a half-open breaker admits, and
	// how many of them must succeed before it closes. Default 1.
	MaxRequests uint32
	// Interval clears the counts of a closed breaker. Default one minute.
	Interval time.Duration
	// Timeout is how long the breaker stays open. Default one minute.
	Timeout time.Duration
	// ReadyToTrip is consulted after each failure while closed. Default
	// trips after more than five consecutive failures.
	ReadyToTrip func(counts Counts) bool
	// IsSuccessful decides whether an error counts against the breaker.
	// Defaults to err == nil.
	IsSuccessful func(err error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from State, to State)
}

func (s Settings) withDefaults() Settings {
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Interval <= 0 {
		s.Interval = defaultInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultOpenFor
	}
	if s.ReadyToTrip == nil {
		s.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures > defaultTripAfter }
	}
	if s.IsSuccessful == nil {
		s.IsSuccessful = func(err error) bool { return err == nil }
	}
	return s
}

// Counts are the outcomes seen in the current period. A period ends on
// every transition and, while closed, every Interval.
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c *Counts) succeeded() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failed() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// period is one stretch of a single state. Outcomes are only recorded
// against the period that admitted the call.
type period struct {
	seq    uint64
	state  State
	counts Counts
	// ends is when a closed period rolls over or an open one half-opens.
	// Zero while half-open.
	ends time.Time
}

type transition struct {
	from, to State
}

// Breaker fails calls fast after repeated failures.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu  sync.Mutex
	cur period
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	b := &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		now:      time.Now,
	}
	b.cur = period{state: StateClosed, ends: b.now().Add(b.settings.Interval)}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open breaker whose timeout has passed
// reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	moved := b.advance(b.now())
	state := b.cur.state
	b.mu.Unlock()

	b.notify(moved)
	return state
}

// Counts returns the counts of the current period.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.counts
}

// RetryAt is when an open breaker starts admitting trial calls. It is zero
// unless the breaker is open.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	moved := b.advance(b.now())
	var at time.Time
	if b.cur.state == StateOpen {
		at = b.cur.ends
	}
	b.mu.Unlock()

	b.notify(moved)
	return at
}

// Execute runs req if the breaker admits it.
func (b *Breaker) Execute(req func() error) error {
	_, err := Do(b, func() (struct{}, error) {
		return struct{}{}, req()
	})
	return err
}

// Do runs req through b and returns its result. A panic in req counts as a
// failure and is re-raised.
func Do[T any](b *Breaker, req func() (T, error)) (T, error) {
	seq, err := b.admit()
	if err != nil {
		var zero T
		return zero, err
	}

	settled := false
	defer func() {
		if !settled {
			b.settle(seq, false)
		}
	}()

	result, err := req()
	settled = true
	b.settle(seq, b.settings.IsSuccessful(err))
	return result, err
}

// admit reserves a slot in the current period.
func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	moved := b.advance(b.now())
	seq := b.cur.seq
	var err error
	switch {
	case b.cur.state == StateOpen:
		err = ErrCircuitOpen
	case b.cur.state == StateHalfOpen && b.cur.counts.Requests >= b.settings.MaxRequests:
		err = ErrTooManyRequests
	default:
		b.cur.counts.Requests++
	}
	b.mu.Unlock()

	b.notify(moved)
	return seq, err
}

// settle records the outcome of a call admitted in period seq.
func (b *Breaker) settle(seq uint64, ok bool) {
	b.mu.Lock()
	now := b.now()
	moved := b.advance(now)
	if b.cur.seq == seq {
		if next := b.record(ok, now); next != nil {
			moved = append(moved, *next)
		}
	}
	b.mu.Unlock()

	b.notify(moved)
}

// record applies one outcome and returns the transition it caused, if any.
func (b *Breaker) record(ok bool, now time.Time) *transition {
	c := &b.cur.counts
	switch b.cur.state {
	case StateClosed:
		if ok {
			c.succeeded()
			return nil
		}
		c.failed()
		if b.settings.ReadyToTrip(*c) {
			return b.enter(StateOpen, now)
		}
	case StateHalfOpen:
		if !ok {
			return b.enter(StateOpen, now)
		}
		c.succeeded()
		if c.ConsecutiveSuccesses >= b.settings.MaxRequests {
			return b.enter(StateClosed, now)
		}
	}
	return nil
}

// advance applies the time-driven changes due at now.
func (b *Breaker) advance(now time.Time) []transition {
	if b.cur.ends.IsZero() || now.Before(b.cur.ends) {
		return nil
	}
	switch b.cur.state {
	case StateClosed:
		b.cur = period{seq: b.cur.seq + 1, state: StateClosed, ends: now.Add(b.settings.Interval)}
	case StateOpen:
		return []transition{*b.enter(StateHalfOpen, now)}
	}
	return nil
}

// enter starts a new period in state.
func (b *Breaker) enter(state State, now time.Time) *transition {
	t := &transition{from: b.cur.state, to: state}
	next := period{seq: b.cur.seq + 1, state: state}
	switch state {
	case StateClosed:
		next.ends = now.Add(b.settings.Interval)
	case StateOpen:
		next.ends = now.Add(b.settings.Timeout)
	}
	b.cur = next
	return t
}

func (b *Breaker) notify(moved []transition) {
	if b.settings.OnStateChange == nil {
		return
	}
	for _, t := range moved {
		b.settings.OnStateChange(b.name, t.from, t.to)
	}
}
