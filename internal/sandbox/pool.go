package sandbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/resilience"
)

var (
	ErrPoolClosed  = errors.New("sandbox pool is closed")
	ErrPoolTimeout = errors.New("sandbox acquisition timeout")
)

// DefaultPoolSize is the number of managers when none is configured.
const DefaultPoolSize = 4

// PoolOptions configures a Pool.
type PoolOptions struct {
	Size           int
	AcquireTimeout time.Duration
	Manager        Options
	Breaker        resilience.Settings
}

// Pool manages a fixed set of managers for concurrent callers. Each
// execution checks out one manager, so the single-flight rule holds per
// manager while the pool as a whole runs Size executions at once.
type Pool struct {
	opts      PoolOptions
	managers  []*Manager
	available chan *Manager
	breaker   *resilience.Breaker
	metrics   *monitoring.Metrics
	log       *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPool creates the pool's managers. Boundaries are provisioned lazily,
// or up front with Warm.
func NewPool(opts PoolOptions) *Pool {
	if opts.Size <= 0 {
		opts.Size = DefaultPoolSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	opts.Manager = opts.Manager.withDefaults()

	log := opts.Manager.Logger.With(zap.String("component", "pool"))
	if opts.Size > 1 && sharesHeap(opts.Manager.Provisioner) {
		// Worker runtimes read the process heap, so concurrent executions
		// would be charged for each other's allocations.
		log.Warn("Worker isolation without a per-runtime memory reading runs one execution at a time",
			zap.Int("requested_size", opts.Size))
		opts.Size = 1
	}
	if opts.Breaker.IsSuccessful == nil {
		// Only infrastructure failures count against the breaker.
		opts.Breaker.IsSuccessful = func(err error) bool {
			var loadErr *LoadError
			return !errors.As(err, &loadErr)
		}
	}
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = func(name string, from, to resilience.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		}
	}

	p := &Pool{
		opts:      opts,
		managers:  make([]*Manager, opts.Size),
		available: make(chan *Manager, opts.Size),
		breaker:   resilience.New("sandbox-pool", opts.Breaker),
		log:       log,
		done:      make(chan struct{}),
	}
	for i := range p.managers {
		m := NewManager(opts.Manager)
		p.managers[i] = m
		p.available <- m
	}
	return p
}

// sharesHeap reports whether runtimes from p measure memory process wide.
func sharesHeap(p Provisioner) bool {
	switch w := p.(type) {
	case WorkerProvisioner:
		return w.Probe == nil
	case *WorkerProvisioner:
		return w.Probe == nil
	}
	return false
}

// WithMetrics adds metrics tracking to the pool and its managers
func (p *Pool) WithMetrics(metrics *monitoring.Metrics) *Pool {
	p.metrics = metrics
	for _, m := range p.managers {
		m.WithMetrics(metrics)
	}
	metrics.SetPoolSize(p.opts.Size)
	return p
}

// Warm provisions a boundary for every manager that is not running.
func (p *Pool) Warm(ctx context.Context) error {
	var errs []error
	for _, m := range p.managers {
		err := m.Create(ctx)
		var stateErr *StateError
		if err != nil && !errors.As(err, &stateErr) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Acquire checks out a manager, waiting up to the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*Manager, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.PoolWait)
	}
	wait := time.NewTimer(p.opts.AcquireTimeout)
	defer wait.Stop()

	select {
	case m := <-p.available:
		if timer != nil {
			timer.ObserveDuration()
		}
		p.updateInUse()
		return m, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		p.reject("cancelled")
		return nil, ctx.Err()
	case <-wait.C:
		p.reject("timeout")
		return nil, ErrPoolTimeout
	}
}

// Release returns a manager to the pool, resetting its session.
func (p *Pool) Release(m *Manager) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		m.Close()
		return
	}
	if err := m.Reset(); err != nil {
		p.log.Warn("Failed to reset manager", zap.Error(err))
		m.Terminate()
		_ = m.Reset()
	}

	select {
	case p.available <- m:
	default:
		// Not one of ours
		m.Close()
	}
	p.updateInUse()
}

// Execute runs req on a pooled manager.
func (p *Pool) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if state := p.breaker.State(); state == resilience.StateOpen {
		p.reject("circuit_open")
		return nil, resilience.ErrCircuitOpen
	}

	m, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(m)

	result, err := resilience.Do(p.breaker, func() (*ExecutionResult, error) {
		return m.Execute(ctx, req)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		p.reject("circuit_open")
	}
	return result, err
}

// History merges the managers' histories, oldest first, keeping the most
// recent entries up to the per-manager capacity.
func (p *Pool) History() []ExecutionHistoryEntry {
	var all []ExecutionHistoryEntry
	for _, m := range p.managers {
		all = append(all, m.History()...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].RecordedAt.Before(all[j].RecordedAt)
	})
	if limit := p.opts.Manager.HistoryCapacity; len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// HistoryStats summarises the merged history.
func (p *Pool) HistoryStats() HistoryStats {
	return Summarize(p.History())
}

// PoolStats describes the pool.
type PoolStats struct {
	Size           int               `json:"size"`
	Available      int               `json:"available"`
	InUse          int               `json:"in_use"`
	Closed         bool              `json:"closed"`
	Isolation      string            `json:"isolation"`
	Breaker        resilience.State  `json:"breaker"`
	BreakerCounts  resilience.Counts `json:"breaker_counts"`
	BreakerRetryAt *time.Time        `json:"breaker_retry_at,omitempty"`
	ProtocolErrors uint64            `json:"protocol_errors"`
}

// Stats returns pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var dropped uint64
	for _, m := range p.managers {
		dropped += m.ProtocolErrors()
	}
	var retryAt *time.Time
	if at := p.breaker.RetryAt(); !at.IsZero() {
		retryAt = &at
	}
	return PoolStats{
		Size:           p.opts.Size,
		Available:      len(p.available),
		InUse:          p.opts.Size - len(p.available),
		Closed:         p.closed,
		Isolation:      p.opts.Manager.Provisioner.Isolation(),
		Breaker:        p.breaker.State(),
		BreakerCounts:  p.breaker.Counts(),
		BreakerRetryAt: retryAt,
		ProtocolErrors: dropped,
	}
}

// Close closes the pool and every manager. Checked out managers are closed
// as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range p.managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			m.Close()
		}(m)
	}
	wg.Wait()
	return nil
}

func (p *Pool) updateInUse() {
	if p.metrics != nil {
		p.metrics.SetPoolInUse(p.opts.Size - len(p.available))
	}
}

func (p *Pool) reject(reason string) {
	if p.metrics != nil {
		p.metrics.RecordPoolReject(reason)
	}
}
