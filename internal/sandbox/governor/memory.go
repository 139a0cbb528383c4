package governor

import (
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"
)

// Probe reports the current memory usage in bytes.
type Probe func() uint64

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// HeapProbe reads live heap object bytes of the current process.
func HeapProbe() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// MemorySampler periodically compares usage above a baseline against a
// ceiling and calls onBreach once when the ceiling is crossed.
type MemorySampler struct {
	probe    Probe
	limit    uint64
	interval time.Duration
	onBreach func(used, limit uint64)

	baseline uint64
	peak     atomic.Uint64
	breached atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMemorySampler creates a sampler. A nil probe uses HeapProbe.
func NewMemorySampler(probe Probe, limit uint64, interval time.Duration, onBreach func(used, limit uint64)) *MemorySampler {
	if probe == nil {
		probe = HeapProbe
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &MemorySampler{
		probe:    probe,
		limit:    limit,
		interval: interval,
		onBreach: onBreach,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start records the baseline and begins sampling.
func (s *MemorySampler) Start() {
	s.baseline = s.probe()
	go s.loop()
}

func (s *MemorySampler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.Sample() {
				return
			}
		}
	}
}

// Sample takes one measurement and reports whether the ceiling was crossed.
func (s *MemorySampler) Sample() bool {
	used := s.used()
	for {
		peak := s.peak.Load()
		if used <= peak || s.peak.CompareAndSwap(peak, used) {
			break
		}
	}
	if used <= s.limit {
		return false
	}
	if s.breached.CompareAndSwap(false, true) && s.onBreach != nil {
		s.onBreach(used, s.limit)
	}
	return true
}

func (s *MemorySampler) used() uint64 {
	current := s.probe()
	if current <= s.baseline {
		return 0
	}
	return current - s.baseline
}

// Stop ends sampling. It does not wait for the sampling goroutine, so it is
// safe to call from the breach callback, more than once, or before Start.
func (s *MemorySampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Done is closed when the sampling goroutine has exited.
func (s *MemorySampler) Done() <-chan struct{} {
	return s.done
}

// Peak returns the highest usage observed above the baseline.
func (s *MemorySampler) Peak() uint64 {
	return s.peak.Load()
}

// Breached reports whether the ceiling was crossed.
func (s *MemorySampler) Breached() bool {
	return s.breached.Load()
}
