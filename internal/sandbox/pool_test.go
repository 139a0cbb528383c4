package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/resilience"
)

func newTestPool(t *testing.T, opts PoolOptions) *Pool {
	t.Helper()
	p := NewPool(opts)
	t.Cleanup(func() { p.Close() })
	return p
}

// isolatedWorkers is a worker provisioner whose runtimes do not share a
// memory reading, so pools may run them concurrently.
var isolatedWorkers = WorkerProvisioner{Probe: func() uint64 { return 0 }}

func TestPoolConcurrentExecutions(t *testing.T) {
	p := newTestPool(t, PoolOptions{Size: 3, Manager: Options{Provisioner: isolatedWorkers}})
	require.NoError(t, p.Warm(context.Background()))

	var wg sync.WaitGroup
	results := make(chan *ExecutionResult, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.Execute(context.Background(), ExecutionRequest{Code: "square(0, 0, 4);"})
			if assert.NoError(t, err) {
				results <- result
			}
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for result := range results {
		assert.Equal(t, StatusSuccess, result.Status)
		count++
	}
	assert.Equal(t, 6, count)

	stats := p.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 3, stats.Available)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, IsolationWorker, stats.Isolation)
	assert.Equal(t, resilience.StateClosed, stats.Breaker)
}

func TestPoolAcquireTimeout(t *testing.T) {
	metrics := monitoring.NewMetrics(nil)
	p := newTestPool(t, PoolOptions{Size: 1, AcquireTimeout: 50 * time.Millisecond})
	p.WithMetrics(metrics)

	m, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	p.Release(m)
	m, err = p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(m)
}

func TestPoolReleaseResets(t *testing.T) {
	p := newTestPool(t, PoolOptions{Size: 1})

	m, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), ExecutionRequest{Code: "throw 1"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, m.State())

	p.Release(m)
	assert.Equal(t, StatusIdle, m.State())
}

func TestPoolSizeWithSharedHeap(t *testing.T) {
	tests := []struct {
		name        string
		provisioner Provisioner
		want        int
	}{
		{"worker clamps", WorkerProvisioner{}, 1},
		{"worker pointer clamps", &WorkerProvisioner{}, 1},
		{"worker with memory reading", isolatedWorkers, 3},
		{"process", &fakeProvisioner{}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, PoolOptions{Size: 3, Manager: Options{Provisioner: tt.provisioner}})
			assert.Equal(t, tt.want, p.Stats().Size)
			assert.Len(t, p.managers, tt.want)
		})
	}
}

func TestPoolClosed(t *testing.T) {
	p := NewPool(PoolOptions{Size: 2})
	m, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.Execute(context.Background(), ExecutionRequest{Code: "1"})
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, p.Stats().Closed)

	p.Release(m)
	_, err = m.Execute(context.Background(), ExecutionRequest{Code: "1"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoolBreakerOpensOnLoadFailures(t *testing.T) {
	fake := &fakeProvisioner{fail: errors.New("no capacity")}
	p := newTestPool(t, PoolOptions{
		Size:    1,
		Manager: Options{Provisioner: fake},
		Breaker: resilience.Settings{
			Timeout: time.Minute,
			ReadyToTrip: func(c resilience.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		},
	})

	for i := 0; i < 3; i++ {
		_, err := p.Execute(context.Background(), ExecutionRequest{Code: "1"})
		var loadErr *LoadError
		require.ErrorAs(t, err, &loadErr)
	}
	stats := p.Stats()
	assert.Equal(t, resilience.StateOpen, stats.Breaker)
	require.NotNil(t, stats.BreakerRetryAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *stats.BreakerRetryAt, 5*time.Second)

	_, err := p.Execute(context.Background(), ExecutionRequest{Code: "1"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestPoolBreakerIgnoresSketchFailures(t *testing.T) {
	p := newTestPool(t, PoolOptions{
		Size: 1,
		Breaker: resilience.Settings{
			ReadyToTrip: func(c resilience.Counts) bool {
				return c.ConsecutiveFailures >= 1
			},
		},
	})

	for _, code := range []string{"throw new Error('x')", "while (true) {}", "fetch('/')"} {
		result, err := p.Execute(context.Background(), ExecutionRequest{Code: code})
		require.NoError(t, err)
		assert.NotEqual(t, StatusSuccess, result.Status)
	}
	assert.Equal(t, resilience.StateClosed, p.Stats().Breaker)

	_, err := p.Execute(context.Background(), ExecutionRequest{Code: string([]byte{0xff})})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, resilience.StateClosed, p.Stats().Breaker)
}

func TestPoolHistoryBound(t *testing.T) {
	p := newTestPool(t, PoolOptions{
		Size:    2,
		Manager: Options{HistoryCapacity: 4, Provisioner: isolatedWorkers},
	})

	for i := 0; i < 10; i++ {
		_, err := p.Execute(context.Background(), ExecutionRequest{Code: "line(0, 0, 1, 1);"})
		require.NoError(t, err)
	}

	history := p.History()
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].RecordedAt.Before(history[i-1].RecordedAt))
	}
	assert.Equal(t, 4, p.HistoryStats().Count)
}
