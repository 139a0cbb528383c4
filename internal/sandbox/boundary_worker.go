package sandbox

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/isolate"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
	"github.com/GriffinCanCode/sketchbox/internal/shared/id"
)

const workerPipeBuffer = 16

// Provision starts a runtime server on a new goroutine.
func (p WorkerProvisioner) Provision(_ context.Context, cfg RuntimeConfig) (Boundary, error) {
	managerEnd, runtimeEnd := protocol.Pipe(workerPipeBuffer)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	boundaryID := id.NewBoundaryID().String()

	server := isolate.NewServer(runtimeEnd, isolate.Options{
		Token:          cfg.Token,
		Logger:         logger.With(zap.String("boundary", boundaryID)),
		Probe:          p.Probe,
		Capabilities:   p.Capabilities,
		SampleInterval: p.SampleInterval,
	})

	// The runtime outlives the provisioning context; only Destroy stops it.
	ctx, cancel := context.WithCancel(context.Background())
	w := &workerBoundary{
		id:        boundaryID,
		token:     cfg.Token,
		transport: managerEnd,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		if err := server.Serve(ctx); err != nil {
			logger.Warn("Worker runtime stopped", zap.String("boundary", boundaryID), zap.Error(err))
		}
	}()
	return w, nil
}

type workerBoundary struct {
	id        string
	token     string
	transport *protocol.ChanTransport
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (w *workerBoundary) ID() string                    { return w.id }
func (w *workerBoundary) Isolation() string             { return IsolationWorker }
func (w *workerBoundary) Token() string                 { return w.token }
func (w *workerBoundary) Transport() protocol.Transport { return w.transport }
func (w *workerBoundary) Done() <-chan struct{}         { return w.done }

// Destroy cancels the runtime and closes the pipe. The VM goroutine is
// interrupted but not waited for; anything it sends afterwards is lost.
func (w *workerBoundary) Destroy() error {
	w.once.Do(func() {
		w.cancel()
		w.transport.Close()
	})
	return nil
}
