package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/capability"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/governor"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
)

// Isolation modes.
const (
	IsolationWorker  = "worker"
	IsolationProcess = "process"
)

// Boundary is one provisioned isolation boundary: a runtime reachable over
// a transport and authenticated by a token.
type Boundary interface {
	ID() string
	Isolation() string
	Token() string
	Transport() protocol.Transport
	// Destroy tears the boundary down without waiting for the runtime to
	// cooperate. Safe to call more than once.
	Destroy() error
	// Done is closed once the runtime has stopped.
	Done() <-chan struct{}
}

// RuntimeConfig is what a provisioner needs to start a runtime.
type RuntimeConfig struct {
	Token  string
	Logger *zap.Logger
}

// Provisioner creates isolation boundaries.
type Provisioner interface {
	Isolation() string
	Provision(ctx context.Context, cfg RuntimeConfig) (Boundary, error)
}

// WorkerProvisioner runs each runtime on its own goroutine inside the
// current process, connected by an in-memory frame pipe.
type WorkerProvisioner struct {
	// Probe overrides the memory probe, mainly for tests.
	Probe governor.Probe
	// Capabilities overrides the denylist table.
	Capabilities []capability.Capability
	// SampleInterval is the runtime's default sampling period.
	SampleInterval time.Duration
}

func (WorkerProvisioner) Isolation() string { return IsolationWorker }

// NewProvisioner returns the provisioner for an isolation mode.
func NewProvisioner(isolation string) (Provisioner, error) {
	switch isolation {
	case "", IsolationWorker:
		return WorkerProvisioner{}, nil
	case IsolationProcess:
		return &ProcessProvisioner{}, nil
	}
	return nil, fmt.Errorf("sandbox: unknown isolation %q", isolation)
}
