package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/isolate"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
	"github.com/GriffinCanCode/sketchbox/internal/shared/id"
)

// RuntimeTokenEnv carries the boundary token to a child runtime. The token
// is passed in the environment rather than argv so it does not show up in
// process listings.
const RuntimeTokenEnv = "SKETCHBOX_RUNTIME_TOKEN"

// ProcessProvisioner runs each runtime in a child process speaking
// length-prefixed frames over stdin and stdout.
type ProcessProvisioner struct {
	// Path is the executable to start. Defaults to the current executable.
	Path string
	// Args are passed to the executable. Defaults to {"runtime"}.
	Args []string
	// Env is added to the otherwise empty child environment.
	Env []string
}

func (*ProcessProvisioner) Isolation() string { return IsolationProcess }

// Provision starts the child. The ready handshake is left to the caller.
func (p *ProcessProvisioner) Provision(_ context.Context, cfg RuntimeConfig) (Boundary, error) {
	path := p.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate runtime executable: %w", err)
		}
		path = self
	}
	args := p.Args
	if args == nil {
		args = []string{"runtime"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	boundaryID := id.NewBoundaryID().String()
	logger = logger.With(zap.String("boundary", boundaryID))

	// Not exec.CommandContext: the child must outlive the provisioning
	// context and is stopped only through Destroy.
	cmd := exec.Command(path, args...)

	// Explicit minimal environment. A nil Env would inherit every secret
	// of the parent.
	cmd.Env = append([]string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		RuntimeTokenEnv + "=" + cfg.Token,
	}, p.Env...)
	configureChild(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime stdout: %w", err)
	}
	stderr := &zapio.Writer{Log: logger, Level: zap.DebugLevel}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	logger.Debug("Runtime process started", zap.Int("pid", cmd.Process.Pid))

	b := &processBoundary{
		id:        boundaryID,
		token:     cfg.Token,
		cmd:       cmd,
		transport: protocol.NewStreamTransport(stdout, stdin, stdin),
		done:      make(chan struct{}),
		log:       logger,
	}
	go b.wait(stderr)
	return b, nil
}

type processBoundary struct {
	id        string
	token     string
	cmd       *exec.Cmd
	transport *protocol.StreamTransport
	done      chan struct{}
	once      sync.Once
	log       *zap.Logger
}

func (b *processBoundary) ID() string                    { return b.id }
func (b *processBoundary) Isolation() string             { return IsolationProcess }
func (b *processBoundary) Token() string                 { return b.token }
func (b *processBoundary) Transport() protocol.Transport { return b.transport }
func (b *processBoundary) Done() <-chan struct{}         { return b.done }

func (b *processBoundary) wait(stderr io.Closer) {
	defer close(b.done)
	err := b.cmd.Wait()
	stderr.Close()
	b.transport.Close()
	if err != nil {
		b.log.Debug("Runtime process exited", zap.Error(err))
	}
}

// Destroy kills the child and its process group.
func (b *processBoundary) Destroy() error {
	var err error
	b.once.Do(func() {
		err = killChild(b.cmd)
		b.transport.Close()
	})
	select {
	case <-b.done:
	case <-time.After(time.Second):
		b.log.Warn("Runtime process did not exit after kill")
	}
	return err
}

// ServeRuntime is the body of the child runtime process: it serves the
// runtime protocol on r and w until r is closed or ctx is done.
func ServeRuntime(ctx context.Context, r io.Reader, w io.Writer, logger *zap.Logger) error {
	token := os.Getenv(RuntimeTokenEnv)
	if token == "" {
		return fmt.Errorf("%s is not set", RuntimeTokenEnv)
	}
	transport := protocol.NewStreamTransport(r, w, nil)
	defer transport.Close()

	server := isolate.NewServer(transport, isolate.Options{
		Token:  token,
		Logger: logger,
	})
	return server.Serve(ctx)
}
