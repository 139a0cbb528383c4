package isolate

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/capability"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/governor"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
)

const (
	DefaultRenderFrames = 1
	DefaultMaxCallStack = 1024

	// drainTimeout bounds how long a new execution waits for an
	// interrupted predecessor to unwind.
	drainTimeout = time.Second
)

// Options configures a runtime server.
type Options struct {
	// Token authenticates frames in both directions.
	Token string

	Logger         *zap.Logger
	Probe          governor.Probe
	Capabilities   []capability.Capability
	RenderFrames   int
	SampleInterval time.Duration
	MaxCallStack   int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Probe == nil {
		o.Probe = governor.HeapProbe
	}
	if o.Capabilities == nil {
		o.Capabilities = capability.Denylist
	}
	if o.RenderFrames <= 0 {
		o.RenderFrames = DefaultRenderFrames
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = governor.DefaultSampleInterval
	}
	if o.MaxCallStack <= 0 {
		o.MaxCallStack = DefaultMaxCallStack
	}
	return o
}

// Server is the isolated runtime. It reads control messages from a
// transport, runs each execute request on a fresh VM and answers with
// exactly one terminal message per request.
type Server struct {
	transport protocol.Transport
	opts      Options
	log       *zap.Logger
	sanitizer *bluemonday.Policy

	mu      sync.Mutex
	current *execution
}

// NewServer creates a runtime server on transport.
func NewServer(transport protocol.Transport, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		transport: transport,
		opts:      opts,
		log:       opts.Logger.With(zap.String("component", "isolate")),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Serve announces readiness and handles messages until ctx is cancelled or
// the transport closes. A running execution is terminated on return.
func (s *Server) Serve(ctx context.Context) error {
	defer s.stopCurrent()

	s.send(protocol.TypeReady, "", protocol.Ready{PID: os.Getpid()})
	s.log.Debug("Runtime ready")

	for {
		frame, err := s.transport.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrTransportClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handle(ctx, frame)
	}
}

func (s *Server) handle(ctx context.Context, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.log.Warn("Dropping undecodable frame", zap.Error(err))
		return
	}
	if env.Source != s.opts.Token {
		s.log.Warn("Dropping frame from unknown source", zap.String("type", string(env.Type)))
		return
	}

	switch env.Type {
	case protocol.TypeExecute:
		var req protocol.Execute
		if err := env.DecodePayload(&req); err != nil {
			s.send(protocol.TypeError, env.Session, protocol.Error{Message: err.Error()})
			return
		}
		s.execute(ctx, env.Session, req)
	case protocol.TypeTerminate:
		s.terminate(env.Session)
	default:
		s.log.Warn("Dropping unexpected message", zap.String("type", string(env.Type)))
	}
}

func (s *Server) execute(ctx context.Context, session string, req protocol.Execute) {
	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		default:
			prev.terminate()
			select {
			case <-prev.done:
			case <-ctx.Done():
				return
			case <-time.After(drainTimeout):
				s.log.Warn("Previous execution still unwinding", zap.String("session", prev.session))
			}
		}
	}

	e := s.newExecution(session, req)
	s.mu.Lock()
	s.current = e
	s.mu.Unlock()

	s.log.Debug("Execution started",
		zap.String("session", session),
		zap.Int("code_bytes", len(req.Code)),
		zap.Uint64("max_function_calls", e.counter.Max()))
	go e.run()
}

func (s *Server) terminate(session string) {
	s.mu.Lock()
	e := s.current
	s.mu.Unlock()

	if e == nil || (session != "" && e.session != session) {
		return
	}
	e.terminate()
}

func (s *Server) stopCurrent() {
	s.mu.Lock()
	e := s.current
	s.mu.Unlock()
	if e != nil {
		e.terminate()
	}
}

func (s *Server) send(typ protocol.Type, session string, payload any) {
	frame, err := protocol.Encode(typ, s.opts.Token, session, payload)
	if err != nil {
		s.log.Error("Failed to encode message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if err := s.transport.Send(frame); err != nil {
		s.log.Debug("Failed to send message", zap.String("type", string(typ)), zap.Error(err))
	}
}

// Wait blocks until the current execution, if any, has returned from the VM.
func (s *Server) Wait() {
	s.mu.Lock()
	e := s.current
	s.mu.Unlock()
	if e != nil {
		<-e.done
	}
}
