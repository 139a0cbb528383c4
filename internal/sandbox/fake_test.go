package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
	"github.com/GriffinCanCode/sketchbox/internal/shared/id"
)

// fakeProvisioner hands out boundaries whose runtime side is scripted by
// the test.
type fakeProvisioner struct {
	// noReady suppresses the ready handshake.
	noReady bool
	// readyDelay holds back the ready handshake.
	readyDelay time.Duration
	// fail makes Provision return an error.
	fail error
	// onFrame handles every frame the manager sends.
	onFrame func(b *fakeBoundary, env protocol.Envelope)

	mu         sync.Mutex
	boundaries []*fakeBoundary
}

func (p *fakeProvisioner) Isolation() string { return "fake" }

func (p *fakeProvisioner) Provision(_ context.Context, cfg RuntimeConfig) (Boundary, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	managerEnd, runtimeEnd := protocol.Pipe(16)
	b := &fakeBoundary{
		id:        id.NewBoundaryID().String(),
		token:     cfg.Token,
		transport: managerEnd,
		runtime:   runtimeEnd,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	p.boundaries = append(p.boundaries, b)
	p.mu.Unlock()

	go func() {
		defer close(b.done)
		if !p.noReady {
			time.Sleep(p.readyDelay)
			b.send(protocol.TypeReady, "", protocol.Ready{})
		}
		for {
			frame, err := runtimeEnd.Recv(context.Background())
			if err != nil {
				return
			}
			env, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			b.received.Add(1)
			if p.onFrame != nil {
				p.onFrame(b, env)
			}
		}
	}()
	return b, nil
}

func (p *fakeProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.boundaries)
}

func (p *fakeProvisioner) last() *fakeBoundary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.boundaries[len(p.boundaries)-1]
}

type fakeBoundary struct {
	id        string
	token     string
	transport *protocol.ChanTransport
	runtime   *protocol.ChanTransport
	done      chan struct{}

	received  atomic.Int32
	destroyed atomic.Bool
	once      sync.Once
}

func (b *fakeBoundary) ID() string                    { return b.id }
func (b *fakeBoundary) Isolation() string             { return "fake" }
func (b *fakeBoundary) Token() string                 { return b.token }
func (b *fakeBoundary) Transport() protocol.Transport { return b.transport }
func (b *fakeBoundary) Done() <-chan struct{}         { return b.done }

func (b *fakeBoundary) Destroy() error {
	b.once.Do(func() {
		b.destroyed.Store(true)
		b.transport.Close()
	})
	return nil
}

// send emits a message from the runtime side, authenticated with the
// boundary token.
func (b *fakeBoundary) send(typ protocol.Type, session string, payload any) {
	frame, err := protocol.Encode(typ, b.token, session, payload)
	if err != nil {
		panic(err)
	}
	b.sendRaw(frame)
}

func (b *fakeBoundary) sendRaw(frame []byte) {
	if err := b.runtime.Send(frame); err != nil && !errors.Is(err, protocol.ErrTransportClosed) {
		panic(err)
	}
}

// crash simulates the runtime going away.
func (b *fakeBoundary) crash() {
	b.runtime.Close()
}
