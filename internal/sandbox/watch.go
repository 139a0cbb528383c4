package sandbox

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/sandbox/protocol"
)

// Reasons a frame is dropped.
const (
	reasonUndecodable   = "undecodable"
	reasonVersion       = "unsupported_version"
	reasonUnknownType   = "unknown_type"
	reasonBadToken      = "bad_token"
	reasonWrongWay      = "wrong_direction"
	reasonStaleBoundary = "stale_boundary"
	reasonNotRunning    = "not_running"
	reasonStaleSession  = "stale_session"
	reasonBadPayload    = "bad_payload"
	reasonDuplicate     = "duplicate_terminal"
)

// watch reads frames from a boundary until it goes away.
func (m *Manager) watch(ctx context.Context, l *link) {
	defer close(l.gone)

	transport := l.boundary.Transport()
	for {
		frame, err := transport.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, protocol.ErrTransportClosed) {
				m.log.Warn("Boundary transport failed", zap.String("boundary", l.boundary.ID()), zap.Error(err))
			}
			return
		}
		m.dispatch(l, frame)
	}
}

// dispatch authenticates one frame and resolves the pending execution with
// it. Anything that does not belong to the running session is dropped.
func (m *Manager) dispatch(l *link, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		reason := reasonUndecodable
		switch {
		case errors.Is(err, protocol.ErrUnsupportedVersion):
			reason = reasonVersion
		case errors.Is(err, protocol.ErrUnknownType):
			reason = reasonUnknownType
		}
		m.drop(l, reason, err, zap.String("frame", protocol.Diagnose(frame)))
		return
	}
	if env.Source != l.boundary.Token() {
		m.drop(l, reasonBadToken, nil, zap.String("type", string(env.Type)))
		return
	}
	if env.Type.Inbound() {
		m.drop(l, reasonWrongWay, nil, zap.String("type", string(env.Type)))
		return
	}
	if env.Type == protocol.TypeReady {
		l.readyOnce.Do(func() { close(l.ready) })
		return
	}

	m.mu.Lock()
	current := m.link
	p := m.pending
	sessionID := m.session.ID
	m.mu.Unlock()

	switch {
	case current != l:
		m.drop(l, reasonStaleBoundary, nil, zap.String("type", string(env.Type)))
		return
	case p == nil:
		m.drop(l, reasonNotRunning, nil, zap.String("type", string(env.Type)))
		return
	case env.Session != sessionID:
		m.drop(l, reasonStaleSession, nil,
			zap.String("type", string(env.Type)),
			zap.String("frame_session", env.Session))
		return
	}

	out, err := translate(env)
	if err != nil {
		m.drop(l, reasonBadPayload, err, zap.String("type", string(env.Type)))
		return
	}
	if !p.deliver(out) {
		m.drop(l, reasonDuplicate, nil, zap.String("type", string(env.Type)))
	}
}

func (m *Manager) drop(l *link, reason string, err error, fields ...zap.Field) {
	m.protocolErrors.Add(1)
	if m.metrics != nil {
		m.metrics.RecordProtocolError(reason)
	}
	perr := &ProtocolError{Boundary: l.boundary.ID(), Reason: reason, Err: err}
	m.log.Warn("Dropping frame",
		append(fields, zap.String("boundary", l.boundary.ID()), zap.Error(perr))...)
}

// translate turns a terminal message into an outcome.
func translate(env protocol.Envelope) (outcome, error) {
	switch env.Type {
	case protocol.TypeSuccess:
		var msg protocol.Success
		if err := env.DecodePayload(&msg); err != nil {
			return outcome{}, err
		}
		return outcome{
			status: StatusSuccess,
			calls:  msg.FunctionCalls,
			memory: msg.MemoryUsedBytes,
			render: msg.Render,
		}, nil

	case protocol.TypeError:
		var msg protocol.Error
		if err := env.DecodePayload(&msg); err != nil {
			return outcome{}, err
		}
		return outcome{
			status: StatusError,
			calls:  msg.FunctionCalls,
			err:    &ExecutionError{Kind: KindException, Message: msg.Message, Stack: msg.Stack},
		}, nil

	case protocol.TypeMemoryLimit:
		var msg protocol.MemoryLimit
		if err := env.DecodePayload(&msg); err != nil {
			return outcome{}, err
		}
		return outcome{
			status: StatusMemoryLimit,
			memory: msg.UsedBytes,
			err:    &ExecutionError{Kind: KindMemoryLimit, Message: msg.Message},
		}, nil

	case protocol.TypeFunctionLimit:
		var msg protocol.FunctionLimit
		if err := env.DecodePayload(&msg); err != nil {
			return outcome{}, err
		}
		return outcome{
			status: StatusFunctionLimit,
			calls:  msg.FunctionCalls,
			err:    &ExecutionError{Kind: KindFunctionLimit, Message: msg.Message},
		}, nil

	case protocol.TypeTerminated:
		var msg protocol.Terminated
		if err := env.DecodePayload(&msg); err != nil {
			return outcome{}, err
		}
		return outcome{
			status: StatusTerminated,
			calls:  msg.FunctionCalls,
			err:    &ExecutionError{Kind: KindTerminated, Message: "execution terminated"},
		}, nil
	}
	return outcome{}, protocol.ErrUnknownType
}
