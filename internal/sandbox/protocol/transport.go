package protocol

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrTransportClosed is returned by a transport after Close or once the
// peer has gone away.
var ErrTransportClosed = errors.New("transport closed")

// Transport moves encoded frames between a manager and a runtime.
type Transport interface {
	Send(frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// ChanTransport is one end of an in-memory frame pipe.
type ChanTransport struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected transports. Closing either end closes both.
func Pipe(buffer int) (*ChanTransport, *ChanTransport) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &ChanTransport{in: ba, out: ab, done: done, once: once},
		&ChanTransport{in: ab, out: ba, done: done, once: once}
}

func (t *ChanTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.out <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

func (t *ChanTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.in:
		return frame, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *ChanTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// StreamTransport carries length-prefixed frames over a byte stream, such
// as the stdio pipes of a child process.
type StreamTransport struct {
	writer *FrameWriter
	closer io.Closer

	frames chan []byte
	errc   chan error
	done   chan struct{}
	once   sync.Once
}

// NewStreamTransport starts reading frames from r. closer, if non-nil, is
// closed by Close.
func NewStreamTransport(r io.Reader, w io.Writer, closer io.Closer) *StreamTransport {
	t := &StreamTransport{
		writer: NewFrameWriter(w),
		closer: closer,
		frames: make(chan []byte, 16),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go t.readLoop(r)
	return t
}

func (t *StreamTransport) readLoop(r io.Reader) {
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			t.errc <- err
			return
		}
		select {
		case t.frames <- frame:
		case <-t.done:
			return
		}
	}
}

func (t *StreamTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	return t.writer.Write(frame)
}

// Recv returns the next frame. io.EOF means the peer closed the stream.
func (t *StreamTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-t.frames:
		return frame, nil
	case err := <-t.errc:
		// Keep the error visible to later callers.
		t.errc <- err
		return nil, err
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *StreamTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		if t.closer != nil {
			err = t.closer.Close()
		}
	})
	return err
}
