package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

const frameHeaderLength = 4

// MaxFrameSize bounds a single frame. A render with a large display list is
// the biggest message in practice.
const MaxFrameSize = 16 * 1024 * 1024

// WriteFrame writes [4 bytes big-endian length][frame] to w.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("frame length %d exceeds maximum %d", len(frame), MaxFrameSize)
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame) > 0 {
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("write frame body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame. io.EOF is returned
// unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", length, MaxFrameSize)
	}
	frame := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
	}
	return frame, nil
}

// FrameWriter serializes concurrent WriteFrame calls on one stream.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes one frame.
func (fw *FrameWriter) Write(frame []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return WriteFrame(fw.w, frame)
}
