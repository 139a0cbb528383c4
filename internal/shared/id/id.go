// Package id provides ID generation for the sandbox service.
//
// IDs are prefixed ULIDs: lexicographically sortable by creation time, with
// a short type prefix so logs stay readable (sess_*, exec_*, req_*).
// Boundary tokens are different: they authenticate frames, so they are
// random UUIDs with no time component.
package id

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SessionID identifies a sandbox session
type SessionID string

// ExecutionID identifies one execution
type ExecutionID string

// RequestID identifies an API request or trace span
type RequestID string

// BoundaryID identifies an isolation boundary
type BoundaryID string

// ConnectionID identifies a WebSocket connection
type ConnectionID string

const (
	SessionPrefix    = "sess"
	ExecutionPrefix  = "exec"
	RequestPrefix    = "req"
	BoundaryPrefix   = "bnd"
	ConnectionPrefix = "conn"
)

var ErrMalformed = errors.New("malformed id")

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand. IDs generated
// within the same millisecond stay ordered.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewExecutionID generates a new execution ID
func NewExecutionID() ExecutionID {
	return ExecutionID(Default().GenerateWithPrefix(ExecutionPrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewBoundaryID generates a new boundary ID
func NewBoundaryID() BoundaryID {
	return BoundaryID(Default().GenerateWithPrefix(BoundaryPrefix))
}

// NewConnectionID generates a new connection ID
func NewConnectionID() ConnectionID {
	return ConnectionID(Default().GenerateWithPrefix(ConnectionPrefix))
}

// NewToken returns an unguessable token for authenticating boundary frames.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (id SessionID) String() string    { return string(id) }
func (id ExecutionID) String() string  { return string(id) }
func (id RequestID) String() string    { return string(id) }
func (id BoundaryID) String() string   { return string(id) }
func (id ConnectionID) String() string { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Split separates a prefixed ID into its prefix and ULID.
func Split(prefixed string) (string, ulid.ULID, error) {
	prefix, raw, ok := strings.Cut(prefixed, "_")
	if !ok || prefix == "" {
		return "", ulid.ULID{}, fmt.Errorf("%w: %q", ErrMalformed, prefixed)
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return "", ulid.ULID{}, fmt.Errorf("%w: %q: %v", ErrMalformed, prefixed, err)
	}
	return prefix, parsed, nil
}

// Timestamp extracts the creation time from a bare or prefixed ID
func Timestamp(id string) (time.Time, error) {
	if strings.Contains(id, "_") {
		_, parsed, err := Split(id)
		if err != nil {
			return time.Time{}, err
		}
		return ulid.Time(parsed.Time()), nil
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
