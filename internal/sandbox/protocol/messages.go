package protocol

// Version is the only envelope version this package speaks.
const Version = 1

// Type identifies a message.
type Type string

// Manager to runtime
const (
	TypeExecute   Type = "execute"
	TypeTerminate Type = "terminate"
)

// Runtime to manager
const (
	TypeReady         Type = "ready"
	TypeSuccess       Type = "success"
	TypeError         Type = "error"
	TypeMemoryLimit   Type = "memory_limit"
	TypeFunctionLimit Type = "function_limit"
	TypeTerminated    Type = "terminated"
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	switch t {
	case TypeExecute, TypeTerminate, TypeReady, TypeSuccess, TypeError,
		TypeMemoryLimit, TypeFunctionLimit, TypeTerminated:
		return true
	}
	return false
}

// Terminal reports whether t resolves an execution.
func (t Type) Terminal() bool {
	switch t {
	case TypeSuccess, TypeError, TypeMemoryLimit, TypeFunctionLimit, TypeTerminated:
		return true
	}
	return false
}

// Inbound reports whether t travels from the manager to the runtime.
func (t Type) Inbound() bool {
	return t == TypeExecute || t == TypeTerminate
}

// Envelope wraps every message on the wire.
type Envelope struct {
	Version int        `cbor:"v"`
	Type    Type       `cbor:"type"`
	Source  string     `cbor:"src"`
	Session string     `cbor:"sid,omitempty"`
	Payload RawMessage `cbor:"payload,omitempty"`
}

// Execute asks the runtime to run code under the given limits. Zero values
// for the optional fields select the runtime's defaults.
type Execute struct {
	Code             string `cbor:"code"`
	MemoryLimitBytes uint64 `cbor:"memory_limit_bytes"`
	MaxFunctionCalls uint64 `cbor:"max_function_calls"`
	RenderFrames     int    `cbor:"render_frames,omitempty"`
	SampleIntervalMS int64  `cbor:"sample_interval_ms,omitempty"`
	MaxCallStack     int    `cbor:"max_call_stack,omitempty"`
}

// Terminate asks the runtime to stop the running execution.
type Terminate struct{}

// Ready announces that a runtime finished booting.
type Ready struct {
	PID int `cbor:"pid,omitempty"`
}

// Success reports a completed execution.
type Success struct {
	FunctionCalls   uint64  `cbor:"function_calls"`
	MemoryUsedBytes uint64  `cbor:"memory_used_bytes"`
	Render          *Render `cbor:"render,omitempty"`
}

// Error reports an uncaught error, including syntax errors.
type Error struct {
	Message       string `cbor:"message"`
	Stack         string `cbor:"stack,omitempty"`
	FunctionCalls uint64 `cbor:"function_calls"`
}

// MemoryLimit reports a breach of the memory ceiling.
type MemoryLimit struct {
	Message    string `cbor:"message"`
	UsedBytes  uint64 `cbor:"used_bytes"`
	LimitBytes uint64 `cbor:"limit_bytes"`
}

// FunctionLimit reports a breach of the call-count ceiling.
type FunctionLimit struct {
	Message       string `cbor:"message"`
	FunctionCalls uint64 `cbor:"function_calls"`
}

// Terminated acknowledges a terminate request.
type Terminated struct {
	FunctionCalls uint64 `cbor:"function_calls"`
}

// Render is the output of a successful execution. The json tags double as
// cbor keys.
type Render struct {
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	Frames   int            `json:"frames"`
	Commands []DrawCommand  `json:"commands"`
	Console  []ConsoleEntry `json:"console,omitempty"`
}

// DrawCommand is one entry of the display list.
type DrawCommand struct {
	Op   string    `json:"op"`
	Args []float64 `json:"args,omitempty"`
	Text string    `json:"text,omitempty"`
}

// ConsoleEntry is one captured console call.
type ConsoleEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
