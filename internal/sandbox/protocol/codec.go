package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrUnknownType        = errors.New("unknown message type")
	ErrMalformed          = errors.New("malformed frame")
)

// RawMessage is an encoded payload whose decoding is deferred until the
// envelope type is known.
type RawMessage = cbor.RawMessage

// encMode uses Core Deterministic Encoding so equal messages produce equal
// bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields. Payloads are bounded by the frame size,
// and nested depth is kept small since no message nests deeply.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  16,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewEnvelope builds an envelope carrying payload. A nil payload leaves the
// payload field empty.
func NewEnvelope(typ Type, source, session string, payload any) (Envelope, error) {
	env := Envelope{
		Version: Version,
		Type:    typ,
		Source:  source,
		Session: session,
	}
	if payload != nil {
		data, err := encMode.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Encode builds an envelope and returns its wire bytes.
func Encode(typ Type, source, session string, payload any) ([]byte, error) {
	env, err := NewEnvelope(typ, source, session, payload)
	if err != nil {
		return nil, err
	}
	return Marshal(env)
}

// Marshal encodes an envelope.
func Marshal(env Envelope) ([]byte, error) {
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates an envelope. The payload is left encoded.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version != Version {
		return env, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	if !env.Type.Valid() {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// DecodePayload decodes the envelope payload into v. An empty payload
// leaves v untouched.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := decMode.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Diagnose renders an encoded frame in CBOR diagnostic notation for logs.
func Diagnose(data []byte) string {
	out, err := cbor.Diagnose(data)
	if err != nil {
		return fmt.Sprintf("<undecodable %d bytes>", len(data))
	}
	return out
}
