// Package protocol defines the messages exchanged between the sandbox
// manager and an isolated runtime.
//
// Every message is a CBOR envelope {v, type, src, sid, payload}. The src
// field carries the random token of the boundary that produced the frame
// and sid the session it belongs to; the manager drops anything that does
// not match. On byte streams (the process boundary) envelopes are framed
// with a 4-byte big-endian length prefix.
package protocol
