// Package framing implements the stream framings that carry ChainPack
// messages over a byte-oriented transport: length-prefixed blocks (TCP),
// byte-stuffed serial (Unix sockets, with an optional CRC trailer), and
// a CAN multi-frame variant. Every framing exposes the same Framer
// contract so pkg/rpcclient can drive any of them identically.
package framing

import (
	"errors"
	"io"
)

// Result classifies what NextMsg found.
type Result int

const (
	// ResultNothing means no complete message is available right now
	// (clean EOF at a frame boundary, or the underlying read would block).
	ResultNothing Result = iota
	// ResultMessage means a message payload is ready to be read via Reader.
	ResultMessage
	// ResultReset means the peer signalled a reset; any pending requests
	// toward it should be treated as abandoned.
	ResultReset
)

func (r Result) String() string {
	switch r {
	case ResultMessage:
		return "message"
	case ResultReset:
		return "reset"
	default:
		return "nothing"
	}
}

// ErrAborted is returned by a Reader's Read when the peer aborted the
// message in-band (serial ATX) before finishing it.
var ErrAborted = errors.New("framing: message aborted")

// ErrInvalidFrame marks a framing-level decode failure (bad escape
// sequence, malformed length prefix) that invalidates the current message
// without necessarily being fatal to the connection.
var ErrInvalidFrame = errors.New("framing: invalid frame")

// ErrMessageTooLarge is returned by NextMsg when a framing that enforces
// a maximum message size (see Block.SetMaxMessageSize) sees a declared
// length beyond that bound. Unlike ErrInvalidFrame, the stream position
// is no longer trustworthy and the connection should be closed.
var ErrMessageTooLarge = errors.New("framing: message exceeds configured maximum size")

// Framer is the shared contract every framing exposes: advance to a
// message, read its payload, confirm or discard it, and symmetrically
// buffer then commit or abandon an outbound one.
type Framer interface {
	// NextMsg advances past any unread remainder of the previous message
	// and looks for the next one.
	NextMsg() (Result, error)
	// ValidMsg finishes reading the current message (draining any bytes
	// the caller didn't consume) and reports whether framing integrity
	// held (escape sequences well-formed, CRC correct if present).
	ValidMsg() (bool, error)
	// IgnoreMsg discards the current message without checking integrity.
	IgnoreMsg() error
	// Reader reads the current message's unescaped/unframed payload.
	// Valid only between a NextMsg that returned ResultMessage and the
	// following ValidMsg/IgnoreMsg.
	Reader() io.Reader
	// Writer buffers bytes of the outbound message's payload. The first
	// write after NextMsg/SendMsg opens a fresh payload.
	Writer() io.Writer
	// SendMsg commits the buffered outbound payload as a complete frame.
	SendMsg() error
	// DropMsg abandons the buffered outbound payload, emitting an
	// in-band abort where the framing supports one.
	DropMsg() error
}
