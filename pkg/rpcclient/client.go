// Package rpcclient implements the SHV client control surface: a framing
// plus codec pair bound to a bidirectional transport, the control
// dispatcher (Destroy/Disconnect/Reset/NextMsg/ValidMsg/IgnoreMsg/SendMsg/
// DropMsg/Contrack/PollFd), and the login handshake.
package rpcclient

import (
	"fmt"
	"sync/atomic"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/cpon"
	"github.com/silicon-heaven/shvgo/pkg/framing"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
)

// Format selects the wire codec a Client packs/unpacks with.
type Format int

const (
	FormatChainPack Format = iota
	FormatCpon
)

// Closer is implemented by transports that can be torn down (net.Conn,
// *os.File, ...). Transports that can't (e.g. a fixed in-memory pipe used
// in tests) simply don't satisfy it, and Destroy/Disconnect become no-ops
// on the transport side.
type Closer interface {
	Close() error
}

// FdProvider is implemented by transports that expose a pollable file
// descriptor, for PollFd.
type FdProvider interface {
	Fd() (uintptr, bool)
}

// Client owns one framing+codec pair over a bidirectional transport.
type Client struct {
	framer    framing.Framer
	format    Format
	transport any // the rw passed to New, for Closer/FdProvider assertions
	contrack  bool

	lastErr  error
	requests atomic.Int64
}

// New wraps framer (already bound to transport rw) as a Client. contrack
// reports whether the underlying transport natively signals disconnects
// (true for stream sockets/Block framing, false for serial/CAN where a
// clean EOF can't be told apart from silence).
func New(framer framing.Framer, transport any, format Format, contrack bool) *Client {
	return &Client{framer: framer, format: format, transport: transport, contrack: contrack}
}

// NextMsg advances to the next message; see framing.Framer.NextMsg.
func (c *Client) NextMsg() (framing.Result, error) {
	res, err := c.framer.NextMsg()
	if err != nil {
		c.lastErr = err
	}
	return res, err
}

// ValidMsg finishes reading the current message and checks framing
// integrity.
func (c *Client) ValidMsg() (bool, error) {
	ok, err := c.framer.ValidMsg()
	if err != nil {
		c.lastErr = err
	}
	return ok, err
}

// IgnoreMsg discards the current message without verifying it.
func (c *Client) IgnoreMsg() error {
	err := c.framer.IgnoreMsg()
	if err != nil {
		c.lastErr = err
	}
	return err
}

// SendMsg commits the buffered outbound message.
func (c *Client) SendMsg() error {
	err := c.framer.SendMsg()
	if err != nil {
		c.lastErr = err
	}
	return err
}

// DropMsg abandons the buffered outbound message.
func (c *Client) DropMsg() error {
	return c.framer.DropMsg()
}

// Errno returns the last underlying I/O error, if any.
func (c *Client) Errno() error {
	return c.lastErr
}

// Contrack reports whether the transport reports disconnect natively.
func (c *Client) Contrack() bool {
	return c.contrack
}

// PollFd returns a file descriptor usable in a readiness loop, if the
// transport exposes one.
func (c *Client) PollFd() (uintptr, bool) {
	if fp, ok := c.transport.(FdProvider); ok {
		return fp.Fd()
	}
	return 0, false
}

// Disconnect stops I/O but keeps the Client reusable via Reset.
func (c *Client) Disconnect() error {
	if cl, ok := c.transport.(Closer); ok {
		return cl.Close()
	}
	return nil
}

// Reset clears the last error so the Client can be reused once the
// caller has re-established transport (by constructing a fresh Client
// over a new connection and swapping it in; this package does not retain
// enough transport-construction knowledge to reconnect itself).
func (c *Client) Reset() {
	c.lastErr = nil
}

// Destroy closes the transport and releases the Client.
func (c *Client) Destroy() error {
	return c.Disconnect()
}

// Unpacker returns a facade Unpacker reading the current message's
// payload, valid between NextMsg returning framing.ResultMessage and the
// following ValidMsg/IgnoreMsg.
func (c *Client) Unpacker() (rpcio.Unpacker, error) {
	r := c.framer.Reader()
	switch c.format {
	case FormatCpon:
		return cpon.NewReader(r)
	default:
		return rpcio.NewUnpacker(r), nil
	}
}

// Packer returns a facade Packer writing the outbound message's payload.
// Call SendMsg (or DropMsg to abandon) once finished.
func (c *Client) Packer() rpcio.Packer {
	w := c.framer.Writer()
	switch c.format {
	case FormatCpon:
		return cpon.NewWriter(w)
	default:
		return chainpack.NewWriter(w)
	}
}

// NextRequestID returns the next value from this Client's request id
// sequence, unique among its own in-flight requests toward this peer.
func (c *Client) NextRequestID() int64 {
	return c.requests.Add(1)
}

// errUnexpectedResult is returned when NextMsg settles on something other
// than a usable message where one was required.
func errUnexpectedResult(res framing.Result) error {
	return fmt.Errorf("rpcclient: unexpected framing result %s", res)
}
