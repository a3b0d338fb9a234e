package framing

import (
	"io"

	"github.com/silicon-heaven/shvgo/pkg/bufpool"
	"github.com/silicon-heaven/shvgo/pkg/chainpack"
)

const (
	blockProtoReset     = 0
	blockProtoChainPack = 1
)

// Block is length-prefixed block framing: a ChainPack-encoded unsigned
// length, a protocol-identifier byte, then length-1 payload bytes.
//
// The length must precede the payload on the wire, so outbound messages
// are buffered in full before SendMsg; there is no in-band abort, a
// half-written block is unrecoverable (the spec leaves this to a
// partial-send timeout at the transport level, outside this package).
type Block struct {
	rw io.ReadWriter

	pending uint64 // unread payload bytes remaining in the current frame

	pool *bufpool.Pool // nil: wbuf grows by plain append, never pooled
	wbuf []byte

	maxSize uint64 // 0: unbounded
}

// SetMaxMessageSize bounds the payload length NextMsg will accept before
// failing the connection with ErrMessageTooLarge, protecting the broker
// from a peer claiming an unreasonably large block. 0 means unbounded.
func (b *Block) SetMaxMessageSize(n uint64) {
	b.maxSize = n
}

// NewBlock wraps rw with block framing. The outbound buffer grows by
// plain allocation; use NewBlockPooled for a connection that should draw
// its write buffer from a shared pool instead.
func NewBlock(rw io.ReadWriter) *Block {
	return &Block{rw: rw}
}

// NewBlockPooled wraps rw with block framing whose outbound buffer is
// acquired from pool per message and returned once sent or dropped,
// rather than growing a dedicated allocation for the lifetime of the
// connection. Intended for a broker holding many concurrent client
// connections, where per-connection buffers would otherwise pin memory
// proportional to connection count rather than in-flight message count.
func NewBlockPooled(rw io.ReadWriter, pool *bufpool.Pool) *Block {
	return &Block{rw: rw, pool: pool}
}

func (b *Block) NextMsg() (Result, error) {
	for {
		length, _, err := chainpack.ReadVarUint(b.rw)
		if err != nil {
			if err == io.EOF {
				return ResultNothing, nil
			}
			return ResultNothing, err
		}
		if length == 0 {
			return ResultNothing, ErrInvalidFrame
		}
		if b.maxSize != 0 && length-1 > b.maxSize {
			return ResultNothing, ErrMessageTooLarge
		}
		var proto [1]byte
		if _, err := io.ReadFull(b.rw, proto[:]); err != nil {
			return ResultNothing, err
		}
		b.pending = length - 1
		switch proto[0] {
		case blockProtoReset:
			if err := b.discard(); err != nil {
				return ResultNothing, err
			}
			return ResultReset, nil
		case blockProtoChainPack:
			return ResultMessage, nil
		default:
			// Unrecognized protocol id: ignored, per the framing contract.
			if err := b.discard(); err != nil {
				return ResultNothing, err
			}
		}
	}
}

func (b *Block) discard() error {
	if b.pending == 0 {
		return nil
	}
	n, err := io.CopyN(io.Discard, b.rw, int64(b.pending))
	b.pending -= uint64(n)
	return err
}

func (b *Block) ValidMsg() (bool, error) {
	if err := b.discard(); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Block) IgnoreMsg() error {
	return b.discard()
}

func (b *Block) Reader() io.Reader {
	return &blockReader{b: b}
}

type blockReader struct{ b *Block }

func (r *blockReader) Read(p []byte) (int, error) {
	if r.b.pending == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > r.b.pending {
		p = p[:r.b.pending]
	}
	n, err := r.b.rw.Read(p)
	r.b.pending -= uint64(n)
	return n, err
}

func (b *Block) Writer() io.Writer {
	return blockWriter{b: b}
}

type blockWriter struct{ b *Block }

func (w blockWriter) Write(p []byte) (int, error) {
	b := w.b
	if b.wbuf == nil && b.pool != nil {
		b.wbuf = b.pool.Get(bufpool.DefaultSmallSize)[:0]
	}
	b.wbuf = append(b.wbuf, p...)
	return len(p), nil
}

func (b *Block) SendMsg() error {
	defer b.releaseWbuf()
	if _, err := chainpack.WriteVarUint(b.rw, uint64(len(b.wbuf)+1)); err != nil {
		return err
	}
	if _, err := b.rw.Write([]byte{blockProtoChainPack}); err != nil {
		return err
	}
	_, err := b.rw.Write(b.wbuf)
	return err
}

func (b *Block) DropMsg() error {
	b.releaseWbuf()
	return nil
}

// releaseWbuf resets the write buffer for the next message: returned to
// the pool and cleared when pooled, or just truncated to reuse its
// existing backing array otherwise.
func (b *Block) releaseWbuf() {
	if b.pool != nil {
		if b.wbuf != nil {
			b.pool.Put(b.wbuf[:cap(b.wbuf)])
		}
		b.wbuf = nil
		return
	}
	b.wbuf = b.wbuf[:0]
}

var _ Framer = (*Block)(nil)
