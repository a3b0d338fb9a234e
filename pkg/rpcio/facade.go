// Package rpcio is the format-agnostic generic pack/unpack facade: every
// higher layer (messages, handler, broker) programs against Packer/
// Unpacker instead of importing chainpack or cpon directly, so a message
// can be read from the wire as ChainPack and logged as CPON (or vice
// versa) without duplicating dispatch logic.
package rpcio

import (
	"fmt"
	"io"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/cpon"
)

// Packer is satisfied by both chainpack.Writer and cpon.Writer.
type Packer interface {
	PackNull() (int, error)
	PackBool(bool) (int, error)
	PackInt(int64) (int, error)
	PackUInt(uint64) (int, error)
	PackDouble(float64) (int, error)
	PackDecimal(chainpack.Decimal) (int, error)
	PackDateTime(chainpack.DateTime) (int, error)
	PackBlob([]byte) (int, error)
	PackString(string) (int, error)
	ListBegin() (int, error)
	MapBegin() (int, error)
	IMapBegin() (int, error)
	MetaBegin() (int, error)
	ContainerEnd() (int, error)
	Pack(*chainpack.Item) (int, error)
}

// Unpacker is the common read side. chainpack.Reader and cpon.Reader both
// satisfy it (the latter directly; the former via ChainpackUnpacker since
// its Unpack additionally reports bytes consumed).
type Unpacker interface {
	Unpack(item *chainpack.Item) error
}

// ChainpackUnpacker adapts a *chainpack.Reader to Unpacker.
type ChainpackUnpacker struct{ *chainpack.Reader }

func (c ChainpackUnpacker) Unpack(item *chainpack.Item) error {
	_, err := c.Reader.Unpack(item)
	return err
}

// NewUnpacker wraps r as a chainpack Unpacker.
func NewUnpacker(r io.Reader) Unpacker {
	return ChainpackUnpacker{chainpack.NewReader(r)}
}

// NewCponUnpacker wraps r as a CPON Unpacker.
func NewCponUnpacker(r io.Reader) (Unpacker, error) {
	return cpon.NewReader(r)
}

var _ Packer = (*chainpack.Writer)(nil)
var _ Packer = (*cpon.Writer)(nil)
var _ Unpacker = (*cpon.Reader)(nil)

// Skip advances past the current (possibly nested) item. If item is
// already a container opener, Skip reads and discards everything up to and
// including its matching ContainerEnd; if item is a chunked string/blob
// that is not yet Last, Skip is equivalent to Drop.
func Skip(u Unpacker, item *chainpack.Item) error {
	if err := Drop(u, item); err != nil {
		return err
	}
	depth := 0
	switch item.Type {
	case chainpack.TypeList, chainpack.TypeMap, chainpack.TypeIMap, chainpack.TypeMeta:
		depth = 1
	default:
		return nil
	}
	for depth > 0 {
		if err := u.Unpack(item); err != nil {
			return err
		}
		switch item.Type {
		case chainpack.TypeList, chainpack.TypeMap, chainpack.TypeIMap, chainpack.TypeMeta:
			depth++
		case chainpack.TypeContainerEnd:
			depth--
		case chainpack.TypeBlob, chainpack.TypeString:
			if err := Drop(u, item); err != nil {
				return err
			}
		case chainpack.TypeInvalid:
			return item.ErrorKind
		}
	}
	return nil
}

// Drop finishes reading the current partial string/blob without retaining
// the bytes; a no-op for any other item type.
func Drop(u Unpacker, item *chainpack.Item) error {
	for (item.Type == chainpack.TypeBlob || item.Type == chainpack.TypeString) && !item.Flags.Has(chainpack.Last) {
		item.Blob = nil // force a full-remaining read on the next Unpack
		if err := u.Unpack(item); err != nil {
			return err
		}
	}
	return nil
}

// MemDup reads a whole (possibly chunked) Blob/String item into a single
// newly-allocated buffer. maxLen bounds the total size read; 0 means
// unbounded.
func MemDup(u Unpacker, item *chainpack.Item, maxLen int) ([]byte, error) {
	var out []byte
	for {
		if maxLen > 0 && len(out)+len(item.Blob) > maxLen {
			return nil, fmt.Errorf("rpcio: value exceeds %d bytes", maxLen)
		}
		out = append(out, item.Blob...)
		if item.Flags.Has(chainpack.Last) {
			return out, nil
		}
		item.Blob = nil
		if err := u.Unpack(item); err != nil {
			return nil, err
		}
	}
}

// StrDup is MemDup for String items, returning a Go string.
func StrDup(u Unpacker, item *chainpack.Item, maxLen int) (string, error) {
	b, err := MemDup(u, item, maxLen)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MemCpy streams a Blob/String value into a fixed caller buffer, returning
// the number of bytes written and whether the value was truncated because
// buf was too small.
func MemCpy(u Unpacker, item *chainpack.Item, buf []byte) (n int, truncated bool, err error) {
	for {
		c := copy(buf[n:], item.Blob)
		n += c
		if c < len(item.Blob) {
			truncated = true
		}
		if item.Flags.Has(chainpack.Last) {
			return n, truncated, nil
		}
		item.Blob = nil
		if err := u.Unpack(item); err != nil {
			return n, truncated, err
		}
	}
}

// Fopen adapts the current (possibly chunked) string/blob item to an
// io.Reader for caller-side streaming/text processing, reading further
// chunks from u as needed.
func Fopen(u Unpacker, item *chainpack.Item) io.Reader {
	return &chunkReader{u: u, item: item}
}

type chunkReader struct {
	u    Unpacker
	item *chainpack.Item
	off  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for c.off >= len(c.item.Blob) {
		if c.item.Flags.Has(chainpack.Last) {
			return 0, io.EOF
		}
		c.item.Blob = nil
		if err := c.u.Unpack(c.item); err != nil {
			return 0, err
		}
		c.off = 0
	}
	n := copy(p, c.item.Blob[c.off:])
	c.off += n
	return n, nil
}

// ForList iterates the children of a List item just opened, calling fn for
// each until ContainerEnd. fn receives the shared scratch item; it must not
// retain it across calls.
func ForList(u Unpacker, item *chainpack.Item, fn func(*chainpack.Item) error) error {
	for {
		if err := u.Unpack(item); err != nil {
			return err
		}
		if item.Type == chainpack.TypeContainerEnd {
			return nil
		}
		if item.Type == chainpack.TypeInvalid {
			return item.ErrorKind
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}

// ForMap iterates the key/value pairs of a just-opened Map, calling fn with
// the decoded string key and leaving item positioned at the value.
func ForMap(u Unpacker, item *chainpack.Item, fn func(key string, val *chainpack.Item) error) error {
	for {
		if err := u.Unpack(item); err != nil {
			return err
		}
		if item.Type == chainpack.TypeContainerEnd {
			return nil
		}
		if item.Type != chainpack.TypeString {
			return fmt.Errorf("rpcio: map key must be a string, got %s", item.Type)
		}
		key, err := StrDup(u, item, 0)
		if err != nil {
			return err
		}
		if err := u.Unpack(item); err != nil {
			return err
		}
		if err := fn(key, item); err != nil {
			return err
		}
	}
}

// ForIMap iterates the key/value pairs of a just-opened IMap, calling fn
// with the decoded integer key and leaving item positioned at the value.
func ForIMap(u Unpacker, item *chainpack.Item, fn func(key int64, val *chainpack.Item) error) error {
	for {
		if err := u.Unpack(item); err != nil {
			return err
		}
		if item.Type == chainpack.TypeContainerEnd {
			return nil
		}
		var key int64
		switch item.Type {
		case chainpack.TypeInt:
			key = item.Int
		case chainpack.TypeUInt:
			key = int64(item.UInt)
		default:
			return fmt.Errorf("rpcio: imap key must be an integer, got %s", item.Type)
		}
		if err := u.Unpack(item); err != nil {
			return err
		}
		if err := fn(key, item); err != nil {
			return err
		}
	}
}

// ForItem is the single-item degenerate case of For*: it simply unpacks
// the next item, useful where callers want the uniform iteration naming
// from the spec's facade alongside ForList/ForMap/ForIMap.
func ForItem(u Unpacker, item *chainpack.Item) error {
	return u.Unpack(item)
}

// CopyAll replays the next item (and, if it is a container, everything up
// to its matching ContainerEnd) from u onto p verbatim; used by the broker
// to re-emit a message body it doesn't interpret, including unknown meta
// tags, unchanged.
func CopyAll(u Unpacker, p Packer, item *chainpack.Item) error {
	if err := u.Unpack(item); err != nil {
		return err
	}
	return copyItem(u, p, item)
}

// CopyItem is CopyAll for an item a caller has already unpacked (e.g. a
// message's content value, positioned by rpcmsg.UnpackMessage before the
// caller decides whether to interpret or forward it): it replays item (and
// its subtree, if a container) onto p without reading a fresh item first.
func CopyItem(u Unpacker, p Packer, item *chainpack.Item) error {
	return copyItem(u, p, item)
}

func copyItem(u Unpacker, p Packer, item *chainpack.Item) error {
	switch item.Type {
	case chainpack.TypeList, chainpack.TypeMap, chainpack.TypeIMap, chainpack.TypeMeta:
		if _, err := p.Pack(item); err != nil {
			return err
		}
		for {
			if err := u.Unpack(item); err != nil {
				return err
			}
			if item.Type == chainpack.TypeContainerEnd {
				_, err := p.ContainerEnd()
				return err
			}
			if err := copyItem(u, p, item); err != nil {
				return err
			}
		}
	case chainpack.TypeBlob, chainpack.TypeString:
		data, err := MemDup(u, item, 0)
		if err != nil {
			return err
		}
		if item.Type == chainpack.TypeBlob {
			_, err = p.PackBlob(data)
		} else {
			_, err = p.PackString(string(data))
		}
		return err
	default:
		_, err := p.Pack(item)
		return err
	}
}
