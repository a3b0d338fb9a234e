package chainpack

import (
	"encoding/binary"
	"io"
	"math"
)

// Reader unpacks ChainPack Items from an underlying io.Reader.
//
// A Reader is not safe for concurrent use. Blob/String values may be read
// piecewise: if item.Blob has a non-zero capacity on entry, Unpack fills at
// most that much and leaves Flags without Last until the value is
// exhausted: callers drive further chunks by calling Unpack again with the
// same Item. BlobChain/CString values (unknown length up front) are always
// read this way, one wire fragment at a time.
type Reader struct {
	r io.Reader
}

// NewReader returns a Reader that unpacks from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) readByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unpack reads the next Item. See the Reader doc comment for the
// Blob/String continuation contract.
func (r *Reader) Unpack(item *Item) (int, error) {
	if (item.Type == TypeBlob || item.Type == TypeString) && !item.Flags.Has(Last) {
		return r.continueChunk(item)
	}
	head, err := r.readByte()
	if err != nil {
		item.Invalidate(classifyErr(err))
		return 0, err
	}
	if head < schemeNull {
		if head&0x40 != 0 {
			item.Type = TypeInt
			item.Int = int64(head & 0x3f)
		} else {
			item.Type = TypeUInt
			item.UInt = uint64(head)
		}
		return 1, nil
	}
	switch head {
	case schemeNull:
		item.Type = TypeNull
		return 1, nil
	case schemeFalse:
		item.Type = TypeBool
		item.Bool = false
		return 1, nil
	case schemeTrue:
		item.Type = TypeBool
		item.Bool = true
		return 1, nil
	case schemeUInt:
		v, n, err := r.unpackUintData()
		if err != nil {
			item.Invalidate(classifyErr(err))
			return 1, err
		}
		item.Type = TypeUInt
		item.UInt = v
		return 1 + n, nil
	case schemeInt:
		v, n, err := r.unpackIntData()
		if err != nil {
			item.Invalidate(classifyErr(err))
			return 1, err
		}
		item.Type = TypeInt
		item.Int = v
		return 1 + n, nil
	case schemeDouble:
		buf, err := r.readFull(8)
		if err != nil {
			item.Invalidate(classifyErr(err))
			return 1, err
		}
		item.Type = TypeDouble
		item.Double = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		return 1 + 8, nil
	case schemeDecimal:
		mant, n1, err := r.unpackIntData()
		if err != nil {
			item.Invalidate(classifyErr(err))
			return 1, err
		}
		exp, n2, err := r.unpackIntData()
		if err != nil {
			item.Invalidate(classifyErr(err))
			return 1 + n1, err
		}
		item.Type = TypeDecimal
		item.Decimal = Decimal{Mantissa: mant, Exponent: int8(exp)}
		return 1 + n1 + n2, nil
	case schemeDateTime:
		v, n, err := r.unpackIntData()
		if err != nil {
			item.Invalidate(classifyErr(err))
			return 1, err
		}
		item.Type = TypeDateTime
		item.DateTime = decodeDateTime(v)
		return 1 + n, nil
	case schemeBlob, schemeBlobChain:
		return r.unpackBlobLike(item, TypeBlob, head == schemeBlobChain)
	case schemeString, schemeCString:
		if head == schemeCString {
			return r.unpackCString(item)
		}
		return r.unpackBlobLike(item, TypeString, false)
	case schemeList:
		item.Type = TypeList
		return 1, nil
	case schemeMap:
		item.Type = TypeMap
		return 1, nil
	case schemeIMap:
		item.Type = TypeIMap
		return 1, nil
	case schemeMetaMap:
		item.Type = TypeMeta
		return 1, nil
	case schemeTerm:
		item.Type = TypeContainerEnd
		return 1, nil
	case schemeDateTimeEpochDepr:
		item.Invalidate(ErrMalformed)
		return 1, ErrMalformed
	default:
		item.Invalidate(ErrMalformed)
		return 1, ErrMalformed
	}
}

func classifyErr(err error) ErrorKind {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrEOF
	}
	return ErrIO
}

func decodeDateTime(v int64) DateTime {
	hasOffset := v&1 != 0
	noMsec := v&2 != 0
	v >>= 2
	offsetMinutes := 0
	if hasOffset {
		raw := int(v & 0x7f)
		if raw >= 64 {
			raw -= 128
		}
		offsetMinutes = raw * 15
		v >>= 7
	}
	if noMsec {
		v *= 1000
	}
	return DateTime{UnixMilli: v + SHVEpochMilli, OffsetMinutes: offsetMinutes}
}

// unpackBlobLike reads the first chunk of a Blob/String value: the
// length-prefix (for the bounded form) then as much of the payload as fits
// in item.Blob's existing capacity, or all of it when item.Blob is nil.
func (r *Reader) unpackBlobLike(item *Item, t Type, streamed bool) (int, error) {
	item.Type = t
	item.Flags = First
	if streamed {
		item.Flags |= Streamed
		n, err := r.readFragmentLen(item)
		return 1 + n, err
	}
	length, n, err := r.unpackUintData()
	if err != nil {
		item.Invalidate(classifyErr(err))
		return 1, err
	}
	item.Remaining = length
	m, err := r.fillChunk(item)
	return 1 + n + m, err
}

// readFragmentLen reads one BlobChain/CString-chain fragment's length and
// sets item.Remaining/Flags accordingly, then fills the chunk.
func (r *Reader) readFragmentLen(item *Item) (int, error) {
	length, n, err := r.unpackUintData()
	if err != nil {
		item.Invalidate(classifyErr(err))
		return n, err
	}
	if length == 0 {
		item.Blob = item.Blob[:0]
		item.Remaining = 0
		item.Flags |= Last
		return n, nil
	}
	item.Remaining = length
	m, err := r.fillChunk(item)
	return n + m, err
}

// fillChunk reads into item.Blob up to its existing capacity (or all of
// item.Remaining when Blob has none), decrementing Remaining and setting
// Last once a full segment is read (and, for streamed values, once the
// zero-length terminator fragment is observed).
func (r *Reader) fillChunk(item *Item) (int, error) {
	want := item.Remaining
	// Each BlobChain/CString-chain fragment's length is self-contained on
	// the wire; splitting a fragment read across calls would desync the
	// next fragment-length read. Only the bounded form (known total length
	// up front) honors the caller's buffer size as a chunk-size hint.
	if !item.Flags.Has(Streamed) && cap(item.Blob) > 0 && uint64(cap(item.Blob)) < want {
		want = uint64(cap(item.Blob))
	}
	buf := make([]byte, want)
	if want > 0 {
		if _, err := io.ReadFull(r.r, buf); err != nil {
			item.Invalidate(classifyErr(err))
			return 0, err
		}
	}
	item.Blob = buf
	item.Remaining -= want
	if item.Remaining == 0 {
		if item.Flags.Has(Streamed) {
			// advance to the next fragment to discover whether this was
			// the chain's last one.
			n, err := r.readFragmentLenNoFill(item)
			return int(want) + n, err
		}
		item.Flags |= Last
	}
	return int(want), nil
}

// readFragmentLenNoFill peeks the next BlobChain fragment header; if it is
// the zero-length terminator, Last is set and no bytes remain pending.
// Otherwise item.Remaining is primed for the next fillChunk call and Last
// stays unset so the caller knows to call Unpack again.
func (r *Reader) readFragmentLenNoFill(item *Item) (int, error) {
	length, n, err := r.unpackUintData()
	if err != nil {
		item.Invalidate(classifyErr(err))
		return n, err
	}
	if length == 0 {
		item.Flags |= Last
		return n, nil
	}
	item.Remaining = length
	return n, nil
}

// continueChunk resumes an in-progress Blob/String value on a later
// Unpack call.
func (r *Reader) continueChunk(item *Item) (int, error) {
	item.Flags &^= First
	return r.fillChunk(item)
}

// unpackCString reads a NUL-terminated, backslash-escaped string in a
// single call (CString values are small by convention in SHV, e.g. login
// nonces and short control strings).
func (r *Reader) unpackCString(item *Item) (int, error) {
	item.Type = TypeString
	item.Flags = First | Last
	var out []byte
	n := 0
	for {
		b, err := r.readByte()
		if err != nil {
			item.Invalidate(classifyErr(err))
			return n, err
		}
		n++
		if b == 0 {
			break
		}
		if b == '\\' {
			esc, err := r.readByte()
			if err != nil {
				item.Invalidate(classifyErr(err))
				return n, err
			}
			n++
			switch esc {
			case '0':
				out = append(out, 0)
			case '\\':
				out = append(out, '\\')
			default:
				out = append(out, esc)
			}
			continue
		}
		out = append(out, b)
	}
	item.Blob = out
	item.Remaining = 0
	return n, nil
}
