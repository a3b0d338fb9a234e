package chainpack

import (
	"encoding/binary"
	"io"
	"math"
)

// Writer packs Items onto an underlying io.Writer as ChainPack.
//
// A Writer is not safe for concurrent use; callers serialize writes the
// same way rpchandler's send lock serializes frame writes.
type Writer struct {
	w io.Writer
}

// NewWriter returns a Writer that packs onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(b []byte) (int, error) {
	return w.w.Write(b)
}

// PackNull writes a null value.
func (w *Writer) PackNull() (int, error) {
	return w.write([]byte{schemeNull})
}

// PackBool writes a boolean value.
func (w *Writer) PackBool(v bool) (int, error) {
	if v {
		return w.write([]byte{schemeTrue})
	}
	return w.write([]byte{schemeFalse})
}

// PackUInt writes an unsigned integer.
func (w *Writer) PackUInt(v uint64) (int, error) {
	return w.packUint(v)
}

// PackInt writes a signed integer.
func (w *Writer) PackInt(v int64) (int, error) {
	return w.packInt(v)
}

// PackDouble writes an IEEE-754 binary64, little-endian on the wire
// regardless of host byte order.
func (w *Writer) PackDouble(v float64) (int, error) {
	n, err := w.write([]byte{schemeDouble})
	if err != nil {
		return n, err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	m, err := w.write(buf[:])
	return n + m, err
}

// PackDecimal writes a base-10 fixed point value: mantissa then exponent,
// each as signed ChainPack integer data with no scheme byte of its own.
func (w *Writer) PackDecimal(d Decimal) (int, error) {
	n, err := w.write([]byte{schemeDecimal})
	if err != nil {
		return n, err
	}
	m, err := w.packIntData(d.Mantissa)
	n += m
	if err != nil {
		return n, err
	}
	m, err = w.packIntData(int64(d.Exponent))
	return n + m, err
}

// PackDateTime writes a DateTime per the SHV epoch/offset/flags scheme.
func (w *Writer) PackDateTime(dt DateTime) (int, error) {
	n, err := w.write([]byte{schemeDateTime})
	if err != nil {
		return n, err
	}
	msecs := dt.UnixMilli - SHVEpochMilli
	ms := msecs % 1000
	if ms < 0 {
		ms += 1000
	}
	noMsec := ms == 0
	if noMsec {
		msecs /= 1000
	}
	qh := int64(0)
	hasOffset := dt.OffsetMinutes != 0
	if hasOffset {
		qh = int64(dt.OffsetMinutes/15) & 0x7f
	}
	val := msecs
	if hasOffset {
		val = val*128 | qh
	}
	val *= 4
	if hasOffset {
		val |= 1
	}
	if noMsec {
		val |= 2
	}
	m, err := w.packIntData(val)
	return n + m, err
}

// PackBlob writes a length-prefixed blob in a single wire value.
func (w *Writer) PackBlob(data []byte) (int, error) {
	n, err := w.write([]byte{schemeBlob})
	if err != nil {
		return n, err
	}
	m, err := w.packUintData(uint64(len(data)), max1(significantBits(uint64(len(data)))))
	n += m
	if err != nil {
		return n, err
	}
	m, err = w.write(data)
	return n + m, err
}

// PackString writes a length-prefixed UTF-8 string in a single wire value.
func (w *Writer) PackString(s string) (int, error) {
	n, err := w.write([]byte{schemeString})
	if err != nil {
		return n, err
	}
	m, err := w.packUintData(uint64(len(s)), max1(significantBits(uint64(len(s)))))
	n += m
	if err != nil {
		return n, err
	}
	m, err = w.write([]byte(s))
	return n + m, err
}

// PackBlobStart begins a blob whose total length is known up front but
// whose bytes may be written across several PackBlobCont calls, mirroring
// shvc's chainpack_pack_blob_start/cont streaming API.
func (w *Writer) PackBlobStart(totalLen int) (int, error) {
	n, err := w.write([]byte{schemeBlob})
	if err != nil {
		return n, err
	}
	m, err := w.packUintData(uint64(totalLen), max1(significantBits(uint64(totalLen))))
	return n + m, err
}

// PackBlobCont appends raw continuation bytes to a blob begun with
// PackBlobStart. The caller is responsible for the total written across all
// calls matching the declared totalLen.
func (w *Writer) PackBlobCont(b []byte) (int, error) {
	return w.write(b)
}

// PackStringStart is PackBlobStart for strings.
func (w *Writer) PackStringStart(totalLen int) (int, error) {
	n, err := w.write([]byte{schemeString})
	if err != nil {
		return n, err
	}
	m, err := w.packUintData(uint64(totalLen), max1(significantBits(uint64(totalLen))))
	return n + m, err
}

// PackStringCont is PackBlobCont for strings.
func (w *Writer) PackStringCont(b []byte) (int, error) {
	return w.write(b)
}

// PackBlobChainStart begins a blob whose total length is not known up
// front. Each fragment is written with PackBlobChainFragment; a zero-length
// fragment (written implicitly by PackBlobChainEnd) terminates the chain.
func (w *Writer) PackBlobChainStart() (int, error) {
	return w.write([]byte{schemeBlobChain})
}

// PackBlobChainFragment writes one length-prefixed fragment of a blob
// chain. Fragments must be non-empty; use PackBlobChainEnd to terminate.
func (w *Writer) PackBlobChainFragment(b []byte) (int, error) {
	n, err := w.packUintData(uint64(len(b)), max1(significantBits(uint64(len(b)))))
	if err != nil {
		return n, err
	}
	m, err := w.write(b)
	return n + m, err
}

// PackBlobChainEnd writes the zero-length terminator fragment.
func (w *Writer) PackBlobChainEnd() (int, error) {
	return w.write([]byte{0})
}

// PackCString writes a NUL-terminated string with backslash-escaping of NUL
// and backslash bytes, per shvc's chainpack_pack_cstring.
func (w *Writer) PackCString(s []byte) (int, error) {
	n, err := w.write([]byte{schemeCString})
	if err != nil {
		return n, err
	}
	for _, b := range s {
		switch b {
		case 0:
			m, err := w.write([]byte{'\\', '0'})
			n += m
			if err != nil {
				return n, err
			}
		case '\\':
			m, err := w.write([]byte{'\\', '\\'})
			n += m
			if err != nil {
				return n, err
			}
		default:
			m, err := w.write([]byte{b})
			n += m
			if err != nil {
				return n, err
			}
		}
	}
	m, err := w.write([]byte{0})
	return n + m, err
}

// ListBegin opens a List container; every open must be matched by
// ContainerEnd.
func (w *Writer) ListBegin() (int, error) { return w.write([]byte{schemeList}) }

// MapBegin opens a Map container (string keys).
func (w *Writer) MapBegin() (int, error) { return w.write([]byte{schemeMap}) }

// IMapBegin opens an IMap container (small-integer keys).
func (w *Writer) IMapBegin() (int, error) { return w.write([]byte{schemeIMap}) }

// MetaBegin opens a Meta container decorating the item that follows its
// matching ContainerEnd.
func (w *Writer) MetaBegin() (int, error) { return w.write([]byte{schemeMetaMap}) }

// ContainerEnd closes the most recently opened container.
func (w *Writer) ContainerEnd() (int, error) { return w.write([]byte{schemeTerm}) }

// Pack writes item according to its Type. For TypeList/TypeMap/TypeIMap/
// TypeMeta it writes only the opening marker; callers pack children and a
// matching TypeContainerEnd item themselves.
func (w *Writer) Pack(item *Item) (int, error) {
	switch item.Type {
	case TypeNull:
		return w.PackNull()
	case TypeBool:
		return w.PackBool(item.Bool)
	case TypeInt:
		return w.PackInt(item.Int)
	case TypeUInt:
		return w.PackUInt(item.UInt)
	case TypeDouble:
		return w.PackDouble(item.Double)
	case TypeDecimal:
		return w.PackDecimal(item.Decimal)
	case TypeDateTime:
		return w.PackDateTime(item.DateTime)
	case TypeBlob:
		if item.Flags.Has(Hex) {
			return w.PackBlob(item.Blob)
		}
		return w.PackBlob(item.Blob)
	case TypeString:
		return w.PackString(string(item.Blob))
	case TypeList:
		return w.ListBegin()
	case TypeMap:
		return w.MapBegin()
	case TypeIMap:
		return w.IMapBegin()
	case TypeMeta:
		return w.MetaBegin()
	case TypeContainerEnd:
		return w.ContainerEnd()
	default:
		return 0, ErrMalformed
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
