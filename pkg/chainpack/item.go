// Package chainpack implements the Item value model shared by the ChainPack
// binary codec and the CPON text codec, plus the ChainPack codec itself.
//
// An Item is a single tagged value as it appears on the wire: a scalar, a
// chunk of a streamed string or blob, or a container marker (List, Map,
// IMap, Meta, ContainerEnd). Meta always decorates the item that follows
// it; every container marker is balanced by exactly one ContainerEnd.
package chainpack

import "fmt"

// Type identifies the kind of value carried by an Item.
type Type int

const (
	TypeInvalid Type = iota
	TypeNull
	TypeBool
	TypeInt
	TypeUInt
	TypeDouble
	TypeDecimal
	TypeDateTime
	TypeBlob
	TypeString
	TypeList
	TypeMap
	TypeIMap
	TypeMeta
	TypeContainerEnd
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "Null"
	case TypeBool:
		return "Bool"
	case TypeInt:
		return "Int"
	case TypeUInt:
		return "UInt"
	case TypeDouble:
		return "Double"
	case TypeDecimal:
		return "Decimal"
	case TypeDateTime:
		return "DateTime"
	case TypeBlob:
		return "Blob"
	case TypeString:
		return "String"
	case TypeList:
		return "List"
	case TypeMap:
		return "Map"
	case TypeIMap:
		return "IMap"
	case TypeMeta:
		return "Meta"
	case TypeContainerEnd:
		return "ContainerEnd"
	default:
		return "Invalid"
	}
}

// ChunkFlags describe the position of a Blob/String chunk within its
// logical (possibly streamed) value.
type ChunkFlags uint8

const (
	// First marks the first chunk of a string/blob value.
	First ChunkFlags = 1 << iota
	// Last marks the final chunk of a string/blob value.
	Last
	// Streamed marks a value whose total length was not known up front
	// (ChainPack BlobChain / CString).
	Streamed
	// Hex marks a blob that should be rendered/parsed as hex in CPON.
	Hex
)

func (f ChunkFlags) Has(flag ChunkFlags) bool { return f&flag != 0 }

// ErrorKind classifies a decode failure recorded on an Invalid item.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrEOF
	ErrIO
	ErrMalformed
	ErrOverflow
)

func (e ErrorKind) String() string {
	switch e {
	case ErrEOF:
		return "eof"
	case ErrIO:
		return "io"
	case ErrMalformed:
		return "malformed"
	case ErrOverflow:
		return "overflow"
	default:
		return "none"
	}
}

// Error makes ErrorKind usable as a Go error directly, e.g. in comparisons
// with errors.Is against a decode failure reported through an Item.
func (e ErrorKind) Error() string { return "chainpack: " + e.String() }

// Decimal is a base-10 fixed point value: mantissa * 10^exponent.
type Decimal struct {
	Mantissa int64
	Exponent int8
}

// SHVEpochMilli is 2018-02-02T00:00:00Z expressed as Unix milliseconds,
// the fixed epoch ChainPack DateTime values are packed relative to.
const SHVEpochMilli int64 = 1517529600000

// DateTime is milliseconds since the Unix epoch plus a UTC offset in
// minutes, matching the wire representation's quarter-hour resolution
// offset once decoded to minutes.
type DateTime struct {
	UnixMilli     int64
	OffsetMinutes int
}

// Item is a single tagged value as produced or consumed by a codec.
//
// Only the fields relevant to Type are meaningful; callers must check Type
// before reading a field. Blob/String values may be chunked: repeated
// Unpack calls continue the same logical value until Flags.Has(Last).
type Item struct {
	Type Type

	Bool     bool
	Int      int64
	UInt     uint64
	Double   float64
	Decimal  Decimal
	DateTime DateTime

	// Blob holds the bytes of the current chunk for TypeBlob/TypeString.
	Blob []byte
	// Flags describes this chunk's position within the logical value.
	Flags ChunkFlags
	// Remaining is the number of bytes of this logical value that remain
	// to be delivered after this chunk (0 when Flags.Has(Last)).
	Remaining uint64

	// ErrorKind is set when Type == TypeInvalid.
	ErrorKind ErrorKind
}

// Reset clears the item back to its zero value, ready for reuse.
func (it *Item) Reset() { *it = Item{} }

// Invalidate marks the item as a decode failure of the given kind.
func (it *Item) Invalidate(kind ErrorKind) {
	it.Type = TypeInvalid
	it.ErrorKind = kind
}

func (it *Item) String() string {
	switch it.Type {
	case TypeNull:
		return "null"
	case TypeBool:
		return fmt.Sprintf("%v", it.Bool)
	case TypeInt:
		return fmt.Sprintf("%d", it.Int)
	case TypeUInt:
		return fmt.Sprintf("%du", it.UInt)
	case TypeDouble:
		return fmt.Sprintf("%g", it.Double)
	case TypeDecimal:
		return fmt.Sprintf("%dd%d", it.Decimal.Mantissa, it.Decimal.Exponent)
	case TypeString:
		return fmt.Sprintf("%q", string(it.Blob))
	case TypeBlob:
		return fmt.Sprintf("blob(%d bytes)", len(it.Blob))
	case TypeInvalid:
		return fmt.Sprintf("invalid(%s)", it.ErrorKind)
	default:
		return it.Type.String()
	}
}
