package chainpack

import "io"

// WriteVarUint and ReadVarUint expose the bare variable-length integer
// encoding (no scheme byte) used outside of Item packing: block framing's
// payload-length prefix is written this way, matching shvc's
// chainpack_w_uint_bytes/chainpack_uint_value1 pair.
func WriteVarUint(w io.Writer, num uint64) (int, error) {
	cw := NewWriter(w)
	return cw.packUintData(num, significantBits(num))
}

// ReadVarUint reads a bare variable-length integer and returns its value
// and the number of bytes consumed.
func ReadVarUint(r io.Reader) (uint64, int, error) {
	cr := NewReader(r)
	return cr.unpackUintData()
}
