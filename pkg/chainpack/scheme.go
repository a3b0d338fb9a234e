package chainpack

// Wire scheme bytes. Values below schemeNull encode small integers
// directly in the byte itself (see packUint/packInt and Reader.Unpack); values at
// or above schemeNull identify a typed item exactly as
// include/shv/chainpack.h's `enum chainpack_scheme` does.
const (
	schemeNull              = 128
	schemeUInt               = 129
	schemeInt                = 130
	schemeDouble             = 131
	schemeBool               = 132
	schemeBlob               = 133
	schemeString             = 134
	schemeDateTimeEpochDepr  = 135
	schemeList               = 136
	schemeMap                = 137
	schemeIMap               = 138
	schemeMetaMap            = 139
	schemeDecimal            = 140
	schemeDateTime           = 141
	schemeCString            = 142
	schemeBlobChain          = 143

	schemeFalse = 253
	schemeTrue  = 254
	schemeTerm  = 255
)
