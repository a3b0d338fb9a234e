// Package rpcmsg implements the SHV Message envelope: Meta header keys,
// access levels, the request/response/signal/error taxonomy, and packers
// that write a Message onto a chainpack.Writer/cpon.Writer-compatible
// generic packer.
package rpcmsg

import "strings"

// AccessLevel is a total order over SHV access grants.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessBrowse
	AccessRead
	AccessWrite
	AccessCommand
	AccessConfig
	AccessService
	AccessSuperService
	AccessDevel
	AccessAdmin
)

var accessNames = map[AccessLevel]string{
	AccessNone:         "bws", // None has no dedicated legacy token; see ParseAccessString
	AccessBrowse:       "bws",
	AccessRead:         "rd",
	AccessWrite:        "wr",
	AccessCommand:      "cmd",
	AccessConfig:       "cfg",
	AccessService:      "srv",
	AccessSuperService: "ssrv",
	AccessDevel:        "dev",
	AccessAdmin:        "su",
}

func (a AccessLevel) String() string {
	if s, ok := accessNames[a]; ok {
		return s
	}
	return "none"
}

var legacyTokens = map[string]AccessLevel{
	"bws":  AccessBrowse,
	"rd":   AccessRead,
	"wr":   AccessWrite,
	"cmd":  AccessCommand,
	"cfg":  AccessConfig,
	"srv":  AccessService,
	"ssrv": AccessSuperService,
	"dev":  AccessDevel,
	"su":   AccessAdmin,
}

// ParseAccessString maps a comma-separated legacy access-grant string (e.g.
// "wr,rd") to the highest recognized level. Unrecognized tokens are
// ignored; an empty or fully-unrecognized string yields AccessNone.
func ParseAccessString(s string) AccessLevel {
	best := AccessNone
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if lvl, ok := legacyTokens[tok]; ok && lvl > best {
			best = lvl
		}
	}
	return best
}

// Min returns the lower of two access levels, used by the broker's access
// stage to ensure forwarding never elevates privilege.
func Min(a, b AccessLevel) AccessLevel {
	if a < b {
		return a
	}
	return b
}
