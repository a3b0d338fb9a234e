package rpcbroker

import (
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
	"github.com/silicon-heaven/shvgo/pkg/rpcri"
	"github.com/silicon-heaven/shvgo/pkg/shvurl"
)

// Role is what a successful login grants a client, or what a client
// registered directly through Broker.RegisterClient already has: an
// identity, an access-level function, an optional mount point, and any
// subscriptions it should start with.
type Role struct {
	// Name identifies the role when client info is queried; purely
	// informational.
	Name string
	// Access deduces the access level granted for a call to method on
	// path. Called on every request once a role is assigned.
	Access func(path, method string) rpcmsg.AccessLevel
	// MountPoint, if non-empty, is where this client's node tree is
	// grafted into the broker's own tree. It must not be ".app",
	// ".broker", a prefix of an existing mount, or prefixed by one.
	MountPoint string
	// Subscriptions lists RPC-RI subscription patterns granted up front,
	// independent of whatever the client requests itself via
	// currentClient/subscribe.
	Subscriptions []string
}

// AccessRule is one entry of an access matrix: RI is an access-level RI
// pattern ("path[:method[,method...]]", matched with pkg/rpcri) and Level
// the access level granted when it matches.
type AccessRule struct {
	RI    string
	Level rpcmsg.AccessLevel
}

// AccessFunc builds a Role.Access callback from a list of rules: the
// access level granted for (path, method) is the highest Level among
// every rule whose RI matches, or AccessNone if none do. This is the
// common case; a Role may instead supply any other Access implementation
// (e.g. one backed by a database lookup).
func AccessFunc(rules []AccessRule) func(path, method string) rpcmsg.AccessLevel {
	// Copy defensively: the slice backing rules is typically a literal
	// the caller builds inline and may reuse/mutate.
	rs := append([]AccessRule(nil), rules...)
	return func(path, method string) rpcmsg.AccessLevel {
		best := rpcmsg.AccessNone
		for _, r := range rs {
			if r.Level > best && rpcri.MatchAccess(r.RI, path, method) {
				best = r.Level
			}
		}
		return best
	}
}

// LoginInfo is the parsed content of a client's login request.
type LoginInfo struct {
	Username         string
	PasswordResponse string // sha1hex(sha1hex(password) + nonce), or sha1hex(digest + nonce) for SHA1 Type
	Type             shvurl.LoginType
	DeviceID         string
	DeviceMountPoint string
}

// LoginFunc validates a login attempt against the nonce the broker issued
// for this connection and grants a Role, or rejects the login with an
// error describing why.
type LoginFunc func(login *LoginInfo, nonce string) (*Role, error)
