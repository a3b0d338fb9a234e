// Package rpcri implements RPC-RI pattern matching: the glob-like
// "path:source:signal" (or "path:method" for access grants) pattern used
// by role access matrices and the broker's subscription index.
package rpcri

import "strings"

// Match reports whether pattern matches fields, each pattern field
// compared against the corresponding runtime field in order. pattern is
// split on ':' into the same field count as fields; a pattern supplying
// fewer fields than needed has its missing trailing fields treated as "*"
// (match-any), so "device/**" as an access RI matches every method on
// that subtree and "device/**:*:*" as a subscription RI matches every
// signal from every source under it.
//
// The first field is a path pattern matched segment-by-segment on '/':
// "*" matches exactly one segment, "**" matches zero or more remaining
// segments (and must be the pattern's last path segment to be
// meaningful), any other segment matches literally. Remaining fields are
// matched by MatchField: "*" matches any value, a comma-separated list
// matches any named value, otherwise the field must match literally.
func Match(pattern string, fields ...string) bool {
	if len(fields) == 0 {
		return true
	}
	parts := strings.SplitN(pattern, ":", len(fields))
	if !matchPath(parts[0], fields[0]) {
		return false
	}
	for i := 1; i < len(fields); i++ {
		p := "*"
		if i < len(parts) {
			p = parts[i]
		}
		if !MatchField(p, fields[i]) {
			return false
		}
	}
	return true
}

// MatchAccess is Match specialized for a role's per-access-level RI
// patterns against a call's (path, method).
func MatchAccess(pattern, path, method string) bool {
	return Match(pattern, path, method)
}

// MatchSubscription is Match specialized for the broker's subscription
// index against a signal's (path, source, signal name).
func MatchSubscription(pattern, path, source, signal string) bool {
	return Match(pattern, path, source, signal)
}

// MatchField matches a single non-path RI field: "*" matches anything, a
// comma-separated list of names matches any of them, an empty pattern
// behaves as "*", otherwise the pattern must equal value exactly.
func MatchField(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, ",") {
		return pattern == value
	}
	for _, tok := range strings.Split(pattern, ",") {
		if tok == value {
			return true
		}
	}
	return false
}

func matchPath(pattern, path string) bool {
	pathSegs := splitNonEmpty(path)
	patSegs := strings.Split(pattern, "/")
	return matchPathSegs(patSegs, pathSegs)
}

func matchPathSegs(pat, path []string) bool {
	for i, p := range pat {
		if p == "**" {
			if i != len(pat)-1 {
				// "**" only meaningfully anchors the tail; treat any
				// earlier occurrence as matching the rest greedily too.
				rest := pat[i+1:]
				for start := 0; start <= len(path); start++ {
					if matchPathSegs(rest, path[start:]) {
						return true
					}
				}
				return false
			}
			return true // matches zero or more remaining segments
		}
		if len(path) == 0 {
			return false
		}
		if p != "*" && p != path[0] {
			return false
		}
		path = path[1:]
	}
	return len(path) == 0
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.Trim(s, "/"), "/")
}
