// Package shvurl parses and serializes SHV connection URLs:
// scheme://[user@]host[:port][?query] for network transports and
// scheme:path[?query] for transports addressed by filesystem path. It
// backs pkg/rpcclient's dialer and the shvcbroker/shvc config loaders.
package shvurl

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Protocol identifies the transport a URL addresses.
type Protocol int

const (
	ProtocolUnix Protocol = iota
	ProtocolUnixS
	ProtocolTCP
	ProtocolTCPS
	ProtocolSSL
	ProtocolSSLS
	ProtocolTTY
	ProtocolCAN
)

func (p Protocol) String() string {
	if s, ok := protocolScheme[p]; ok {
		return s
	}
	return "unknown"
}

// Default ports and TTY/CAN defaults, per the SHV convention.
const (
	DefaultTCPPort    = 3755
	DefaultSSLPort    = 3756
	DefaultTCPSPort   = 3765
	DefaultSSLSPort   = 3766
	DefaultBaudrate   = 115200
	DefaultCANAddress = 255
)

// LoginType selects how Login.Password must be interpreted by the login
// handshake: as a plaintext password or as a pre-digested SHA-1 hex string.
type LoginType int

const (
	LoginNone LoginType = iota
	LoginPlain
	LoginSHA1
)

// Login carries the credentials and device-mount request that travel with
// a URL into the login handshake (see pkg/rpcclient).
type Login struct {
	Username         string
	Password         string
	Type             LoginType
	DeviceID         string
	DeviceMountpoint string
}

// TLS carries the certificate material query keys, meaningful only for
// ProtocolSSL and ProtocolSSLS.
type TLS struct {
	CA, Cert, Key, CRL string
	Verify             *bool
}

// URL is a parsed SHV connection URL.
type URL struct {
	Protocol Protocol
	// Location is the host (authority-style protocols) or filesystem path
	// (path-style protocols: unix, unixs, tty).
	Location string
	// Port is the TCP/TLS port, or for ProtocolCAN the peer's CAN address.
	Port int
	Login Login
	// Baudrate is meaningful only for ProtocolTTY.
	Baudrate int
	// CANAddress is this end's local CAN address (the caddr query key),
	// meaningful only for ProtocolCAN.
	CANAddress int
	TLS        TLS
}

var schemeProtocol = map[string]Protocol{
	"unix":   ProtocolUnix,
	"unixs":  ProtocolUnixS,
	"tcp":    ProtocolTCP,
	"tcps":   ProtocolTCPS,
	"ssl":    ProtocolSSL,
	"ssls":   ProtocolSSLS,
	"tty":    ProtocolTTY,
	"serial": ProtocolTTY,
	"can":    ProtocolCAN,
}

var protocolScheme = map[Protocol]string{
	ProtocolUnix:  "unix",
	ProtocolUnixS: "unixs",
	ProtocolTCP:   "tcp",
	ProtocolTCPS:  "tcps",
	ProtocolSSL:   "ssl",
	ProtocolSSLS:  "ssls",
	ProtocolTTY:   "tty",
	ProtocolCAN:   "can",
}

func usesAuthority(p Protocol) bool {
	switch p {
	case ProtocolTCP, ProtocolTCPS, ProtocolSSL, ProtocolSSLS, ProtocolCAN:
		return true
	default:
		return false
	}
}

func usesPath(p Protocol) bool {
	switch p {
	case ProtocolUnix, ProtocolUnixS, ProtocolTTY:
		return true
	default:
		return false
	}
}

func isSSL(p Protocol) bool {
	return p == ProtocolSSL || p == ProtocolSSLS
}

func defaultPort(p Protocol) int {
	switch p {
	case ProtocolTCP:
		return DefaultTCPPort
	case ProtocolTCPS:
		return DefaultTCPSPort
	case ProtocolSSL:
		return DefaultSSLPort
	case ProtocolSSLS:
		return DefaultSSLSPort
	case ProtocolCAN:
		return DefaultCANAddress
	default:
		return 0
	}
}

var schemeRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)

// Parse parses an SHV connection URL. An empty string and a bare path both
// default to ProtocolUnix, matching the C library's "no scheme means a
// local socket path" convention.
func Parse(s string) (*URL, error) {
	m := schemeRE.FindString(s)
	if m == "" {
		return &URL{Protocol: ProtocolUnix, Location: s}, nil
	}

	scheme := strings.ToLower(strings.TrimSuffix(m, ":"))
	proto, ok := schemeProtocol[scheme]
	if !ok {
		return nil, fmt.Errorf("shvurl: unknown scheme %q", scheme)
	}
	rest := s[len(m):]

	u := &URL{Protocol: proto, Port: defaultPort(proto)}
	if proto == ProtocolTTY {
		u.Baudrate = DefaultBaudrate
	}

	var query string
	switch {
	case usesAuthority(proto):
		rest = strings.TrimPrefix(rest, "//")
		body, q := splitQuery(rest)
		query = q

		host := body
		if i := strings.LastIndex(body, "@"); i >= 0 {
			u.Login.Username = body[:i]
			host = body[i+1:]
		}
		if err := parseHostPort(host, u); err != nil {
			return nil, err
		}
		if proto == ProtocolCAN {
			u.CANAddress = u.Port
		}

	case usesPath(proto):
		body, q := splitQuery(rest)
		query = q
		u.Location = body

	default:
		return nil, fmt.Errorf("shvurl: unhandled protocol %v", proto)
	}

	if err := parseQuery(query, u); err != nil {
		return nil, err
	}
	return u, nil
}

func splitQuery(s string) (body, query string) {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func parseHostPort(host string, u *URL) error {
	if strings.HasPrefix(host, "[") {
		end := strings.IndexByte(host, ']')
		if end < 0 {
			return fmt.Errorf("shvurl: unterminated IPv6 address in %q", host)
		}
		u.Location = host[1:end]
		rem := host[end+1:]
		if rem == "" {
			return nil
		}
		if !strings.HasPrefix(rem, ":") {
			return fmt.Errorf("shvurl: junk after address in %q", host)
		}
		return parsePort(rem[1:], u)
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		u.Location = host[:i]
		return parsePort(host[i+1:], u)
	}
	u.Location = host
	return nil
}

func parsePort(s string, u *URL) error {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("shvurl: invalid port %q", s)
	}
	u.Port = p
	return nil
}

func parseQuery(raw string, u *URL) error {
	if raw == "" {
		return nil
	}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, rawVal, _ := strings.Cut(pair, "=")
		val, err := url.QueryUnescape(rawVal)
		if err != nil {
			return fmt.Errorf("shvurl: invalid query value for %q: %w", key, err)
		}
		switch key {
		case "user":
			u.Login.Username = val
		case "password":
			u.Login.Password = val
			u.Login.Type = LoginPlain
		case "shapass":
			u.Login.Password = val
			u.Login.Type = LoginSHA1
		case "devid":
			u.Login.DeviceID = val
		case "devmount":
			u.Login.DeviceMountpoint = val
		case "ca", "cert", "key", "crl", "verify":
			if !isSSL(u.Protocol) {
				return fmt.Errorf("shvurl: query key %q only valid for ssl/ssls URLs", key)
			}
			switch key {
			case "ca":
				u.TLS.CA = val
			case "cert":
				u.TLS.Cert = val
			case "key":
				u.TLS.Key = val
			case "crl":
				u.TLS.CRL = val
			case "verify":
				b, err := parseBool(val)
				if err != nil {
					return fmt.Errorf("shvurl: invalid verify value %q", val)
				}
				u.TLS.Verify = &b
			}
		case "baudrate":
			if u.Protocol != ProtocolTTY {
				return fmt.Errorf("shvurl: query key \"baudrate\" only valid for tty URLs")
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("shvurl: invalid baudrate %q", val)
			}
			u.Baudrate = n
		case "caddr":
			if u.Protocol != ProtocolCAN {
				return fmt.Errorf("shvurl: query key \"caddr\" only valid for can URLs")
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("shvurl: invalid caddr %q", val)
			}
			u.CANAddress = n
		default:
			return fmt.Errorf("shvurl: unknown query key %q", key)
		}
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("not a bool: %q", s)
	}
}

// String serializes the URL back to its canonical textual form. Query
// keys are emitted in a fixed order (user, password, shapass, devid,
// devmount, ca, cert, key, crl, verify, baudrate, caddr) rather than
// alphabetically, so round-tripping a URL produces stable output.
func (u *URL) String() string {
	var b strings.Builder
	scheme := protocolScheme[u.Protocol]

	switch {
	case usesAuthority(u.Protocol):
		b.WriteString(scheme)
		b.WriteString("://")
		usernameInQuery := u.Login.Username != "" && strings.Contains(u.Login.Username, "@")
		if u.Login.Username != "" && !usernameInQuery {
			b.WriteString(u.Login.Username)
			b.WriteByte('@')
		}
		loc := u.Location
		if strings.Contains(loc, ":") {
			loc = "[" + loc + "]"
		}
		b.WriteString(loc)
		if u.Port != defaultPort(u.Protocol) {
			fmt.Fprintf(&b, ":%d", u.Port)
		}
		u.writeQuery(&b, usernameInQuery)

	case usesPath(u.Protocol):
		b.WriteString(scheme)
		b.WriteByte(':')
		b.WriteString(u.Location)
		u.writeQuery(&b, u.Login.Username != "")

	default:
		return ""
	}
	return b.String()
}

func (u *URL) writeQuery(b *strings.Builder, usernameInQuery bool) {
	var parts []string
	add := func(key, val string) {
		parts = append(parts, key+"="+url.QueryEscape(val))
	}
	if usernameInQuery {
		add("user", u.Login.Username)
	}
	if u.Login.Type == LoginPlain && u.Login.Password != "" {
		add("password", u.Login.Password)
	}
	if u.Login.Type == LoginSHA1 && u.Login.Password != "" {
		add("shapass", u.Login.Password)
	}
	if u.Login.DeviceID != "" {
		add("devid", u.Login.DeviceID)
	}
	if u.Login.DeviceMountpoint != "" {
		add("devmount", u.Login.DeviceMountpoint)
	}
	if isSSL(u.Protocol) {
		if u.TLS.CA != "" {
			add("ca", u.TLS.CA)
		}
		if u.TLS.Cert != "" {
			add("cert", u.TLS.Cert)
		}
		if u.TLS.Key != "" {
			add("key", u.TLS.Key)
		}
		if u.TLS.CRL != "" {
			add("crl", u.TLS.CRL)
		}
		if u.TLS.Verify != nil {
			add("verify", strconv.FormatBool(*u.TLS.Verify))
		}
	}
	if u.Protocol == ProtocolTTY && u.Baudrate != 0 && u.Baudrate != DefaultBaudrate {
		add("baudrate", strconv.Itoa(u.Baudrate))
	}
	if u.Protocol == ProtocolCAN && u.CANAddress != u.Port {
		add("caddr", strconv.Itoa(u.CANAddress))
	}
	if len(parts) == 0 {
		return
	}
	b.WriteByte('?')
	b.WriteString(strings.Join(parts, "&"))
}
