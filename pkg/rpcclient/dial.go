package rpcclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/silicon-heaven/shvgo/pkg/framing"
	"github.com/silicon-heaven/shvgo/pkg/shvurl"
)

// DialTimeout bounds how long Dial waits for the underlying connection to
// establish.
const DialTimeout = 10 * time.Second

// Dial connects to u's address and wraps the resulting transport in a
// Client using the default framing for u's protocol (block for
// tcp/tcps/ssl/ssls, serial for unix/unixs, per the connection scheme's
// documented default). tty and can addresses return an error: this
// build has no serial-port or SocketCAN library in reach, so those
// transports have no client-side implementation here (see DESIGN.md).
func Dial(u *shvurl.URL) (*Client, error) {
	switch u.Protocol {
	case shvurl.ProtocolTCP, shvurl.ProtocolTCPS, shvurl.ProtocolSSL, shvurl.ProtocolSSLS:
		return dialTCP(u)
	case shvurl.ProtocolUnix, shvurl.ProtocolUnixS:
		return dialUnix(u)
	default:
		return nil, fmt.Errorf("rpcclient: dial: protocol %s has no client transport in this build", u.Protocol)
	}
}

func dialTCP(u *shvurl.URL) (*Client, error) {
	addr := net.JoinHostPort(u.Location, strconv.Itoa(u.Port))
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", addr, err)
	}

	var rw net.Conn = conn
	if u.Protocol == shvurl.ProtocolTCPS || u.Protocol == shvurl.ProtocolSSL || u.Protocol == shvurl.ProtocolSSLS {
		tlsCfg, err := tlsConfig(u)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		tc := tls.Client(conn, tlsCfg)
		if err := tc.Handshake(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("rpcclient: tls handshake with %s: %w", addr, err)
		}
		rw = tc
	}

	return New(framing.NewBlock(rw), rw, FormatChainPack, true), nil
}

func dialUnix(u *shvurl.URL) (*Client, error) {
	conn, err := net.DialTimeout("unix", u.Location, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", u.Location, err)
	}
	return New(framing.NewSerial(conn, false), conn, FormatChainPack, true), nil
}

// tlsConfig builds a *tls.Config from u.TLS, the certificate material
// query keys (ca/cert/key/crl/verify) pkg/shvurl carries for ssl/ssls/tcps.
func tlsConfig(u *shvurl.URL) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: u.Location}
	if u.TLS.Verify != nil && !*u.TLS.Verify {
		cfg.InsecureSkipVerify = true
	}
	if u.TLS.CA != "" {
		pem, err := os.ReadFile(u.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: read CA %s: %w", u.TLS.CA, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("rpcclient: no certificates found in %s", u.TLS.CA)
		}
		cfg.RootCAs = pool
	}
	if u.TLS.Cert != "" {
		cert, err := tls.LoadX509KeyPair(u.TLS.Cert, u.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
