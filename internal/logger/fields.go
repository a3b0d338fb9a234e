package logger

import "log/slog"

// Standard field keys for structured logging across the client, handler,
// and broker. Use these keys consistently so log aggregation/querying can
// rely on them.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Message identification
	KeyRequestID = "request_id" // Message RequestID meta tag
	KeyPath      = "path"       // SHV path targeted by a request/signal
	KeyMethod    = "method"     // Method or signal name
	KeySource    = "source"     // Signal source path, or a sub-operation tag

	// Peer/connection identification
	KeyCid        = "cid"         // Client id at the current broker hop
	KeyMountPoint = "mount_point" // Mount point path
	KeyRole       = "role"        // Authenticated role name
	KeyUsername   = "username"   // Login username
	KeyAccess     = "access"      // Granted access level (bws, rd, wr, cmd, ...)
	KeyClientIP   = "client_ip"
	KeyTransport  = "transport" // tcp, unix, serial, can, ...

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyAttempt    = "attempt"
)

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// RequestID returns a slog.Attr for a message's RequestID meta tag
func RequestID(id int64) slog.Attr {
	return slog.Int64(KeyRequestID, id)
}

// Path returns a slog.Attr for an SHV path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Method returns a slog.Attr for a method or signal name
func Method(name string) slog.Attr {
	return slog.String(KeyMethod, name)
}

// Source returns a slog.Attr for a signal's source path
func Source(src string) slog.Attr {
	return slog.String(KeySource, src)
}

// Cid returns a slog.Attr for a client id
func Cid(cid int) slog.Attr {
	return slog.Int(KeyCid, cid)
}

// MountPoint returns a slog.Attr for a mount point path
func MountPoint(path string) slog.Attr {
	return slog.String(KeyMountPoint, path)
}

// Role returns a slog.Attr for an authenticated role name
func Role(name string) slog.Attr {
	return slog.String(KeyRole, name)
}

// Username returns a slog.Attr for a login username
func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

// Access returns a slog.Attr for a granted access level
func Access(level string) slog.Attr {
	return slog.String(KeyAccess, level)
}

// ClientIP returns a slog.Attr for a peer address
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// Transport returns a slog.Attr for a transport/protocol name
func Transport(name string) slog.Attr {
	return slog.String(KeyTransport, name)
}

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a numeric RPC error code
func ErrorCode(code int) slog.Attr {
	return slog.Int(KeyErrorCode, code)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
