package rpcmsg

import "fmt"

// ErrorCode is the numeric RPC error taxonomy carried in a message's Error
// IMap key.
type ErrorCode int

const (
	NoError ErrorCode = iota
	InvalidRequest
	MethodNotFound
	InvalidParam
	InternalErr
	ParseErr
	MethodCallTimeout
	MethodCallCancelled
	MethodCallException
	Unknown
)

// UserErrorCodeBase is the first code value reserved for application-
// defined errors; codes below it are the fixed taxonomy above.
const UserErrorCodeBase = 32

var errorCodeNames = [...]string{
	"NoError", "InvalidRequest", "MethodNotFound", "InvalidParam",
	"InternalErr", "ParseErr", "MethodCallTimeout", "MethodCallCancelled",
	"MethodCallException", "Unknown",
}

func (c ErrorCode) String() string {
	if int(c) >= 0 && int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("UserError(%d)", int(c))
}

// RPCError is a protocol-level error: an error code plus a human-readable
// message, as carried in a message's Error IMap key. It implements error
// so a stage can return it directly or wrap it with fmt.Errorf.
type RPCError struct {
	Code    ErrorCode
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an RPCError with a formatted message, mirroring shvc's
// ferror helper.
func NewError(code ErrorCode, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}
