package rpcmsg

import (
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
)

// writeMeta opens the Meta map and writes the common header fields shared
// by every message kind. Callers close it themselves once they've added
// any kind-specific tags, then open the content IMap.
func writeMeta(p rpcio.Packer, path string, extra func() error) error {
	if _, err := p.MetaBegin(); err != nil {
		return err
	}
	if _, err := p.PackInt(MetaTypeId); err != nil {
		return err
	}
	if _, err := p.PackInt(RequiredMetaTypeId); err != nil {
		return err
	}
	if path != "" {
		if _, err := p.PackInt(ShvPath); err != nil {
			return err
		}
		if _, err := p.PackString(path); err != nil {
			return err
		}
	}
	if extra != nil {
		if err := extra(); err != nil {
			return err
		}
	}
	_, err := p.ContainerEnd()
	return err
}

// PackRequest writes a request's Meta and opens its content IMap,
// positioning the packer for the caller to write the Param key/value (if
// any) followed by ContainerEnd. requestID must be unique among the
// caller's in-flight requests toward this peer.
func PackRequest(p rpcio.Packer, path, method string, requestID int64) error {
	return packRequestLike(p, path, method, requestID, false)
}

// PackRequestVoid is PackRequest for a request with no parameters: it
// writes the full message, including the closing ContainerEnd, with no
// Param key.
func PackRequestVoid(p rpcio.Packer, path, method string, requestID int64) error {
	return packRequestLike(p, path, method, requestID, true)
}

func packRequestLike(p rpcio.Packer, path, method string, requestID int64, void bool) error {
	if err := writeMeta(p, path, func() error {
		if _, err := p.PackInt(RequestId); err != nil {
			return err
		}
		if _, err := p.PackInt(requestID); err != nil {
			return err
		}
		if _, err := p.PackInt(Method); err != nil {
			return err
		}
		_, err := p.PackString(method)
		return err
	}); err != nil {
		return err
	}
	if _, err := p.IMapBegin(); err != nil {
		return err
	}
	if void {
		_, err := p.ContainerEnd()
		return err
	}
	return nil
}

// PackSignal writes a signal's Meta and opens its content IMap, leaving
// the packer positioned for the caller to write Param then ContainerEnd.
func PackSignal(p rpcio.Packer, path, source, signal string) error {
	if err := writeMeta(p, path, func() error {
		if source != "" && source != DefaultSignalSource {
			if _, err := p.PackInt(Source); err != nil {
				return err
			}
			if _, err := p.PackString(source); err != nil {
				return err
			}
		}
		if _, err := p.PackInt(Signal); err != nil {
			return err
		}
		_, err := p.PackString(signal)
		return err
	}); err != nil {
		return err
	}
	_, err := p.IMapBegin()
	return err
}

// PackChng is PackSignal with signal name "chng", the conventional
// value-changed notification.
func PackChng(p rpcio.Packer, path, source string) error {
	return PackSignal(p, path, source, DefaultSignalName)
}

// PackResponse writes a response's Meta and opens its content IMap,
// leaving the packer positioned for the caller to write Result then
// ContainerEnd.
func PackResponse(p rpcio.Packer, requestID int64, callerIDs []int64) error {
	return packResponseLike(p, requestID, callerIDs, false)
}

// PackResponseVoid writes a complete response with an empty Result.
func PackResponseVoid(p rpcio.Packer, requestID int64, callerIDs []int64) error {
	return packResponseLike(p, requestID, callerIDs, true)
}

func packResponseLike(p rpcio.Packer, requestID int64, callerIDs []int64, void bool) error {
	if err := writeMeta(p, "", func() error {
		return writeResponseHeader(p, requestID, callerIDs)
	}); err != nil {
		return err
	}
	if _, err := p.IMapBegin(); err != nil {
		return err
	}
	if void {
		if _, err := p.PackInt(Result); err != nil {
			return err
		}
		if _, err := p.PackNull(); err != nil {
			return err
		}
		_, err := p.ContainerEnd()
		return err
	}
	return nil
}

func writeResponseHeader(p rpcio.Packer, requestID int64, callerIDs []int64) error {
	if _, err := p.PackInt(RequestId); err != nil {
		return err
	}
	if _, err := p.PackInt(requestID); err != nil {
		return err
	}
	if len(callerIDs) > 0 {
		if _, err := p.PackInt(CallerIds); err != nil {
			return err
		}
		if _, err := p.ListBegin(); err != nil {
			return err
		}
		for _, id := range callerIDs {
			if _, err := p.PackInt(id); err != nil {
				return err
			}
		}
		if _, err := p.ContainerEnd(); err != nil {
			return err
		}
	}
	return nil
}

// PackError writes a complete error response (the terminal case; there is
// no caller-supplied Result to follow).
func PackError(p rpcio.Packer, requestID int64, callerIDs []int64, rpcErr *RPCError) error {
	if err := writeMeta(p, "", func() error {
		return writeResponseHeader(p, requestID, callerIDs)
	}); err != nil {
		return err
	}
	if _, err := p.IMapBegin(); err != nil {
		return err
	}
	if _, err := p.PackInt(Error); err != nil {
		return err
	}
	if _, err := p.MapBegin(); err != nil {
		return err
	}
	if _, err := p.PackString("code"); err != nil {
		return err
	}
	if _, err := p.PackInt(int64(rpcErr.Code)); err != nil {
		return err
	}
	if rpcErr.Message != "" {
		if _, err := p.PackString("message"); err != nil {
			return err
		}
		if _, err := p.PackString(rpcErr.Message); err != nil {
			return err
		}
	}
	if _, err := p.ContainerEnd(); err != nil {
		return err
	}
	_, err := p.ContainerEnd()
	return err
}

// Ferror is PackError with a formatted message, mirroring shvc's ferror.
func Ferror(p rpcio.Packer, requestID int64, callerIDs []int64, code ErrorCode, format string, args ...any) error {
	return PackError(p, requestID, callerIDs, NewError(code, format, args...))
}
