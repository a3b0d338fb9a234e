package rpcmsg

import (
	"bytes"
	"fmt"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
)

// Limits bounds the sizes UnpackMessage will accept, and controls whether
// unrecognized meta tags are preserved for re-emission (brokers set
// PreserveUnknownTags so forwarding doesn't silently drop extension
// fields it doesn't understand).
type Limits struct {
	MaxPathLen          int
	MaxMethodLen        int
	MaxUserIDLen        int
	PreserveUnknownTags bool
}

// DefaultLimits matches shvc's defaults: generous but non-zero bounds.
func DefaultLimits() Limits {
	return Limits{MaxPathLen: 4096, MaxMethodLen: 256, MaxUserIDLen: 1024}
}

// UnpackMessage decodes a Message's Meta header and opens its content
// IMap. If the message carries a Param or Result payload, UnpackMessage
// leaves item holding that value so the caller can decode it with
// rpcio's helpers (MemDup, ForList, ForMap, ...); the caller must then
// call u.Unpack(item) once more to consume the content IMap's closing
// ContainerEnd. If there is no payload, item is left at TypeContainerEnd
// (or, for a decoded Error, the message is already fully consumed).
func UnpackMessage(u rpcio.Unpacker, item *chainpack.Item, limits Limits) (*Message, error) {
	if err := u.Unpack(item); err != nil {
		return nil, err
	}
	if item.Type != chainpack.TypeMeta {
		return nil, fmt.Errorf("rpcmsg: expected Meta, got %s", item.Type)
	}

	m := &Message{}
	sawTypeID := false
	for {
		if err := u.Unpack(item); err != nil {
			return nil, err
		}
		if item.Type == chainpack.TypeContainerEnd {
			break
		}
		key, err := intKey(item)
		if err != nil {
			return nil, err
		}
		if err := u.Unpack(item); err != nil {
			return nil, err
		}
		if err := applyMetaTag(u, item, m, key, limits); err != nil {
			return nil, err
		}
		if key == MetaTypeId {
			sawTypeID = true
		}
	}
	if sawTypeID {
		// Nothing further to validate beyond presence; the value itself is
		// checked in applyMetaTag.
		_ = sawTypeID
	}

	if err := u.Unpack(item); err != nil {
		return nil, err
	}
	if item.Type != chainpack.TypeIMap {
		return nil, fmt.Errorf("rpcmsg: expected content IMap, got %s", item.Type)
	}

	ambiguous := m.HasRequestID && m.Method == ""
	switch {
	case m.HasRequestID && m.Method != "":
		m.Kind = KindRequest
	case m.Method != "":
		m.Kind = KindSignal
		if m.Source == "" {
			m.Source = DefaultSignalSource
		}
	case ambiguous:
		m.Kind = KindResponse // provisional; may become KindError below
	default:
		return nil, fmt.Errorf("rpcmsg: message has neither RequestId nor Method")
	}

	if err := u.Unpack(item); err != nil {
		return nil, err
	}
	if item.Type == chainpack.TypeContainerEnd {
		return m, nil
	}
	key, err := intKey(item)
	if err != nil {
		return nil, err
	}
	if ambiguous && key == Error {
		rpcErr, err := decodeErrorValue(u, item)
		if err != nil {
			return nil, err
		}
		m.Error = rpcErr
		m.Kind = KindError
		if err := u.Unpack(item); err != nil {
			return nil, err
		}
		if item.Type != chainpack.TypeContainerEnd {
			return nil, fmt.Errorf("rpcmsg: trailing data after Error value")
		}
		return m, nil
	}
	if err := u.Unpack(item); err != nil {
		return nil, err
	}
	return m, nil
}

func intKey(item *chainpack.Item) (int, error) {
	switch item.Type {
	case chainpack.TypeInt:
		return int(item.Int), nil
	case chainpack.TypeUInt:
		return int(item.UInt), nil
	default:
		return 0, fmt.Errorf("rpcmsg: expected integer key, got %s", item.Type)
	}
}

func applyMetaTag(u rpcio.Unpacker, item *chainpack.Item, m *Message, key int, limits Limits) error {
	switch key {
	case MetaTypeId:
		if item.Type != chainpack.TypeInt && item.Type != chainpack.TypeUInt {
			return fmt.Errorf("rpcmsg: MetaTypeId must be an integer")
		}
	case MetaNamespaceId:
		// value ignored beyond the "must be 0 if present" invariant, left
		// to stricter validators; this decoder tolerates any value.
	case RequestId:
		switch item.Type {
		case chainpack.TypeInt:
			m.RequestID = item.Int
		case chainpack.TypeUInt:
			m.RequestID = int64(item.UInt)
		default:
			return fmt.Errorf("rpcmsg: RequestId must be an integer")
		}
		m.HasRequestID = true
	case ShvPath:
		s, err := rpcio.StrDup(u, item, limits.MaxPathLen)
		if err != nil {
			return err
		}
		m.Path = s
	case Method: // == Signal
		s, err := rpcio.StrDup(u, item, limits.MaxMethodLen)
		if err != nil {
			return err
		}
		m.Method = s
	case CallerIds:
		if item.Type != chainpack.TypeList {
			return fmt.Errorf("rpcmsg: CallerIds must be a list")
		}
		return rpcio.ForList(u, item, func(it *chainpack.Item) error {
			switch it.Type {
			case chainpack.TypeInt:
				m.CallerIDs = append(m.CallerIDs, it.Int)
			case chainpack.TypeUInt:
				m.CallerIDs = append(m.CallerIDs, int64(it.UInt))
			default:
				return fmt.Errorf("rpcmsg: CallerIds entries must be integers")
			}
			return nil
		})
	case AccessGranted:
		s, err := rpcio.StrDup(u, item, 0)
		if err != nil {
			return err
		}
		m.AccessGrant = s
		if !m.HasAccess {
			m.AccessLevel = ParseAccessString(s)
			m.HasAccess = true
		}
	case UserId:
		s, err := rpcio.StrDup(u, item, limits.MaxUserIDLen)
		if err != nil {
			return err
		}
		m.UserID = s
	case AccessLevelTag:
		switch item.Type {
		case chainpack.TypeInt:
			m.AccessLevel = AccessLevel(item.Int)
		case chainpack.TypeUInt:
			m.AccessLevel = AccessLevel(item.UInt)
		default:
			return fmt.Errorf("rpcmsg: AccessLevel must be an integer")
		}
		m.HasAccess = true
	case Source:
		s, err := rpcio.StrDup(u, item, 0)
		if err != nil {
			return err
		}
		m.Source = s
	case Repeat:
		m.Repeat = item.Type == chainpack.TypeBool && item.Bool
	default:
		if limits.PreserveUnknownTags {
			raw, err := reencode(u, item)
			if err != nil {
				return err
			}
			if m.UnknownTags == nil {
				m.UnknownTags = map[int][]byte{}
			}
			m.UnknownTags[key] = raw
			return nil
		}
		return rpcio.Skip(u, item)
	}
	return nil
}

// reencode re-packs the current item (and, if a container, its full
// subtree) as ChainPack bytes, for tag preservation.
func reencode(u rpcio.Unpacker, item *chainpack.Item) ([]byte, error) {
	var buf bytes.Buffer
	w := chainpack.NewWriter(&buf)
	if err := copyOneItem(u, w, item); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func copyOneItem(u rpcio.Unpacker, w *chainpack.Writer, item *chainpack.Item) error {
	switch item.Type {
	case chainpack.TypeList, chainpack.TypeMap, chainpack.TypeIMap, chainpack.TypeMeta:
		if _, err := w.Pack(item); err != nil {
			return err
		}
		for {
			if err := u.Unpack(item); err != nil {
				return err
			}
			if item.Type == chainpack.TypeContainerEnd {
				_, err := w.ContainerEnd()
				return err
			}
			if err := copyOneItem(u, w, item); err != nil {
				return err
			}
		}
	case chainpack.TypeBlob, chainpack.TypeString:
		data, err := rpcio.MemDup(u, item, 0)
		if err != nil {
			return err
		}
		if item.Type == chainpack.TypeBlob {
			_, err = w.PackBlob(data)
		} else {
			_, err = w.PackString(string(data))
		}
		return err
	default:
		_, err := w.Pack(item)
		return err
	}
}

// decodeErrorValue decodes the Error key's Map value
// ({"code": int, "message": string?}) into an RPCError.
func decodeErrorValue(u rpcio.Unpacker, item *chainpack.Item) (*RPCError, error) {
	if err := u.Unpack(item); err != nil {
		return nil, err
	}
	if item.Type != chainpack.TypeMap {
		return nil, fmt.Errorf("rpcmsg: Error value must be a map, got %s", item.Type)
	}
	rpcErr := &RPCError{}
	err := rpcio.ForMap(u, item, func(k string, v *chainpack.Item) error {
		switch k {
		case "code":
			switch v.Type {
			case chainpack.TypeInt:
				rpcErr.Code = ErrorCode(v.Int)
			case chainpack.TypeUInt:
				rpcErr.Code = ErrorCode(v.UInt)
			}
			return nil
		case "message":
			s, err := rpcio.StrDup(u, v, 0)
			if err != nil {
				return err
			}
			rpcErr.Message = s
			return nil
		default:
			return rpcio.Skip(u, v)
		}
	})
	if err != nil {
		return nil, err
	}
	return rpcErr, nil
}
