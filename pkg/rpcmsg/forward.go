package rpcmsg

import (
	"bytes"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
)

// PackMeta writes m's Meta header and opens the content IMap, leaving the
// packer positioned for the caller to copy or write the content payload
// followed by ContainerEnd. Unlike PackRequest/PackResponse/PackSignal/
// PackError, which construct one particular kind of message from scratch,
// PackMeta re-emits whatever Kind m already carries (request, response,
// signal or error alike) — for a broker forwarding a message one hop
// further without fully decoding it, rather than building a new one of
// its own.
func PackMeta(p rpcio.Packer, m *Message) error {
	if err := writeMeta(p, m.Path, func() error { return writeForwardHeader(p, m) }); err != nil {
		return err
	}
	_, err := p.IMapBegin()
	return err
}

func writeForwardHeader(p rpcio.Packer, m *Message) error {
	if m.HasRequestID {
		if _, err := p.PackInt(RequestId); err != nil {
			return err
		}
		if _, err := p.PackInt(m.RequestID); err != nil {
			return err
		}
	}
	if m.Method != "" {
		if _, err := p.PackInt(Method); err != nil {
			return err
		}
		if _, err := p.PackString(m.Method); err != nil {
			return err
		}
	}
	if m.Kind == KindSignal && m.Source != "" && m.Source != DefaultSignalSource {
		if _, err := p.PackInt(Source); err != nil {
			return err
		}
		if _, err := p.PackString(m.Source); err != nil {
			return err
		}
	}
	if len(m.CallerIDs) > 0 {
		if _, err := p.PackInt(CallerIds); err != nil {
			return err
		}
		if _, err := p.ListBegin(); err != nil {
			return err
		}
		for _, id := range m.CallerIDs {
			if _, err := p.PackInt(id); err != nil {
				return err
			}
		}
		if _, err := p.ContainerEnd(); err != nil {
			return err
		}
	}
	if m.UserID != "" {
		if _, err := p.PackInt(UserId); err != nil {
			return err
		}
		if _, err := p.PackString(m.UserID); err != nil {
			return err
		}
	}
	if m.HasAccess {
		if _, err := p.PackInt(AccessLevelTag); err != nil {
			return err
		}
		if _, err := p.PackInt(int64(m.AccessLevel)); err != nil {
			return err
		}
	}
	if m.Repeat {
		if _, err := p.PackInt(Repeat); err != nil {
			return err
		}
		if _, err := p.PackBool(true); err != nil {
			return err
		}
	}
	for key, raw := range m.UnknownTags {
		if _, err := p.PackInt(int64(key)); err != nil {
			return err
		}
		if err := copyRawTag(p, raw); err != nil {
			return err
		}
	}
	return nil
}

// copyRawTag replays a tag value UnpackMessage preserved as raw ChainPack
// bytes (Limits.PreserveUnknownTags) back onto p.
func copyRawTag(p rpcio.Packer, raw []byte) error {
	u := rpcio.NewUnpacker(bytes.NewReader(raw))
	var item chainpack.Item
	return rpcio.CopyAll(u, p, &item)
}
