package rpcbroker

import (
	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

// fanoutPacker replicates every packed item onto a set of destination
// packers at once, the same shape as one client's worth of packing. A
// destination that errors on any call is dropped from the live set (its
// message later rolled back) without interrupting the others — mirroring
// multipack_func, which ORs together each destination's result but keeps
// writing to every one regardless.
type fanoutPacker struct {
	dests []*multipackDest
}

type multipackDest struct {
	cid  int64
	p    rpcio.Packer
	send func() error
	drop func() error
	live bool
}

func (f *fanoutPacker) anyLive() bool {
	for _, d := range f.dests {
		if d.live {
			return true
		}
	}
	return false
}

func (f *fanoutPacker) each(fn func(rpcio.Packer) error) (int, error) {
	n := 0
	for _, d := range f.dests {
		if !d.live {
			continue
		}
		if err := fn(d.p); err != nil {
			d.live = false
			continue
		}
		n++
	}
	if n == 0 {
		return 0, errNoDestinationsLive
	}
	return n, nil
}

func (f *fanoutPacker) PackNull() (int, error) { return f.each(func(p rpcio.Packer) error { _, err := p.PackNull(); return err }) }
func (f *fanoutPacker) PackBool(v bool) (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.PackBool(v); return err })
}
func (f *fanoutPacker) PackInt(v int64) (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.PackInt(v); return err })
}
func (f *fanoutPacker) PackUInt(v uint64) (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.PackUInt(v); return err })
}
func (f *fanoutPacker) PackDouble(v float64) (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.PackDouble(v); return err })
}
func (f *fanoutPacker) PackDecimal(v chainpack.Decimal) (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.PackDecimal(v); return err })
}
func (f *fanoutPacker) PackDateTime(v chainpack.DateTime) (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.PackDateTime(v); return err })
}
func (f *fanoutPacker) PackBlob(v []byte) (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.PackBlob(v); return err })
}
func (f *fanoutPacker) PackString(v string) (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.PackString(v); return err })
}
func (f *fanoutPacker) ListBegin() (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.ListBegin(); return err })
}
func (f *fanoutPacker) MapBegin() (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.MapBegin(); return err })
}
func (f *fanoutPacker) IMapBegin() (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.IMapBegin(); return err })
}
func (f *fanoutPacker) MetaBegin() (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.MetaBegin(); return err })
}
func (f *fanoutPacker) ContainerEnd() (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.ContainerEnd(); return err })
}
func (f *fanoutPacker) Pack(item *chainpack.Item) (int, error) {
	return f.each(func(p rpcio.Packer) error { _, err := p.Pack(item); return err })
}

// newFanout opens a packer on every destination client's Handler,
// returning nil if none are reachable (e.g. all disconnected between
// signalDestinations computing the set and this call).
func (b *Broker) newFanout(dest map[int64]struct{}) *fanoutPacker {
	f := &fanoutPacker{}
	for cid := range dest {
		cs := b.client(cid)
		if cs == nil || cs.handler == nil {
			continue
		}
		p, send, drop := cs.handler.NewPacker()
		f.dests = append(f.dests, &multipackDest{cid: cid, p: p, send: send, drop: drop, live: true})
	}
	if len(f.dests) == 0 {
		return nil
	}
	return f
}

func (f *fanoutPacker) finish(commit bool) {
	for _, d := range f.dests {
		if !d.live {
			continue
		}
		if commit {
			_ = d.send()
		} else {
			_ = d.drop()
		}
	}
}

// sendSignalFunc fans a signal out to every subscriber of (path, source,
// signal) that source's access permits, packing its value with pack in
// one pass shared by every destination. It is a no-op if there are no
// subscribers or none are currently reachable.
func (b *Broker) sendSignalFunc(path, source, signal, uid string, access rpcmsg.AccessLevel, repeat bool, pack func(rpcio.Packer) error) {
	dest := b.signalDestinations(path, source, signal, access)
	if len(dest) == 0 {
		return
	}
	f := b.newFanout(dest)
	if f == nil {
		return
	}
	if b.metrics != nil {
		b.metrics.RecordSignal(signal, len(dest))
	}

	err := rpcmsg.PackSignal(f, path, source, signal)
	if err == nil {
		err = packSignalExtra(f, uid, access, repeat)
	}
	if err == nil {
		err = pack(f)
	}
	if err == nil {
		_, err = f.ContainerEnd()
	}
	f.finish(err == nil)
}

// packSignalExtra writes the UserId/AccessLevel/Repeat tags PackSignal
// leaves to the caller, matching what rpcmsg_pack_signal packs beyond the
// bare path/source/signal header.
func packSignalExtra(p rpcio.Packer, uid string, access rpcmsg.AccessLevel, repeat bool) error {
	if uid != "" {
		if _, err := p.PackInt(rpcmsg.UserId); err != nil {
			return err
		}
		if _, err := p.PackString(uid); err != nil {
			return err
		}
	}
	if _, err := p.PackInt(rpcmsg.AccessLevelTag); err != nil {
		return err
	}
	if _, err := p.PackInt(int64(access)); err != nil {
		return err
	}
	if repeat {
		if _, err := p.PackInt(rpcmsg.Repeat); err != nil {
			return err
		}
		if _, err := p.PackBool(true); err != nil {
			return err
		}
	}
	return nil
}

// forwardSignal re-emits an already-decoded signal message (received from
// one client) to every subscriber, copying its content in a single
// streaming pass over the source rather than reconstructing it from
// scratch — used by the rpc stage when a mounted client raises a signal
// that needs forwarding upward, as opposed to sendSignalFunc's use for
// signals the broker itself originates (e.g. lsmod). consume is called
// exactly once, regardless of whether there are any live subscribers, so
// the source reader always advances past the signal's content.
func (b *Broker) forwardSignal(path string, msg *rpcmsg.Message, consume func(p rpcio.Packer) error) {
	dest := b.signalDestinations(path, msg.Source, msg.Method, msg.AccessLevel)
	var f *fanoutPacker
	var p rpcio.Packer = discardPacker{}
	if len(dest) > 0 {
		if f = b.newFanout(dest); f != nil {
			p = f
			if b.metrics != nil {
				b.metrics.RecordSignal(msg.Method, len(dest))
			}
		}
	}

	err := rpcmsg.PackSignal(p, path, msg.Source, msg.Method)
	if err == nil {
		err = packSignalExtra(p, msg.UserID, msg.AccessLevel, msg.Repeat)
	}
	if err == nil {
		err = consume(p)
	}
	if err == nil {
		_, err = p.ContainerEnd()
	}
	if f != nil {
		f.finish(err == nil)
	}
}

// discardPacker is a Packer that accepts and drops everything, used to
// drain a signal's content when it has no live subscribers so the source
// reader still advances past it correctly.
type discardPacker struct{}

func (discardPacker) PackNull() (int, error)                      { return 0, nil }
func (discardPacker) PackBool(bool) (int, error)                  { return 0, nil }
func (discardPacker) PackInt(int64) (int, error)                  { return 0, nil }
func (discardPacker) PackUInt(uint64) (int, error)                { return 0, nil }
func (discardPacker) PackDouble(float64) (int, error)             { return 0, nil }
func (discardPacker) PackDecimal(chainpack.Decimal) (int, error)  { return 0, nil }
func (discardPacker) PackDateTime(chainpack.DateTime) (int, error) { return 0, nil }
func (discardPacker) PackBlob([]byte) (int, error)                { return 0, nil }
func (discardPacker) PackString(string) (int, error)              { return 0, nil }
func (discardPacker) ListBegin() (int, error)                     { return 0, nil }
func (discardPacker) MapBegin() (int, error)                      { return 0, nil }
func (discardPacker) IMapBegin() (int, error)                     { return 0, nil }
func (discardPacker) MetaBegin() (int, error)                     { return 0, nil }
func (discardPacker) ContainerEnd() (int, error)                  { return 0, nil }
func (discardPacker) Pack(*chainpack.Item) (int, error)           { return 0, nil }

// SendSignal emits a signal from path with the given source method and
// signal name, packing its value with pack, to every subscriber source's
// access level permits. uid, if non-empty, is attached as the signal's
// UserId. repeat marks this as a resend of a value that didn't just
// change.
func (b *Broker) SendSignal(path, source, signal, uid string, access rpcmsg.AccessLevel, repeat bool, pack func(rpcio.Packer) error) {
	b.sendSignalFunc(path, source, signal, uid, access, repeat, pack)
}

// SendChng is SendSignal specialized for the conventional "chng"
// value-changed notification from the "get" method.
func (b *Broker) SendChng(path, uid string, access rpcmsg.AccessLevel, pack func(rpcio.Packer) error) {
	b.SendSignal(path, rpcmsg.DefaultSignalSource, rpcmsg.DefaultSignalName, uid, access, false, pack)
}
