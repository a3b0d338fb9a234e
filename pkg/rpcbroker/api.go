package rpcbroker

import (
	"strconv"
	"time"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/rpchandler"
	"github.com/silicon-heaven/shvgo/pkg/rpcdir"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

const (
	brokerPath        = ".broker"
	currentClientPath = ".broker/currentClient"
)

// apiLs contributes .broker's fixed children and .broker/client's list of
// logged-in client IDs; every other path is left to the mount-derived
// children the rpc stage's Ls callback adds itself.
func apiLs(cs *clientState, ctx *rpchandler.LsContext) {
	switch ctx.Path() {
	case "":
		ctx.Result(".broker")
	case brokerPath:
		ctx.Result("currentClient")
		ctx.Result("client")
	case brokerPath + "/client":
		b := cs.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		for cid, c := range b.clients {
			c.mu.Lock()
			has := c.role != nil
			c.mu.Unlock()
			if has {
				ctx.Result(itoa(cid))
			}
		}
	}
}

func apiDir(cs *clientState, ctx *rpchandler.DirContext) {
	switch ctx.Path() {
	case brokerPath:
		ctx.Result(&rpcdir.Method{Name: "name", Result: "String",
			Flags: rpcdir.FlagGetter, Access: rpcmsg.AccessBrowse})
		ctx.Result(&rpcdir.Method{Name: "clientInfo", Param: "Int", Result: "ClientInfo",
			Access: rpcmsg.AccessSuperService})
		ctx.Result(&rpcdir.Method{Name: "mountedClientInfo", Param: "String", Result: "ClientInfo",
			Access: rpcmsg.AccessSuperService})
		ctx.Result(&rpcdir.Method{Name: "clients", Result: "List[Int]",
			Access: rpcmsg.AccessSuperService})
		ctx.Result(&rpcdir.Method{Name: "mounts", Result: "List[String]",
			Access: rpcmsg.AccessSuperService})
		ctx.Result(&rpcdir.Method{Name: "disconnectClient", Param: "Int",
			Access: rpcmsg.AccessSuperService})
	case currentClientPath:
		ctx.Result(&rpcdir.Method{Name: "info", Result: "ClientInfo",
			Flags: rpcdir.FlagGetter, Access: rpcmsg.AccessBrowse})
		ctx.Result(&rpcdir.Method{Name: "subscribe", Param: "String", Result: "Bool",
			Access: rpcmsg.AccessBrowse})
		ctx.Result(&rpcdir.Method{Name: "unsubscribe", Param: "String", Result: "Bool",
			Access: rpcmsg.AccessBrowse})
		ctx.Result(&rpcdir.Method{Name: "subscriptions", Result: "List[String]",
			Access: rpcmsg.AccessBrowse})
	}
}

// apiMsg serves a request to .broker or .broker/currentClient, reporting
// whether it recognized the path at all (a recognized path always
// produces a response or error; an unrecognized one falls through to
// mount-point forwarding).
func apiMsg(cs *clientState, ctx *rpchandler.MsgContext) (bool, error) {
	switch ctx.Message().Path {
	case brokerPath:
		return apiMsgBroker(cs, ctx)
	case currentClientPath:
		return apiMsgCurrentClient(cs, ctx)
	default:
		return false, nil
	}
}

func apiMsgBroker(cs *clientState, ctx *rpchandler.MsgContext) (bool, error) {
	msg := ctx.Message()
	switch msg.Method {
	case "name":
		if err := requireVoidParam(ctx); err != nil {
			return true, err
		}
		p, send, drop, err := ctx.Respond()
		if err != nil {
			return true, err
		}
		if _, err := p.PackInt(rpcmsg.Result); err != nil {
			_ = drop()
			return true, err
		}
		if _, err := p.PackString(cs.broker.name); err != nil {
			_ = drop()
			return true, err
		}
		if _, err := p.ContainerEnd(); err != nil {
			_ = drop()
			return true, err
		}
		return true, send()

	case "clientInfo":
		if msg.AccessLevel < rpcmsg.AccessSuperService {
			return false, nil
		}
		var cid int64
		if err := unpackIntParam(ctx, &cid); err != nil {
			return true, err
		}
		return true, sendClientInfo(cs.broker, cid, ctx)

	case "mountedClientInfo":
		if msg.AccessLevel < rpcmsg.AccessSuperService {
			return false, nil
		}
		var path string
		if err := unpackStringParam(ctx, &path); err != nil {
			return true, err
		}
		cid, _, ok := cs.broker.mountedClient(path)
		if !ok {
			return true, ctx.RespondVoid()
		}
		return true, sendClientInfo(cs.broker, cid, ctx)

	case "clients":
		if msg.AccessLevel < rpcmsg.AccessSuperService {
			return false, nil
		}
		if err := requireVoidParam(ctx); err != nil {
			return true, err
		}
		b := cs.broker
		b.mu.Lock()
		ids := make([]int64, 0, len(b.clients))
		for cid, c := range b.clients {
			c.mu.Lock()
			has := c.role != nil
			c.mu.Unlock()
			if has {
				ids = append(ids, cid)
			}
		}
		b.mu.Unlock()
		p, send, drop, err := ctx.Respond()
		if err != nil {
			return true, err
		}
		if _, err := p.PackInt(rpcmsg.Result); err != nil {
			_ = drop()
			return true, err
		}
		if _, err := p.ListBegin(); err != nil {
			_ = drop()
			return true, err
		}
		for _, id := range ids {
			if _, err := p.PackInt(id); err != nil {
				_ = drop()
				return true, err
			}
		}
		if _, err := p.ContainerEnd(); err != nil {
			_ = drop()
			return true, err
		}
		if _, err := p.ContainerEnd(); err != nil {
			_ = drop()
			return true, err
		}
		return true, send()

	case "mounts":
		if msg.AccessLevel < rpcmsg.AccessSuperService {
			return false, nil
		}
		if err := requireVoidParam(ctx); err != nil {
			return true, err
		}
		b := cs.broker
		b.mu.Lock()
		paths := make([]string, len(b.mounts))
		for i, m := range b.mounts {
			paths[i] = m.path
		}
		b.mu.Unlock()
		p, send, drop, err := ctx.Respond()
		if err != nil {
			return true, err
		}
		if _, err := p.PackInt(rpcmsg.Result); err != nil {
			_ = drop()
			return true, err
		}
		if _, err := p.ListBegin(); err != nil {
			_ = drop()
			return true, err
		}
		for _, path := range paths {
			if _, err := p.PackString(path); err != nil {
				_ = drop()
				return true, err
			}
		}
		if _, err := p.ContainerEnd(); err != nil {
			_ = drop()
			return true, err
		}
		if _, err := p.ContainerEnd(); err != nil {
			_ = drop()
			return true, err
		}
		return true, send()

	case "disconnectClient":
		if msg.AccessLevel < rpcmsg.AccessSuperService {
			return false, nil
		}
		var cid int64
		if err := unpackIntParam(ctx, &cid); err != nil {
			return true, err
		}
		target := cs.broker.client(cid)
		if target == nil {
			return true, ctx.RespondErrorf(rpcmsg.MethodCallException, "No such client")
		}
		_ = target.handler.Client().Disconnect()
		return true, ctx.RespondVoid()

	default:
		return false, nil
	}
}

func apiMsgCurrentClient(cs *clientState, ctx *rpchandler.MsgContext) (bool, error) {
	msg := ctx.Message()
	switch msg.Method {
	case "info":
		if err := requireVoidParam(ctx); err != nil {
			return true, err
		}
		return true, sendClientInfo(cs.broker, cs.cid, ctx)

	case "subscribe":
		ri, ttl, err := unpackSubscribeParam(ctx)
		if err != nil {
			return true, err
		}
		added := cs.broker.subscribe(ri, cs.cid)
		if ttl > 0 {
			cs.setTTL(cs.broker.subscriptionRI(ri), ttl, added)
		}
		return true, respondBool(ctx, added)

	case "unsubscribe":
		var ri string
		if err := unpackStringParam(ctx, &ri); err != nil {
			return true, err
		}
		cs.dropTTL(ri)
		removed := cs.broker.unsubscribe(ri, cs.cid)
		return true, respondBool(ctx, removed)

	case "subscriptions":
		if err := requireVoidParam(ctx); err != nil {
			return true, err
		}
		return true, sendSubscriptions(cs, ctx)

	default:
		return false, nil
	}
}

func (cs *clientState) setTTL(ri string, ttl time.Duration, isNew bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	deadline := time.Now().Add(ttl)
	if !isNew {
		for i := range cs.ttlSubs {
			if cs.ttlSubs[i].ri == ri {
				cs.ttlSubs[i].ttl = deadline
				resortTTL(cs.ttlSubs)
				return
			}
		}
	}
	cs.ttlSubs = append(cs.ttlSubs, ttlSubscription{ri: ri, ttl: deadline})
	resortTTL(cs.ttlSubs)
}

func (cs *clientState) dropTTL(ri string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, t := range cs.ttlSubs {
		if t.ri == ri {
			cs.ttlSubs = append(cs.ttlSubs[:i], cs.ttlSubs[i+1:]...)
			return
		}
	}
}

func resortTTL(subs []ttlSubscription) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j].ttl.Before(subs[j-1].ttl); j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}
}

func sendClientInfo(b *Broker, cid int64, ctx *rpchandler.MsgContext) error {
	cs := b.client(cid)
	if cs == nil {
		return ctx.RespondVoid()
	}
	cs.mu.Lock()
	role := cs.role
	username := cs.username
	cs.mu.Unlock()
	if role == nil {
		return ctx.RespondVoid()
	}

	p, send, drop, err := ctx.Respond()
	if err != nil {
		return err
	}
	if _, err := p.PackInt(rpcmsg.Result); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.MapBegin(); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.PackString("clientId"); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.PackInt(cid); err != nil {
		_ = drop()
		return err
	}
	if username != "" {
		if err := packStrField(p, "userName", username); err != nil {
			_ = drop()
			return err
		}
	}
	if role.MountPoint != "" {
		if err := packStrField(p, "mountPoint", role.MountPoint); err != nil {
			_ = drop()
			return err
		}
	}
	if role.Name != "" {
		if err := packStrField(p, "role", role.Name); err != nil {
			_ = drop()
			return err
		}
	}
	if _, err := p.PackString("subscriptions"); err != nil {
		_ = drop()
		return err
	}
	if err := packSubscriptions(p, b, cs); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.ContainerEnd(); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.ContainerEnd(); err != nil {
		_ = drop()
		return err
	}
	return send()
}

func sendSubscriptions(cs *clientState, ctx *rpchandler.MsgContext) error {
	p, send, drop, err := ctx.Respond()
	if err != nil {
		return err
	}
	if _, err := p.PackInt(rpcmsg.Result); err != nil {
		_ = drop()
		return err
	}
	if err := packSubscriptions(p, cs.broker, cs); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.ContainerEnd(); err != nil {
		_ = drop()
		return err
	}
	return send()
}

// packSubscriptions writes Map{ri: secondsRemaining-or-null, ...}
// for every subscription cs currently holds.
func packSubscriptions(p rpcio.Packer, b *Broker, cs *clientState) error {
	ris := b.Subscriptions(cs.cid)
	cs.mu.Lock()
	ttls := append([]ttlSubscription(nil), cs.ttlSubs...)
	cs.mu.Unlock()
	now := time.Now()

	if _, err := p.MapBegin(); err != nil {
		return err
	}
	for _, ri := range ris {
		if _, err := p.PackString(ri); err != nil {
			return err
		}
		remaining := ttlFor(ttls, ri, now)
		if remaining < 0 {
			if _, err := p.PackNull(); err != nil {
				return err
			}
		} else if _, err := p.PackInt(remaining); err != nil {
			return err
		}
	}
	_, err := p.ContainerEnd()
	return err
}

func ttlFor(ttls []ttlSubscription, ri string, now time.Time) int64 {
	for _, t := range ttls {
		if t.ri == ri {
			ms := t.ttl.Sub(now).Milliseconds() / 1000
			if ms < 0 {
				ms = 0
			}
			return ms
		}
	}
	return -1
}

func packStrField(p rpcio.Packer, key, val string) error {
	if _, err := p.PackString(key); err != nil {
		return err
	}
	_, err := p.PackString(val)
	return err
}

func requireVoidParam(ctx *rpchandler.MsgContext) error {
	hasValue := false
	if err := ctx.ConsumeContent(func() error {
		hasValue = true
		return rpcio.Skip(ctx.Unpacker(), ctx.Item())
	}); err != nil {
		return err
	}
	valid, err := ctx.Valid()
	if err != nil || !valid {
		return err
	}
	if hasValue {
		return ctx.RespondErrorf(rpcmsg.InvalidParam, "Must be 'null'")
	}
	return nil
}

func unpackIntParam(ctx *rpchandler.MsgContext, out *int64) error {
	var val int64
	var ok bool
	if err := ctx.ConsumeContent(func() error {
		switch ctx.Item().Type {
		case chainpack.TypeInt:
			val, ok = ctx.Item().Int, true
		case chainpack.TypeUInt:
			val, ok = int64(ctx.Item().UInt), true
		}
		return nil
	}); err != nil {
		return err
	}
	valid, verr := ctx.Valid()
	if verr != nil || !valid {
		return verr
	}
	if !ok {
		return ctx.RespondErrorf(rpcmsg.InvalidParam, "Expected Int")
	}
	*out = val
	return nil
}

func unpackStringParam(ctx *rpchandler.MsgContext, out *string) error {
	var val string
	var perr error
	if err := ctx.ConsumeContent(func() error {
		if ctx.Item().Type != chainpack.TypeString {
			perr = rpcmsg.NewError(rpcmsg.InvalidParam, "Expected String")
			return rpcio.Skip(ctx.Unpacker(), ctx.Item())
		}
		s, err := rpcio.StrDup(ctx.Unpacker(), ctx.Item(), 0)
		val = s
		return err
	}); err != nil {
		return err
	}
	valid, verr := ctx.Valid()
	if verr != nil || !valid {
		return verr
	}
	if perr != nil {
		return ctx.RespondErrorf(rpcmsg.InvalidParam, "Expected String")
	}
	*out = val
	return nil
}

// unpackSubscribeParam reads currentClient.subscribe's param: either a
// bare RI string, or a two-element List[String, Int] carrying an
// additional TTL in seconds (ttl <= 0 means no TTL).
func unpackSubscribeParam(ctx *rpchandler.MsgContext) (ri string, ttl time.Duration, err error) {
	var perr error
	var seconds int64
	if cerr := ctx.ConsumeContent(func() error {
		switch ctx.Item().Type {
		case chainpack.TypeString:
			s, err := rpcio.StrDup(ctx.Unpacker(), ctx.Item(), 0)
			ri = s
			return err
		case chainpack.TypeList:
			return rpcio.ForList(ctx.Unpacker(), ctx.Item(), func(item *chainpack.Item) error {
				switch item.Type {
				case chainpack.TypeString:
					if ri != "" {
						return rpcio.Skip(ctx.Unpacker(), item)
					}
					s, err := rpcio.StrDup(ctx.Unpacker(), item, 0)
					ri = s
					return err
				case chainpack.TypeInt:
					seconds = item.Int
					return nil
				case chainpack.TypeUInt:
					seconds = int64(item.UInt)
					return nil
				default:
					return rpcio.Skip(ctx.Unpacker(), item)
				}
			})
		default:
			perr = rpcmsg.NewError(rpcmsg.InvalidParam, "Expected String or List")
			return rpcio.Skip(ctx.Unpacker(), ctx.Item())
		}
	}); cerr != nil {
		return "", 0, cerr
	}

	valid, verr := ctx.Valid()
	if verr != nil || !valid {
		return "", 0, verr
	}
	if perr != nil || ri == "" {
		return "", 0, ctx.RespondErrorf(rpcmsg.InvalidParam, "Expected String or List")
	}
	return ri, time.Duration(seconds) * time.Second, nil
}

func respondBool(ctx *rpchandler.MsgContext, v bool) error {
	p, send, drop, err := ctx.Respond()
	if err != nil {
		return err
	}
	if _, err := p.PackInt(rpcmsg.Result); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.PackBool(v); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.ContainerEnd(); err != nil {
		_ = drop()
		return err
	}
	return send()
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
