package rpcbroker

import (
	"sort"
	"strings"
	"time"

	"github.com/silicon-heaven/shvgo/pkg/rpchandler"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

// rpcFuncs is the second stage every client runs through, once it has a
// Role: it serves the broker's own .broker/.broker/currentClient built-in
// methods, and otherwise forwards requests, responses/errors and signals
// between mount points — the traffic-directing heart of the broker.
var rpcFuncs = rpchandler.Funcs{
	Msg:   rpcMsg,
	Ls:    rpcLs,
	Dir:   rpcDir,
	Idle:  rpcIdle,
	Reset: rpcReset,
}

func rpcMsg(cookie any, ctx *rpchandler.MsgContext) (rpchandler.MsgResult, error) {
	cs := cookie.(*clientState)
	msg := ctx.Message()
	switch msg.Kind {
	case rpcmsg.KindRequest:
		return rpcMsgRequest(cs, ctx)
	case rpcmsg.KindResponse, rpcmsg.KindError:
		return rpcMsgResponse(cs, ctx)
	case rpcmsg.KindSignal:
		return rpcMsgSignal(cs, ctx)
	default:
		return rpchandler.MsgSkip, nil
	}
}

func rpcMsgRequest(cs *clientState, ctx *rpchandler.MsgContext) (result rpchandler.MsgResult, err error) {
	msg := ctx.Message()
	method := msg.Method
	start := time.Now()
	defer func() {
		if cs.broker.metrics != nil {
			status := ""
			if err != nil {
				status = "error"
			}
			cs.broker.metrics.RecordRequest(method, time.Since(start), status)
		}
	}()

	cs.mu.Lock()
	role := cs.role
	cs.mu.Unlock()

	if role != nil {
		newAccess := role.Access(msg.Path, msg.Method)
		if msg.HasAccess {
			msg.AccessLevel = rpcmsg.Min(msg.AccessLevel, newAccess)
		} else {
			msg.AccessLevel = newAccess
		}
		msg.HasAccess = true
	} else {
		msg.AccessLevel = rpcmsg.AccessNone
	}

	handled, err := apiMsg(cs, ctx)
	if err != nil || handled {
		return rpchandler.MsgDone, err
	}

	cid, rpath, ok := cs.broker.mountedClient(msg.Path)
	if !ok {
		return rpchandler.MsgSkip, nil
	}
	dst := cs.broker.Handler(cid)
	if dst == nil {
		return rpchandler.MsgSkip, nil
	}

	origPath := msg.Path
	msg.Path = rpath
	msg.PushCallerID(cs.cid)
	cs.mu.Lock()
	username := cs.username
	cs.mu.Unlock()
	msg.UserID = rpcmsg.RewriteUserID(msg.UserID, username, cs.broker.name)

	err = propagateMsg(ctx, dst)
	msg.Path = origPath // restore, in case a later stage or log still reads it
	return rpchandler.MsgDone, err
}

func rpcMsgResponse(cs *clientState, ctx *rpchandler.MsgContext) (rpchandler.MsgResult, error) {
	msg := ctx.Message()
	dstCID, ok := msg.PopCallerID()
	if !ok {
		if _, err := ctx.Valid(); err != nil {
			return rpchandler.MsgDone, err
		}
		return rpchandler.MsgDone, nil
	}
	dst := cs.broker.Handler(dstCID)
	if dst == nil {
		if _, err := ctx.Valid(); err != nil {
			return rpchandler.MsgDone, err
		}
		return rpchandler.MsgDone, nil
	}
	return rpchandler.MsgDone, propagateMsg(ctx, dst)
}

func rpcMsgSignal(cs *clientState, ctx *rpchandler.MsgContext) (rpchandler.MsgResult, error) {
	msg := ctx.Message()
	cs.mu.Lock()
	role := cs.role
	cs.mu.Unlock()

	if role == nil || role.MountPoint == "" {
		if err := ctx.ConsumeContent(func() error { return rpcio.Skip(ctx.Unpacker(), ctx.Item()) }); err != nil {
			return rpchandler.MsgDone, err
		}
		if _, err := ctx.Valid(); err != nil {
			return rpchandler.MsgDone, err
		}
		return rpchandler.MsgDone, nil
	}

	path := role.MountPoint
	if msg.Path != "" {
		path = role.MountPoint + "/" + msg.Path
	}

	cs.broker.forwardSignal(path, msg, func(p rpcio.Packer) error {
		return ctx.ConsumeContent(func() error {
			return rpcio.CopyItem(ctx.Unpacker(), p, ctx.Item())
		})
	})
	if _, err := ctx.Valid(); err != nil {
		return rpchandler.MsgDone, err
	}
	return rpchandler.MsgDone, nil
}

// propagateMsg re-emits ctx's message onto dst one hop further, without
// fully decoding its content: the Meta header is rebuilt from ctx's
// already-mutated Message (path rewritten, caller ID pushed, user ID
// rewritten as applicable) and the content copied streaming from ctx's
// unpacker. The new message is committed to dst only if both the copy
// succeeded and the source message was itself framed validly; otherwise
// it is rolled back, matching propagate_msg's defer-to-validity rule in
// the reference implementation.
func propagateMsg(ctx *rpchandler.MsgContext, dst *rpchandler.Handler) error {
	msg := ctx.Message()
	p, send, drop := dst.NewPacker()

	var perr error
	if msg.Kind == rpcmsg.KindError {
		perr = rpcmsg.PackError(p, msg.RequestID, msg.CallerIDs, msg.Error)
	} else {
		perr = rpcmsg.PackMeta(p, msg)
		if perr == nil {
			key := rpcmsg.Param
			if msg.Kind == rpcmsg.KindResponse {
				key = rpcmsg.Result
			}
			perr = ctx.ConsumeContent(func() error {
				if _, err := p.PackInt(int64(key)); err != nil {
					return err
				}
				return rpcio.CopyItem(ctx.Unpacker(), p, ctx.Item())
			})
		}
		if perr == nil {
			_, perr = p.ContainerEnd()
		}
	}

	valid, verr := ctx.Valid()
	if verr != nil {
		_ = drop()
		return verr
	}
	if perr != nil || !valid {
		return drop()
	}
	return send()
}

func rpcLs(cookie any, ctx *rpchandler.LsContext) {
	cs := cookie.(*clientState)
	apiLs(cs, ctx)

	b := cs.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	path := ctx.Path()
	for _, m := range b.mounts {
		if !isPathPrefix(m.path, path) {
			continue
		}
		rest := strings.TrimPrefix(m.path[len(path):], "/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" {
			continue
		}
		ctx.Result(rest)
	}
}

func rpcDir(cookie any, ctx *rpchandler.DirContext) {
	apiDir(cookie.(*clientState), ctx)
}

// rpcIdle expires TTL-bound subscriptions (granted via currentClient's
// subscribe with a ttl argument) as they come due, returning the number
// of milliseconds until the next one expires.
func rpcIdle(cookie any, ictx *rpchandler.IdleContext) (int64, error) {
	cs := cookie.(*clientState)
	now := time.Now()

	cs.mu.Lock()
	i := sort.Search(len(cs.ttlSubs), func(i int) bool { return cs.ttlSubs[i].ttl.After(now) })
	expired := append([]ttlSubscription(nil), cs.ttlSubs[:i]...)
	cs.ttlSubs = cs.ttlSubs[i:]
	var next int64 = -1
	if len(cs.ttlSubs) > 0 {
		next = cs.ttlSubs[0].ttl.Sub(now).Milliseconds()
	}
	cs.mu.Unlock()

	for _, t := range expired {
		cs.broker.unsubscribe(t.ri, cs.cid)
	}
	if next < 0 {
		return int64(rpchandler.DefaultIdleInterval / time.Millisecond), nil
	}
	return next, nil
}

func rpcReset(cookie any) {
	cs := cookie.(*clientState)
	cs.broker.unsubscribeAll(cs.cid)
	cs.mu.Lock()
	cs.ttlSubs = nil
	cs.mu.Unlock()
}

