package rpchandler

import (
	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/rpcdir"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

// MsgContext is passed to a stage's Msg callback, and to the handler's
// own built-in ls/dir/MethodNotFound responders.
type MsgContext struct {
	h    *Handler
	msg  *rpcmsg.Message
	item *chainpack.Item
	u    rpcio.Unpacker

	validated bool
	valid     bool
}

// Message returns the decoded envelope. A stage must look at Path/Method
// here before touching Unpacker/Item: once it reads from the unpacker it
// can no longer decline the message for a later stage.
func (c *MsgContext) Message() *rpcmsg.Message { return c.msg }

// Item is the current decode position: the message's Param/Result value
// if one was sent, or TypeContainerEnd if it was void.
func (c *MsgContext) Item() *chainpack.Item { return c.item }

// Unpacker reads the rest of the message's content IMap.
func (c *MsgContext) Unpacker() rpcio.Unpacker { return c.u }

// ConsumeContent calls fn to read the already-positioned Item (skipping
// the call entirely if there was no payload), then, only if a payload was
// present, reads the content IMap's own closing ContainerEnd. Any stage
// that reads Item/Unpacker directly instead of via this helper must
// replicate that closing read itself.
func (c *MsgContext) ConsumeContent(fn func() error) error {
	if c.item.Type == chainpack.TypeContainerEnd {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	return c.u.Unpack(c.item)
}

// Valid finishes reading the message and verifies framing integrity
// (matching pkg/rpcclient's ValidMsg semantics). Safe to call more than
// once; only the first call touches the transport.
func (c *MsgContext) Valid() (bool, error) {
	if !c.validated {
		ok, err := c.h.client.ValidMsg()
		if err != nil {
			return false, err
		}
		c.valid = ok
		c.validated = true
	}
	return c.valid, nil
}

func (c *MsgContext) newPacker() (rpcio.Packer, func() error, func() error) {
	return c.h.acquireSend(true)
}

// Respond opens a response to this message (Meta plus the content IMap),
// leaving the packer positioned to write the Result key then
// ContainerEnd. Only legal for a request.
func (c *MsgContext) Respond() (rpcio.Packer, func() error, func() error, error) {
	if c.msg.Kind != rpcmsg.KindRequest {
		return nil, nil, nil, errNotARequest
	}
	p, send, drop := c.newPacker()
	if err := rpcmsg.PackResponse(p, c.msg.RequestID, c.msg.CallerIDs); err != nil {
		_ = drop()
		return nil, nil, nil, err
	}
	return p, send, drop, nil
}

// RespondVoid sends a complete response with an empty Result.
func (c *MsgContext) RespondVoid() error {
	if c.msg.Kind != rpcmsg.KindRequest {
		return errNotARequest
	}
	p, send, drop := c.newPacker()
	if err := rpcmsg.PackResponseVoid(p, c.msg.RequestID, c.msg.CallerIDs); err != nil {
		_ = drop()
		return err
	}
	return send()
}

// RespondError sends a complete error response.
func (c *MsgContext) RespondError(rpcErr *rpcmsg.RPCError) error {
	if c.msg.Kind != rpcmsg.KindRequest {
		return errNotARequest
	}
	p, send, drop := c.newPacker()
	if err := rpcmsg.PackError(p, c.msg.RequestID, c.msg.CallerIDs, rpcErr); err != nil {
		_ = drop()
		return err
	}
	return send()
}

// RespondErrorf is RespondError with a formatted message.
func (c *MsgContext) RespondErrorf(code rpcmsg.ErrorCode, format string, args ...any) error {
	return c.RespondError(rpcmsg.NewError(code, format, args...))
}

// Signal opens a signal message from this handler's connection,
// independent of whatever message is currently being handled (legal
// alongside a response to a request).
func (c *MsgContext) Signal(path, source, signal string) (rpcio.Packer, func() error, func() error, error) {
	p, send, drop := c.newPacker()
	if err := rpcmsg.PackSignal(p, path, source, signal); err != nil {
		_ = drop()
		return nil, nil, nil, err
	}
	return p, send, drop, nil
}

// LsContext is passed to a stage's Ls callback: path is the node being
// listed, and Name is either empty (the handler wants the full child
// list) or a specific child name the handler only wants to know exists.
// No packer is reachable from this type: ls aggregation is pack-free by
// construction.
type LsContext struct {
	path string
	name string

	seen    map[string]struct{}
	names   []string
	located bool
}

// Path is the node whose children are being listed.
func (c *LsContext) Path() string { return c.path }

// Name is the specific child being looked up, or "" when every child
// should be reported via Result.
func (c *LsContext) Name() string { return c.name }

// Result reports one child node name. When Name is set, only a match is
// recorded (via Exists); when Name is empty, names are deduplicated
// across stages and accumulated for the ls response.
func (c *LsContext) Result(name string) {
	if c.name != "" {
		if name == c.name {
			c.located = true
		}
		return
	}
	if _, dup := c.seen[name]; dup {
		return
	}
	if c.seen == nil {
		c.seen = map[string]struct{}{}
	}
	c.seen[name] = struct{}{}
	c.names = append(c.names, name)
}

// Exists marks the looked-up Name as found, for a stage that knows the
// answer without enumerating every child.
func (c *LsContext) Exists() {
	if c.name != "" {
		c.located = true
	}
}

// DirContext is passed to a stage's Dir callback; see LsContext for the
// Path/Name existence-query convention. Method descriptors are not
// deduplicated across stages (a well-behaved node tree has no duplicate
// method names under one path).
type DirContext struct {
	path string
	name string

	located bool
	methods []*rpcdir.Method
}

func (c *DirContext) Path() string { return c.path }
func (c *DirContext) Name() string { return c.name }

// Result reports one method descriptor.
func (c *DirContext) Result(m *rpcdir.Method) {
	if c.name != "" {
		if m.Name == c.name {
			c.located = true
		}
		return
	}
	c.methods = append(c.methods, m)
}

// Exists marks the looked-up Name as found.
func (c *DirContext) Exists() {
	if c.name != "" {
		c.located = true
	}
}

// lsDirParam reads the ls/dir request's Param, one of Null (list
// everything), a List (accepted for backward compatibility and treated
// the same as Null), or a String naming one specific child/method.
func lsDirParam(ctx *MsgContext) (string, error) {
	var name string
	err := ctx.ConsumeContent(func() error {
		switch ctx.item.Type {
		case chainpack.TypeNull:
			return nil
		case chainpack.TypeList:
			return rpcio.Skip(ctx.u, ctx.item)
		case chainpack.TypeString:
			s, err := rpcio.StrDup(ctx.u, ctx.item, 0)
			if err != nil {
				return err
			}
			name = s
			return nil
		default:
			return errInvalidLsDirParam
		}
	})
	return name, err
}

func (h *Handler) handleLs(ctx *MsgContext) error {
	name, perr := lsDirParam(ctx)
	valid, verr := ctx.Valid()
	if verr != nil {
		return verr
	}
	if !valid {
		return nil
	}
	if perr != nil {
		return ctx.RespondErrorf(rpcmsg.InvalidParam, "%s", errInvalidLsDirParam.Error())
	}

	lsctx := &LsContext{path: ctx.msg.Path, name: name}
	for _, s := range h.Stages() {
		if s.Funcs.Ls != nil {
			s.Funcs.Ls(s.Cookie, lsctx)
		}
	}

	if !lsctx.located && len(lsctx.names) == 0 && !h.validPath(ctx.msg.Path) {
		return ctx.RespondErrorf(rpcmsg.MethodNotFound, "No such node %q", ctx.msg.Path)
	}

	p, send, drop, err := ctx.Respond()
	if err != nil {
		return err
	}
	if _, err := p.PackInt(rpcmsg.Result); err != nil {
		_ = drop()
		return err
	}
	if name == "" {
		if _, err := p.ListBegin(); err != nil {
			_ = drop()
			return err
		}
		for _, n := range lsctx.names {
			if _, err := p.PackString(n); err != nil {
				_ = drop()
				return err
			}
		}
		if _, err := p.ContainerEnd(); err != nil {
			_ = drop()
			return err
		}
	} else if _, err := p.PackBool(lsctx.located); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.ContainerEnd(); err != nil {
		_ = drop()
		return err
	}
	return send()
}

func (h *Handler) handleDir(ctx *MsgContext) error {
	name, perr := lsDirParam(ctx)
	valid, verr := ctx.Valid()
	if verr != nil {
		return verr
	}
	if !valid {
		return nil
	}
	if perr != nil {
		return ctx.RespondErrorf(rpcmsg.InvalidParam, "%s", errInvalidLsDirParam.Error())
	}

	dctx := &DirContext{path: ctx.msg.Path, name: name}
	dctx.Result(&rpcdir.Dir)
	dctx.Result(&rpcdir.Ls)
	for _, s := range h.Stages() {
		if s.Funcs.Dir != nil {
			s.Funcs.Dir(s.Cookie, dctx)
		}
	}

	// The built-ins above mean methods is never empty in listing mode, so
	// this only ever rejects a specific-name lookup whose containing path
	// doesn't exist (a lookup on a valid path with no such method just
	// answers false below).
	if !dctx.located && len(dctx.methods) == 0 && !h.validPath(ctx.msg.Path) {
		return ctx.RespondErrorf(rpcmsg.MethodNotFound, "No such node %q", ctx.msg.Path)
	}

	p, send, drop, err := ctx.Respond()
	if err != nil {
		return err
	}
	if _, err := p.PackInt(rpcmsg.Result); err != nil {
		_ = drop()
		return err
	}
	if name == "" {
		if _, err := p.ListBegin(); err != nil {
			_ = drop()
			return err
		}
		for _, m := range dctx.methods {
			if err := rpcdir.Pack(p, m); err != nil {
				_ = drop()
				return err
			}
		}
		if _, err := p.ContainerEnd(); err != nil {
			_ = drop()
			return err
		}
	} else if _, err := p.PackBool(dctx.located); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.ContainerEnd(); err != nil {
		_ = drop()
		return err
	}
	return send()
}
