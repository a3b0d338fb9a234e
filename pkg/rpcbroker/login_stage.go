package rpcbroker

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/rpchandler"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
	"github.com/silicon-heaven/shvgo/pkg/shvurl"
)

const nonceLen = 10

// loginAccessFuncs is the first stage every client runs through: it owns
// the connection until a Role exists (handling hello/login itself) and,
// once one does, clamps every request's access level to whatever the
// assigned Role actually grants before letting later stages see it. No
// reference source covers this stage's login half directly (the C
// implementation's handshake lives in api_login.c, absent from this
// repository's source drop); its wire format is instead grounded on
// pkg/rpcclient's Login, the client side of the same exchange.
var loginAccessFuncs = rpchandler.Funcs{
	Msg:   loginAccessMsg,
	Idle:  loginAccessIdle,
	Reset: loginAccessReset,
}

func loginAccessMsg(cookie any, ctx *rpchandler.MsgContext) (rpchandler.MsgResult, error) {
	cs := cookie.(*clientState)
	cs.touch()

	cs.mu.Lock()
	role := cs.role
	cs.mu.Unlock()

	msg := ctx.Message()
	if role == nil {
		if msg.Kind != rpcmsg.KindRequest {
			return rpchandler.MsgDone, nil
		}
		return rpchandler.MsgDone, handlePreLogin(cs, ctx)
	}

	if msg.Kind == rpcmsg.KindRequest {
		newAccess := role.Access(msg.Path, msg.Method)
		if msg.HasAccess {
			// Already carries a grant from an upstream broker hop: narrow
			// it, never widen it.
			msg.AccessLevel = rpcmsg.Min(msg.AccessLevel, newAccess)
		} else {
			msg.AccessLevel = newAccess
		}
		msg.HasAccess = true
	}
	return rpchandler.MsgSkip, nil
}

func handlePreLogin(cs *clientState, ctx *rpchandler.MsgContext) error {
	msg := ctx.Message()
	switch msg.Path + "." + msg.Method {
	case ".hello":
		return handleHello(cs, ctx)
	case ".login":
		return handleLoginReq(cs, ctx)
	default:
		valid, err := ctx.Valid()
		if err != nil {
			return err
		}
		if !valid {
			return nil
		}
		return ctx.RespondErrorf(rpcmsg.InvalidRequest,
			"Only hello and login are permitted before login")
	}
}

func handleHello(cs *clientState, ctx *rpchandler.MsgContext) error {
	if err := ctx.ConsumeContent(func() error { return rpcio.Skip(ctx.Unpacker(), ctx.Item()) }); err != nil {
		return err
	}
	valid, err := ctx.Valid()
	if err != nil || !valid {
		return err
	}

	nonce, err := newNonce()
	if err != nil {
		return err
	}
	cs.mu.Lock()
	cs.nonce = nonce
	cs.mu.Unlock()

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
	if _, err := p.PackString("nonce"); err != nil {
		_ = drop()
		return err
	}
	if _, err := p.PackString(nonce); err != nil {
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

func handleLoginReq(cs *clientState, ctx *rpchandler.MsgContext) error {
	var login LoginInfo
	perr := ctx.ConsumeContent(func() error { return parseLoginParam(ctx, &login) })

	valid, err := ctx.Valid()
	if err != nil {
		return err
	}
	if !valid {
		return nil
	}
	if perr != nil {
		return ctx.RespondErrorf(rpcmsg.InvalidParam, "%s", perr.Error())
	}

	cs.mu.Lock()
	nonce := cs.nonce
	cs.mu.Unlock()

	if nonce == "" {
		if cs.broker.metrics != nil {
			cs.broker.metrics.RecordLoginFailure()
		}
		return ctx.RespondErrorf(rpcmsg.MethodCallException, "Invalid login")
	}

	// Password verification is entirely the caller-supplied login
	// callback's job: it receives login.PasswordResponse and the nonce
	// and decides whether the submitted challenge response is valid.
	role, lerr := cs.broker.login(&login, nonce)
	if lerr != nil {
		if cs.broker.metrics != nil {
			cs.broker.metrics.RecordLoginFailure()
		}
		return ctx.RespondErrorf(rpcmsg.MethodCallException, "%s", lerr.Error())
	}

	if err := cs.broker.assignRole(cs, role); err != nil {
		return ctx.RespondErrorf(rpcmsg.MethodCallException, "%s", err.Error())
	}
	cs.mu.Lock()
	cs.username = login.Username
	cs.nonce = ""
	cs.mu.Unlock()

	return ctx.RespondVoid()
}

// parseLoginParam reads the login request's Map{"login": {...},
// "options": {"device": {...}}} parameter, matching packLoginParam in
// pkg/rpcclient/login.go exactly.
func parseLoginParam(ctx *rpchandler.MsgContext, login *LoginInfo) error {
	u := ctx.Unpacker()
	item := ctx.Item()
	if item.Type != chainpack.TypeMap {
		return errInvalidLoginParam
	}
	return rpcio.ForMap(u, item, func(key string, v *chainpack.Item) error {
		switch key {
		case "login":
			return rpcio.ForMap(u, v, func(k string, vv *chainpack.Item) error {
				switch k {
				case "user":
					s, err := rpcio.StrDup(u, vv, 0)
					login.Username = s
					return err
				case "password":
					s, err := rpcio.StrDup(u, vv, 0)
					login.PasswordResponse = s
					return err
				case "type":
					s, err := rpcio.StrDup(u, vv, 0)
					if err != nil {
						return err
					}
					if s == "SHA1" {
						login.Type = shvurl.LoginSHA1
					} else {
						login.Type = shvurl.LoginPlain
					}
					return nil
				default:
					return rpcio.Skip(u, vv)
				}
			})
		case "options":
			return rpcio.ForMap(u, v, func(k string, vv *chainpack.Item) error {
				if k != "device" {
					return rpcio.Skip(u, vv)
				}
				return rpcio.ForMap(u, vv, func(dk string, dv *chainpack.Item) error {
					switch dk {
					case "id":
						s, err := rpcio.StrDup(u, dv, 0)
						login.DeviceID = s
						return err
					case "mountPoint":
						s, err := rpcio.StrDup(u, dv, 0)
						login.DeviceMountPoint = s
						return err
					default:
						return rpcio.Skip(u, dv)
					}
				})
			})
		default:
			return rpcio.Skip(u, v)
		}
	})
}

// loginAccessIdle enforces idleTimeoutLogin for any client that went
// through the login handshake (enforceIdle), for the life of the
// connection — matching the reference's activity_timeout, which a
// statically-registered client has disabled (-1) but a handshake client
// keeps armed even after a successful login, so it still gets dropped if
// it goes quiet.
func loginAccessIdle(cookie any, ictx *rpchandler.IdleContext) (int64, error) {
	cs := cookie.(*clientState)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.enforceIdle {
		return int64(rpchandler.DefaultIdleInterval / time.Millisecond), nil
	}
	remaining := idleTimeoutLogin - time.Since(cs.lastActivity)
	if remaining <= 0 {
		return rpchandler.IdleStop, nil
	}
	return remaining.Milliseconds(), nil
}

func loginAccessReset(cookie any) {
	cs := cookie.(*clientState)
	cs.broker.unassignRole(cs)
	cs.mu.Lock()
	cs.nonce = ""
	cs.username = ""
	cs.mu.Unlock()
}

func (cs *clientState) touch() {
	cs.mu.Lock()
	cs.lastActivity = time.Now()
	cs.mu.Unlock()
}

func newNonce() (string, error) {
	buf := make([]byte, nonceLen/2+1)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:nonceLen], nil
}
