package rpchandler

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/framing"
	"github.com/silicon-heaven/shvgo/pkg/rpcclient"
	"github.com/silicon-heaven/shvgo/pkg/rpcdir"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

// testPeer drives the non-Handler side of a pipe by hand: send a request,
// read back the response.
type testPeer struct {
	f *framing.Block
}

func newTestPeer(conn net.Conn) *testPeer {
	return &testPeer{f: framing.NewBlock(conn)}
}

func (p *testPeer) sendVoidRequest(path, method string, reqID int64) error {
	w := chainpack.NewWriter(p.f.Writer())
	if err := rpcmsg.PackRequestVoid(w, path, method, reqID); err != nil {
		return err
	}
	return p.f.SendMsg()
}

func (p *testPeer) sendStringRequest(path, method string, reqID int64, param string) error {
	w := chainpack.NewWriter(p.f.Writer())
	if err := rpcmsg.PackRequest(w, path, method, reqID); err != nil {
		return err
	}
	if _, err := w.PackInt(rpcmsg.Param); err != nil {
		return err
	}
	if _, err := w.PackString(param); err != nil {
		return err
	}
	if _, err := w.ContainerEnd(); err != nil {
		return err
	}
	return p.f.SendMsg()
}

// readResponse reads one message and unpacks it fully, returning the
// Message and, if a Result list/bool was present, its decoded item.
func (p *testPeer) readResponse() (*rpcmsg.Message, *chainpack.Item, rpcio.Unpacker, error) {
	res, err := p.f.NextMsg()
	if err != nil {
		return nil, nil, nil, err
	}
	if res != framing.ResultMessage {
		return nil, nil, nil, assertableErr{res}
	}
	u := rpcio.NewUnpacker(p.f.Reader())
	var item chainpack.Item
	msg, err := rpcmsg.UnpackMessage(u, &item, rpcmsg.DefaultLimits())
	if err != nil {
		return nil, nil, nil, err
	}
	return msg, &item, u, nil
}

func (p *testPeer) finish() error {
	_, err := p.f.ValidMsg()
	return err
}

type assertableErr struct{ res framing.Result }

func (e assertableErr) Error() string { return "unexpected framing result: " + e.res.String() }

func newPipeHandler(stages []Stage) (*testPeer, *Handler, func()) {
	peerConn, handlerConn := net.Pipe()
	client := rpcclient.New(framing.NewBlock(handlerConn), handlerConn, rpcclient.FormatChainPack, true)
	h := New(client, stages, rpcmsg.DefaultLimits())
	peer := newTestPeer(peerConn)
	return peer, h, func() { peerConn.Close(); handlerConn.Close() }
}

func TestHandlerMethodNotFound(t *testing.T) {
	peer, h, cleanup := newPipeHandler(nil)
	defer cleanup()

	next := make(chan error, 1)
	go func() { _, err := h.Next(); next <- err }()

	require.NoError(t, peer.sendVoidRequest("some/node", "frobnicate", 1))
	msg, _, _, err := peer.readResponse()
	require.NoError(t, err)
	require.NoError(t, peer.finish())
	require.NoError(t, <-next)

	assert.Equal(t, rpcmsg.KindError, msg.Kind)
	require.NotNil(t, msg.Error)
	assert.Equal(t, rpcmsg.MethodNotFound, msg.Error.Code)
}

// nodeStage models a tiny static tree: "" has child "sub"; "sub" exposes
// one method "get" in addition to the built-in ls/dir.
func nodeStage() Stage {
	return Stage{Funcs: Funcs{
		Ls: func(_ any, ctx *LsContext) {
			if ctx.Path() == "" {
				ctx.Result("sub")
			}
		},
		Dir: func(_ any, ctx *DirContext) {
			if ctx.Path() == "sub" {
				ctx.Result(&rpcdir.Method{Name: "get", Result: "Int", Access: rpcmsg.AccessRead})
			}
		},
	}}
}

func TestHandlerLsList(t *testing.T) {
	peer, h, cleanup := newPipeHandler([]Stage{nodeStage()})
	defer cleanup()

	next := make(chan error, 1)
	go func() { _, err := h.Next(); next <- err }()

	require.NoError(t, peer.sendVoidRequest("", "ls", 1))
	msg, item, u, err := peer.readResponse()
	require.NoError(t, err)

	require.Equal(t, rpcmsg.KindResponse, msg.Kind)
	require.Equal(t, chainpack.TypeList, item.Type)
	var names []string
	require.NoError(t, rpcio.ForList(u, item, func(it *chainpack.Item) error {
		s, err := rpcio.StrDup(u, it, 0)
		names = append(names, s)
		return err
	}))
	require.NoError(t, peer.finish())
	require.NoError(t, <-next)
	assert.Equal(t, []string{"sub"}, names)
}

func TestHandlerLsExists(t *testing.T) {
	peer, h, cleanup := newPipeHandler([]Stage{nodeStage()})
	defer cleanup()

	next := make(chan error, 1)
	go func() { _, err := h.Next(); next <- err }()

	require.NoError(t, peer.sendStringRequest("", "ls", 1, "sub"))
	msg, item, _, err := peer.readResponse()
	require.NoError(t, err)
	require.NoError(t, peer.finish())
	require.NoError(t, <-next)

	require.Equal(t, rpcmsg.KindResponse, msg.Kind)
	require.Equal(t, chainpack.TypeBool, item.Type)
	assert.True(t, item.Bool)
}

func TestHandlerDirList(t *testing.T) {
	peer, h, cleanup := newPipeHandler([]Stage{nodeStage()})
	defer cleanup()

	next := make(chan error, 1)
	go func() { _, err := h.Next(); next <- err }()

	require.NoError(t, peer.sendVoidRequest("sub", "dir", 1))
	msg, item, u, err := peer.readResponse()
	require.NoError(t, err)

	require.Equal(t, rpcmsg.KindResponse, msg.Kind)
	require.Equal(t, chainpack.TypeList, item.Type)
	var methods []*rpcdir.Method
	require.NoError(t, rpcio.ForList(u, item, func(it *chainpack.Item) error {
		m, err := rpcdir.Unpack(u, it)
		if err != nil {
			return err
		}
		methods = append(methods, m)
		return nil
	}))
	require.NoError(t, peer.finish())
	require.NoError(t, <-next)
	var names []string
	for _, m := range methods {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"ls", "dir", "get"}, names)
}

func TestHandlerDirUnknownMethodOnValidNodeIsFalse(t *testing.T) {
	peer, h, cleanup := newPipeHandler([]Stage{nodeStage()})
	defer cleanup()

	next := make(chan error, 1)
	go func() { _, err := h.Next(); next <- err }()

	require.NoError(t, peer.sendStringRequest("sub", "dir", 1, "missing"))
	msg, item, _, err := peer.readResponse()
	require.NoError(t, err)
	require.NoError(t, peer.finish())
	require.NoError(t, <-next)

	require.Equal(t, rpcmsg.KindResponse, msg.Kind)
	require.Equal(t, chainpack.TypeBool, item.Type)
	assert.False(t, item.Bool)
}

// A listing dir request always returns at least the built-in ls/dir
// descriptors, even on a nonexistent path; MethodNotFound is only
// possible for a specific-name lookup whose containing path doesn't
// resolve (mirrored from the reference handler, which packs the
// built-ins unconditionally before ever checking path validity).
func TestHandlerDirExistsOnUnknownNodeIsMethodNotFound(t *testing.T) {
	peer, h, cleanup := newPipeHandler([]Stage{nodeStage()})
	defer cleanup()

	next := make(chan error, 1)
	go func() { _, err := h.Next(); next <- err }()

	require.NoError(t, peer.sendStringRequest("nosuch", "dir", 1, "get"))
	msg, _, _, err := peer.readResponse()
	require.NoError(t, err)
	require.NoError(t, peer.finish())
	require.NoError(t, <-next)

	require.Equal(t, rpcmsg.KindError, msg.Kind)
	require.NotNil(t, msg.Error)
	assert.Equal(t, rpcmsg.MethodNotFound, msg.Error.Code)
}

func TestHandlerStageClaimsMessage(t *testing.T) {
	called := false
	stage := Stage{Funcs: Funcs{
		Msg: func(_ any, ctx *MsgContext) (MsgResult, error) {
			if ctx.Message().Method != "ping" {
				return MsgSkip, nil
			}
			called = true
			if err := ctx.RespondVoid(); err != nil {
				return MsgDone, err
			}
			return MsgDone, nil
		},
	}}
	peer, h, cleanup := newPipeHandler([]Stage{stage})
	defer cleanup()

	next := make(chan error, 1)
	go func() { _, err := h.Next(); next <- err }()

	require.NoError(t, peer.sendVoidRequest("", "ping", 1))
	msg, _, _, err := peer.readResponse()
	require.NoError(t, err)
	require.NoError(t, peer.finish())
	require.NoError(t, <-next)

	assert.True(t, called)
	assert.Equal(t, rpcmsg.KindResponse, msg.Kind)
}

func TestHandlerIdleStop(t *testing.T) {
	stage := Stage{Funcs: Funcs{
		Idle: func(_ any, _ *IdleContext) (int64, error) { return IdleStop, nil },
	}}
	_, h, cleanup := newPipeHandler([]Stage{stage})
	defer cleanup()

	d, stop, err := h.runIdleOnce()
	require.NoError(t, err)
	assert.True(t, stop)
	assert.Zero(t, d)
}

func TestHandlerIdleMinimum(t *testing.T) {
	stages := []Stage{
		{Funcs: Funcs{Idle: func(_ any, _ *IdleContext) (int64, error) { return 500, nil }}},
		{Funcs: Funcs{Idle: func(_ any, _ *IdleContext) (int64, error) { return 100, nil }}},
	}
	_, h, cleanup := newPipeHandler(stages)
	defer cleanup()

	d, stop, err := h.runIdleOnce()
	require.NoError(t, err)
	assert.False(t, stop)
	assert.Equal(t, 100*time.Millisecond, d)
}
