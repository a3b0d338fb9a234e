package rpcbroker

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/framing"
	"github.com/silicon-heaven/shvgo/pkg/rpcclient"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

// fullAccess grants every path and method the given level, enough for
// tests that don't care about access-matrix detail.
func fullAccess(level rpcmsg.AccessLevel) func(path, method string) rpcmsg.AccessLevel {
	return AccessFunc([]AccessRule{{RI: "**", Level: level}})
}

// brokerPeer drives one end of a net.Pipe into a Broker by hand, the way
// a real SHV client would: login, send requests, read whatever comes
// back (responses or, once subscribed, signals).
type brokerPeer struct {
	c *rpcclient.Client
}

func dialBroker(t *testing.T, b *Broker) (*brokerPeer, func()) {
	t.Helper()
	peerConn, serverConn := net.Pipe()
	peer := rpcclient.New(framing.NewBlock(peerConn), peerConn, rpcclient.FormatChainPack, true)
	serverClient := rpcclient.New(framing.NewBlock(serverConn), serverConn, rpcclient.FormatChainPack, true)
	h, _ := b.LoginStages(serverClient, rpcmsg.DefaultLimits())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = h.Run(ctx); close(done) }()

	cleanup := func() {
		cancel()
		_ = peerConn.Close()
		_ = serverConn.Close()
		<-done
	}
	return &brokerPeer{c: peer}, cleanup
}

func (p *brokerPeer) login(opts rpcclient.LoginOptions) error {
	return p.c.Login(opts)
}

func (p *brokerPeer) sendRequest(path, method string, reqID int64, pack func(rpcio.Packer) error) error {
	w := p.c.Packer()
	if pack == nil {
		if err := rpcmsg.PackRequestVoid(w, path, method, reqID); err != nil {
			return err
		}
		return p.c.SendMsg()
	}
	if err := rpcmsg.PackRequest(w, path, method, reqID); err != nil {
		return err
	}
	if _, err := w.PackInt(rpcmsg.Param); err != nil {
		return err
	}
	if err := pack(w); err != nil {
		return err
	}
	if _, err := w.ContainerEnd(); err != nil {
		return err
	}
	return p.c.SendMsg()
}

func (p *brokerPeer) respondVoid(reqID int64, callerIDs []int64) error {
	w := p.c.Packer()
	if err := rpcmsg.PackResponseVoid(w, reqID, callerIDs); err != nil {
		return err
	}
	return p.c.SendMsg()
}

func (p *brokerPeer) respondInt(reqID int64, callerIDs []int64, v int64) error {
	w := p.c.Packer()
	if err := rpcmsg.PackResponse(w, reqID, callerIDs); err != nil {
		return err
	}
	if _, err := w.PackInt(rpcmsg.Result); err != nil {
		return err
	}
	if _, err := w.PackInt(v); err != nil {
		return err
	}
	if _, err := w.ContainerEnd(); err != nil {
		return err
	}
	return p.c.SendMsg()
}

func (p *brokerPeer) sendSignal(path, source, signal string, pack func(rpcio.Packer) error) error {
	w := p.c.Packer()
	if err := rpcmsg.PackSignal(w, path, source, signal); err != nil {
		return err
	}
	if pack != nil {
		if _, err := w.PackInt(rpcmsg.Param); err != nil {
			return err
		}
		if err := pack(w); err != nil {
			return err
		}
	}
	if _, err := w.ContainerEnd(); err != nil {
		return err
	}
	return p.c.SendMsg()
}

func (p *brokerPeer) readMsg() (*rpcmsg.Message, *chainpack.Item, rpcio.Unpacker, error) {
	res, err := p.c.NextMsg()
	if err != nil {
		return nil, nil, nil, err
	}
	if res != framing.ResultMessage {
		return nil, nil, nil, fmt.Errorf("unexpected framing result %s", res)
	}
	u, err := p.c.Unpacker()
	if err != nil {
		return nil, nil, nil, err
	}
	var item chainpack.Item
	msg, err := rpcmsg.UnpackMessage(u, &item, rpcmsg.DefaultLimits())
	if err != nil {
		return nil, nil, nil, err
	}
	return msg, &item, u, nil
}

func (p *brokerPeer) finish() error {
	_, err := p.c.ValidMsg()
	return err
}

func TestBrokerLoginSuccessAndName(t *testing.T) {
	b := New("testbroker", func(login *LoginInfo, nonce string) (*Role, error) {
		if login.Username != "alice" {
			return nil, fmt.Errorf("unknown user")
		}
		return &Role{Name: "user", Access: fullAccess(rpcmsg.AccessRead)}, nil
	})

	peer, cleanup := dialBroker(t, b)
	defer cleanup()

	require.NoError(t, peer.login(rpcclient.LoginOptions{Username: "alice", Password: "secret"}))

	require.NoError(t, peer.sendRequest(brokerPath, "name", 1, nil))
	msg, item, u, err := peer.readMsg()
	require.NoError(t, err)
	require.NoError(t, peer.finish())
	require.Equal(t, rpcmsg.KindResponse, msg.Kind)
	require.Equal(t, chainpack.TypeString, item.Type)
	s, err := rpcio.StrDup(u, item, 0)
	require.NoError(t, err)
	assert.Equal(t, "testbroker", s)
}

func TestBrokerLoginRejected(t *testing.T) {
	b := New("testbroker", func(login *LoginInfo, nonce string) (*Role, error) {
		return nil, fmt.Errorf("login rejected")
	})

	peer, cleanup := dialBroker(t, b)
	defer cleanup()

	err := peer.login(rpcclient.LoginOptions{Username: "alice", Password: "wrong"})
	require.Error(t, err)
}

func deviceRole(mountPoint string) *Role {
	return &Role{Name: "device", MountPoint: mountPoint, Access: fullAccess(rpcmsg.AccessRead)}
}

func clientRole() *Role {
	return &Role{Name: "client", Access: fullAccess(rpcmsg.AccessSuperService)}
}

func TestBrokerMountAndForwardRequest(t *testing.T) {
	b := New("testbroker", func(login *LoginInfo, nonce string) (*Role, error) {
		switch login.Username {
		case "device":
			return deviceRole("test/device"), nil
		case "client":
			return clientRole(), nil
		}
		return nil, fmt.Errorf("unknown user")
	})

	device, deviceCleanup := dialBroker(t, b)
	defer deviceCleanup()
	require.NoError(t, device.login(rpcclient.LoginOptions{Username: "device", Password: "x"}))

	client, clientCleanup := dialBroker(t, b)
	defer clientCleanup()
	require.NoError(t, client.login(rpcclient.LoginOptions{Username: "client", Password: "x"}))

	require.NoError(t, client.sendRequest("test/device/sensor", "value", 7, nil))

	// The device sees the forwarded request with the caller ID pushed on
	// so its eventual response routes back through the broker.
	msg, _, _, err := device.readMsg()
	require.NoError(t, err)
	require.NoError(t, device.finish())
	require.Equal(t, rpcmsg.KindRequest, msg.Kind)
	assert.Equal(t, "sensor", msg.Path)
	assert.Equal(t, "value", msg.Method)
	require.Len(t, msg.CallerIDs, 1)

	require.NoError(t, device.respondInt(msg.RequestID, msg.CallerIDs, 42))

	respMsg, respItem, _, err := client.readMsg()
	require.NoError(t, err)
	require.NoError(t, client.finish())
	require.Equal(t, rpcmsg.KindResponse, respMsg.Kind)
	require.Equal(t, chainpack.TypeInt, respItem.Type)
	assert.Equal(t, int64(42), respItem.Int)
}

func TestBrokerLsShowsMountedDevice(t *testing.T) {
	b := New("testbroker", func(login *LoginInfo, nonce string) (*Role, error) {
		switch login.Username {
		case "device":
			return deviceRole("test/device"), nil
		case "client":
			return clientRole(), nil
		}
		return nil, fmt.Errorf("unknown user")
	})

	device, deviceCleanup := dialBroker(t, b)
	defer deviceCleanup()
	require.NoError(t, device.login(rpcclient.LoginOptions{Username: "device", Password: "x"}))

	client, clientCleanup := dialBroker(t, b)
	defer clientCleanup()
	require.NoError(t, client.login(rpcclient.LoginOptions{Username: "client", Password: "x"}))

	require.NoError(t, client.sendRequest("", "ls", 1, nil))
	msg, item, u, err := client.readMsg()
	require.NoError(t, err)
	require.Equal(t, rpcmsg.KindResponse, msg.Kind)
	require.Equal(t, chainpack.TypeList, item.Type)

	var names []string
	require.NoError(t, rpcio.ForList(u, item, func(it *chainpack.Item) error {
		s, err := rpcio.StrDup(u, it, 0)
		names = append(names, s)
		return err
	}))
	require.NoError(t, client.finish())
	assert.Contains(t, names, ".broker")
	assert.Contains(t, names, "test")
}

func TestBrokerSubscribeAndSignalForwarding(t *testing.T) {
	b := New("testbroker", func(login *LoginInfo, nonce string) (*Role, error) {
		switch login.Username {
		case "device":
			return deviceRole("test/device"), nil
		case "client":
			return clientRole(), nil
		}
		return nil, fmt.Errorf("unknown user")
	})

	device, deviceCleanup := dialBroker(t, b)
	defer deviceCleanup()
	require.NoError(t, device.login(rpcclient.LoginOptions{Username: "device", Password: "x"}))

	client, clientCleanup := dialBroker(t, b)
	defer clientCleanup()
	require.NoError(t, client.login(rpcclient.LoginOptions{Username: "client", Password: "x"}))

	require.NoError(t, client.sendRequest(currentClientPath, "subscribe", 1, func(p rpcio.Packer) error {
		_, err := p.PackString("test/device/**:*:*")
		return err
	}))
	msg, item, _, err := client.readMsg()
	require.NoError(t, err)
	require.NoError(t, client.finish())
	require.Equal(t, rpcmsg.KindResponse, msg.Kind)
	require.Equal(t, chainpack.TypeBool, item.Type)
	require.True(t, item.Bool)

	require.NoError(t, device.sendSignal("sensor", "value", "chng", func(p rpcio.Packer) error {
		_, err := p.PackInt(123)
		return err
	}))

	sigMsg, sigItem, _, err := client.readMsg()
	require.NoError(t, err)
	require.NoError(t, client.finish())
	require.Equal(t, rpcmsg.KindSignal, sigMsg.Kind)
	assert.Equal(t, "test/device/sensor", sigMsg.Path)
	assert.Equal(t, "value", sigMsg.Source)
	assert.Equal(t, "chng", sigMsg.Method)
	require.Equal(t, chainpack.TypeInt, sigItem.Type)
	assert.Equal(t, int64(123), sigItem.Int)
}

// TestBrokerCIDQuarantine covers spec scenario 5: a subscribed client
// that disconnects must drop out of the subscription index right away,
// but its freed cid must stay quarantined and only become reusable once
// cidQuarantine has elapsed.
func TestBrokerCIDQuarantine(t *testing.T) {
	b := New("testbroker", func(login *LoginInfo, nonce string) (*Role, error) {
		return &Role{Name: "browse", Access: fullAccess(rpcmsg.AccessBrowse)}, nil
	})

	peerConn, serverConn := net.Pipe()
	serverClient := rpcclient.New(framing.NewBlock(serverConn), serverConn, rpcclient.FormatChainPack, true)
	peer := &brokerPeer{c: rpcclient.New(framing.NewBlock(peerConn), peerConn, rpcclient.FormatChainPack, true)}
	h, cid := b.LoginStages(serverClient, rpcmsg.DefaultLimits())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = h.Run(ctx); close(done) }()

	require.NoError(t, peer.login(rpcclient.LoginOptions{Username: "browser", Password: "x"}))
	require.NoError(t, peer.sendRequest(currentClientPath, "subscribe", 1, func(p rpcio.Packer) error {
		_, err := p.PackString("**:*:*")
		return err
	}))
	msg, item, _, err := peer.readMsg()
	require.NoError(t, err)
	require.NoError(t, peer.finish())
	require.Equal(t, rpcmsg.KindResponse, msg.Kind)
	require.True(t, item.Bool)

	cancel()
	_ = peerConn.Close()
	_ = serverConn.Close()
	<-done
	b.Unregister(cid)

	b.mu.Lock()
	subCount := len(b.subs)
	b.mu.Unlock()
	assert.Zero(t, subCount, "subscription must be dropped as soon as the client unregisters")

	if reused := b.allocCID(); reused == cid {
		t.Fatalf("cid %d reused immediately after unregister, before the quarantine elapsed", cid)
	}

	b.mu.Lock()
	b.freed[cid] = time.Now().Add(-cidQuarantine - time.Second)
	b.mu.Unlock()
	assert.Equal(t, cid, b.allocCID(), "cid must become reusable once the quarantine interval has elapsed")
}
