package rpcclient

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/framing"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

type serverLoginResult struct {
	user, password string
}

// serverLogin drives the broker side of a login exchange by hand (no
// pkg/rpcbroker dependency yet): answer hello with a fixed nonce, then
// record whatever login credentials the peer sent.
func serverLogin(conn net.Conn, nonce string) (serverLoginResult, error) {
	var out serverLoginResult
	f := framing.NewBlock(conn)

	res, err := f.NextMsg()
	if err != nil {
		return out, err
	}
	if res != framing.ResultMessage {
		return out, fmt.Errorf("expected message, got %s", res)
	}
	u := rpcio.NewUnpacker(f.Reader())
	var item chainpack.Item
	msg, err := rpcmsg.UnpackMessage(u, &item, rpcmsg.DefaultLimits())
	if err != nil {
		return out, err
	}
	if msg.Method != "hello" {
		return out, fmt.Errorf("expected hello, got %q", msg.Method)
	}
	if _, err := f.ValidMsg(); err != nil {
		return out, err
	}

	p := chainpack.NewWriter(f.Writer())
	if err := rpcmsg.PackResponse(p, msg.RequestID, nil); err != nil {
		return out, err
	}
	if _, err := p.PackInt(rpcmsg.Result); err != nil {
		return out, err
	}
	if _, err := p.MapBegin(); err != nil {
		return out, err
	}
	if _, err := p.PackString("nonce"); err != nil {
		return out, err
	}
	if _, err := p.PackString(nonce); err != nil {
		return out, err
	}
	if _, err := p.ContainerEnd(); err != nil { // nonce map
		return out, err
	}
	if _, err := p.ContainerEnd(); err != nil { // content IMap
		return out, err
	}
	if err := f.SendMsg(); err != nil {
		return out, err
	}

	res, err = f.NextMsg()
	if err != nil {
		return out, err
	}
	if res != framing.ResultMessage {
		return out, fmt.Errorf("expected message, got %s", res)
	}
	u = rpcio.NewUnpacker(f.Reader())
	item = chainpack.Item{}
	msg, err = rpcmsg.UnpackMessage(u, &item, rpcmsg.DefaultLimits())
	if err != nil {
		return out, err
	}
	if msg.Method != "login" {
		return out, fmt.Errorf("expected login, got %q", msg.Method)
	}
	if item.Type != chainpack.TypeMap {
		return out, fmt.Errorf("expected login param map, got %s", item.Type)
	}
	if err := rpcio.ForMap(u, &item, func(k string, v *chainpack.Item) error {
		if k != "login" {
			return rpcio.Skip(u, v)
		}
		return rpcio.ForMap(u, v, func(lk string, lv *chainpack.Item) error {
			switch lk {
			case "user":
				s, err := rpcio.StrDup(u, lv, 0)
				out.user = s
				return err
			case "password":
				s, err := rpcio.StrDup(u, lv, 0)
				out.password = s
				return err
			default:
				return rpcio.Skip(u, lv)
			}
		})
	}); err != nil {
		return out, err
	}
	if err := u.Unpack(&item); err != nil { // content IMap's ContainerEnd
		return out, err
	}
	if _, err := f.ValidMsg(); err != nil {
		return out, err
	}

	p = chainpack.NewWriter(f.Writer())
	if err := rpcmsg.PackResponseVoid(p, msg.RequestID, nil); err != nil {
		return out, err
	}
	return out, f.SendMsg()
}

func TestLoginRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	const nonce = "abcdefghij"
	const password = "secret"
	wantResponse := challengeResponse(password, 0, nonce) // default LoginOptions.Type (zero value) is treated as plaintext

	type serverOutcome struct {
		result serverLoginResult
		err    error
	}
	done := make(chan serverOutcome, 1)
	go func() {
		result, err := serverLogin(serverConn, nonce)
		done <- serverOutcome{result, err}
	}()

	client := New(framing.NewBlock(clientConn), clientConn, FormatChainPack, true)
	err := client.Login(LoginOptions{Username: "alice", Password: password})
	require.NoError(t, err)

	select {
	case outcome := <-done:
		require.NoError(t, outcome.err)
		assert.Equal(t, "alice", outcome.result.user)
		assert.Equal(t, wantResponse, outcome.result.password)
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine did not finish")
	}
}
