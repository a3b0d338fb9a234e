package rpcclient

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/framing"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
	"github.com/silicon-heaven/shvgo/pkg/shvurl"
)

// LoginOptions describes how a Client authenticates to a broker.
type LoginOptions struct {
	Username string
	Password string // plaintext, or a SHA-1 hex digest when Type is shvurl.LoginSHA1
	Type     shvurl.LoginType

	DeviceID         string
	DeviceMountPoint string
}

// Login performs the hello/login exchange: it sends a hello request,
// reads the server nonce from the response, computes the SHA-1 challenge
// response, and completes the login request. It returns an error if the
// transport fails or the broker rejects the login.
func (c *Client) Login(opts LoginOptions) error {
	nonce, err := c.hello()
	if err != nil {
		return fmt.Errorf("rpcclient: hello: %w", err)
	}
	return c.login(opts, nonce)
}

func (c *Client) hello() (string, error) {
	reqID := c.NextRequestID()
	p := c.Packer()
	if err := rpcmsg.PackRequestVoid(p, "", "hello", reqID); err != nil {
		c.DropMsg()
		return "", err
	}
	if err := c.SendMsg(); err != nil {
		return "", err
	}

	res, err := c.NextMsg()
	if err != nil {
		return "", err
	}
	if res != framing.ResultMessage {
		return "", errUnexpectedResult(res)
	}
	u, err := c.Unpacker()
	if err != nil {
		return "", err
	}
	var item chainpack.Item
	msg, err := rpcmsg.UnpackMessage(u, &item, rpcmsg.DefaultLimits())
	if err != nil {
		return "", err
	}
	if msg.Kind == rpcmsg.KindError {
		return "", msg.Error
	}

	// item now holds the Result value (this message's only possible
	// content key, since it's a non-error response): a Map{"nonce": ...}.
	// The content IMap was already found non-empty (UnpackMessage only
	// returns early on TypeContainerEnd for a void response), so exactly
	// one more Unpack remains afterward to consume its closing
	// ContainerEnd.
	var nonce string
	if item.Type == chainpack.TypeContainerEnd {
		// Void response: nothing to read, nothing further to consume.
	} else {
		if item.Type == chainpack.TypeMap {
			if err := rpcio.ForMap(u, &item, func(k string, v *chainpack.Item) error {
				if k == "nonce" {
					s, err := rpcio.StrDup(u, v, 0)
					if err != nil {
						return err
					}
					nonce = s
					return nil
				}
				return rpcio.Skip(u, v)
			}); err != nil {
				return "", err
			}
		} else if err := rpcio.Skip(u, &item); err != nil {
			return "", err
		}
		if err := u.Unpack(&item); err != nil {
			return "", err
		}
	}
	if _, err := c.ValidMsg(); err != nil {
		return "", err
	}
	if nonce == "" {
		return "", fmt.Errorf("rpcclient: hello response carried no nonce")
	}
	return nonce, nil
}

func (c *Client) login(opts LoginOptions, nonce string) error {
	response := challengeResponse(opts.Password, opts.Type, nonce)

	reqID := c.NextRequestID()
	p := c.Packer()
	if err := rpcmsg.PackRequest(p, "", "login", reqID); err != nil {
		c.DropMsg()
		return err
	}
	if _, err := p.PackInt(rpcmsg.Param); err != nil {
		return err
	}
	if err := packLoginParam(p, opts, response); err != nil {
		c.DropMsg()
		return err
	}
	if _, err := p.ContainerEnd(); err != nil { // content IMap
		return err
	}
	if err := c.SendMsg(); err != nil {
		return err
	}

	res, err := c.NextMsg()
	if err != nil {
		return err
	}
	if res != framing.ResultMessage {
		return errUnexpectedResult(res)
	}
	u, err := c.Unpacker()
	if err != nil {
		return err
	}
	var item chainpack.Item
	msg, err := rpcmsg.UnpackMessage(u, &item, rpcmsg.DefaultLimits())
	if err != nil {
		return err
	}
	if item.Type != chainpack.TypeContainerEnd {
		if err := rpcio.Skip(u, &item); err != nil {
			return err
		}
		if err := u.Unpack(&item); err != nil { // content IMap's ContainerEnd
			return err
		}
	}
	if _, err := c.ValidMsg(); err != nil {
		return err
	}
	if msg.Kind == rpcmsg.KindError {
		return msg.Error
	}
	return nil
}

func packLoginParam(p rpcio.Packer, opts LoginOptions, response string) error {
	if _, err := p.MapBegin(); err != nil {
		return err
	}
	if _, err := p.PackString("login"); err != nil {
		return err
	}
	if _, err := p.MapBegin(); err != nil {
		return err
	}
	if err := packStr(p, "user", opts.Username); err != nil {
		return err
	}
	if err := packStr(p, "password", response); err != nil {
		return err
	}
	if err := packStr(p, "type", loginTypeString(opts.Type)); err != nil {
		return err
	}
	if _, err := p.ContainerEnd(); err != nil {
		return err
	}
	if opts.DeviceID != "" || opts.DeviceMountPoint != "" {
		if _, err := p.PackString("options"); err != nil {
			return err
		}
		if _, err := p.MapBegin(); err != nil {
			return err
		}
		if _, err := p.PackString("device"); err != nil {
			return err
		}
		if _, err := p.MapBegin(); err != nil {
			return err
		}
		if opts.DeviceID != "" {
			if err := packStr(p, "id", opts.DeviceID); err != nil {
				return err
			}
		}
		if opts.DeviceMountPoint != "" {
			if err := packStr(p, "mountPoint", opts.DeviceMountPoint); err != nil {
				return err
			}
		}
		if _, err := p.ContainerEnd(); err != nil {
			return err
		}
		if _, err := p.ContainerEnd(); err != nil {
			return err
		}
	}
	_, err := p.ContainerEnd()
	return err
}

func packStr(p rpcio.Packer, key, val string) error {
	if _, err := p.PackString(key); err != nil {
		return err
	}
	_, err := p.PackString(val)
	return err
}

func loginTypeString(t shvurl.LoginType) string {
	if t == shvurl.LoginSHA1 {
		return "SHA1"
	}
	return "PLAIN"
}

// challengeResponse computes sha1hex(base + nonce), where base is the
// password itself when already a SHA-1 digest (LoginSHA1) or sha1hex
// (password) otherwise (LoginPlain), matching the handshake shvc uses.
func challengeResponse(password string, t shvurl.LoginType, nonce string) string {
	base := password
	if t != shvurl.LoginSHA1 {
		base = sha1Hex(password)
	}
	return sha1Hex(base + nonce)
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
