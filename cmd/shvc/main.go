// Command shvc is a one-shot SHV RPC call tool: it connects to a broker
// or device, logs in, issues a single request, prints the result as
// CPON, and exits. It is the Go counterpart of the shvc debugging
// client: dial, call, print, disconnect, no persistent session.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/silicon-heaven/shvgo/internal/logger"
	"github.com/silicon-heaven/shvgo/pkg/chainpack"
	"github.com/silicon-heaven/shvgo/pkg/cpon"
	"github.com/silicon-heaven/shvgo/pkg/framing"
	"github.com/silicon-heaven/shvgo/pkg/rpcclient"
	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
	"github.com/silicon-heaven/shvgo/pkg/shvurl"
)

var version = "dev"

// Exit codes mirror shvc's: 0 success, 2 bad arguments, 3 connection or
// login failure, -2 invalid parameter CPON, -3 communication error, -4
// call timeout, anything else the raw numeric RPC error code. The
// response is awaited without a deadline, so exitTimeout is never
// returned by this build.
const (
	exitOK        = 0
	exitBadArgs   = 2
	exitConnect   = 3
	exitBadParam  = -2
	exitCommError = -3
	exitTimeout   = -4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("shvc", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-v] [-q] [-V] URL PATH METHOD [PARAM]\n", fs.Name())
		fmt.Fprintf(os.Stderr, "Issue one SHV RPC call and print its result as CPON.\n")
		fmt.Fprintf(os.Stderr, "PARAM is a CPON value, \"-\" to read CPON from stdin, or omitted for void.\n")
		fs.PrintDefaults()
	}
	verbose := fs.Bool("v", false, "log sent/received messages to stderr")
	quiet := fs.Bool("q", false, "suppress non-error output")
	showVersion := fs.Bool("V", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}
	if *showVersion {
		fmt.Println("shvc " + version)
		return exitOK
	}

	rest := fs.Args()
	url := "tcp://localhost"
	path := ""
	method := "dir"
	param := "null"
	switch len(rest) {
	case 0:
	case 1:
		url = rest[0]
	case 2:
		url, path = rest[0], rest[1]
	case 3:
		url, path, method = rest[0], rest[1], rest[2]
	case 4:
		url, path, method, param = rest[0], rest[1], rest[2], rest[3]
	default:
		fs.Usage()
		return exitBadArgs
	}

	level := "WARN"
	if *verbose {
		level = "DEBUG"
	}
	if err := logger.Init(logger.Config{Level: level, Format: "text", Output: "stderr"}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConnect
	}

	u, err := shvurl.Parse(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid URL: %s\n", err)
		return exitBadArgs
	}

	client, err := rpcclient.Dial(u)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %s\n", url, err)
		fmt.Fprintln(os.Stderr, "please check your connection to the network")
		return exitConnect
	}
	defer client.Destroy()

	if u.Login.Username != "" || u.Login.Password != "" {
		if err := client.Login(rpcclient.LoginOptions{
			Username:         u.Login.Username,
			Password:         u.Login.Password,
			Type:             u.Login.Type,
			DeviceID:         u.Login.DeviceID,
			DeviceMountPoint: u.Login.DeviceMountpoint,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to login to %s: %s\n", url, err)
			return exitConnect
		}
	}

	paramText, readErr := resolveParam(param)
	if readErr != nil {
		fmt.Fprintf(os.Stderr, "failed to read parameter: %s\n", readErr)
		return exitBadParam
	}

	out, code, err := call(client, path, method, paramText)
	switch {
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		return exitCommError
	case code == int(rpcmsg.NoError):
		if !*quiet {
			fmt.Println(out)
		}
		return exitOK
	case code == exitBadParam, code == exitTimeout:
		fmt.Fprintln(os.Stderr, out)
		return code
	default:
		fmt.Fprintf(os.Stderr, "SHV Error: %s\n", out)
		return code
	}
}

// resolveParam returns the CPON text a call's Param should carry: "-"
// reads it from stdin, "null" (the default) means void, anything else is
// used as-is.
func resolveParam(param string) (string, error) {
	if param != "-" {
		return param, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// call issues one request and returns its result as formatted CPON (or
// "null" for a void result), an error code (rpcmsg.NoError on success,
// exitBadParam for an unparsable parameter, or the raw RPCError code), and a
// transport-level error if the call could not complete at all.
func call(client *rpcclient.Client, path, method, paramText string) (string, int, error) {
	reqID := client.NextRequestID()
	p := client.Packer()
	if paramText == "null" {
		if err := rpcmsg.PackRequestVoid(p, path, method, reqID); err != nil {
			client.DropMsg()
			return "", 0, fmt.Errorf("rpccall: pack request: %w", err)
		}
	} else {
		if err := rpcmsg.PackRequest(p, path, method, reqID); err != nil {
			client.DropMsg()
			return "", 0, fmt.Errorf("rpccall: pack request: %w", err)
		}
		pu := cpon.NewReaderString(paramText)
		if _, err := p.PackInt(rpcmsg.Param); err != nil {
			client.DropMsg()
			return "", 0, fmt.Errorf("rpccall: pack param key: %w", err)
		}
		var item chainpack.Item
		if err := rpcio.CopyAll(pu, p, &item); err != nil {
			client.DropMsg()
			return fmt.Sprintf("invalid CPON parameter: %s", err), exitBadParam, nil
		}
		if _, err := p.ContainerEnd(); err != nil {
			client.DropMsg()
			return "", 0, fmt.Errorf("rpccall: close request: %w", err)
		}
	}
	if err := client.SendMsg(); err != nil {
		return "", 0, fmt.Errorf("communication error: %w", err)
	}

	res, err := client.NextMsg()
	if err != nil {
		return "", 0, fmt.Errorf("communication error: %w", err)
	}
	if res != framing.ResultMessage {
		return "", 0, fmt.Errorf("communication error: unexpected framing result %s", res)
	}

	u, err := client.Unpacker()
	if err != nil {
		return "", 0, fmt.Errorf("communication error: %w", err)
	}
	var item chainpack.Item
	msg, err := rpcmsg.UnpackMessage(u, &item, rpcmsg.DefaultLimits())
	if err != nil {
		return "", 0, fmt.Errorf("communication error: %w", err)
	}

	if msg.Kind == rpcmsg.KindError {
		if _, err := client.ValidMsg(); err != nil {
			return "", 0, fmt.Errorf("communication error: %w", err)
		}
		return msg.Error.Error(), int(msg.Error.Code), nil
	}

	var buf bytes.Buffer
	if item.Type != chainpack.TypeContainerEnd {
		w := cpon.NewWriter(&buf)
		if err := rpcio.CopyItem(u, w, &item); err != nil {
			return "", 0, fmt.Errorf("communication error: %w", err)
		}
		if err := u.Unpack(&item); err != nil {
			return "", 0, fmt.Errorf("communication error: %w", err)
		}
	}
	if _, err := client.ValidMsg(); err != nil {
		return "", 0, fmt.Errorf("communication error: %w", err)
	}

	if buf.Len() == 0 {
		return "null", int(rpcmsg.NoError), nil
	}
	return buf.String(), int(rpcmsg.NoError), nil
}
