// Command shvcbroker runs the authenticating SHV RPC message broker: it
// accepts client connections on every configured listen URL, authenticates
// each via the login handshake (or an autosetup match), and hands the
// connection off to pkg/rpcbroker for mount/subscription routing.
package main

import (
	"fmt"
	"os"

	"github.com/silicon-heaven/shvgo/cmd/shvcbroker/commands"
)

var version = "dev"

func main() {
	commands.Version = version

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
