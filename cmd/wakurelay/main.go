// Command wakurelay runs a standalone Waku relay node.
//
// It starts a libp2p host, joins the configured pubsub topics, prints every
// message it relays and, optionally, publishes the lines read from stdin.
//
// Example:
//
//	# first node
//	wakurelay run --listen /ip4/0.0.0.0/tcp/60000 --metrics 127.0.0.1:8008
//
//	# second node, publishing from stdin
//	wakurelay run --listen /ip4/0.0.0.0/tcp/60001 \
//	    --peer /ip4/127.0.0.1/tcp/60000/p2p/<id> --publish-stdin
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set by build flags)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "wakurelay",
	Short: "Waku relay node",
	Long: `wakurelay runs a gossipsub relay speaking the Waku relay protocol.

Messages received on the subscribed pubsub topics are validated as Waku
messages, printed and forwarded to the mesh.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
