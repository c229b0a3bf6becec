package main

import (
	"fmt"

	relay "github.com/waku-org/go-waku-relay"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display version information about wakurelay.`,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "wakurelay version %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit:   %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:    %s\n", date)
		_, _ = fmt.Fprintf(out, "  protocol: %s\n", relay.WakuRelayID_v200)
	},
	Args: cobra.NoArgs,
}
