package cli

import (
	"fmt"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "x402-facilitator %s (x402 v%d)\n", Version, x402.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
