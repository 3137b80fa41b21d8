package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/strand/curvecp/pkg/packet"
)

// version is set at build time via -ldflags "-X github.com/strand-protocol/strand/curvecp/cmd.curvecpctlVersion=x.y.z"
var curvecpctlVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show curvecpctl version and protocol limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "curvecpctl version %s\n", curvecpctlVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "protocol: CurveCP (max message %d bytes, initiate %d bytes)\n",
			packet.MaxMessageSize, packet.MaxInitiateMessageSize)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
