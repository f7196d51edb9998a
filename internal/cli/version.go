package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rate-watch/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), version.String())
	},
}
