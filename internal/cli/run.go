package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rate-watch/internal/app"
	"rate-watch/internal/fetcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single query cycle and print the outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := getApp().Once(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), app.Describe(res))
		if res.Status == fetcher.StatusFailed {
			return fmt.Errorf("cycle failed: %s", res.Reason)
		}
		return nil
	},
}
