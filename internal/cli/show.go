package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rate-watch/internal/app"
)

var (
	showLimit int
	showDB    bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent workbook rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:        showLimit,
			FromDatabase: showDB,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showDB, "db", false, "Read from the PostgreSQL mirror instead of the workbook")
}
