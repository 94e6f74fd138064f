package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch the latest rates once and store them",
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, err := getApp().Sync(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "synced %d rates\n", rows)
		return nil
	},
}
