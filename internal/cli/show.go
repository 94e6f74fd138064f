package cli

import (
	"github.com/spf13/cobra"

	"crypto-rate-tracker/internal/app"
)

var showSymbol string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the latest stored rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{Symbol: showSymbol})
	},
}

var summaryRange string

var summaryCmd = &cobra.Command{
	Use:   "summary SYMBOL",
	Short: "Print max, min, average and change over 7d or 30d",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Summary(cmd.Context(), args[0], summaryRange)
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain SYMBOL",
	Short: "Describe the last 24 hours of a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Explain(cmd.Context(), args[0])
	},
}

func init() {
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Only show this symbol")
	summaryCmd.Flags().StringVar(&summaryRange, "range", "7d", "Window: 7d or 30d")
}
