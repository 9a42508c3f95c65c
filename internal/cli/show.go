package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"spread-alerts/internal/app"
)

var (
	showLimit  int
	showSymbol string
	showSince  time.Duration
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently dispatched alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showSince < 0 {
			return fmt.Errorf("--since must not be negative")
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit:  showLimit,
			Symbol: showSymbol,
			Since:  showSince,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Only show alerts for this symbol")
	showCmd.Flags().DurationVar(&showSince, "since", 0, "Only show alerts newer than this (e.g. 24h)")
}
