package cli

import (
	"github.com/spf13/cobra"

	"spread-alerts/internal/app"
)

var spreadExchanges []string

var spreadCmd = &cobra.Command{
	Use:   "spread SYMBOL",
	Short: "Fetch one symbol from every exchange and print the current spread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Probe(cmd.Context(), app.ProbeOptions{
			Symbol:    args[0],
			Exchanges: spreadExchanges,
		})
	},
}

func init() {
	spreadCmd.Flags().StringSliceVar(&spreadExchanges, "exchanges", nil, "Exchanges to query (defaults to every configured source)")
}
