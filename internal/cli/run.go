package cli

import (
	"github.com/spf13/cobra"

	"spread-alerts/internal/app"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll exchanges and dispatch spread alerts until interrupted",
	Long: `Poll every monitored symbol on the configured interval, evaluate user
thresholds and deliver alerts through the dispatch queue. With --once a single
tick is polled and ready jobs are drained before exiting, which suits cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{Once: runOnce})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Poll a single tick, drain ready alerts and exit")
}
