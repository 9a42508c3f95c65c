package cli

import (
	"github.com/spf13/cobra"
)

var queueRequeue bool

var queueStatsCmd = &cobra.Command{
	Use:   "queue-stats",
	Short: "Print dispatch queue depth by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().QueueStats(cmd.Context(), queueRequeue)
	},
}

func init() {
	queueStatsCmd.Flags().BoolVar(&queueRequeue, "requeue-active", false, "Move jobs stuck in the active set back to waiting first")
}
