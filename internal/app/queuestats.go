package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"spread-alerts/internal/queue"
)

// QueueStats prints the depth of the shared Redis dispatch queue. With requeue set,
// jobs stranded in the active set by a crashed worker are put back first.
func (a *App) QueueStats(ctx context.Context, requeue bool) error {
	rdb, closeRedis, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	if rdb == nil {
		return errors.New("redis.addr not configured; the in-memory queue only lives inside a running process")
	}
	defer closeRedis()

	backend := queue.NewRedisBackend(rdb, a.Config.Redis.Prefix, a.retention())
	if requeue {
		n, err := backend.Recover(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "requeued %d stranded jobs\n", n)
	}

	counts, err := backend.Counts(ctx)
	if err != nil {
		return err
	}
	a.printCounts(counts)
	return nil
}

func (a *App) printCounts(c queue.Counts) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Waiting\tDelayed\tActive\tCompleted\tFailed")
	fmt.Fprintf(writer, "%d\t%d\t%d\t%d\t%d\n", c.Waiting, c.Delayed, c.Active, c.Completed, c.Failed)
	writer.Flush()
}
