package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"spread-alerts/internal/storage"
)

// Show prints recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var alerts []storage.AlertRecord
	if opts.Since > 0 {
		now := time.Now().UTC()
		alerts, err = store.ListAlertsBetween(ctx, now.Add(-opts.Since), now)
		// newest first, like the recent listing
		slices.Reverse(alerts)
	} else {
		alerts, err = store.ListRecentAlerts(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	alerts = filterBySymbol(alerts, opts.Symbol)
	if len(alerts) > opts.Limit {
		alerts = alerts[:opts.Limit]
	}
	a.printAlerts(alerts)

	total, err := store.CountAlerts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "\n%d shown, %d stored\n", len(alerts), total)
	return nil
}

// PruneAlerts deletes alert history older than the retention window.
func (a *App) PruneAlerts(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("retention window must be positive")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to prune")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cutoff := time.Now().UTC().Add(-opts.OlderThan)
	before, err := store.CountAlerts(ctx)
	if err != nil {
		return err
	}
	if err := store.DeleteAlertsBefore(ctx, cutoff); err != nil {
		return err
	}
	after, err := store.CountAlerts(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Time("cutoff", cutoff).Int64("deleted", before-after).Msg("alert history pruned")
	fmt.Fprintf(a.Out, "deleted %d alerts created before %s\n", before-after, cutoff.Format(time.RFC3339))
	return nil
}

func (a *App) printAlerts(alerts []storage.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tUser\tSymbol\tSpread%\tBuy\tSell\tProfit")

	for _, rec := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			sanitizeInline(rec.UserID),
			rec.Symbol,
			formatDecimal(rec.SpreadPct, 3),
			fmt.Sprintf("%s@%s", rec.BuyExchange, rec.BuyPrice.String()),
			fmt.Sprintf("%s@%s", rec.SellExchange, rec.SellPrice.String()),
			rec.Profit.String(),
		)
	}

	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
