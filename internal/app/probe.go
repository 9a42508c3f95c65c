package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"

	"spread-alerts/internal/exchange"
	"spread-alerts/internal/market"
	"spread-alerts/internal/spread"
)

// Probe fetches one symbol from every requested exchange once and prints the quotes
// and the resulting spread. It never touches users, cooldowns or the queue.
func (a *App) Probe(ctx context.Context, opts ProbeOptions) error {
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return errors.New("symbol is required")
	}

	exchanges := a.Config.MonitoredExchanges()
	if len(opts.Exchanges) > 0 {
		exchanges = lo.Uniq(lo.Map(opts.Exchanges, func(s string, _ int) string {
			return strings.ToLower(strings.TrimSpace(s))
		}))
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	gateway := a.newGateway(store, nil, a.newBreakers())
	tickers := probeTickers(ctx, gateway, symbol, exchanges)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Exchange\tPrice\tQuote Volume\t24h %")
	for _, id := range exchanges {
		t, ok := tickers[id]
		if !ok {
			fmt.Fprintf(writer, "%s\t-\t-\t-\n", id)
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			id,
			t.Price.String(),
			formatDecimal(t.QuoteVolume, 0),
			formatDecimal(t.ChangePct, 2),
		)
	}
	writer.Flush()

	ordered := lo.FilterMap(exchanges, func(id string, _ int) (market.TickerPrice, bool) {
		t, ok := tickers[id]
		return t, ok
	})
	result, ok := spread.Compute(symbol, ordered, time.Now().UTC())
	if !ok {
		fmt.Fprintf(a.Out, "\n%s: not enough quotes for a spread (%d of %d exchanges answered)\n", symbol, len(ordered), len(exchanges))
		return nil
	}
	fmt.Fprintf(a.Out, "\n%s spread %s%%: buy %s @ %s, sell %s @ %s, profit per unit %s\n",
		result.Symbol,
		formatDecimal(result.SpreadPct, 4),
		result.BuyExchange, result.BuyPrice.String(),
		result.SellExchange, result.SellPrice.String(),
		result.ProfitPerUnit.String(),
	)
	return nil
}

func probeTickers(ctx context.Context, source spread.TickerSource, symbol string, exchanges []string) map[string]market.TickerPrice {
	type answer struct {
		id string
		t  market.TickerPrice
		ok bool
	}
	answers := make(chan answer, len(exchanges))
	for _, id := range exchanges {
		go func(id string) {
			t, ok := source.FetchTicker(ctx, id, symbol)
			answers <- answer{id: id, t: t, ok: ok}
		}(id)
	}

	out := make(map[string]market.TickerPrice, len(exchanges))
	for range exchanges {
		a := <-answers
		if a.ok {
			out[a.id] = a.t
		}
	}
	return out
}

var _ spread.TickerSource = (*exchange.Gateway)(nil)
