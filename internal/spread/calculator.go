package spread

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

var hundred = decimal.NewFromInt(100)

// TickerSource yields one normalized ticker per (exchange, symbol), or ok=false.
type TickerSource interface {
	FetchTicker(ctx context.Context, exchangeID, canonical string) (market.TickerPrice, bool)
}

// Calculator finds the widest buy/sell pair for a symbol across exchanges.
type Calculator struct {
	source TickerSource
	logger zerolog.Logger
	now    func() time.Time
}

// NewCalculator wires a ticker source.
func NewCalculator(source TickerSource, logger zerolog.Logger) *Calculator {
	return &Calculator{
		source: source,
		logger: logger.With().Str("component", "spread").Logger(),
		now:    time.Now,
	}
}

// Calculate fetches every exchange concurrently and returns the spread between the
// cheapest and dearest quote. ok=false when fewer than two exchanges answered.
func (c *Calculator) Calculate(ctx context.Context, symbol string, exchangeIDs []string) (market.SpreadResult, bool) {
	symbol = strings.ToUpper(symbol)
	tickers := c.fetchAll(ctx, symbol, exchangeIDs)
	if len(tickers) < 2 {
		c.logger.Debug().Str("symbol", symbol).Int("quotes", len(tickers)).Msg("not enough quotes for a spread")
		return market.SpreadResult{}, false
	}
	return Compute(symbol, tickers, c.now().UTC())
}

// fetchAll keeps the input exchange order so tie-breaking stays deterministic.
func (c *Calculator) fetchAll(ctx context.Context, symbol string, exchangeIDs []string) []market.TickerPrice {
	slots := make([]*market.TickerPrice, len(exchangeIDs))
	var wg sync.WaitGroup
	for i, id := range exchangeIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if t, ok := c.source.FetchTicker(ctx, id, symbol); ok {
				slots[i] = &t
			}
		}(i, id)
	}
	wg.Wait()

	tickers := make([]market.TickerPrice, 0, len(slots))
	for _, t := range slots {
		if t != nil {
			tickers = append(tickers, *t)
		}
	}
	return tickers
}

// Compute derives a spread from already fetched tickers. On equal extremes the
// earliest ticker in the slice wins.
func Compute(symbol string, tickers []market.TickerPrice, at time.Time) (market.SpreadResult, bool) {
	if len(tickers) < 2 {
		return market.SpreadResult{}, false
	}

	lo, hi := 0, 0
	for i := 1; i < len(tickers); i++ {
		if tickers[i].Price.LessThan(tickers[lo].Price) {
			lo = i
		}
		if tickers[i].Price.GreaterThan(tickers[hi].Price) {
			hi = i
		}
	}
	buy, sell := tickers[lo], tickers[hi]
	if lo == hi || !buy.Price.IsPositive() {
		return market.SpreadResult{}, false
	}

	profit := sell.Price.Sub(buy.Price)
	return market.SpreadResult{
		Symbol:        strings.ToUpper(symbol),
		SpreadPct:     profit.Div(buy.Price).Mul(hundred),
		BuyExchange:   buy.Exchange,
		BuyPrice:      buy.Price,
		SellExchange:  sell.Exchange,
		SellPrice:     sell.Price,
		ProfitPerUnit: profit,
		ComputedAt:    at,
	}, true
}
