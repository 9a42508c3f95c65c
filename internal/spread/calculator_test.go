package spread

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spread-alerts/internal/market"
)

type staticSource map[string]string

func (s staticSource) FetchTicker(_ context.Context, exchangeID, canonical string) (market.TickerPrice, bool) {
	p, ok := s[exchangeID]
	if !ok {
		return market.TickerPrice{}, false
	}
	return market.TickerPrice{Exchange: exchangeID, Symbol: canonical, Price: decimal.RequireFromString(p)}, true
}

func TestCalculateTwoExchanges(t *testing.T) {
	c := NewCalculator(staticSource{"binance": "100", "coinbase": "102"}, zerolog.Nop())
	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	res, ok := c.Calculate(context.Background(), "btc", []string{"binance", "coinbase"})
	require.True(t, ok)
	assert.Equal(t, "BTC", res.Symbol)
	assert.True(t, res.SpreadPct.Equal(decimal.NewFromInt(2)), res.SpreadPct.String())
	assert.Equal(t, "binance", res.BuyExchange)
	assert.Equal(t, "coinbase", res.SellExchange)
	assert.True(t, res.ProfitPerUnit.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, fixed, res.ComputedAt)
}

func TestCalculateInsufficientData(t *testing.T) {
	c := NewCalculator(staticSource{"binance": "100"}, zerolog.Nop())
	_, ok := c.Calculate(context.Background(), "BTC", []string{"binance", "coinbase", "okx"})
	assert.False(t, ok)

	_, ok = c.Calculate(context.Background(), "BTC", nil)
	assert.False(t, ok)
}

func TestCalculateToleratesPartialFailure(t *testing.T) {
	c := NewCalculator(staticSource{"okx": "99", "gate": "101", "bybit": "100"}, zerolog.Nop())
	res, ok := c.Calculate(context.Background(), "ETH", []string{"binance", "okx", "gate", "bybit"})
	require.True(t, ok)
	assert.Equal(t, "okx", res.BuyExchange)
	assert.Equal(t, "gate", res.SellExchange)
}

func TestComputeTieBreakFollowsInputOrder(t *testing.T) {
	tickers := []market.TickerPrice{
		{Exchange: "gate", Price: decimal.NewFromInt(100)},
		{Exchange: "okx", Price: decimal.NewFromInt(100)},
		{Exchange: "binance", Price: decimal.NewFromInt(105)},
		{Exchange: "bybit", Price: decimal.NewFromInt(105)},
	}
	res, ok := Compute("SOL", tickers, time.Now())
	require.True(t, ok)
	assert.Equal(t, "gate", res.BuyExchange)
	assert.Equal(t, "binance", res.SellExchange)
	assert.True(t, res.SpreadPct.Equal(decimal.NewFromInt(5)))
}

func TestComputeFlatPricesHaveNoSpread(t *testing.T) {
	tickers := []market.TickerPrice{
		{Exchange: "gate", Price: decimal.NewFromInt(7)},
		{Exchange: "okx", Price: decimal.NewFromInt(7)},
	}
	_, ok := Compute("XRP", tickers, time.Now())
	assert.False(t, ok)
}

func TestComputeRejectsZeroMinimum(t *testing.T) {
	tickers := []market.TickerPrice{
		{Exchange: "gate", Price: decimal.Zero},
		{Exchange: "okx", Price: decimal.NewFromInt(7)},
	}
	_, ok := Compute("XRP", tickers, time.Now())
	assert.False(t, ok)
}
