package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickerPrice is a single normalized quote for one asset on one exchange.
type TickerPrice struct {
	Exchange    string
	Symbol      string
	Price       decimal.Decimal
	QuoteVolume decimal.Decimal
	ChangePct   decimal.Decimal
	FetchedAt   time.Time
}

// SpreadResult describes the best buy/sell pair found for one asset at one instant.
type SpreadResult struct {
	Symbol        string
	SpreadPct     decimal.Decimal
	BuyExchange   string
	BuyPrice      decimal.Decimal
	SellExchange  string
	SellPrice     decimal.Decimal
	ProfitPerUnit decimal.Decimal
	ComputedAt    time.Time
}
