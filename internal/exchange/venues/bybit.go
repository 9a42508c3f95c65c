package venues

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/exchange"
)

const bybitNotSupportedSymbol = 10001

// Bybit reads spot tickers from the Bybit v5 API.
type Bybit struct {
	rest restClient
}

// NewBybit builds a Bybit client.
func NewBybit(opts Options, logger zerolog.Logger) *Bybit {
	return &Bybit{rest: newRESTClient("bybit", "https://api.bybit.com", opts, logger)}
}

// ID implements exchange.Client.
func (b *Bybit) ID() string { return "bybit" }

// FormatPair implements exchange.PairFormatter.
func (b *Bybit) FormatPair(pair string) string { return exchange.ToNative(b.ID(), pair) }

type bybitTickerResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			Price24hPcnt string `json:"price24hPcnt"`
			Turnover24h  string `json:"turnover24h"`
		} `json:"list"`
	} `json:"result"`
}

// FetchTicker implements exchange.Client.
func (b *Bybit) FetchTicker(ctx context.Context, pair string) (exchange.Quote, error) {
	symbol := b.FormatPair(pair)
	status, body, err := b.rest.get(ctx, "/v5/market/tickers", url.Values{"category": {"spot"}, "symbol": {symbol}})
	if err != nil {
		return exchange.Quote{}, err
	}
	if status != http.StatusOK {
		return exchange.Quote{}, b.rest.httpError(status, body, "")
	}

	var res bybitTickerResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return exchange.Quote{}, fmt.Errorf("decode bybit ticker: %w", err)
	}
	switch {
	case res.RetCode == bybitNotSupportedSymbol:
		return exchange.Quote{}, fmt.Errorf("bybit %s: %w", symbol, exchange.ErrUnknownSymbol)
	case res.RetCode != 0:
		return exchange.Quote{}, b.rest.httpError(status, body, res.RetMsg)
	case len(res.Result.List) == 0:
		return exchange.Quote{}, fmt.Errorf("bybit %s: %w", symbol, exchange.ErrUnknownSymbol)
	}

	t := res.Result.List[0]
	price, err := decimal.NewFromString(t.LastPrice)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("parse bybit lastPrice %q: %w", t.LastPrice, err)
	}
	return exchange.Quote{
		Price:       price,
		QuoteVolume: b.rest.optionalDecimal("turnover24h", t.Turnover24h),
		// Bybit reports a fraction, 0.0123 means 1.23%
		ChangePct: b.rest.optionalDecimal("price24hPcnt", t.Price24hPcnt).Mul(hundred),
	}, nil
}

var (
	_ exchange.Client        = (*Bybit)(nil)
	_ exchange.PairFormatter = (*Bybit)(nil)
)
