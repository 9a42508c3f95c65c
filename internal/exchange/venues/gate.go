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

const gateInvalidPair = "INVALID_CURRENCY_PAIR"

// Gate reads spot tickers from the Gate.io v4 API.
type Gate struct {
	rest restClient
}

// NewGate builds a Gate.io client.
func NewGate(opts Options, logger zerolog.Logger) *Gate {
	return &Gate{rest: newRESTClient("gate", "https://api.gateio.ws", opts, logger)}
}

// ID implements exchange.Client.
func (g *Gate) ID() string { return "gate" }

// FormatPair implements exchange.PairFormatter.
func (g *Gate) FormatPair(pair string) string { return exchange.ToNative(g.ID(), pair) }

type gateTicker struct {
	CurrencyPair     string `json:"currency_pair"`
	Last             string `json:"last"`
	ChangePercentage string `json:"change_percentage"`
	QuoteVolume      string `json:"quote_volume"`
}

type gateError struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

// FetchTicker implements exchange.Client.
func (g *Gate) FetchTicker(ctx context.Context, pair string) (exchange.Quote, error) {
	native := g.FormatPair(pair)
	status, body, err := g.rest.get(ctx, "/api/v4/spot/tickers", url.Values{"currency_pair": {native}})
	if err != nil {
		return exchange.Quote{}, err
	}

	if status != http.StatusOK {
		var apiErr gateError
		if json.Unmarshal(body, &apiErr) == nil {
			if apiErr.Label == gateInvalidPair {
				return exchange.Quote{}, fmt.Errorf("gate %s: %w", native, exchange.ErrUnknownSymbol)
			}
			return exchange.Quote{}, g.rest.httpError(status, body, apiErr.Message)
		}
		return exchange.Quote{}, g.rest.httpError(status, body, "")
	}

	var tickers []gateTicker
	if err := json.Unmarshal(body, &tickers); err != nil {
		return exchange.Quote{}, fmt.Errorf("decode gate ticker: %w", err)
	}
	if len(tickers) == 0 {
		return exchange.Quote{}, fmt.Errorf("gate %s: %w", native, exchange.ErrUnknownSymbol)
	}

	t := tickers[0]
	price, err := decimal.NewFromString(t.Last)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("parse gate last %q: %w", t.Last, err)
	}
	return exchange.Quote{
		Price:       price,
		QuoteVolume: g.rest.optionalDecimal("quote_volume", t.QuoteVolume),
		ChangePct:   g.rest.optionalDecimal("change_percentage", t.ChangePercentage),
	}, nil
}

var (
	_ exchange.Client        = (*Gate)(nil)
	_ exchange.PairFormatter = (*Gate)(nil)
)
