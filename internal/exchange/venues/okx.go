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

const okxInstrumentNotFound = "51001"

// OKX reads spot tickers from the OKX v5 API.
type OKX struct {
	rest restClient
}

// NewOKX builds an OKX client.
func NewOKX(opts Options, logger zerolog.Logger) *OKX {
	return &OKX{rest: newRESTClient("okx", "https://www.okx.com", opts, logger)}
}

// ID implements exchange.Client.
func (o *OKX) ID() string { return "okx" }

// FormatPair implements exchange.PairFormatter.
func (o *OKX) FormatPair(pair string) string { return exchange.ToNative(o.ID(), pair) }

type okxTickerResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID    string `json:"instId"`
		Last      string `json:"last"`
		Open24h   string `json:"open24h"`
		VolCcy24h string `json:"volCcy24h"`
	} `json:"data"`
}

// FetchTicker implements exchange.Client.
func (o *OKX) FetchTicker(ctx context.Context, pair string) (exchange.Quote, error) {
	instID := o.FormatPair(pair)
	status, body, err := o.rest.get(ctx, "/api/v5/market/ticker", url.Values{"instId": {instID}})
	if err != nil {
		return exchange.Quote{}, err
	}

	var res okxTickerResponse
	if err := json.Unmarshal(body, &res); err != nil {
		if status != http.StatusOK {
			return exchange.Quote{}, o.rest.httpError(status, body, "")
		}
		return exchange.Quote{}, fmt.Errorf("decode okx ticker: %w", err)
	}
	if res.Code == okxInstrumentNotFound {
		return exchange.Quote{}, fmt.Errorf("okx %s: %w", instID, exchange.ErrUnknownSymbol)
	}
	if status != http.StatusOK || res.Code != "0" {
		return exchange.Quote{}, o.rest.httpError(status, body, res.Msg)
	}
	if len(res.Data) == 0 {
		return exchange.Quote{}, fmt.Errorf("okx %s: %w", instID, exchange.ErrUnknownSymbol)
	}

	t := res.Data[0]
	price, err := decimal.NewFromString(t.Last)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("parse okx last %q: %w", t.Last, err)
	}
	q := exchange.Quote{Price: price, QuoteVolume: o.rest.optionalDecimal("volCcy24h", t.VolCcy24h)}
	if open := o.rest.optionalDecimal("open24h", t.Open24h); open.IsPositive() {
		q.ChangePct = price.Sub(open).Div(open).Mul(hundred)
	}
	return q, nil
}

var (
	_ exchange.Client        = (*OKX)(nil)
	_ exchange.PairFormatter = (*OKX)(nil)
)
