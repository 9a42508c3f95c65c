package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/exchange"
)

// Binance rejects unknown pairs with -1121 "Invalid symbol".
const codeInvalidSymbol = -1121

// Options parameterise the Binance spot client.
type Options struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
}

// Client reads 24h spot tickers through go-binance.
type Client struct {
	cli    *gobinance.Client
	logger zerolog.Logger
}

// New builds a Binance client. Public market data does not need credentials.
func New(opts Options, logger zerolog.Logger) *Client {
	cli := gobinance.NewClient(opts.APIKey, opts.SecretKey)
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		cli.BaseURL = base
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cli.HTTPClient = &http.Client{Timeout: timeout}
	return &Client{
		cli:    cli,
		logger: logger.With().Str("component", "binance_client").Logger(),
	}
}

// ID implements exchange.Client.
func (c *Client) ID() string { return "binance" }

// FormatPair implements exchange.PairFormatter.
func (c *Client) FormatPair(pair string) string { return exchange.ToNative(c.ID(), pair) }

// FetchTicker implements exchange.Client.
func (c *Client) FetchTicker(ctx context.Context, pair string) (exchange.Quote, error) {
	symbol := c.FormatPair(pair)
	stats, err := c.cli.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeInvalidSymbol {
			return exchange.Quote{}, fmt.Errorf("binance %s: %w", symbol, exchange.ErrUnknownSymbol)
		}
		return exchange.Quote{}, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return exchange.Quote{}, fmt.Errorf("binance %s: %w", symbol, exchange.ErrUnknownSymbol)
	}

	s := stats[0]
	price, err := decimal.NewFromString(s.LastPrice)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("parse binance last price %q: %w", s.LastPrice, err)
	}
	// volume and change are informational; a bad value is logged, not fatal
	volume, err := decimal.NewFromString(s.QuoteVolume)
	if err != nil {
		c.logger.Debug().Err(err).Str("symbol", symbol).Msg("quote volume unparsable")
	}
	change, err := decimal.NewFromString(s.PriceChangePercent)
	if err != nil {
		c.logger.Debug().Err(err).Str("symbol", symbol).Msg("change percent unparsable")
	}

	return exchange.Quote{Price: price, QuoteVolume: volume, ChangePct: change}, nil
}

var (
	_ exchange.Client        = (*Client)(nil)
	_ exchange.PairFormatter = (*Client)(nil)
)
