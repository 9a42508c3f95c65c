package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/breaker"
	"spread-alerts/internal/market"
	"spread-alerts/internal/symbol"
)

// PriceCache is the short-lived ticker cache the gateway reads through.
type PriceCache interface {
	GetTicker(ctx context.Context, exchangeID, symbol string) (market.TickerPrice, bool, error)
	SetTicker(ctx context.Context, t market.TickerPrice) error
}

// GatewayOptions parameterise the gateway.
type GatewayOptions struct {
	QuoteCurrency string
}

// Gateway fetches normalized tickers with caching and per-exchange failure isolation.
type Gateway struct {
	clients  map[string]Client
	breakers *breaker.Registry
	cache    PriceCache
	mappings MappingResolver
	quote    string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewGateway wires venue clients with the breaker registry, cache and mapping store.
// cache and mappings may be nil.
func NewGateway(clients []Client, breakers *breaker.Registry, cache PriceCache, mappings MappingResolver, opts GatewayOptions, logger zerolog.Logger) *Gateway {
	byID := make(map[string]Client, len(clients))
	for _, c := range clients {
		byID[strings.ToLower(c.ID())] = c
	}
	quote := strings.ToUpper(opts.QuoteCurrency)
	if quote == "" {
		quote = "USDT"
	}
	return &Gateway{
		clients:  byID,
		breakers: breakers,
		cache:    cache,
		mappings: mappings,
		quote:    quote,
		logger:   logger.With().Str("component", "gateway").Logger(),
		now:      time.Now,
	}
}

// Exchanges lists the ids of the configured venues.
func (g *Gateway) Exchanges() []string {
	ids := make([]string, 0, len(g.clients))
	for id := range g.clients {
		ids = append(ids, id)
	}
	return ids
}

// FetchTicker returns a normalized ticker or ok=false. Failures are logged, never returned.
func (g *Gateway) FetchTicker(ctx context.Context, exchangeID, canonical string) (market.TickerPrice, bool) {
	exchangeID = strings.ToLower(exchangeID)
	canonical = strings.ToUpper(canonical)
	log := g.logger.With().Str("exchange", exchangeID).Str("symbol", canonical).Logger()

	client, ok := g.clients[exchangeID]
	if !ok {
		log.Debug().Msg("exchange not configured")
		return market.TickerPrice{}, false
	}

	if g.cache != nil {
		cached, hit, err := g.cache.GetTicker(ctx, exchangeID, canonical)
		if err != nil {
			log.Warn().Err(err).Msg("price cache read failed")
		} else if hit {
			return cached, true
		}
	}

	mapping := Mapping{Native: canonical}
	if g.mappings != nil {
		m, found, err := g.mappings.ResolveNativeSymbol(ctx, exchangeID, canonical)
		if err != nil {
			log.Warn().Err(err).Msg("symbol mapping lookup failed, using canonical symbol")
		} else if found && m.Native != "" {
			mapping = m
		}
	}
	multiplier := resolveMultiplier(canonical, mapping)

	quote, err := g.fetch(ctx, exchangeID, client, mapping.Native)
	if err != nil {
		switch {
		case errors.Is(err, breaker.ErrOpen):
			log.Debug().Msg("skipped, circuit open")
		case errors.Is(err, ErrUnknownSymbol):
			log.Debug().Str("native", mapping.Native).Msg("symbol not listed")
		default:
			log.Warn().Err(err).Msg("ticker fetch failed")
		}
		return market.TickerPrice{}, false
	}
	if !quote.Price.IsPositive() {
		log.Warn().Str("price", quote.Price.String()).Msg("non-positive price ignored")
		return market.TickerPrice{}, false
	}

	ticker := market.TickerPrice{
		Exchange:    exchangeID,
		Symbol:      canonical,
		Price:       symbol.NormalizePrice(quote.Price, multiplier),
		QuoteVolume: quote.QuoteVolume,
		ChangePct:   quote.ChangePct,
		FetchedAt:   g.now().UTC(),
	}
	if !multiplier.Equal(decimal.NewFromInt(1)) {
		log.Debug().Str("native", mapping.Native).Str("multiplier", multiplier.String()).Msg("price normalized")
	}

	if g.cache != nil {
		if err := g.cache.SetTicker(ctx, ticker); err != nil {
			log.Warn().Err(err).Msg("price cache write failed")
		}
	}
	return ticker, true
}

type fetchResult struct {
	quote    Quote
	unlisted bool
}

// fetch asks for the unified pair first and retries once with the venue-native
// pair format when the venue rejects the symbol. The retry is skipped when the
// client would send both forms as the same request.
// An unlisted symbol is a healthy answer and does not count against the breaker.
func (g *Gateway) fetch(ctx context.Context, exchangeID string, client Client, native string) (Quote, error) {
	b := g.breakers.Get(exchangeID)
	call := func(pair string) (fetchResult, error) {
		return breaker.Call(ctx, b, func(ctx context.Context) (fetchResult, error) {
			q, err := client.FetchTicker(ctx, pair)
			if errors.Is(err, ErrUnknownSymbol) {
				return fetchResult{unlisted: true}, nil
			}
			return fetchResult{quote: q}, err
		})
	}

	unified := UnifiedPair(native, g.quote)
	res, err := call(unified)
	if err != nil {
		return Quote{}, err
	}
	if !res.unlisted {
		return res.quote, nil
	}

	alternate := NativePair(exchangeID, native, g.quote)
	if sameRequest(client, unified, alternate) {
		return Quote{}, ErrUnknownSymbol
	}
	res, err = call(alternate)
	if err != nil {
		return Quote{}, err
	}
	if res.unlisted {
		return Quote{}, ErrUnknownSymbol
	}
	return res.quote, nil
}

func sameRequest(client Client, a, b string) bool {
	if a == b {
		return true
	}
	f, ok := client.(PairFormatter)
	return ok && f.FormatPair(a) == f.FormatPair(b)
}
