package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spread-alerts/internal/breaker"
	"spread-alerts/internal/cache"
)

type fakeClient struct {
	id     string
	mu     sync.Mutex
	prices map[string]string
	err    error
	calls  []string
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) FetchTicker(_ context.Context, pair string) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pair)
	if f.err != nil {
		return Quote{}, f.err
	}
	p, ok := f.prices[pair]
	if !ok {
		return Quote{}, ErrUnknownSymbol
	}
	return Quote{Price: decimal.RequireFromString(p)}, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestGateway(clients []Client, mappings MappingResolver) *Gateway {
	reg := breaker.NewRegistry(breaker.Options{FailureThreshold: 2, ResetTimeout: time.Minute, CallTimeout: time.Second}, zerolog.Nop())
	return NewGateway(clients, reg, cache.NewMemoryPriceCache(5*time.Second), mappings, GatewayOptions{QuoteCurrency: "USDT"}, zerolog.Nop())
}

func TestGatewayFetchUsesCache(t *testing.T) {
	c := &fakeClient{id: "binance", prices: map[string]string{"BTC/USDT": "50000"}}
	g := newTestGateway([]Client{c}, nil)
	ctx := context.Background()

	got, ok := g.FetchTicker(ctx, "binance", "btc")
	require.True(t, ok)
	assert.Equal(t, "BTC", got.Symbol)
	assert.Equal(t, "binance", got.Exchange)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(50000)))

	_, ok = g.FetchTicker(ctx, "binance", "BTC")
	require.True(t, ok)
	assert.Equal(t, 1, c.callCount(), "second read should be served from cache")
}

func TestGatewayRetriesNativePairFormat(t *testing.T) {
	c := &fakeClient{id: "okx", prices: map[string]string{"ETH-USDT": "3000"}}
	g := newTestGateway([]Client{c}, nil)

	got, ok := g.FetchTicker(context.Background(), "okx", "ETH")
	require.True(t, ok)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(3000)))
	assert.Equal(t, []string{"ETH/USDT", "ETH-USDT"}, c.calls)
}

func TestGatewayAppliesMultiplier(t *testing.T) {
	c := &fakeClient{id: "bybit", prices: map[string]string{"1000SHIB/USDT": "0.012"}}
	mappings := StaticMappings{"bybit": {"SHIB": "1000SHIB"}}
	g := newTestGateway([]Client{c}, mappings)

	got, ok := g.FetchTicker(context.Background(), "bybit", "SHIB")
	require.True(t, ok)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("0.000012")), got.Price.String())
}

func TestGatewayExplicitMultiplierWins(t *testing.T) {
	c := &fakeClient{id: "gate", prices: map[string]string{"PEPE1K/USDT": "5"}}
	resolver := resolverFunc(func(context.Context, string, string) (Mapping, bool, error) {
		return Mapping{Native: "PEPE1K", Multiplier: decimal.RequireFromString("0.001")}, true, nil
	})
	g := newTestGateway([]Client{c}, resolver)

	got, ok := g.FetchTicker(context.Background(), "gate", "PEPE")
	require.True(t, ok)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("0.005")))
}

func TestGatewayMappingErrorFallsBackToCanonical(t *testing.T) {
	c := &fakeClient{id: "binance", prices: map[string]string{"SOL/USDT": "150"}}
	resolver := resolverFunc(func(context.Context, string, string) (Mapping, bool, error) {
		return Mapping{}, false, errors.New("db down")
	})
	g := newTestGateway([]Client{c}, resolver)

	_, ok := g.FetchTicker(context.Background(), "binance", "SOL")
	assert.True(t, ok)
}

func TestGatewayFailuresReturnNoData(t *testing.T) {
	c := &fakeClient{id: "gate", err: errors.New("connection reset")}
	g := newTestGateway([]Client{c}, nil)
	ctx := context.Background()

	_, ok := g.FetchTicker(ctx, "gate", "BTC")
	assert.False(t, ok)
	_, ok = g.FetchTicker(ctx, "gate", "BTC")
	assert.False(t, ok)
	require.Equal(t, breaker.Open, g.breakers.Get("gate").State())

	before := c.callCount()
	_, ok = g.FetchTicker(ctx, "gate", "BTC")
	assert.False(t, ok)
	assert.Equal(t, before, c.callCount(), "open breaker must not reach the venue")

	_, ok = g.FetchTicker(ctx, "kraken", "BTC")
	assert.False(t, ok)
}

func TestGatewayRejectsNonPositivePrice(t *testing.T) {
	c := &fakeClient{id: "binance", prices: map[string]string{"XYZ/USDT": "0"}}
	g := newTestGateway([]Client{c}, nil)
	_, ok := g.FetchTicker(context.Background(), "binance", "XYZ")
	assert.False(t, ok)
}

func TestNativePairStyles(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NativePair("binance", "btc", "usdt"))
	assert.Equal(t, "BTC-USDT", NativePair("OKX", "BTC", "USDT"))
	assert.Equal(t, "BTC_USDT", NativePair("gate", "BTC", "USDT"))
	assert.Equal(t, "BTC_USDT", ToNative("gate", "BTC/USDT"))
	assert.Equal(t, "BTCUSDT", ToNative("bybit", "BTCUSDT"))

	base, quote, ok := SplitPair("eth-usdt")
	require.True(t, ok)
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "USDT", quote)
}

type resolverFunc func(ctx context.Context, exchangeID, canonical string) (Mapping, bool, error)

func (f resolverFunc) ResolveNativeSymbol(ctx context.Context, exchangeID, canonical string) (Mapping, bool, error) {
	return f(ctx, exchangeID, canonical)
}

func TestGatewayUnlistedSymbolKeepsBreakerClosed(t *testing.T) {
	c := &fakeClient{id: "binance", prices: map[string]string{}}
	g := newTestGateway([]Client{c}, nil)

	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		_, ok := g.FetchTicker(context.Background(), "binance", sym)
		assert.False(t, ok)
	}
	assert.Equal(t, breaker.Closed, g.breakers.Get("binance").State())
	assert.Equal(t, 6, c.callCount())
}

// formattingClient rewrites pairs like the venue clients do.
type formattingClient struct {
	fakeClient
}

func (f *formattingClient) FormatPair(pair string) string { return ToNative(f.id, pair) }

func (f *formattingClient) FetchTicker(ctx context.Context, pair string) (Quote, error) {
	return f.fakeClient.FetchTicker(ctx, f.FormatPair(pair))
}

func TestGatewaySkipsRetryWhenRequestWouldRepeat(t *testing.T) {
	c := &formattingClient{fakeClient{id: "okx", prices: map[string]string{}}}
	g := newTestGateway([]Client{c}, nil)

	_, ok := g.FetchTicker(context.Background(), "okx", "FOO")
	assert.False(t, ok)
	assert.Equal(t, []string{"FOO-USDT"}, c.calls)
}

func TestGatewayBreakerKeyedByNormalizedID(t *testing.T) {
	c := &fakeClient{id: "SushiSwap", err: errors.New("rpc down")}
	g := newTestGateway([]Client{c}, nil)

	for i := 0; i < 2; i++ {
		_, ok := g.FetchTicker(context.Background(), "sushiswap", "ETH")
		assert.False(t, ok)
	}
	snaps := g.breakers.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "sushiswap", snaps[0].Name)
	assert.Equal(t, breaker.Open, snaps[0].State)
}
