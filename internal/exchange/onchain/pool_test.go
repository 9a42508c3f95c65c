package onchain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/exchange"
)

type fakeCaller struct {
	r0, r1 *big.Int
	err    error
}

func (f fakeCaller) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return pairABI.Methods["getReserves"].Outputs.Pack(f.r0, f.r1, uint32(1700000000))
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func TestFetchTickerFromReserves(t *testing.T) {
	// token0 = USDC (6 decimals), token1 = WETH (18 decimals); 3,000,000 USDC / 1,000 WETH
	usdc := new(big.Int).Mul(big.NewInt(3_000_000), pow10(6))
	weth := new(big.Int).Mul(big.NewInt(1_000), pow10(18))

	c := New(Options{Pools: []Pool{{
		Base: "ETH", Quote: "USDT", Address: "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc",
		BaseDecimals: 18, QuoteDecimals: 6, BaseIsToken0: false,
	}}}, zerolog.Nop())
	c.caller = fakeCaller{r0: usdc, r1: weth}

	q, err := c.FetchTicker(context.Background(), "ETH/USDT")
	if err != nil {
		t.Fatalf("读取储备不应报错: %v", err)
	}
	if !q.Price.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("期望价格 3000, 实际 %s", q.Price)
	}
}

func TestFetchTickerUnknownPool(t *testing.T) {
	c := New(Options{}, zerolog.Nop())
	if _, err := c.FetchTicker(context.Background(), "BTC/USDT"); !errors.Is(err, exchange.ErrUnknownSymbol) {
		t.Fatalf("未配置的池子应返回 ErrUnknownSymbol, 实际 %v", err)
	}
	if _, err := c.FetchTicker(context.Background(), "BTCUSDT"); !errors.Is(err, exchange.ErrUnknownSymbol) {
		t.Fatalf("无法拆分的交易对应返回 ErrUnknownSymbol, 实际 %v", err)
	}
}

func TestFetchTickerMissingRPC(t *testing.T) {
	c := New(Options{Pools: []Pool{{Base: "ETH", Quote: "USDT", Address: "0x1", BaseDecimals: 18, QuoteDecimals: 6}}}, zerolog.Nop())
	if _, err := c.FetchTicker(context.Background(), "ETH/USDT"); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}
}

func TestFetchTickerRPCError(t *testing.T) {
	c := New(Options{Pools: []Pool{{Base: "ETH", Quote: "USDT", Address: "0x1", BaseDecimals: 18, QuoteDecimals: 6, BaseIsToken0: true}}}, zerolog.Nop())
	c.caller = fakeCaller{err: errors.New("rpc down")}
	if _, err := c.FetchTicker(context.Background(), "ETH/USDT"); err == nil {
		t.Fatal("RPC 错误应向上返回")
	}
	if c.ID() != "uniswap" {
		t.Fatalf("默认 ID 应为 uniswap, 实际 %s", c.ID())
	}
}
