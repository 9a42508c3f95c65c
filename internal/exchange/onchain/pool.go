package onchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/exchange"
)

const (
	uniswapV2PairABIJSON = `[{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"_reserve0","type":"uint112"},{"internalType":"uint112","name":"_reserve1","type":"uint112"},{"internalType":"uint32","name":"_blockTimestampLast","type":"uint32"}],"payable":false,"stateMutability":"view","type":"function"}]`
)

var (
	pairABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(uniswapV2PairABIJSON))
	if err != nil {
		panic("failed to parse Uniswap V2 pair ABI: " + err.Error())
	}
	pairABI = parsed
}

// Pool describes a constant-product pair quoting Base in Quote.
type Pool struct {
	Base          string
	Quote         string
	Address       string
	BaseDecimals  int32
	QuoteDecimals int32
	// BaseIsToken0 is true when the base asset is token0 of the pair contract.
	BaseIsToken0 bool
}

// Options parameterise the on-chain pool source.
type Options struct {
	ID      string
	RPCURL  string
	Timeout time.Duration
	Pools   []Pool
}

// Client prices assets from Uniswap V2 style pools via Ethereum RPC.
type Client struct {
	id     string
	opts   Options
	pools  map[string]Pool
	logger zerolog.Logger

	callerMux sync.Mutex
	caller    ethereum.ContractCaller
}

// New builds a pool client. The RPC connection is dialled on first use.
func New(opts Options, logger zerolog.Logger) *Client {
	id := strings.ToLower(strings.TrimSpace(opts.ID))
	if id == "" {
		id = "uniswap"
	}
	pools := make(map[string]Pool, len(opts.Pools))
	for _, p := range opts.Pools {
		pools[exchange.UnifiedPair(p.Base, p.Quote)] = p
	}
	return &Client{
		id:     id,
		opts:   opts,
		pools:  pools,
		logger: logger.With().Str("component", "onchain_pool").Logger(),
	}
}

// ID implements exchange.Client.
func (c *Client) ID() string { return c.id }

// FetchTicker implements exchange.Client. Only unified or separator pairs resolve to a pool.
func (c *Client) FetchTicker(ctx context.Context, pair string) (exchange.Quote, error) {
	base, quote, ok := exchange.SplitPair(pair)
	if !ok {
		return exchange.Quote{}, fmt.Errorf("%s %s: %w", c.id, pair, exchange.ErrUnknownSymbol)
	}
	pool, ok := c.pools[exchange.UnifiedPair(base, quote)]
	if !ok {
		return exchange.Quote{}, fmt.Errorf("%s %s: %w", c.id, pair, exchange.ErrUnknownSymbol)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := c.getCaller(ctx)
	if err != nil {
		return exchange.Quote{}, err
	}

	baseReserve, quoteReserve, err := c.reserves(ctx, caller, pool)
	if err != nil {
		return exchange.Quote{}, err
	}
	if baseReserve.IsZero() {
		return exchange.Quote{}, fmt.Errorf("%s pool %s has empty base reserve", c.id, pool.Address)
	}

	price := quoteReserve.Div(baseReserve)
	return exchange.Quote{Price: price}, nil
}

func (c *Client) reserves(ctx context.Context, caller ethereum.ContractCaller, pool Pool) (decimal.Decimal, decimal.Decimal, error) {
	addr := common.HexToAddress(pool.Address)
	payload, err := pairABI.Pack("getReserves")
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}

	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}

	outputs, err := pairABI.Unpack("getReserves", res)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	if len(outputs) != 3 {
		return decimal.Decimal{}, decimal.Decimal{}, errors.New("unexpected getReserves response")
	}
	r0, ok0 := outputs[0].(*big.Int)
	r1, ok1 := outputs[1].(*big.Int)
	if !ok0 || !ok1 {
		return decimal.Decimal{}, decimal.Decimal{}, errors.New("failed to decode getReserves output")
	}

	if !pool.BaseIsToken0 {
		r0, r1 = r1, r0
	}
	return decimal.NewFromBigInt(r0, -pool.BaseDecimals), decimal.NewFromBigInt(r1, -pool.QuoteDecimals), nil
}

func (c *Client) getCaller(ctx context.Context) (ethereum.ContractCaller, error) {
	c.callerMux.Lock()
	defer c.callerMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.caller = client
	return client, nil
}

var _ exchange.Client = (*Client)(nil)
