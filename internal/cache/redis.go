package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

// RedisOptions describe a Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisClient creates a client and pings the server.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

type redisTicker struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	ChangePct   decimal.Decimal `json:"change_pct"`
	FetchedAt   int64           `json:"ts"` // unix nano
}

// RedisPriceCache shares tickers between replicas through Redis.
type RedisPriceCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisPriceCache wraps an existing client.
func NewRedisPriceCache(rdb *redis.Client, prefix string, ttl time.Duration) *RedisPriceCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisPriceCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

// GetTicker returns a cached ticker; a miss is not an error.
func (c *RedisPriceCache) GetTicker(ctx context.Context, exchangeID, symbol string) (market.TickerPrice, bool, error) {
	b, err := c.rdb.Get(ctx, c.prefix+tickerKey(exchangeID, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.TickerPrice{}, false, nil
	}
	if err != nil {
		return market.TickerPrice{}, false, fmt.Errorf("redis get ticker: %w", err)
	}

	var m redisTicker
	if err := json.Unmarshal(b, &m); err != nil {
		return market.TickerPrice{}, false, fmt.Errorf("decode cached ticker: %w", err)
	}
	return market.TickerPrice{
		Exchange:    m.Exchange,
		Symbol:      m.Symbol,
		Price:       m.Price,
		QuoteVolume: m.QuoteVolume,
		ChangePct:   m.ChangePct,
		FetchedAt:   time.Unix(0, m.FetchedAt).UTC(),
	}, true, nil
}

// SetTicker stores a ticker with the cache TTL.
func (c *RedisPriceCache) SetTicker(ctx context.Context, t market.TickerPrice) error {
	b, err := json.Marshal(redisTicker{
		Exchange:    t.Exchange,
		Symbol:      t.Symbol,
		Price:       t.Price,
		QuoteVolume: t.QuoteVolume,
		ChangePct:   t.ChangePct,
		FetchedAt:   t.FetchedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.prefix+tickerKey(t.Exchange, t.Symbol), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set ticker: %w", err)
	}
	return nil
}

// RedisCooldown stores cooldown entries as expiring keys.
type RedisCooldown struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCooldown wraps an existing client.
func NewRedisCooldown(rdb *redis.Client, prefix string) *RedisCooldown {
	return &RedisCooldown{rdb: rdb, prefix: prefix}
}

// Active reports whether the cooldown key exists.
func (c *RedisCooldown) Active(ctx context.Context, key CooldownKey) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.prefix+key.String()).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists cooldown: %w", err)
	}
	return n > 0, nil
}

// Claim uses SET NX so concurrent evaluations race on a single key.
func (c *RedisCooldown) Claim(ctx context.Context, key CooldownKey, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.prefix+key.String(), time.Now().UTC().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim cooldown: %w", err)
	}
	return ok, nil
}

// Release deletes the cooldown key.
func (c *RedisCooldown) Release(ctx context.Context, key CooldownKey) error {
	if err := c.rdb.Del(ctx, c.prefix+key.String()).Err(); err != nil {
		return fmt.Errorf("redis release cooldown: %w", err)
	}
	return nil
}
