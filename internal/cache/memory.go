package cache

import (
	"context"
	"sync"
	"time"

	"spread-alerts/internal/market"
)

const sweepEvery = 256

type priceEntry struct {
	ticker    market.TickerPrice
	expiresAt time.Time
}

// MemoryPriceCache keeps recent tickers in process memory.
type MemoryPriceCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]priceEntry
	writes  int
}

// NewMemoryPriceCache constructs an in-memory ticker cache.
func NewMemoryPriceCache(ttl time.Duration) *MemoryPriceCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &MemoryPriceCache{ttl: ttl, now: time.Now, entries: make(map[string]priceEntry)}
}

// GetTicker returns a cached ticker if it has not expired.
func (c *MemoryPriceCache) GetTicker(ctx context.Context, exchangeID, symbol string) (market.TickerPrice, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[tickerKey(exchangeID, symbol)]
	c.mu.RUnlock()

	if !ok || !c.now().Before(entry.expiresAt) {
		return market.TickerPrice{}, false, nil
	}
	return entry.ticker, true, nil
}

// SetTicker stores a ticker for the configured TTL.
func (c *MemoryPriceCache) SetTicker(ctx context.Context, t market.TickerPrice) error {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[tickerKey(t.Exchange, t.Symbol)] = priceEntry{ticker: t, expiresAt: now.Add(c.ttl)}
	c.writes++
	if c.writes%sweepEvery == 0 {
		sweepExpired(c.entries, now, func(e priceEntry) time.Time { return e.expiresAt })
	}
	return nil
}

// sweepExpired deletes every entry whose expiry is not after now. Callers hold the lock.
func sweepExpired[V any](entries map[string]V, now time.Time, expiry func(V) time.Time) {
	for k, v := range entries {
		if !now.Before(expiry(v)) {
			delete(entries, k)
		}
	}
}

// MemoryCooldown is a process-local cooldown store.
type MemoryCooldown struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
	claims  int
}

// NewMemoryCooldown constructs an empty cooldown store.
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{now: time.Now, entries: make(map[string]time.Time)}
}

// Active reports whether an unexpired entry exists for key.
func (c *MemoryCooldown) Active(ctx context.Context, key CooldownKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	expiresAt, ok := c.entries[k]
	if !ok {
		return false, nil
	}
	if !c.now().Before(expiresAt) {
		delete(c.entries, k)
		return false, nil
	}
	return true, nil
}

// Claim sets the entry when absent or expired and reports whether it did.
func (c *MemoryCooldown) Claim(ctx context.Context, key CooldownKey, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	k := key.String()
	if expiresAt, ok := c.entries[k]; ok && now.Before(expiresAt) {
		return false, nil
	}
	c.entries[k] = now.Add(ttl)
	c.claims++
	// pairs that never recur would otherwise stay forever
	if c.claims%sweepEvery == 0 {
		sweepExpired(c.entries, now, func(t time.Time) time.Time { return t })
	}
	return true, nil
}

// Release drops the entry for key.
func (c *MemoryCooldown) Release(ctx context.Context, key CooldownKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
	return nil
}
