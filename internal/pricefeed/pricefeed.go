package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Source supplies the current mark price per symbol. It is a pull interface;
// no push contract is assumed.
type Source interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Static is a fixed price table, used by the simulation and tests.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a static feed from a symbol -> price table.
func NewStatic(prices map[string]float64) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for symbol, price := range prices {
		s.prices[symbol] = decimal.NewFromFloat(price)
	}
	return s
}

// Set updates a symbol's price.
func (s *Static) Set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = decimal.NewFromFloat(price)
}

// MarkPrice implements Source.
func (s *Static) MarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no mark price for symbol %s", symbol)
	}
	return price, nil
}

type cacheEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// CachedSource wraps a Source with a bounded per-symbol TTL cache, sized to
// the active symbol universe. Entries past maxEntries evict the stalest one.
type CachedSource struct {
	source     Source
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachedSource wraps source with a cache of at most maxEntries symbols
// whose entries expire after ttl.
func NewCachedSource(source Source, ttl time.Duration, maxEntries int) *CachedSource {
	return &CachedSource{
		source:     source,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cacheEntry),
	}
}

// MarkPrice implements Source, serving from cache within the TTL.
func (c *CachedSource) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.Lock()
	entry, ok := c.entries[symbol]
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.price, nil
	}
	c.mu.Unlock()

	price, err := c.source.MarkPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictStalest()
	}
	c.entries[symbol] = cacheEntry{price: price, fetchedAt: time.Now()}
	return price, nil
}

// evictStalest removes the entry with the oldest fetch time. Caller holds the
// lock.
func (c *CachedSource) evictStalest() {
	var stalest string
	var stalestAt time.Time
	for symbol, entry := range c.entries {
		if stalest == "" || entry.fetchedAt.Before(stalestAt) {
			stalest = symbol
			stalestAt = entry.fetchedAt
		}
	}
	if stalest != "" {
		delete(c.entries, stalest)
	}
}

// Size returns the number of cached symbols.
func (c *CachedSource) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
