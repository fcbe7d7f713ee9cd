// Package quotes provides the price-lookup capability the trading core
// depends on: current price, previous close, and session status for a
// symbol. Upstream failures surface as domain.ErrDataUnavailable, which
// callers treat as skip-and-retry, never fatal.
package quotes

import (
	"context"
	"sync"
	"time"

	"papertrade/internal/domain"
)

// Service supplies near-real-time quotes for symbols.
type Service interface {
	// GetQuote returns the current quote for symbol. Returns an error
	// wrapping domain.ErrDataUnavailable when the upstream cannot be
	// reached.
	GetQuote(ctx context.Context, symbol string) (*domain.Quote, error)
}

// Compile-time interface check.
var _ Service = (*CachedService)(nil)

// CachedService wraps a Service with a TTL cache so a burst of lookups for
// the same symbol (one per pending order in a monitor tick, plus user
// queries) hits the upstream once.
type CachedService struct {
	upstream Service
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedQuote
}

type cachedQuote struct {
	quote   domain.Quote
	fetched time.Time
}

// NewCachedService wraps upstream with a TTL cache.
func NewCachedService(upstream Service, ttl time.Duration) *CachedService {
	return &CachedService{
		upstream: upstream,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cachedQuote),
	}
}

// GetQuote returns the cached quote when fresh, otherwise fetches from the
// upstream and refreshes the cache. Upstream failures do not evict a stale
// entry, but stale entries are never served.
func (c *CachedService) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && c.now().Sub(entry.fetched) < c.ttl {
		q := entry.quote
		c.mu.Unlock()
		return &q, nil
	}
	c.mu.Unlock()

	q, err := c.upstream.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[symbol] = cachedQuote{quote: *q, fetched: c.now()}
	c.mu.Unlock()
	return q, nil
}
