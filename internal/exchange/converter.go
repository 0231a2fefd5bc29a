package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// RateCache is the narrow Redis dependency the converter needs, satisfied
// by internal/cache.Service's generic string get/set.
type RateCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

const (
	rateCacheKey = "exchange:eurusdt_rate"
	rateCacheTTL = 60 * time.Second
)

// RateSource fetches the live EUR/USDT rate, implemented against a price
// feed or the venue's own conversion pair.
type RateSource interface {
	FetchEURUSDT(ctx context.Context) (float64, error)
}

// Converter implements the EUR<->USDT conversion with the cache -> live
// fetch -> last-known-good fallback chain from SPEC_FULL.md §4's
// supplemented features.
type Converter struct {
	cache  RateCache
	source RateSource

	mu            sync.Mutex
	lastKnownGood float64
}

// NewConverter constructs a Converter. cache may be nil, in which case the
// chain skips straight to the live source and in-memory last-known-good.
func NewConverter(cache RateCache, source RateSource) *Converter {
	return &Converter{cache: cache, source: source}
}

// Rate returns the current EUR/USDT rate (USDT per 1 EUR), trying the
// cache, then a live fetch, then the last successfully observed rate.
func (c *Converter) Rate(ctx context.Context) (float64, error) {
	if c.cache != nil {
		if raw, ok, err := c.cache.Get(ctx, rateCacheKey); err == nil && ok {
			if rate, perr := strconv.ParseFloat(raw, 64); perr == nil && rate > 0 {
				return rate, nil
			}
		}
	}

	rate, err := c.source.FetchEURUSDT(ctx)
	if err == nil && rate > 0 {
		if c.cache != nil {
			_ = c.cache.Set(ctx, rateCacheKey, strconv.FormatFloat(rate, 'f', -1, 64), rateCacheTTL)
		}
		c.mu.Lock()
		c.lastKnownGood = rate
		c.mu.Unlock()
		return rate, nil
	}

	c.mu.Lock()
	lkg := c.lastKnownGood
	c.mu.Unlock()
	if lkg > 0 {
		return lkg, nil
	}
	if err == nil {
		err = fmt.Errorf("exchange: rate source returned non-positive rate")
	}
	return 0, fmt.Errorf("exchange: no rate available: %w", err)
}

// EURToUSDT converts a EUR amount to USDT using the current rate.
func (c *Converter) EURToUSDT(ctx context.Context, eur float64) (float64, error) {
	rate, err := c.Rate(ctx)
	if err != nil {
		return 0, err
	}
	return eur * rate, nil
}

// USDTToEUR converts a USDT amount to EUR using the current rate.
func (c *Converter) USDTToEUR(ctx context.Context, usdt float64) (float64, error) {
	rate, err := c.Rate(ctx)
	if err != nil {
		return 0, err
	}
	return usdt / rate, nil
}
