// Package oracle supplies cached USD prices for fee computation.
//
// Price failures never escape this package: on a failed or timed-out
// fetch the oracle serves the last known value (marked stale) or, if
// nothing was ever cached, a fixed fallback price from the fee config.
package oracle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linkpay/paycore/logger"
)

// PriceSource is the external price feed collaborator. It may fail.
type PriceSource interface {
	FetchUSDPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Price is a USD price observation.
type Price struct {
	Value decimal.Decimal
	AsOf  time.Time
	Stale bool
}

type cacheEntry struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

// Oracle caches one price per token symbol. Reads are lock-free; the
// cache map is replaced wholesale on refresh so writers never block
// readers.
type Oracle struct {
	source       PriceSource
	ttl          time.Duration
	fetchTimeout time.Duration
	fallback     decimal.Decimal
	clock        func() time.Time
	log          logger.Logger

	mu    sync.Mutex // serializes cache writes only
	cache atomic.Pointer[map[string]cacheEntry]
}

const (
	DefaultTTL          = 5 * time.Minute
	DefaultFetchTimeout = 5 * time.Second
)

// New builds an Oracle. fallback is the last-resort price used when no
// value was ever cached; ttl and fetchTimeout fall back to defaults
// when zero.
func New(source PriceSource, fallback decimal.Decimal, ttl, fetchTimeout time.Duration, log logger.Logger) *Oracle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	if log == nil {
		log = logger.NoopLogger{}
	}

	o := &Oracle{
		source:       source,
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		fallback:     fallback,
		clock:        time.Now,
		log:          log,
	}
	empty := map[string]cacheEntry{}
	o.cache.Store(&empty)
	return o
}

// WithClock overrides the time source. Intended for tests.
func (o *Oracle) WithClock(clock func() time.Time) *Oracle {
	o.clock = clock
	return o
}

// GetUSDPrice returns the USD price for a token symbol. A fresh cached
// value is served without touching the network; otherwise a fetch is
// attempted within the configured timeout, falling back to the expired
// cache entry or the fixed fallback price on failure.
func (o *Oracle) GetUSDPrice(ctx context.Context, symbol string) Price {
	now := o.clock()
	entry, cached := (*o.cache.Load())[symbol]

	if cached && now.Sub(entry.fetchedAt) < o.ttl {
		return Price{Value: entry.value, AsOf: entry.fetchedAt}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	value, err := o.source.FetchUSDPrice(fetchCtx, symbol)
	if err == nil && value.IsPositive() {
		o.store(symbol, value, now)
		return Price{Value: value, AsOf: now}
	}

	if cached {
		o.log.Warn("price fetch failed, serving stale cache", map[string]any{
			"symbol": symbol,
			"asOf":   entry.fetchedAt,
			"error":  err,
		})
		return Price{Value: entry.value, AsOf: entry.fetchedAt, Stale: true}
	}

	o.log.Warn("price fetch failed with empty cache, serving fallback", map[string]any{
		"symbol": symbol,
		"error":  err,
	})
	return Price{Value: o.fallback, AsOf: now, Stale: true}
}

func (o *Oracle) store(symbol string, value decimal.Decimal, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	old := *o.cache.Load()
	next := make(map[string]cacheEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[symbol] = cacheEntry{value: value, fetchedAt: at}
	o.cache.Store(&next)
}

// CachedPrice returns the most recently cached price without any
// network activity. Used for audit fields on the reward-token fee path.
func (o *Oracle) CachedPrice(symbol string) (Price, bool) {
	entry, ok := (*o.cache.Load())[symbol]
	if !ok {
		return Price{}, false
	}
	return Price{
		Value: entry.value,
		AsOf:  entry.fetchedAt,
		Stale: o.clock().Sub(entry.fetchedAt) >= o.ttl,
	}, true
}
