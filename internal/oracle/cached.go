package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cairnfi/termledger/internal/domain"
)

// Cached reads quotes from the shared caches the feed keeps warm, falling
// back to an inner oracle when a reading is missing or older than maxAge.
// Stale cache entries past maxAge with no fallback fail with ErrStalePrice
// rather than silently serving an old price into the solvency math.
type Cached struct {
	prices       domain.PriceCache
	accumulators domain.AccumulatorCache
	fallback     *Static
	maxAge       time.Duration
	now          func() time.Time
}

// NewCached creates a cache-backed oracle. fallback may be nil, in which case
// a cold or stale cache is an error.
func NewCached(prices domain.PriceCache, accumulators domain.AccumulatorCache, fallback *Static, maxAge time.Duration) *Cached {
	return &Cached{
		prices:       prices,
		accumulators: accumulators,
		fallback:     fallback,
		maxAge:       maxAge,
		now:          time.Now,
	}
}

func (c *Cached) fresh(ts time.Time) bool {
	return c.maxAge <= 0 || c.now().Sub(ts) <= c.maxAge
}

func (c *Cached) spotQuote(ctx context.Context, collateral string) (spot, ratio *big.Int, err error) {
	spot, ratio, ts, err := c.prices.GetSpot(ctx, collateral)
	if err == nil && c.fresh(ts) {
		return spot, ratio, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, nil, err
	}
	if c.fallback == nil {
		return nil, nil, fmt.Errorf("oracle: spot %s: %w", collateral, domain.ErrStalePrice)
	}
	spot, err = c.fallback.Spot(ctx, collateral)
	if err != nil {
		return nil, nil, err
	}
	ratio, err = c.fallback.RequiredRatio(ctx, collateral)
	if err != nil {
		return nil, nil, err
	}
	return spot, ratio, nil
}

// Spot implements domain.PriceOracle.
func (c *Cached) Spot(ctx context.Context, collateral string) (*big.Int, error) {
	spot, _, err := c.spotQuote(ctx, collateral)
	return spot, err
}

// RequiredRatio implements domain.PriceOracle.
func (c *Cached) RequiredRatio(ctx context.Context, collateral string) (*big.Int, error) {
	_, ratio, err := c.spotQuote(ctx, collateral)
	return ratio, err
}

func (c *Cached) accumulator(ctx context.Context, kind, collateral string) (*big.Int, error) {
	value, ts, err := c.accumulators.GetAccumulator(ctx, kind, collateral)
	if err == nil && c.fresh(ts) {
		return value, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if c.fallback == nil {
		return nil, fmt.Errorf("oracle: %s accumulator %s: %w", kind, collateral, domain.ErrStalePrice)
	}
	if kind == domain.AccumulatorSavings {
		return c.fallback.SavingsAccumulator(ctx, collateral)
	}
	return c.fallback.Accumulator(ctx, collateral)
}

// Accumulator implements domain.RateOracle.
func (c *Cached) Accumulator(ctx context.Context, collateral string) (*big.Int, error) {
	return c.accumulator(ctx, domain.AccumulatorRate, collateral)
}

// SavingsAccumulator implements domain.SavingsOracle.
func (c *Cached) SavingsAccumulator(ctx context.Context, collateral string) (*big.Int, error) {
	return c.accumulator(ctx, domain.AccumulatorSavings, collateral)
}

var (
	_ domain.PriceOracle   = (*Cached)(nil)
	_ domain.RateOracle    = (*Cached)(nil)
	_ domain.SavingsOracle = (*Cached)(nil)
)
