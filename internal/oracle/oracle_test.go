package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
)

func TestStaticMonotonicAccumulators(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	s.Set("WETH", Quote{
		Spot:  fixed.MustWad("1.5"),
		Ratio: fixed.MustWad("1.05"),
		Rate:  fixed.MustWad("1.25"),
	})

	spot, err := s.Spot(ctx, "WETH")
	if err != nil {
		t.Fatalf("spot: %v", err)
	}
	if spot.Cmp(fixed.MustWad("1.5")) != 0 {
		t.Fatalf("spot = %s, want 1.5e18", spot)
	}

	// A lower rate reading is ignored, a higher one sticks, spot may move
	// either way.
	s.Set("WETH", Quote{Spot: fixed.MustWad("1.2"), Rate: fixed.MustWad("1.1")})
	rate, err := s.Accumulator(ctx, "WETH")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(fixed.MustWad("1.25")) != 0 {
		t.Fatalf("rate moved backwards: %s", rate)
	}
	spot, _ = s.Spot(ctx, "WETH")
	if spot.Cmp(fixed.MustWad("1.2")) != 0 {
		t.Fatalf("spot = %s, want 1.2e18", spot)
	}

	s.Set("WETH", Quote{Rate: fixed.MustWad("1.5")})
	rate, _ = s.Accumulator(ctx, "WETH")
	if rate.Cmp(fixed.MustWad("1.5")) != 0 {
		t.Fatalf("rate = %s, want 1.5e18", rate)
	}

	if _, err := s.Spot(ctx, "DOGE"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown collateral: err = %v, want ErrNotFound", err)
	}
}

type memPriceCache struct {
	spot  *big.Int
	ratio *big.Int
	ts    time.Time
}

func (m *memPriceCache) SetSpot(_ context.Context, _ string, spot, ratio *big.Int, ts time.Time) error {
	m.spot, m.ratio, m.ts = fixed.Clone(spot), fixed.Clone(ratio), ts
	return nil
}

func (m *memPriceCache) GetSpot(context.Context, string) (*big.Int, *big.Int, time.Time, error) {
	if m.spot == nil {
		return nil, nil, time.Time{}, domain.ErrNotFound
	}
	return fixed.Clone(m.spot), fixed.Clone(m.ratio), m.ts, nil
}

type memAccumulatorCache struct {
	values map[string]*big.Int
	ts     time.Time
}

func (m *memAccumulatorCache) SetAccumulator(_ context.Context, kind, collateral string, value *big.Int, ts time.Time) error {
	if m.values == nil {
		m.values = make(map[string]*big.Int)
	}
	m.values[kind+":"+collateral] = fixed.Clone(value)
	m.ts = ts
	return nil
}

func (m *memAccumulatorCache) GetAccumulator(_ context.Context, kind, collateral string) (*big.Int, time.Time, error) {
	v, ok := m.values[kind+":"+collateral]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	return fixed.Clone(v), m.ts, nil
}

func TestCachedFreshnessAndFallback(t *testing.T) {
	ctx := context.Background()
	prices := &memPriceCache{}
	accumulators := &memAccumulatorCache{}
	fallback := NewStatic()
	fallback.Set("WETH", Quote{
		Spot:  fixed.MustWad("2"),
		Ratio: fixed.MustWad("1.5"),
		Rate:  fixed.MustWad("1.1"),
	})
	c := NewCached(prices, accumulators, fallback, time.Minute)

	// Cold cache falls through to the static oracle.
	spot, err := c.Spot(ctx, "WETH")
	if err != nil {
		t.Fatalf("cold spot: %v", err)
	}
	if spot.Cmp(fixed.MustWad("2")) != 0 {
		t.Fatalf("cold spot = %s, want 2e18", spot)
	}

	// A fresh cache entry wins over the fallback.
	prices.SetSpot(ctx, "WETH", fixed.MustWad("1.5"), fixed.MustWad("1.05"), time.Now())
	spot, err = c.Spot(ctx, "WETH")
	if err != nil {
		t.Fatalf("warm spot: %v", err)
	}
	if spot.Cmp(fixed.MustWad("1.5")) != 0 {
		t.Fatalf("warm spot = %s, want 1.5e18", spot)
	}
	ratio, err := c.RequiredRatio(ctx, "WETH")
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if ratio.Cmp(fixed.MustWad("1.05")) != 0 {
		t.Fatalf("ratio = %s, want 1.05e18", ratio)
	}

	// A stale entry degrades to the fallback again.
	prices.ts = time.Now().Add(-2 * time.Minute)
	spot, err = c.Spot(ctx, "WETH")
	if err != nil {
		t.Fatalf("stale spot: %v", err)
	}
	if spot.Cmp(fixed.MustWad("2")) != 0 {
		t.Fatalf("stale spot = %s, want fallback 2e18", spot)
	}

	// With no fallback a stale cache is an explicit staleness error.
	bare := NewCached(prices, accumulators, nil, time.Minute)
	if _, err := bare.Spot(ctx, "WETH"); !errors.Is(err, domain.ErrStalePrice) {
		t.Fatalf("stale without fallback: err = %v, want ErrStalePrice", err)
	}

	// Accumulator reads route by kind.
	accumulators.SetAccumulator(ctx, domain.AccumulatorRate, "WETH", fixed.MustWad("1.25"), time.Now())
	rate, err := c.Accumulator(ctx, "WETH")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(fixed.MustWad("1.25")) != 0 {
		t.Fatalf("rate = %s, want 1.25e18", rate)
	}
	chi, err := c.SavingsAccumulator(ctx, "WETH")
	if err != nil {
		t.Fatalf("savings: %v", err)
	}
	if chi.Cmp(fixed.Wad) != 0 {
		t.Fatalf("savings = %s, want fallback par", chi)
	}
}

func TestFeedQuoteParsing(t *testing.T) {
	q, err := parseQuote(quoteMessage{
		Collateral: "WETH",
		Spot:       "1.5",
		Ratio:      "1.05",
		Rate:       "1.25",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Spot.Cmp(fixed.MustWad("1.5")) != 0 || q.Ratio.Cmp(fixed.MustWad("1.05")) != 0 {
		t.Fatalf("parsed quote = %+v", q)
	}
	if q.Savings != nil {
		t.Fatalf("empty savings parsed to %s", q.Savings)
	}
	if _, err := parseQuote(quoteMessage{Collateral: "WETH", Spot: "not-a-number"}); err == nil {
		t.Fatal("malformed spot accepted")
	}
}
