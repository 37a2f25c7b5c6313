// Package oracle provides the price, rate and savings oracle implementations
// the engines consume: a settable in-process oracle seeded from config, a
// cache-backed read path, and a websocket feed that keeps the caches warm.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
)

// Quote is one collateral's full oracle reading, wad-scaled.
type Quote struct {
	Spot    *big.Int
	Ratio   *big.Int
	Rate    *big.Int
	Savings *big.Int
}

// Static serves oracle reads from an in-process table. It backs single-node
// deployments and is the fallback the cached oracle degrades to when the
// upstream feed is down. Rate and savings values only move forward.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{quotes: make(map[string]Quote)}
}

// Set replaces one collateral's quote. Nil fields keep their previous value;
// rate and savings accumulators never move backwards.
func (s *Static) Set(collateral string, q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.quotes[collateral]
	next := Quote{
		Spot:    pick(q.Spot, prev.Spot),
		Ratio:   pick(q.Ratio, prev.Ratio),
		Rate:    monotonic(q.Rate, prev.Rate),
		Savings: monotonic(q.Savings, prev.Savings),
	}
	s.quotes[collateral] = next
}

func pick(next, prev *big.Int) *big.Int {
	if next == nil {
		return prev
	}
	return fixed.Clone(next)
}

func monotonic(next, prev *big.Int) *big.Int {
	if next == nil {
		return prev
	}
	if prev != nil && next.Cmp(prev) < 0 {
		return prev
	}
	return fixed.Clone(next)
}

func (s *Static) quote(collateral string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[collateral]
	if !ok {
		return Quote{}, fmt.Errorf("oracle: %s: %w", collateral, domain.ErrNotFound)
	}
	return q, nil
}

// Spot implements domain.PriceOracle.
func (s *Static) Spot(_ context.Context, collateral string) (*big.Int, error) {
	q, err := s.quote(collateral)
	if err != nil {
		return nil, err
	}
	return fixed.Clone(q.Spot), nil
}

// RequiredRatio implements domain.PriceOracle.
func (s *Static) RequiredRatio(_ context.Context, collateral string) (*big.Int, error) {
	q, err := s.quote(collateral)
	if err != nil {
		return nil, err
	}
	return fixed.Clone(q.Ratio), nil
}

// Accumulator implements domain.RateOracle.
func (s *Static) Accumulator(_ context.Context, collateral string) (*big.Int, error) {
	q, err := s.quote(collateral)
	if err != nil {
		return nil, err
	}
	if q.Rate == nil {
		return fixed.Clone(fixed.Wad), nil
	}
	return fixed.Clone(q.Rate), nil
}

// SavingsAccumulator implements domain.SavingsOracle.
func (s *Static) SavingsAccumulator(_ context.Context, collateral string) (*big.Int, error) {
	q, err := s.quote(collateral)
	if err != nil {
		return nil, err
	}
	if q.Savings == nil {
		return fixed.Clone(fixed.Wad), nil
	}
	return fixed.Clone(q.Savings), nil
}

var (
	_ domain.PriceOracle   = (*Static)(nil)
	_ domain.RateOracle    = (*Static)(nil)
	_ domain.SavingsOracle = (*Static)(nil)
)
