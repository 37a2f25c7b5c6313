package domain

import (
	"context"
	"math/big"
)

// PriceOracle reports the spot exchange rate of one collateral unit into the
// base accounting unit, and the required collateralization ratio, both
// wad-scaled. Reads are pure and assumed non-failing for registered
// collateral; errors surface only from infrastructure-backed implementations.
type PriceOracle interface {
	Spot(ctx context.Context, collateral string) (*big.Int, error)
	RequiredRatio(ctx context.Context, collateral string) (*big.Int, error)
}

// RateOracle reports the monotonically non-decreasing stability accumulator
// per collateral type: cumulative interest owed per unit of floating debt
// since genesis, wad-scaled.
type RateOracle interface {
	Accumulator(ctx context.Context, collateral string) (*big.Int, error)
}

// SavingsOracle reports the monotonic savings accumulator for
// interest-bearing collateral, wad-scaled.
type SavingsOracle interface {
	SavingsAccumulator(ctx context.Context, collateral string) (*big.Int, error)
}
