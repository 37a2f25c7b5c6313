package domain

import "math/big"

// CollateralKind distinguishes plain collateral from the interest-bearing
// savings wrapper. The set is closed; the engine dispatches on it instead of
// carrying per-kind subtypes.
type CollateralKind string

const (
	CollateralPlain   CollateralKind = "plain"
	CollateralSavings CollateralKind = "savings"
)

// Collateral describes one accepted collateral asset. Amounts everywhere are
// wad-scaled (1e18) big integers; Dust is the minimum non-zero posted amount.
type Collateral struct {
	Code string
	Kind CollateralKind
	Dust *big.Int
}

// IsSavings reports whether this collateral accrues through the savings
// accumulator.
func (c Collateral) IsSavings() bool {
	return c.Kind == CollateralSavings
}
