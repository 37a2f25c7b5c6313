package domain

import (
	"math/big"
	"time"
)

// Series is one fixed-maturity debt cohort. Before maturity its debt unit
// trades 1:1 against the floating unit; at maturity it freezes a growth
// snapshot of the rate accumulator per collateral type and all conversions
// thereafter scale by liveAccumulator/maturityGrowth.
type Series struct {
	// Maturity identifies the series. No two registered series share one.
	Maturity time.Time
	// Matured flips once, irreversibly, at or after Maturity.
	Matured bool
	// MaturityGrowth maps collateral code to the rate accumulator frozen at
	// the instant the series matured. Empty until Matured.
	MaturityGrowth map[string]*big.Int
}

// ID returns the stable store key for the series (its maturity as a Unix
// timestamp).
func (s Series) ID() int64 {
	return s.Maturity.Unix()
}

// IsMature reports whether the series has reached maturity at the given time.
func (s Series) IsMature(now time.Time) bool {
	return s.Matured || !now.Before(s.Maturity)
}
