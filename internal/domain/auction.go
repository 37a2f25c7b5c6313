package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Auction is a per-user Dutch liquidation auction. Collateral is denominated
// in reference-collateral units, Debt in base units. Both shrink
// proportionally on partial buys; the auction is closed once Debt reaches
// zero, after which any Collateral remainder stays withdrawable by User.
type Auction struct {
	User       common.Address
	StartedAt  time.Time
	Collateral *big.Int
	Debt       *big.Int
}

// Closed reports whether the auction debt has been fully bought out.
func (a Auction) Closed() bool {
	return a.Debt == nil || a.Debt.Sign() == 0
}
