package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VaultStatus tracks the lifecycle of a (collateral, user) position.
type VaultStatus string

const (
	VaultStatusUnopened    VaultStatus = "unopened"
	VaultStatusPosted      VaultStatus = "posted"
	VaultStatusBorrowed    VaultStatus = "borrowed"
	VaultStatusLiquidating VaultStatus = "liquidating"
)

// Vault is the persisted snapshot of a user's position in one collateral
// type: how much collateral the treasury holds on their behalf. Debt lives in
// per-series DebtRecord rows.
type Vault struct {
	Collateral string
	User       common.Address
	Posted     *big.Int
	Status     VaultStatus
	UpdatedAt  time.Time
}

// DebtRecord is the persisted snapshot of the debt a user owes against one
// (collateral, series) pair, denominated in the series' own fixed unit.
// Zeroed, never deleted, when fully repaid.
type DebtRecord struct {
	Collateral string
	SeriesID   int64
	User       common.Address
	Debt       *big.Int
	UpdatedAt  time.Time
}
