package domain

import (
	"math/big"
	"time"
)

// SettlementPhase is the shutdown state machine. Transitions are one-way:
// Live -> SettlingTreasury -> CashingSavings -> Open.
type SettlementPhase string

const (
	PhaseLive             SettlementPhase = "live"
	PhaseSettlingTreasury SettlementPhase = "settling_treasury"
	PhaseCashingSavings   SettlementPhase = "cashing_savings"
	PhaseOpen             SettlementPhase = "open"
)

// SettlementState is the single process-wide shutdown record. Prices maps
// collateral code to the frozen settlement price (collateral units per unit
// of debt); Profit accumulates as users settle and is sweepable once all
// series supply is redeemed.
type SettlementState struct {
	Phase      SettlementPhase
	Prices     map[string]*big.Int
	Profit     *big.Int
	ShutdownAt time.Time
	UpdatedAt  time.Time
}

// Live reports whether the engine is still accepting normal operations.
func (s SettlementState) Live() bool {
	return s.Phase == PhaseLive
}

// Ready reports whether both one-time settlement steps have completed and
// user redemption/settlement is open.
func (s SettlementState) Ready() bool {
	return s.Phase == PhaseOpen
}
