package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Treasury custodies pooled collateral and base-unit debt on behalf of the
// engines. Every call either fully succeeds or fails loudly; the engines
// never partially consume a treasury call.
type Treasury interface {
	// PushCollateral moves collateral from the holder's external balance
	// into the pool.
	PushCollateral(ctx context.Context, collateral string, from common.Address, amount *big.Int) error
	// PullCollateral moves collateral out of the pool to the recipient's
	// external balance.
	PullCollateral(ctx context.Context, collateral string, to common.Address, amount *big.Int) error
	// PushBase moves base units from the holder into the pool, extinguishing
	// system debt.
	PushBase(ctx context.Context, from common.Address, amount *big.Int) error
	// PullBase moves base units from the pool to the recipient.
	PullBase(ctx context.Context, to common.Address, amount *big.Int) error
	// PooledCollateral reports the pool's holdings of one collateral type.
	PooledCollateral(ctx context.Context, collateral string) (*big.Int, error)
	// SystemDebt reports the base-unit debt the pool owes upstream.
	SystemDebt(ctx context.Context) (*big.Int, error)
}

// DebtToken is the fixed-maturity debt token owned by one series.
type DebtToken interface {
	Mint(ctx context.Context, to common.Address, amount *big.Int) error
	Burn(ctx context.Context, from common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
}
