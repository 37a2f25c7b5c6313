// Package treasury implements the pooled custody collaborator consumed by the
// engines. It tracks external holder balances and the pool's own holdings in
// memory; every transfer either fully applies or fails with no mutation.
package treasury

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
)

// Treasury is an in-memory implementation of domain.Treasury.
type Treasury struct {
	mu sync.Mutex

	// pooled collateral per collateral code.
	pooled map[string]*big.Int
	// external per-holder collateral balances, keyed by collateral code.
	holders map[string]map[common.Address]*big.Int
	// external per-holder base-unit balances.
	base map[common.Address]*big.Int
	// base-unit debt the pool owes upstream.
	systemDebt *big.Int
}

// New creates an empty treasury.
func New() *Treasury {
	return &Treasury{
		pooled:     make(map[string]*big.Int),
		holders:    make(map[string]map[common.Address]*big.Int),
		base:       make(map[common.Address]*big.Int),
		systemDebt: new(big.Int),
	}
}

func (t *Treasury) holderBalance(collateral string, holder common.Address) *big.Int {
	byHolder, ok := t.holders[collateral]
	if !ok {
		byHolder = make(map[common.Address]*big.Int)
		t.holders[collateral] = byHolder
	}
	bal, ok := byHolder[holder]
	if !ok {
		bal = new(big.Int)
		byHolder[holder] = bal
	}
	return bal
}

func (t *Treasury) pooledBalance(collateral string) *big.Int {
	bal, ok := t.pooled[collateral]
	if !ok {
		bal = new(big.Int)
		t.pooled[collateral] = bal
	}
	return bal
}

// Fund credits a holder's external collateral balance. Test and genesis
// plumbing; production balances arrive through upstream transfers.
func (t *Treasury) Fund(collateral string, holder common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.holderBalance(collateral, holder)
	bal.Add(bal, amount)
}

// FundBase credits a holder's external base-unit balance.
func (t *Treasury) FundBase(holder common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal, ok := t.base[holder]
	if !ok {
		bal = new(big.Int)
		t.base[holder] = bal
	}
	bal.Add(bal, amount)
}

// PushCollateral moves collateral from the holder into the pool.
func (t *Treasury) PushCollateral(_ context.Context, collateral string, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: push collateral %s: invalid amount", collateral)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.holderBalance(collateral, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("treasury: push collateral %s from %s: %w", collateral, from.Hex(), domain.ErrInsufficientFunds)
	}
	bal.Sub(bal, amount)
	pool := t.pooledBalance(collateral)
	pool.Add(pool, amount)
	return nil
}

// PullCollateral moves collateral out of the pool to the recipient.
func (t *Treasury) PullCollateral(_ context.Context, collateral string, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: pull collateral %s: invalid amount", collateral)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pool := t.pooledBalance(collateral)
	if pool.Cmp(amount) < 0 {
		return fmt.Errorf("treasury: pull collateral %s to %s: %w", collateral, to.Hex(), domain.ErrInsufficientFunds)
	}
	pool.Sub(pool, amount)
	bal := t.holderBalance(collateral, to)
	bal.Add(bal, amount)
	return nil
}

// PushBase moves base units from the holder into the pool, reducing the
// pool's upstream debt first.
func (t *Treasury) PushBase(_ context.Context, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: push base: invalid amount")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal, ok := t.base[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("treasury: push base from %s: %w", from.Hex(), domain.ErrInsufficientFunds)
	}
	bal.Sub(bal, amount)
	repaid := fixed.Min(t.systemDebt, amount)
	t.systemDebt.Sub(t.systemDebt, repaid)
	return nil
}

// PullBase moves base units from the pool to the recipient, borrowing
// upstream when the pool holds none.
func (t *Treasury) PullBase(_ context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: pull base: invalid amount")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.systemDebt.Add(t.systemDebt, amount)
	bal, ok := t.base[to]
	if !ok {
		bal = new(big.Int)
		t.base[to] = bal
	}
	bal.Add(bal, amount)
	return nil
}

// PooledCollateral reports the pool's holdings of one collateral type.
func (t *Treasury) PooledCollateral(_ context.Context, collateral string) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fixed.Clone(t.pooled[collateral]), nil
}

// SystemDebt reports the base-unit debt the pool owes upstream.
func (t *Treasury) SystemDebt(_ context.Context) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fixed.Clone(t.systemDebt), nil
}

// HolderCollateral reports a holder's external balance of one collateral.
func (t *Treasury) HolderCollateral(collateral string, holder common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	byHolder := t.holders[collateral]
	if byHolder == nil {
		return new(big.Int)
	}
	return fixed.Clone(byHolder[holder])
}

// HolderBase reports a holder's external base-unit balance.
func (t *Treasury) HolderBase(holder common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fixed.Clone(t.base[holder])
}

var _ domain.Treasury = (*Treasury)(nil)
