// Package token implements the fixed-maturity debt token owned by each
// series. Minting and burning are engine-only concerns; holders never
// interact with the token except through engine operations.
package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
)

// Token is an in-memory implementation of domain.DebtToken.
type Token struct {
	mu       sync.Mutex
	symbol   string
	balances map[common.Address]*big.Int
	supply   *big.Int
}

// New creates an empty token with the given symbol (e.g. "fyBASE-1700000000").
func New(symbol string) *Token {
	return &Token{
		symbol:   symbol,
		balances: make(map[common.Address]*big.Int),
		supply:   new(big.Int),
	}
}

// Symbol returns the token's display symbol.
func (t *Token) Symbol() string { return t.symbol }

// Mint credits amount to the holder and grows total supply.
func (t *Token) Mint(_ context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token %s: mint: invalid amount", t.symbol)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal, ok := t.balances[to]
	if !ok {
		bal = new(big.Int)
		t.balances[to] = bal
	}
	bal.Add(bal, amount)
	t.supply.Add(t.supply, amount)
	return nil
}

// Burn debits amount from the holder and shrinks total supply. It fails
// loudly when the holder's balance is insufficient.
func (t *Token) Burn(_ context.Context, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token %s: burn: invalid amount", t.symbol)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("token %s: burn %s from %s: %w", t.symbol, amount, from.Hex(), domain.ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	t.supply.Sub(t.supply, amount)
	return nil
}

// BalanceOf reports the holder's balance.
func (t *Token) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fixed.Clone(t.balances[holder]), nil
}

// TotalSupply reports the outstanding supply.
func (t *Token) TotalSupply(_ context.Context) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fixed.Clone(t.supply), nil
}

var _ domain.DebtToken = (*Token)(nil)
