package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
)

// Settler is the shutdown/settlement engine. Once the upstream platform
// shuts down it freezes the accounting engine, nets the treasury once,
// cashes savings collateral once, and then lets every debt-token holder
// redeem and every vault owner settle exactly once against the frozen
// settlement prices.
type Settler struct {
	mu  sync.Mutex
	now func() time.Time

	accounting *Accounting
	treasury   domain.Treasury

	refCollateral string
	operator      common.Address

	state domain.SettlementState
	// rate and savings accumulators frozen at the shutdown instant,
	// keyed by collateral code.
	rateAtShutdown    map[string]*big.Int
	savingsAtShutdown map[string]*big.Int
}

// NewSettler creates a settlement engine in the Live phase. operator is the
// only address allowed to sweep residual profit.
func NewSettler(accounting *Accounting, treasury domain.Treasury, refCollateral string, operator common.Address, now func() time.Time) *Settler {
	if now == nil {
		now = time.Now
	}
	return &Settler{
		now:           now,
		accounting:    accounting,
		treasury:      treasury,
		refCollateral: refCollateral,
		operator:      operator,
		state: domain.SettlementState{
			Phase:  domain.PhaseLive,
			Prices: make(map[string]*big.Int),
			Profit: new(big.Int),
		},
		rateAtShutdown:    make(map[string]*big.Int),
		savingsAtShutdown: make(map[string]*big.Int),
	}
}

// Operator returns the address allowed to trigger shutdown and sweep profit.
func (s *Settler) Operator() common.Address {
	return s.operator
}

// State returns a snapshot of the shutdown record.
func (s *Settler) State() domain.SettlementState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.Prices = make(map[string]*big.Int, len(s.state.Prices))
	for code, p := range s.state.Prices {
		out.Prices[code] = fixed.Clone(p)
	}
	out.Profit = fixed.Clone(s.state.Profit)
	return out
}

// Shutdown observes the upstream shutdown signal: it freezes the accounting
// engine, records the external settlement price per collateral (collateral
// units redeemable per unit of debt) and snapshots the rate and savings
// accumulators. One-way.
func (s *Settler) Shutdown(ctx context.Context, settlementPrices map[string]*big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Live() {
		return fmt.Errorf("engine: shutdown: %w", domain.ErrNotLive)
	}
	for _, code := range s.accounting.CollateralCodes() {
		price, ok := settlementPrices[code]
		if !ok || price == nil || price.Sign() <= 0 {
			return fmt.Errorf("engine: shutdown: missing settlement price for %s", code)
		}
	}

	for _, code := range s.accounting.CollateralCodes() {
		s.state.Prices[code] = fixed.Clone(settlementPrices[code])

		entry := s.accounting.collaterals[code]
		rate, err := entry.rate.Accumulator(ctx, code)
		if err != nil {
			return fmt.Errorf("engine: shutdown: rate oracle %s: %w", code, err)
		}
		s.rateAtShutdown[code] = fixed.Clone(rate)
		if entry.meta.IsSavings() {
			chi, err := entry.savings.SavingsAccumulator(ctx, code)
			if err != nil {
				return fmt.Errorf("engine: shutdown: savings oracle %s: %w", code, err)
			}
			s.savingsAtShutdown[code] = fixed.Clone(chi)
		}
	}

	s.accounting.Freeze()
	s.state.Phase = domain.PhaseSettlingTreasury
	s.state.ShutdownAt = s.now()
	s.state.UpdatedAt = s.now()
	return nil
}

// toRef converts an amount of one collateral into reference-collateral units
// through the frozen settlement prices, rounded down. Caller holds the lock.
func (s *Settler) toRef(code string, amount *big.Int) *big.Int {
	if code == s.refCollateral {
		return fixed.Clone(amount)
	}
	refPrice := s.state.Prices[s.refCollateral]
	price := s.state.Prices[code]
	if refPrice == nil || price == nil || price.Sign() == 0 {
		return fixed.Zero()
	}
	// amount / price gives debt units; * refPrice moves into ref units.
	return fixed.MulDivDown(amount, refPrice, price)
}

// SettleTreasury nets the pool-wide collateral against outstanding system
// debt at the frozen settlement price, seeding the profit pool. Callable
// exactly once; a repeat call fails without touching the profit figure.
func (s *Settler) SettleTreasury(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state.Phase {
	case domain.PhaseLive:
		return fmt.Errorf("engine: settle treasury: %w", domain.ErrStillLive)
	case domain.PhaseSettlingTreasury:
	default:
		return fmt.Errorf("engine: settle treasury: %w", domain.ErrNotReady)
	}

	net := fixed.Zero()
	for _, code := range s.accounting.CollateralCodes() {
		pooled, err := s.treasury.PooledCollateral(ctx, code)
		if err != nil {
			return fmt.Errorf("engine: settle treasury: %w", err)
		}
		net.Add(net, s.toRef(code, pooled))
	}
	debt, err := s.treasury.SystemDebt(ctx)
	if err != nil {
		return fmt.Errorf("engine: settle treasury: %w", err)
	}
	owed := fixed.WadMulUp(debt, s.state.Prices[s.refCollateral])
	net.Sub(net, owed)
	if net.Sign() > 0 {
		s.state.Profit.Add(s.state.Profit, net)
	}

	s.state.Phase = domain.PhaseCashingSavings
	s.state.UpdatedAt = s.now()
	return nil
}

// CashSavings converts pooled interest-bearing collateral into base
// collateral value at the frozen savings accumulator, adding the accrued
// yield to the profit pool. Callable exactly once after SettleTreasury.
func (s *Settler) CashSavings(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state.Phase {
	case domain.PhaseLive:
		return fmt.Errorf("engine: cash savings: %w", domain.ErrStillLive)
	case domain.PhaseCashingSavings:
	default:
		return fmt.Errorf("engine: cash savings: %w", domain.ErrNotReady)
	}

	for _, code := range s.accounting.CollateralCodes() {
		entry := s.accounting.collaterals[code]
		if !entry.meta.IsSavings() {
			continue
		}
		pooled, err := s.treasury.PooledCollateral(ctx, code)
		if err != nil {
			return fmt.Errorf("engine: cash savings: %w", err)
		}
		if pooled.Sign() == 0 {
			continue
		}
		chi := s.savingsAtShutdown[code]
		if chi == nil || chi.Sign() == 0 {
			chi = fixed.Wad
		}
		// Accrued value of the wrapper above par, in ref units.
		grown := fixed.WadMul(pooled, chi)
		if grown.Cmp(pooled) > 0 {
			yield := new(big.Int).Sub(grown, pooled)
			s.state.Profit.Add(s.state.Profit, s.toRef(code, yield))
		}
	}

	s.state.Phase = domain.PhaseOpen
	s.state.UpdatedAt = s.now()
	return nil
}

// Redeem burns amount of a series' debt token from the holder and pays `to`
// in reference collateral at the frozen settlement price, valued through the
// series' maturity growth when it matured before shutdown and at par
// otherwise.
func (s *Settler) Redeem(ctx context.Context, seriesID int64, holder, to common.Address, amount *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Ready() {
		return nil, fmt.Errorf("engine: redeem series %d: %w", seriesID, domain.ErrNotReady)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("engine: redeem series %d: amount must be positive", seriesID)
	}
	meta, err := s.accounting.SeriesMeta(seriesID)
	if err != nil {
		return nil, err
	}
	tok, err := s.accounting.SeriesToken(seriesID)
	if err != nil {
		return nil, err
	}

	baseValue := fixed.Clone(amount)
	if meta.Matured {
		growth := meta.MaturityGrowth[s.refCollateral]
		frozen := s.rateAtShutdown[s.refCollateral]
		if growth != nil && growth.Sign() > 0 && frozen != nil {
			baseValue = fixed.MulDivDown(amount, frozen, growth)
		}
	}
	payout := fixed.WadMul(baseValue, s.state.Prices[s.refCollateral])

	if err := tok.Burn(ctx, holder, amount); err != nil {
		return nil, err
	}
	if err := s.treasury.PullCollateral(ctx, s.refCollateral, to, payout); err != nil {
		// A failed payout must not destroy the holder's tokens.
		_ = tok.Mint(ctx, holder, amount)
		return nil, err
	}
	s.state.UpdatedAt = s.now()
	return payout, nil
}

// Settle nets one user's residual position in one collateral type: posted
// collateral minus outstanding debt valued at the settlement price. Positive
// surpluses pay out to the user; shortfalls are socialized against the
// profit pool. Callable by the user or, as a safety valve, by anyone on the
// user's behalf.
func (s *Settler) Settle(ctx context.Context, collateral string, user common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Ready() {
		return nil, fmt.Errorf("engine: settle %s/%s: %w", collateral, user.Hex(), domain.ErrNotReady)
	}

	if _, err := s.accounting.CollateralMeta(collateral); err != nil {
		return nil, err
	}

	// Value the user's fixed debt in base units through the frozen
	// accumulators, rounding up against the user. The engine is frozen, so
	// reading before erasing cannot race a mutation.
	posted := s.accounting.Posted(collateral, user)
	owedBase := fixed.Zero()
	for _, id := range s.accounting.SeriesIDs() {
		f := s.accounting.Debt(collateral, id, user)
		if f.Sign() == 0 {
			continue
		}
		meta, err := s.accounting.SeriesMeta(id)
		if err != nil {
			return nil, err
		}
		value := fixed.Clone(f)
		if meta.Matured {
			growth := meta.MaturityGrowth[collateral]
			frozen := s.rateAtShutdown[collateral]
			if growth != nil && growth.Sign() > 0 && frozen != nil {
				value = fixed.MulDivUp(f, frozen, growth)
			}
		}
		owedBase.Add(owedBase, value)
	}

	price := s.state.Prices[collateral]
	owedCollateral := fixed.WadMulUp(owedBase, price)
	surplus := new(big.Int).Sub(posted, owedCollateral)

	// The payout comes before the records are cleared: a failed transfer
	// leaves the position untouched.
	if surplus.Sign() > 0 {
		if err := s.treasury.PullCollateral(ctx, collateral, user, surplus); err != nil {
			return nil, err
		}
	}
	if _, _, err := s.accounting.EraseSettled(collateral, user); err != nil {
		return nil, err
	}
	if surplus.Sign() < 0 {
		shortfall := new(big.Int).Neg(surplus)
		s.state.Profit.Sub(s.state.Profit, s.toRef(collateral, shortfall))
	}
	s.state.UpdatedAt = s.now()
	return surplus, nil
}

// Profit sweeps the residual profit pool to `to`. Only the operator may call
// it, and only once every series' token supply has been fully redeemed.
func (s *Settler) Profit(ctx context.Context, caller, to common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Ready() {
		return nil, fmt.Errorf("engine: profit: %w", domain.ErrNotReady)
	}
	if caller != s.operator {
		return nil, fmt.Errorf("engine: profit: %w", domain.ErrNotAuthorized)
	}
	for _, id := range s.accounting.SeriesIDs() {
		tok, err := s.accounting.SeriesToken(id)
		if err != nil {
			return nil, err
		}
		supply, err := tok.TotalSupply(ctx)
		if err != nil {
			return nil, err
		}
		if supply.Sign() > 0 {
			return nil, fmt.Errorf("engine: profit: series %d supply outstanding: %w", id, domain.ErrNotReady)
		}
	}
	amount := fixed.Clone(s.state.Profit)
	if amount.Sign() > 0 {
		if err := s.treasury.PullCollateral(ctx, s.refCollateral, to, amount); err != nil {
			return nil, err
		}
		s.state.Profit.SetInt64(0)
	}
	s.state.UpdatedAt = s.now()
	return amount, nil
}
