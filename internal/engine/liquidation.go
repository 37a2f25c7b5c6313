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

// DefaultAuctionDuration is the single global ramp length of the Dutch
// auction: collateral obtainable per unit of debt climbs linearly from 50% of
// fair value at t=0 to 100% at t >= duration. One constant for every
// collateral type and every auction.
const DefaultAuctionDuration = time.Hour

// Liquidator runs the per-user Dutch auction state machine over positions the
// accounting engine hands off as undercollateralized.
type Liquidator struct {
	mu  sync.Mutex
	now func() time.Time

	accounting *Accounting
	treasury   domain.Treasury

	// refCollateral denominates auction collateral and claims.
	refCollateral string
	incentive     *big.Int
	duration      time.Duration

	auctions map[common.Address]*domain.Auction
	// claims holds collateral credited by buys and trigger incentives,
	// withdrawable through Claim.
	claims map[common.Address]*big.Int
}

// NewLiquidator creates a liquidation engine. incentive is the fixed
// reference-collateral reward credited to whoever triggers a liquidation,
// independent of position size.
func NewLiquidator(accounting *Accounting, treasury domain.Treasury, refCollateral string, incentive *big.Int, duration time.Duration, now func() time.Time) *Liquidator {
	if now == nil {
		now = time.Now
	}
	if duration <= 0 {
		duration = DefaultAuctionDuration
	}
	return &Liquidator{
		now:           now,
		accounting:    accounting,
		treasury:      treasury,
		refCollateral: refCollateral,
		incentive:     fixed.Clone(incentive),
		duration:      duration,
		auctions:      make(map[common.Address]*domain.Auction),
		claims:        make(map[common.Address]*big.Int),
	}
}

// Liquidate seizes an undercollateralized user's whole position into a fresh
// auction and credits the fixed incentive to the caller's claim balance.
func (l *Liquidator) Liquidate(ctx context.Context, caller, user common.Address) (domain.Auction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.auctions[user]; ok {
		if !existing.Closed() {
			return domain.Auction{}, fmt.Errorf("engine: liquidate %s: %w", user.Hex(), domain.ErrAlreadyInLiquidation)
		}
		// A closed auction can still hold a withdrawable remainder. Move it
		// to the user's claim balance so the fresh record cannot shadow it.
		if existing.Collateral.Sign() > 0 {
			l.credit(user, existing.Collateral)
		}
		delete(l.auctions, user)
	}

	seized, debt, err := l.accounting.Seize(ctx, user, l.refCollateral)
	if err != nil {
		return domain.Auction{}, err
	}

	reward := fixed.Min(l.incentive, seized)
	collateral := new(big.Int).Sub(seized, reward)
	if reward.Sign() > 0 {
		l.credit(caller, reward)
	}

	auction := &domain.Auction{
		User:       user,
		StartedAt:  l.now(),
		Collateral: collateral,
		Debt:       debt,
	}
	l.auctions[user] = auction
	snap := *auction
	snap.Collateral = fixed.Clone(auction.Collateral)
	snap.Debt = fixed.Clone(auction.Debt)
	return snap, nil
}

// decayFactor returns the wad-scaled fraction of fair value obtainable at
// elapsed time t: 0.5 + 0.5 * min(t, duration)/duration.
func (l *Liquidator) decayFactor(elapsed time.Duration) *big.Int {
	if elapsed >= l.duration {
		return fixed.Clone(fixed.Wad)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	half := new(big.Int).Rsh(fixed.Wad, 1)
	ramp := fixed.MulDivDown(half, big.NewInt(int64(elapsed)), big.NewInt(int64(l.duration)))
	return new(big.Int).Add(half, ramp)
}

// Buy repays debtAmount base units of an auctioned user's debt and credits
// the receiver with the decay-priced collateral. Partial buys that would
// leave a dust-sized debt remainder are rejected.
func (l *Liquidator) Buy(ctx context.Context, payer, receiver, user common.Address, debtAmount *big.Int) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	auction, ok := l.auctions[user]
	if !ok || auction.Closed() {
		return nil, fmt.Errorf("engine: buy %s: %w", user.Hex(), domain.ErrNotInLiquidation)
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return nil, fmt.Errorf("engine: buy %s: amount must be positive", user.Hex())
	}
	if debtAmount.Cmp(auction.Debt) > 0 {
		return nil, fmt.Errorf("engine: buy %s: amount exceeds auction debt", user.Hex())
	}

	remainder := new(big.Int).Sub(auction.Debt, debtAmount)
	ref, err := l.accounting.CollateralMeta(l.refCollateral)
	if err != nil {
		return nil, err
	}
	if remainder.Sign() > 0 && remainder.Cmp(ref.Dust) < 0 {
		return nil, fmt.Errorf("engine: buy %s: %w", user.Hex(), domain.ErrBelowDust)
	}

	elapsed := l.now().Sub(auction.StartedAt)
	decay := l.decayFactor(elapsed)
	// released = debtAmount/debt of the collateral, scaled by the decay
	// ramp; rounded down so the auction never over-releases.
	released := fixed.MulDivDown(fixed.WadMul(debtAmount, decay), auction.Collateral, auction.Debt)
	if released.Cmp(auction.Collateral) > 0 {
		released = fixed.Clone(auction.Collateral)
	}

	if err := l.treasury.PushBase(ctx, payer, debtAmount); err != nil {
		return nil, err
	}

	auction.Debt.Sub(auction.Debt, debtAmount)
	auction.Collateral.Sub(auction.Collateral, released)
	l.credit(receiver, released)
	return released, nil
}

// Withdraw lets the auctioned user reclaim leftover collateral once their
// auction debt is fully bought out.
func (l *Liquidator) Withdraw(ctx context.Context, user, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	auction, ok := l.auctions[user]
	if !ok {
		return fmt.Errorf("engine: withdraw %s: %w", user.Hex(), domain.ErrNotInLiquidation)
	}
	if !auction.Closed() {
		return fmt.Errorf("engine: withdraw %s: %w", user.Hex(), domain.ErrAlreadyInLiquidation)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("engine: withdraw %s: amount must be positive", user.Hex())
	}
	if auction.Collateral.Cmp(amount) < 0 {
		return fmt.Errorf("engine: withdraw %s: %w", user.Hex(), domain.ErrInsufficientFunds)
	}
	if err := l.treasury.PullCollateral(ctx, l.refCollateral, to, amount); err != nil {
		return err
	}
	auction.Collateral.Sub(auction.Collateral, amount)
	if auction.Collateral.Sign() == 0 {
		delete(l.auctions, user)
	}
	return nil
}

// Claim pays out collateral credited to the holder by buys or trigger
// incentives.
func (l *Liquidator) Claim(ctx context.Context, holder, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.claims[holder]
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("engine: claim %s: amount must be positive", holder.Hex())
	}
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("engine: claim %s: %w", holder.Hex(), domain.ErrInsufficientFunds)
	}
	if err := l.treasury.PullCollateral(ctx, l.refCollateral, to, amount); err != nil {
		return err
	}
	bal.Sub(bal, amount)
	return nil
}

// ClaimBalance reports the holder's withdrawable collateral.
func (l *Liquidator) ClaimBalance(holder common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fixed.Clone(l.claims[holder])
}

// Auction returns the user's auction, open or closed-with-remainder.
func (l *Liquidator) Auction(user common.Address) (domain.Auction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	auction, ok := l.auctions[user]
	if !ok {
		return domain.Auction{}, fmt.Errorf("engine: auction %s: %w", user.Hex(), domain.ErrNotInLiquidation)
	}
	out := *auction
	out.Collateral = fixed.Clone(auction.Collateral)
	out.Debt = fixed.Clone(auction.Debt)
	return out, nil
}

// Auctions returns a snapshot of every live auction record.
func (l *Liquidator) Auctions() []domain.Auction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Auction, 0, len(l.auctions))
	for _, auction := range l.auctions {
		snap := *auction
		snap.Collateral = fixed.Clone(auction.Collateral)
		snap.Debt = fixed.Clone(auction.Debt)
		out = append(out, snap)
	}
	return out
}

func (l *Liquidator) credit(holder common.Address, amount *big.Int) {
	bal, ok := l.claims[holder]
	if !ok {
		bal = new(big.Int)
		l.claims[holder] = bal
	}
	bal.Add(bal, amount)
}
