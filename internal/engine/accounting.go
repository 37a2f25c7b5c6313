// Package engine implements the collateral/debt accounting, liquidation and
// shutdown-settlement state machines. Every exported operation is one atomic
// transition: it validates, reads its oracles once, then either applies fully
// or returns an error with no state mutation.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
)

type collateralEntry struct {
	meta    domain.Collateral
	price   domain.PriceOracle
	rate    domain.RateOracle
	savings domain.SavingsOracle
}

type seriesEntry struct {
	meta  domain.Series
	token domain.DebtToken
}

// Accounting tracks posted collateral and owed debt per (collateral, user)
// and per (collateral, series, user), performs the fixed/floating debt
// conversions, and enforces collateralization on every mutation.
type Accounting struct {
	mu  sync.Mutex
	now func() time.Time

	treasury domain.Treasury

	collaterals map[string]*collateralEntry
	series      map[int64]*seriesEntry

	// posted[collateral][user]
	posted map[string]map[common.Address]*big.Int
	// debt[collateral][seriesID][user], in the series' fixed unit.
	debt map[string]map[int64]map[common.Address]*big.Int
	// systemDebt[collateral][seriesID] mirrors the per-user sum.
	systemDebt map[string]map[int64]*big.Int

	// delegates[owner][delegate]
	delegates map[common.Address]map[common.Address]bool

	live bool
}

// NewAccounting creates an accounting engine custodying through the given
// treasury. The now func injects time for deterministic tests.
func NewAccounting(treasury domain.Treasury, now func() time.Time) *Accounting {
	if now == nil {
		now = time.Now
	}
	return &Accounting{
		now:         now,
		treasury:    treasury,
		collaterals: make(map[string]*collateralEntry),
		series:      make(map[int64]*seriesEntry),
		posted:      make(map[string]map[common.Address]*big.Int),
		debt:        make(map[string]map[int64]map[common.Address]*big.Int),
		systemDebt:  make(map[string]map[int64]*big.Int),
		delegates:   make(map[common.Address]map[common.Address]bool),
		live:        true,
	}
}

// RegisterCollateral adds one accepted collateral asset with its oracles.
// Savings-kind collateral must also carry a savings oracle.
func (a *Accounting) RegisterCollateral(meta domain.Collateral, price domain.PriceOracle, rate domain.RateOracle, savings domain.SavingsOracle) error {
	if meta.Code == "" || price == nil || rate == nil {
		return fmt.Errorf("engine: register collateral: incomplete registration")
	}
	if meta.Kind == domain.CollateralSavings && savings == nil {
		return fmt.Errorf("engine: register collateral %s: savings kind needs a savings oracle", meta.Code)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.collaterals[meta.Code]; ok {
		return fmt.Errorf("engine: register collateral %s: %w", meta.Code, domain.ErrAlreadyExists)
	}
	if meta.Dust == nil {
		meta.Dust = new(big.Int)
	}
	a.collaterals[meta.Code] = &collateralEntry{meta: meta, price: price, rate: rate, savings: savings}
	a.posted[meta.Code] = make(map[common.Address]*big.Int)
	a.debt[meta.Code] = make(map[int64]map[common.Address]*big.Int)
	a.systemDebt[meta.Code] = make(map[int64]*big.Int)
	return nil
}

// AddSeries registers a fixed-maturity debt cohort and its token. Series are
// created before any borrowing and never destroyed.
func (a *Accounting) AddSeries(maturity time.Time, token domain.DebtToken) error {
	if token == nil {
		return fmt.Errorf("engine: add series: nil token")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := maturity.Unix()
	if _, ok := a.series[id]; ok {
		return fmt.Errorf("engine: add series %d: %w", id, domain.ErrAlreadyExists)
	}
	a.series[id] = &seriesEntry{
		meta: domain.Series{
			Maturity:       maturity,
			MaturityGrowth: make(map[string]*big.Int),
		},
		token: token,
	}
	return nil
}

// MatureSeries marks a series matured and freezes its per-collateral growth
// snapshot from the rate oracles. The transition happens once; repeat calls
// are no-ops once matured.
func (a *Accounting) MatureSeries(ctx context.Context, seriesID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[seriesID]
	if !ok {
		return fmt.Errorf("engine: mature series %d: %w", seriesID, domain.ErrInvalidSeries)
	}
	if s.meta.Matured {
		return nil
	}
	if a.now().Before(s.meta.Maturity) {
		return fmt.Errorf("engine: mature series %d: %w", seriesID, domain.ErrNotMatured)
	}
	for code, entry := range a.collaterals {
		acc, err := entry.rate.Accumulator(ctx, code)
		if err != nil {
			return fmt.Errorf("engine: mature series %d: rate oracle %s: %w", seriesID, code, err)
		}
		s.meta.MaturityGrowth[code] = fixed.Clone(acc)
	}
	s.meta.Matured = true
	return nil
}

// Delegate authorizes the delegate to mutate the owner's positions.
func (a *Accounting) Delegate(owner, delegate common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	grants, ok := a.delegates[owner]
	if !ok {
		grants = make(map[common.Address]bool)
		a.delegates[owner] = grants
	}
	grants[delegate] = true
}

// Revoke removes a delegation grant.
func (a *Accounting) Revoke(owner, delegate common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.delegates[owner], delegate)
}

func (a *Accounting) authorized(owner, caller common.Address) bool {
	return caller == owner || a.delegates[owner][caller]
}

func (a *Accounting) collateral(code string) (*collateralEntry, error) {
	entry, ok := a.collaterals[code]
	if !ok {
		return nil, fmt.Errorf("engine: collateral %s: %w", code, domain.ErrInvalidCollateral)
	}
	return entry, nil
}

func (a *Accounting) seriesEntry(id int64) (*seriesEntry, error) {
	s, ok := a.series[id]
	if !ok {
		return nil, fmt.Errorf("engine: series %d: %w", id, domain.ErrInvalidSeries)
	}
	return s, nil
}

// toFloating converts a fixed-unit amount into the floating debt owed,
// rounding up so accrued value never leaks.
func (a *Accounting) toFloating(ctx context.Context, entry *collateralEntry, s *seriesEntry, f *big.Int) (*big.Int, error) {
	if f == nil || f.Sign() == 0 {
		return fixed.Zero(), nil
	}
	if !s.meta.Matured {
		return fixed.Clone(f), nil
	}
	growth := s.meta.MaturityGrowth[entry.meta.Code]
	if growth == nil || growth.Sign() == 0 {
		return fixed.Clone(f), nil
	}
	live, err := entry.rate.Accumulator(ctx, entry.meta.Code)
	if err != nil {
		return nil, fmt.Errorf("engine: rate oracle %s: %w", entry.meta.Code, err)
	}
	return fixed.MulDivUp(f, live, growth), nil
}

// toFixed converts a floating-unit payment into the fixed debt it
// extinguishes, rounding down so a payer can never clear more than fair
// value.
func (a *Accounting) toFixed(ctx context.Context, entry *collateralEntry, s *seriesEntry, d *big.Int) (*big.Int, error) {
	if d == nil || d.Sign() == 0 {
		return fixed.Zero(), nil
	}
	if !s.meta.Matured {
		return fixed.Clone(d), nil
	}
	growth := s.meta.MaturityGrowth[entry.meta.Code]
	if growth == nil || growth.Sign() == 0 {
		return fixed.Clone(d), nil
	}
	live, err := entry.rate.Accumulator(ctx, entry.meta.Code)
	if err != nil {
		return nil, fmt.Errorf("engine: rate oracle %s: %w", entry.meta.Code, err)
	}
	return fixed.MulDivDown(d, growth, live), nil
}

func (a *Accounting) postedBalance(code string, user common.Address) *big.Int {
	byUser := a.posted[code]
	bal, ok := byUser[user]
	if !ok {
		bal = new(big.Int)
		byUser[user] = bal
	}
	return bal
}

func (a *Accounting) debtBalance(code string, seriesID int64, user common.Address) *big.Int {
	bySeries := a.debt[code]
	byUser, ok := bySeries[seriesID]
	if !ok {
		byUser = make(map[common.Address]*big.Int)
		bySeries[seriesID] = byUser
	}
	bal, ok := byUser[user]
	if !ok {
		bal = new(big.Int)
		byUser[user] = bal
	}
	return bal
}

func (a *Accounting) systemDebtBalance(code string, seriesID int64) *big.Int {
	byID := a.systemDebt[code]
	bal, ok := byID[seriesID]
	if !ok {
		bal = new(big.Int)
		byID[seriesID] = bal
	}
	return bal
}

// totalDebtFloating sums, across every series, the floating-unit value of the
// user's debt in one collateral type. Caller holds the lock.
func (a *Accounting) totalDebtFloating(ctx context.Context, entry *collateralEntry, user common.Address) (*big.Int, error) {
	total := fixed.Zero()
	for id, byUser := range a.debt[entry.meta.Code] {
		f := byUser[user]
		if f == nil || f.Sign() == 0 {
			continue
		}
		s := a.series[id]
		d, err := a.toFloating(ctx, entry, s, f)
		if err != nil {
			return nil, err
		}
		total.Add(total, d)
	}
	return total, nil
}

// borrowingPower returns posted * spot / requiredRatio, rounded down. Caller
// holds the lock.
func (a *Accounting) borrowingPower(ctx context.Context, entry *collateralEntry, user common.Address) (*big.Int, error) {
	posted := a.posted[entry.meta.Code][user]
	if posted == nil || posted.Sign() == 0 {
		return fixed.Zero(), nil
	}
	spot, err := entry.price.Spot(ctx, entry.meta.Code)
	if err != nil {
		return nil, fmt.Errorf("engine: price oracle %s: %w", entry.meta.Code, err)
	}
	ratio, err := entry.price.RequiredRatio(ctx, entry.meta.Code)
	if err != nil {
		return nil, fmt.Errorf("engine: price oracle %s: %w", entry.meta.Code, err)
	}
	if ratio == nil || ratio.Sign() == 0 {
		ratio = fixed.Wad
	}
	return fixed.MulDivDown(posted, spot, ratio), nil
}

// Post moves amount of collateral from `from`'s external balance into the
// treasury on behalf of `to`. The caller must be `from` or its delegate.
func (a *Accounting) Post(ctx context.Context, collateral string, caller, from, to common.Address, amount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live {
		return domain.ErrNotLive
	}
	if _, err := a.collateral(collateral); err != nil {
		return err
	}
	if !a.authorized(from, caller) {
		return fmt.Errorf("engine: post %s for %s: %w", collateral, from.Hex(), domain.ErrNotAuthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("engine: post %s: amount must be positive", collateral)
	}
	if err := a.treasury.PushCollateral(ctx, collateral, from, amount); err != nil {
		return err
	}
	bal := a.postedBalance(collateral, to)
	bal.Add(bal, amount)
	return nil
}

// Withdraw moves amount of `from`'s posted collateral out of the treasury to
// `to`. It fails when the remainder would be dust or would no longer cover
// the user's debt.
func (a *Accounting) Withdraw(ctx context.Context, collateral string, caller, from, to common.Address, amount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live {
		return domain.ErrNotLive
	}
	entry, err := a.collateral(collateral)
	if err != nil {
		return err
	}
	if !a.authorized(from, caller) {
		return fmt.Errorf("engine: withdraw %s for %s: %w", collateral, from.Hex(), domain.ErrNotAuthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("engine: withdraw %s: amount must be positive", collateral)
	}
	bal := a.postedBalance(collateral, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("engine: withdraw %s for %s: %w", collateral, from.Hex(), domain.ErrInsufficientFunds)
	}

	remainder := new(big.Int).Sub(bal, amount)
	if remainder.Sign() > 0 && remainder.Cmp(entry.meta.Dust) < 0 {
		return fmt.Errorf("engine: withdraw %s for %s: %w", collateral, from.Hex(), domain.ErrBelowDust)
	}

	// Check the post-withdrawal position against outstanding debt before
	// touching any state.
	debtTotal, err := a.totalDebtFloating(ctx, entry, from)
	if err != nil {
		return err
	}
	if debtTotal.Sign() > 0 {
		spot, err := entry.price.Spot(ctx, collateral)
		if err != nil {
			return fmt.Errorf("engine: price oracle %s: %w", collateral, err)
		}
		ratio, err := entry.price.RequiredRatio(ctx, collateral)
		if err != nil {
			return fmt.Errorf("engine: price oracle %s: %w", collateral, err)
		}
		if ratio == nil || ratio.Sign() == 0 {
			ratio = fixed.Wad
		}
		power := fixed.MulDivDown(remainder, spot, ratio)
		if debtTotal.Cmp(power) > 0 {
			return fmt.Errorf("engine: withdraw %s for %s: %w", collateral, from.Hex(), domain.ErrUndercollateralized)
		}
	}

	if err := a.treasury.PullCollateral(ctx, collateral, to, amount); err != nil {
		return err
	}
	bal.Set(remainder)
	return nil
}

// Borrow mints amount of the series' fixed debt token to `to` and records the
// debt against `from`'s collateral.
func (a *Accounting) Borrow(ctx context.Context, collateral string, seriesID int64, caller, from, to common.Address, amount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live {
		return domain.ErrNotLive
	}
	entry, err := a.collateral(collateral)
	if err != nil {
		return err
	}
	s, err := a.seriesEntry(seriesID)
	if err != nil {
		return err
	}
	if !a.authorized(from, caller) {
		return fmt.Errorf("engine: borrow %s/%d for %s: %w", collateral, seriesID, from.Hex(), domain.ErrNotAuthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("engine: borrow %s/%d: amount must be positive", collateral, seriesID)
	}

	debtTotal, err := a.totalDebtFloating(ctx, entry, from)
	if err != nil {
		return err
	}
	borrowed, err := a.toFloating(ctx, entry, s, amount)
	if err != nil {
		return err
	}
	projected := new(big.Int).Add(debtTotal, borrowed)
	power, err := a.borrowingPower(ctx, entry, from)
	if err != nil {
		return err
	}
	if projected.Cmp(power) > 0 {
		return fmt.Errorf("engine: borrow %s/%d for %s: %w", collateral, seriesID, from.Hex(), domain.ErrTooMuchDebt)
	}

	if err := s.token.Mint(ctx, to, amount); err != nil {
		return err
	}
	debt := a.debtBalance(collateral, seriesID, from)
	debt.Add(debt, amount)
	sys := a.systemDebtBalance(collateral, seriesID)
	sys.Add(sys, amount)
	return nil
}

// RepayToken burns up to amount of the series token from `from` and reduces
// `to`'s fixed debt by min(amount, debt). Excess tokens are never consumed.
// It returns the fixed-unit amount actually repaid.
func (a *Accounting) RepayToken(ctx context.Context, collateral string, seriesID int64, caller, from, to common.Address, amount *big.Int) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live {
		return nil, domain.ErrNotLive
	}
	if _, err := a.collateral(collateral); err != nil {
		return nil, err
	}
	s, err := a.seriesEntry(seriesID)
	if err != nil {
		return nil, err
	}
	if !a.authorized(from, caller) {
		return nil, fmt.Errorf("engine: repay %s/%d from %s: %w", collateral, seriesID, from.Hex(), domain.ErrNotAuthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("engine: repay %s/%d: amount must be positive", collateral, seriesID)
	}

	debt := a.debtBalance(collateral, seriesID, to)
	consumed := fixed.Min(amount, debt)
	if consumed.Sign() == 0 {
		return fixed.Zero(), nil
	}
	if err := s.token.Burn(ctx, from, consumed); err != nil {
		return nil, err
	}
	debt.Sub(debt, consumed)
	sys := a.systemDebtBalance(collateral, seriesID)
	sys.Sub(sys, consumed)
	return consumed, nil
}

// RepayBase consumes up to min(amount, floating debt) base units from `from`
// and reduces `to`'s fixed debt by the floor-rounded inverse conversion. It
// returns the base-unit amount actually consumed.
func (a *Accounting) RepayBase(ctx context.Context, collateral string, seriesID int64, caller, from, to common.Address, amount *big.Int) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live {
		return nil, domain.ErrNotLive
	}
	entry, err := a.collateral(collateral)
	if err != nil {
		return nil, err
	}
	s, err := a.seriesEntry(seriesID)
	if err != nil {
		return nil, err
	}
	if !a.authorized(from, caller) {
		return nil, fmt.Errorf("engine: repay %s/%d from %s: %w", collateral, seriesID, from.Hex(), domain.ErrNotAuthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("engine: repay %s/%d: amount must be positive", collateral, seriesID)
	}

	debt := a.debtBalance(collateral, seriesID, to)
	floating, err := a.toFloating(ctx, entry, s, debt)
	if err != nil {
		return nil, err
	}
	consumed := fixed.Min(amount, floating)
	if consumed.Sign() == 0 {
		return fixed.Zero(), nil
	}
	credit, err := a.toFixed(ctx, entry, s, consumed)
	if err != nil {
		return nil, err
	}
	credit = fixed.Min(credit, debt)

	if err := a.treasury.PushBase(ctx, from, consumed); err != nil {
		return nil, err
	}
	debt.Sub(debt, credit)
	sys := a.systemDebtBalance(collateral, seriesID)
	sys.Sub(sys, credit)
	return consumed, nil
}

// PowerOf returns the user's borrowing power in one collateral type:
// posted * spot / requiredRatio, rounded down.
func (a *Accounting) PowerOf(ctx context.Context, collateral string, user common.Address) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, err := a.collateral(collateral)
	if err != nil {
		return nil, err
	}
	return a.borrowingPower(ctx, entry, user)
}

// TotalDebtBase returns the user's aggregate floating-unit debt in one
// collateral type, summed across every series.
func (a *Accounting) TotalDebtBase(ctx context.Context, collateral string, user common.Address) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, err := a.collateral(collateral)
	if err != nil {
		return nil, err
	}
	return a.totalDebtFloating(ctx, entry, user)
}

// IsCollateralized reports whether the user's borrowing power still covers
// their floating debt in one collateral type. This predicate is the single
// trigger consulted by withdraw, borrow and liquidation.
func (a *Accounting) IsCollateralized(ctx context.Context, collateral string, user common.Address) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, err := a.collateral(collateral)
	if err != nil {
		return false, err
	}
	power, err := a.borrowingPower(ctx, entry, user)
	if err != nil {
		return false, err
	}
	debtTotal, err := a.totalDebtFloating(ctx, entry, user)
	if err != nil {
		return false, err
	}
	return debtTotal.Cmp(power) <= 0, nil
}

// Posted returns the user's posted amount in one collateral type.
func (a *Accounting) Posted(collateral string, user common.Address) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	byUser := a.posted[collateral]
	if byUser == nil {
		return fixed.Zero()
	}
	return fixed.Clone(byUser[user])
}

// Debt returns the user's fixed-unit debt for one (collateral, series).
func (a *Accounting) Debt(collateral string, seriesID int64, user common.Address) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	byID := a.debt[collateral]
	if byID == nil {
		return fixed.Zero()
	}
	return fixed.Clone(byID[seriesID][user])
}

// SystemDebt returns the aggregate fixed-unit debt for one
// (collateral, series) across all users.
func (a *Accounting) SystemDebt(collateral string, seriesID int64) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	byID := a.systemDebt[collateral]
	if byID == nil {
		return fixed.Zero()
	}
	return fixed.Clone(byID[seriesID])
}

// CollateralCodes lists registered collateral codes in stable order.
func (a *Accounting) CollateralCodes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	codes := make([]string, 0, len(a.collaterals))
	for code := range a.collaterals {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// CollateralMeta returns the registered metadata for one collateral code.
func (a *Accounting) CollateralMeta(code string) (domain.Collateral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.collaterals[code]
	if !ok {
		return domain.Collateral{}, fmt.Errorf("engine: collateral %s: %w", code, domain.ErrInvalidCollateral)
	}
	return entry.meta, nil
}

// SeriesIDs lists registered series in maturity order.
func (a *Accounting) SeriesIDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int64, 0, len(a.series))
	for id := range a.series {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SeriesMeta returns the registered series record.
func (a *Accounting) SeriesMeta(id int64) (domain.Series, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[id]
	if !ok {
		return domain.Series{}, fmt.Errorf("engine: series %d: %w", id, domain.ErrInvalidSeries)
	}
	meta := s.meta
	growth := make(map[string]*big.Int, len(meta.MaturityGrowth))
	for code, v := range meta.MaturityGrowth {
		growth[code] = fixed.Clone(v)
	}
	meta.MaturityGrowth = growth
	return meta, nil
}

// SeriesToken returns the debt token owned by a series.
func (a *Accounting) SeriesToken(id int64) (domain.DebtToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[id]
	if !ok {
		return nil, fmt.Errorf("engine: series %d: %w", id, domain.ErrInvalidSeries)
	}
	return s.token, nil
}

// Freeze halts all mutating operations. One-way; called by the settlement
// engine when the upstream platform shuts down.
func (a *Accounting) Freeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live = false
}

// Live reports whether the engine still accepts mutations.
func (a *Accounting) Live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Seize evaluates the user's aggregate exposure across every collateral type
// and, if undercollateralized, atomically zeroes all posted and debt records,
// returning the seized collateral valued in reference-collateral units and
// the outstanding floating debt in base units. Healthy users are left
// untouched with ErrCollateralized.
func (a *Accounting) Seize(ctx context.Context, user common.Address, refCollateral string) (*big.Int, *big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ref, err := a.collateral(refCollateral)
	if err != nil {
		return nil, nil, err
	}
	refSpot, err := ref.price.Spot(ctx, refCollateral)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: price oracle %s: %w", refCollateral, err)
	}
	if refSpot == nil || refSpot.Sign() == 0 {
		return nil, nil, fmt.Errorf("engine: price oracle %s: zero spot", refCollateral)
	}

	totalPower := fixed.Zero()
	totalDebt := fixed.Zero()
	seized := fixed.Zero()
	for _, code := range a.sortedCollateralCodes() {
		entry := a.collaterals[code]
		power, err := a.borrowingPower(ctx, entry, user)
		if err != nil {
			return nil, nil, err
		}
		totalPower.Add(totalPower, power)
		debtTotal, err := a.totalDebtFloating(ctx, entry, user)
		if err != nil {
			return nil, nil, err
		}
		totalDebt.Add(totalDebt, debtTotal)

		posted := a.posted[code][user]
		if posted != nil && posted.Sign() > 0 {
			spot, err := entry.price.Spot(ctx, code)
			if err != nil {
				return nil, nil, fmt.Errorf("engine: price oracle %s: %w", code, err)
			}
			seized.Add(seized, fixed.MulDivDown(posted, spot, refSpot))
		}
	}

	if totalDebt.Sign() == 0 || totalDebt.Cmp(totalPower) <= 0 {
		return nil, nil, fmt.Errorf("engine: seize %s: %w", user.Hex(), domain.ErrCollateralized)
	}

	for code := range a.collaterals {
		if bal := a.posted[code][user]; bal != nil {
			bal.SetInt64(0)
		}
		for id, byUser := range a.debt[code] {
			f := byUser[user]
			if f == nil || f.Sign() == 0 {
				continue
			}
			sys := a.systemDebtBalance(code, id)
			sys.Sub(sys, f)
			f.SetInt64(0)
		}
	}
	return seized, totalDebt, nil
}

// EraseSettled zeroes one (collateral, user) position during shutdown
// settlement and returns the posted collateral and fixed-unit debt per
// series that were cleared. Only callable once the engine is frozen.
func (a *Accounting) EraseSettled(collateral string, user common.Address) (*big.Int, map[int64]*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live {
		return nil, nil, domain.ErrStillLive
	}
	if _, err := a.collateral(collateral); err != nil {
		return nil, nil, err
	}
	posted := fixed.Clone(a.posted[collateral][user])
	if bal := a.posted[collateral][user]; bal != nil {
		bal.SetInt64(0)
	}
	debts := make(map[int64]*big.Int)
	for id, byUser := range a.debt[collateral] {
		f := byUser[user]
		if f == nil || f.Sign() == 0 {
			continue
		}
		debts[id] = fixed.Clone(f)
		sys := a.systemDebtBalance(collateral, id)
		sys.Sub(sys, f)
		f.SetInt64(0)
	}
	return posted, debts, nil
}

func (a *Accounting) sortedCollateralCodes() []string {
	codes := make([]string, 0, len(a.collaterals))
	for code := range a.collaterals {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
