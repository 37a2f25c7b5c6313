package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
	"github.com/cairnfi/termledger/internal/token"
	"github.com/cairnfi/termledger/internal/treasury"
)

// testOracle implements all three oracle interfaces with settable values.
type testOracle struct {
	mu      sync.Mutex
	spot    *big.Int
	ratio   *big.Int
	rate    *big.Int
	savings *big.Int
}

func newTestOracle(spot, ratio, rate string) *testOracle {
	return &testOracle{
		spot:    fixed.MustWad(spot),
		ratio:   fixed.MustWad(ratio),
		rate:    fixed.MustWad(rate),
		savings: fixed.Clone(fixed.Wad),
	}
}

func (o *testOracle) Spot(context.Context, string) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fixed.Clone(o.spot), nil
}

func (o *testOracle) RequiredRatio(context.Context, string) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fixed.Clone(o.ratio), nil
}

func (o *testOracle) Accumulator(context.Context, string) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fixed.Clone(o.rate), nil
}

func (o *testOracle) SavingsAccumulator(context.Context, string) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fixed.Clone(o.savings), nil
}

func (o *testOracle) setRate(v string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rate = fixed.MustWad(v)
}

func (o *testOracle) setSavings(v string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.savings = fixed.MustWad(v)
}

func (o *testOracle) setSpot(v string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spot = fixed.MustWad(v)
}

// testClock is an adjustable time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{t: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func makeAddr(suffix byte) common.Address {
	var addr common.Address
	addr[common.AddressLength-1] = suffix
	return addr
}

const weth = "WETH"

type fixture struct {
	accounting *Accounting
	treasury   *treasury.Treasury
	oracle     *testOracle
	token      *token.Token
	clock      *testClock
	seriesID   int64
	maturity   time.Time
}

// newFixture registers WETH collateral and one series maturing 1000s after
// the clock start.
func newFixture(t *testing.T, spot, ratio, rate string) *fixture {
	t.Helper()
	start := time.Unix(1_700_000_000, 0).UTC()
	clock := newTestClock(start)
	tr := treasury.New()
	acct := NewAccounting(tr, clock.Now)
	oracle := newTestOracle(spot, ratio, rate)
	if err := acct.RegisterCollateral(domain.Collateral{
		Code: weth,
		Kind: domain.CollateralPlain,
		Dust: fixed.MustWad("0.05"),
	}, oracle, oracle, nil); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	maturity := start.Add(1000 * time.Second)
	tok := token.New("fy-1")
	if err := acct.AddSeries(maturity, tok); err != nil {
		t.Fatalf("add series: %v", err)
	}
	return &fixture{
		accounting: acct,
		treasury:   tr,
		oracle:     oracle,
		token:      tok,
		clock:      clock,
		seriesID:   maturity.Unix(),
		maturity:   maturity,
	}
}

func (f *fixture) mature(t *testing.T) {
	t.Helper()
	f.clock.Advance(1001 * time.Second)
	if err := f.accounting.MatureSeries(context.Background(), f.seriesID); err != nil {
		t.Fatalf("mature series: %v", err)
	}
}

func TestPostAndWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.5", "1", "1.25")
	user := makeAddr(0x01)
	f.treasury.Fund(weth, user, fixed.MustWad("10"))

	if err := f.accounting.Post(ctx, weth, user, user, user, fixed.MustWad("10")); err != nil {
		t.Fatalf("post: %v", err)
	}
	if got := f.accounting.Posted(weth, user); got.Cmp(fixed.MustWad("10")) != 0 {
		t.Fatalf("posted = %s, want 10e18", got)
	}
	if got := f.treasury.HolderCollateral(weth, user); got.Sign() != 0 {
		t.Fatalf("external balance = %s after post", got)
	}

	if err := f.accounting.Withdraw(ctx, weth, user, user, user, fixed.MustWad("4")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.accounting.Posted(weth, user); got.Cmp(fixed.MustWad("6")) != 0 {
		t.Fatalf("posted = %s, want 6e18", got)
	}
	if got := f.treasury.HolderCollateral(weth, user); got.Cmp(fixed.MustWad("4")) != 0 {
		t.Fatalf("external balance = %s, want 4e18", got)
	}
}

func TestWithdrawDustRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.5", "1", "1.25")
	user := makeAddr(0x01)
	f.treasury.Fund(weth, user, fixed.MustWad("1"))
	if err := f.accounting.Post(ctx, weth, user, user, user, fixed.MustWad("1")); err != nil {
		t.Fatalf("post: %v", err)
	}

	// Leaves 0.01 < 0.05 dust.
	err := f.accounting.Withdraw(ctx, weth, user, user, user, fixed.MustWad("0.99"))
	if !errors.Is(err, domain.ErrBelowDust) {
		t.Fatalf("withdraw to dust: err = %v, want ErrBelowDust", err)
	}
	// Withdrawing everything is fine.
	if err := f.accounting.Withdraw(ctx, weth, user, user, user, fixed.MustWad("1")); err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
}

func TestUnregisteredCollateral(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.5", "1", "1.25")
	user := makeAddr(0x01)
	err := f.accounting.Post(ctx, "DOGE", user, user, user, fixed.MustWad("1"))
	if !errors.Is(err, domain.ErrInvalidCollateral) {
		t.Fatalf("post unregistered: err = %v, want ErrInvalidCollateral", err)
	}
}

func TestDelegateAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.5", "1", "1.25")
	owner := makeAddr(0x01)
	delegate := makeAddr(0x02)
	f.treasury.Fund(weth, owner, fixed.MustWad("10"))

	err := f.accounting.Post(ctx, weth, delegate, owner, owner, fixed.MustWad("5"))
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("unauthorized post: err = %v, want ErrNotAuthorized", err)
	}

	f.accounting.Delegate(owner, delegate)
	if err := f.accounting.Post(ctx, weth, delegate, owner, owner, fixed.MustWad("5")); err != nil {
		t.Fatalf("delegated post: %v", err)
	}

	f.accounting.Revoke(owner, delegate)
	err = f.accounting.Withdraw(ctx, weth, delegate, owner, owner, fixed.MustWad("1"))
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("revoked withdraw: err = %v, want ErrNotAuthorized", err)
	}
}

func TestBorrowAgainstPower(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.5", "1", "1.25")
	user := makeAddr(0x01)
	f.treasury.Fund(weth, user, fixed.MustWad("100"))
	if err := f.accounting.Post(ctx, weth, user, user, user, fixed.MustWad("100")); err != nil {
		t.Fatalf("post: %v", err)
	}

	// Power = 100 * 1.5 = 150. Borrowing 151 must fail, 150 succeed.
	err := f.accounting.Borrow(ctx, weth, f.seriesID, user, user, user, fixed.MustWad("151"))
	if !errors.Is(err, domain.ErrTooMuchDebt) {
		t.Fatalf("over-borrow: err = %v, want ErrTooMuchDebt", err)
	}
	if err := f.accounting.Borrow(ctx, weth, f.seriesID, user, user, user, fixed.MustWad("150")); err != nil {
		t.Fatalf("borrow at limit: %v", err)
	}
	bal, _ := f.token.BalanceOf(ctx, user)
	if bal.Cmp(fixed.MustWad("150")) != 0 {
		t.Fatalf("token balance = %s, want 150e18", bal)
	}

	// With debt at the limit, any withdrawal breaks coverage.
	err = f.accounting.Withdraw(ctx, weth, user, user, user, fixed.MustWad("1"))
	if !errors.Is(err, domain.ErrUndercollateralized) {
		t.Fatalf("withdraw under debt: err = %v, want ErrUndercollateralized", err)
	}
}

// TestRateAccrualScenario follows the canonical accrual sequence: spot 1.5,
// rate accumulator 1.25 at maturity, then +0.25 afterwards. 120 units of
// fixed debt must read as exactly 144 floating, and a 120 base-unit
// repayment clears exactly 100 fixed units, leaving 24 floating outstanding.
func TestRateAccrualScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.5", "1", "1.25")
	user := makeAddr(0x01)
	f.treasury.Fund(weth, user, fixed.MustWad("100"))
	if err := f.accounting.Post(ctx, weth, user, user, user, fixed.MustWad("100")); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := f.accounting.Borrow(ctx, weth, f.seriesID, user, user, user, fixed.MustWad("120")); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Before maturity the fixed and floating units are 1:1.
	floating, err := f.accounting.TotalDebtBase(ctx, weth, user)
	if err != nil {
		t.Fatalf("total debt: %v", err)
	}
	if floating.Cmp(fixed.MustWad("120")) != 0 {
		t.Fatalf("pre-maturity debt = %s, want 120e18", floating)
	}

	f.mature(t)
	f.oracle.setRate("1.5")

	floating, err = f.accounting.TotalDebtBase(ctx, weth, user)
	if err != nil {
		t.Fatalf("total debt: %v", err)
	}
	if floating.Cmp(fixed.MustWad("144")) != 0 {
		t.Fatalf("post-maturity debt = %s, want exactly 144e18", floating)
	}

	// Repay 120 base units: clears floor(120*1.25/1.5) = 100 fixed units.
	f.treasury.FundBase(user, fixed.MustWad("120"))
	consumed, err := f.accounting.RepayBase(ctx, weth, f.seriesID, user, user, user, fixed.MustWad("120"))
	if err != nil {
		t.Fatalf("repay base: %v", err)
	}
	if consumed.Cmp(fixed.MustWad("120")) != 0 {
		t.Fatalf("consumed = %s, want 120e18", consumed)
	}
	if got := f.accounting.Debt(weth, f.seriesID, user); got.Cmp(fixed.MustWad("20")) != 0 {
		t.Fatalf("fixed debt = %s, want 20e18", got)
	}
	floating, _ = f.accounting.TotalDebtBase(ctx, weth, user)
	if floating.Cmp(fixed.MustWad("24")) != 0 {
		t.Fatalf("residual debt = %s, want exactly 24e18", floating)
	}
}

func TestRepayTokenNeverOverRepays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.5", "1", "1.25")
	user := makeAddr(0x01)
	f.treasury.Fund(weth, user, fixed.MustWad("100"))
	if err := f.accounting.Post(ctx, weth, user, user, user, fixed.MustWad("100")); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := f.accounting.Borrow(ctx, weth, f.seriesID, user, user, user, fixed.MustWad("50")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Mint extra tokens so the payer holds more than the debt.
	if err := f.token.Mint(ctx, user, fixed.MustWad("30")); err != nil {
		t.Fatalf("mint: %v", err)
	}

	consumed, err := f.accounting.RepayToken(ctx, weth, f.seriesID, user, user, user, fixed.MustWad("80"))
	if err != nil {
		t.Fatalf("repay token: %v", err)
	}
	if consumed.Cmp(fixed.MustWad("50")) != 0 {
		t.Fatalf("consumed = %s, want 50e18", consumed)
	}
	if got := f.accounting.Debt(weth, f.seriesID, user); got.Sign() != 0 {
		t.Fatalf("debt = %s, want 0", got)
	}
	// The 30 excess tokens stay with the payer.
	bal, _ := f.token.BalanceOf(ctx, user)
	if bal.Cmp(fixed.MustWad("30")) != 0 {
		t.Fatalf("token balance = %s, want 30e18", bal)
	}

	// Repaying with no debt outstanding consumes nothing.
	consumed, err = f.accounting.RepayToken(ctx, weth, f.seriesID, user, user, user, fixed.MustWad("30"))
	if err != nil {
		t.Fatalf("repay empty: %v", err)
	}
	if consumed.Sign() != 0 {
		t.Fatalf("consumed = %s on empty debt, want 0", consumed)
	}
}

// TestDebtConservation checks the systemDebt mirror against the per-user sum
// across a sequence of borrows and repayments by several users.
func TestDebtConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2", "1", "1.25")
	users := []common.Address{makeAddr(0x01), makeAddr(0x02), makeAddr(0x03)}
	for _, u := range users {
		f.treasury.Fund(weth, u, fixed.MustWad("100"))
		if err := f.accounting.Post(ctx, weth, u, u, u, fixed.MustWad("100")); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	check := func(stage string) {
		t.Helper()
		sum := new(big.Int)
		for _, u := range users {
			sum.Add(sum, f.accounting.Debt(weth, f.seriesID, u))
		}
		if sys := f.accounting.SystemDebt(weth, f.seriesID); sys.Cmp(sum) != 0 {
			t.Fatalf("%s: system debt %s != user sum %s", stage, sys, sum)
		}
	}

	for i, u := range users {
		amount := fixed.MustWad("10")
		amount.Mul(amount, big.NewInt(int64(i+1)))
		if err := f.accounting.Borrow(ctx, weth, f.seriesID, u, u, u, amount); err != nil {
			t.Fatalf("borrow: %v", err)
		}
	}
	check("after borrows")

	if _, err := f.accounting.RepayToken(ctx, weth, f.seriesID, users[1], users[1], users[1], fixed.MustWad("7")); err != nil {
		t.Fatalf("repay: %v", err)
	}
	check("after partial repay")

	if _, err := f.accounting.RepayToken(ctx, weth, f.seriesID, users[2], users[2], users[2], fixed.MustWad("30")); err != nil {
		t.Fatalf("repay: %v", err)
	}
	check("after full repay")
}

func TestMatureSeriesBeforeMaturityFails(t *testing.T) {
	f := newFixture(t, "1.5", "1", "1.25")
	err := f.accounting.MatureSeries(context.Background(), f.seriesID)
	if !errors.Is(err, domain.ErrNotMatured) {
		t.Fatalf("early mature: err = %v, want ErrNotMatured", err)
	}
}

func TestFrozenEngineRejectsMutations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.5", "1", "1.25")
	user := makeAddr(0x01)
	f.treasury.Fund(weth, user, fixed.MustWad("10"))
	f.accounting.Freeze()

	if err := f.accounting.Post(ctx, weth, user, user, user, fixed.MustWad("10")); !errors.Is(err, domain.ErrNotLive) {
		t.Fatalf("post after freeze: err = %v, want ErrNotLive", err)
	}
	if err := f.accounting.Borrow(ctx, weth, f.seriesID, user, user, user, fixed.MustWad("1")); !errors.Is(err, domain.ErrNotLive) {
		t.Fatalf("borrow after freeze: err = %v, want ErrNotLive", err)
	}
}
