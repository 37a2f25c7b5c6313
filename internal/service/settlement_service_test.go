package service

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/engine"
	"github.com/cairnfi/termledger/internal/fixed"
)

var testOperator = makeAddr(0xFF)

// newSettlementFixture funds one borrower with 100 WETH posted against 100
// fixed units of debt, leaving the treasury pooling 100 WETH.
func newSettlementFixture(t *testing.T) (*svcFixture, *SettlementService, common.Address) {
	t.Helper()
	f := newSvcFixture(t, "1.5", "1", "1.25")
	user := makeAddr(0xAA)
	f.fundAndPost(t, user, "100")
	ctx := context.Background()
	if err := f.accounting.Borrow(ctx, testCollateral, f.seriesID, user, user, user, fixed.MustWad("100")); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	settler := engine.NewSettler(f.accounting, f.treasury, testCollateral, testOperator, f.clock.Now)
	svc := NewSettlementService(settler, f.accounting, f.settlements, f.vaults, f.debts, f.bus, f.audit, nil, discardLogger())
	return f, svc, user
}

func settlementPrices(v string) map[string]*big.Int {
	return map[string]*big.Int{testCollateral: fixed.MustWad(v)}
}

func TestSettlementServiceShutdownRequiresOperator(t *testing.T) {
	ctx := context.Background()
	f, svc, user := newSettlementFixture(t)

	err := svc.Shutdown(ctx, user, settlementPrices("0.8"))
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("non-operator shutdown: err = %v, want ErrNotAuthorized", err)
	}
	if !svc.Status().Live() {
		t.Fatal("engine shut down by non-operator")
	}
	if _, err := f.settlements.Get(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("state persisted after rejected shutdown: err = %v", err)
	}
	if len(f.audit.events()) != 0 {
		t.Fatalf("audit events after rejected shutdown = %v, want none", f.audit.events())
	}
}

func TestSettlementServiceShutdownPersistsState(t *testing.T) {
	ctx := context.Background()
	f, svc, _ := newSettlementFixture(t)

	if err := svc.Shutdown(ctx, testOperator, settlementPrices("0.8")); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stored, err := f.settlements.Get(ctx)
	if err != nil {
		t.Fatalf("settlement snapshot missing: %v", err)
	}
	if stored.Phase != domain.PhaseSettlingTreasury {
		t.Fatalf("stored phase = %s, want %s", stored.Phase, domain.PhaseSettlingTreasury)
	}
	if stored.Prices[testCollateral].Cmp(fixed.MustWad("0.8")) != 0 {
		t.Fatalf("stored price = %s, want 0.8e18", stored.Prices[testCollateral])
	}
	if !f.audit.has("shutdown") {
		t.Fatalf("audit events = %v, want shutdown", f.audit.events())
	}

	// A second shutdown fails and leaves the snapshot alone.
	if err := svc.Shutdown(ctx, testOperator, settlementPrices("0.8")); !errors.Is(err, domain.ErrNotLive) {
		t.Fatalf("second shutdown: err = %v, want ErrNotLive", err)
	}
}

func TestSettlementServiceNettingSteps(t *testing.T) {
	ctx := context.Background()
	f, svc, _ := newSettlementFixture(t)

	if err := svc.Shutdown(ctx, testOperator, settlementPrices("0.8")); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := svc.SettleTreasury(ctx); err != nil {
		t.Fatalf("settle treasury: %v", err)
	}
	if err := svc.CashSavings(ctx); err != nil {
		t.Fatalf("cash savings: %v", err)
	}

	stored, err := f.settlements.Get(ctx)
	if err != nil {
		t.Fatalf("settlement snapshot missing: %v", err)
	}
	if stored.Phase != domain.PhaseOpen {
		t.Fatalf("stored phase = %s, want %s", stored.Phase, domain.PhaseOpen)
	}
	// 100 WETH pooled, no upstream base debt.
	if stored.Profit.Cmp(fixed.MustWad("100")) != 0 {
		t.Fatalf("stored profit = %s, want 100e18", stored.Profit)
	}
	for _, event := range []string{"treasury_settled", "savings_cashed"} {
		if !f.audit.has(event) {
			t.Fatalf("audit events = %v, want %s", f.audit.events(), event)
		}
	}
}

func TestSettlementServiceRedeem(t *testing.T) {
	ctx := context.Background()
	f, svc, user := newSettlementFixture(t)

	if err := svc.Shutdown(ctx, testOperator, settlementPrices("0.8")); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := svc.SettleTreasury(ctx); err != nil {
		t.Fatalf("settle treasury: %v", err)
	}
	if err := svc.CashSavings(ctx); err != nil {
		t.Fatalf("cash savings: %v", err)
	}

	// 50 par units at price 0.8.
	payout, err := svc.Redeem(ctx, f.seriesID, user, user, fixed.MustWad("50"))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if payout.Cmp(fixed.MustWad("40")) != 0 {
		t.Fatalf("payout = %s, want 40e18", payout)
	}
	if got := f.treasury.HolderCollateral(testCollateral, user); got.Cmp(fixed.MustWad("40")) != 0 {
		t.Fatalf("holder balance = %s, want 40e18", got)
	}
	if !f.audit.has("tokens_redeemed") {
		t.Fatalf("audit events = %v, want tokens_redeemed", f.audit.events())
	}
}

func TestSettlementServiceSettleUserZeroesSnapshots(t *testing.T) {
	ctx := context.Background()
	f, svc, user := newSettlementFixture(t)

	if err := svc.Shutdown(ctx, testOperator, settlementPrices("0.8")); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := svc.SettleTreasury(ctx); err != nil {
		t.Fatalf("settle treasury: %v", err)
	}
	if err := svc.CashSavings(ctx); err != nil {
		t.Fatalf("cash savings: %v", err)
	}

	// 100 posted minus 100 par debt at price 0.8.
	surplus, err := svc.SettleUser(ctx, testCollateral, user)
	if err != nil {
		t.Fatalf("settle user: %v", err)
	}
	if surplus.Cmp(fixed.MustWad("20")) != 0 {
		t.Fatalf("surplus = %s, want 20e18", surplus)
	}

	vault, err := f.vaults.Get(ctx, testCollateral, user)
	if err != nil {
		t.Fatalf("vault snapshot missing: %v", err)
	}
	if vault.Posted.Sign() != 0 || vault.Status != domain.VaultStatusUnopened {
		t.Fatalf("vault snapshot = %s/%s, want zeroed unopened", vault.Posted, vault.Status)
	}
	rec, err := f.debts.Get(ctx, testCollateral, f.seriesID, user)
	if err != nil {
		t.Fatalf("debt snapshot missing: %v", err)
	}
	if rec.Debt.Sign() != 0 {
		t.Fatalf("debt snapshot = %s, want 0", rec.Debt)
	}
	if !f.audit.has("position_settled") {
		t.Fatalf("audit events = %v, want position_settled", f.audit.events())
	}
}

func TestSettlementServiceSweepProfitGating(t *testing.T) {
	ctx := context.Background()
	f, svc, user := newSettlementFixture(t)

	if err := svc.Shutdown(ctx, testOperator, settlementPrices("0.8")); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := svc.SettleTreasury(ctx); err != nil {
		t.Fatalf("settle treasury: %v", err)
	}
	if err := svc.CashSavings(ctx); err != nil {
		t.Fatalf("cash savings: %v", err)
	}

	if _, err := svc.SweepProfit(ctx, user, user); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("non-operator sweep: err = %v, want ErrNotAuthorized", err)
	}
	// 100 debt tokens still circulating.
	if _, err := svc.SweepProfit(ctx, testOperator, testOperator); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("sweep with supply outstanding: err = %v, want ErrNotReady", err)
	}
	if f.audit.has("profit_swept") {
		t.Fatalf("audit recorded a failed sweep: %v", f.audit.events())
	}
}
