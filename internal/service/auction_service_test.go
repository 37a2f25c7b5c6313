package service

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/engine"
	"github.com/cairnfi/termledger/internal/fixed"
)

// newAuctionFixture builds a seizable borrower: 110 WETH posted against 100
// fixed units borrowed, series matured, rate accumulator raised from 1.25 to
// 1.5 so the floating debt reads 120 against a borrowing power of ~115.2.
func newAuctionFixture(t *testing.T) (*svcFixture, *AuctionService, *memBoard, common.Address) {
	t.Helper()
	f := newSvcFixture(t, "1.1", "1.05", "1.25")
	user := makeAddr(0xAA)
	f.fundAndPost(t, user, "110")
	ctx := context.Background()
	if err := f.accounting.Borrow(ctx, testCollateral, f.seriesID, user, user, user, fixed.MustWad("100")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.mature(t)
	f.setRate(t, "1.5")

	liq := engine.NewLiquidator(f.accounting, f.treasury, testCollateral,
		fixed.MustWad("2"), engine.DefaultAuctionDuration, f.clock.Now)
	board := newMemBoard()
	svc := NewAuctionService(liq, f.accounting, f.auctions, f.vaults, board, f.bus, f.audit, nil, discardLogger())
	return f, svc, board, user
}

func TestAuctionServiceTriggerPersistsEverything(t *testing.T) {
	ctx := context.Background()
	f, svc, board, user := newAuctionFixture(t)
	keeper := makeAddr(0xBB)

	auction, err := svc.Trigger(ctx, keeper, user)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if auction.Collateral.Cmp(fixed.MustWad("108")) != 0 {
		t.Fatalf("auction collateral = %s, want 108e18", auction.Collateral)
	}
	if auction.Debt.Cmp(fixed.MustWad("120")) != 0 {
		t.Fatalf("auction debt = %s, want 120e18", auction.Debt)
	}

	stored, err := f.auctions.Get(ctx, user)
	if err != nil {
		t.Fatalf("auction snapshot missing: %v", err)
	}
	if stored.Debt.Cmp(auction.Debt) != 0 {
		t.Fatalf("stored debt = %s, want %s", stored.Debt, auction.Debt)
	}
	if !board.holds(user) {
		t.Fatalf("open auction not published to board")
	}

	claim, err := f.auctions.GetClaim(ctx, keeper)
	if err != nil {
		t.Fatalf("claim snapshot: %v", err)
	}
	if claim.Cmp(fixed.MustWad("2")) != 0 {
		t.Fatalf("keeper claim snapshot = %s, want 2e18", claim)
	}

	vault, err := f.vaults.Get(ctx, testCollateral, user)
	if err != nil {
		t.Fatalf("vault snapshot missing: %v", err)
	}
	if vault.Status != domain.VaultStatusLiquidating {
		t.Fatalf("vault status = %s, want liquidating", vault.Status)
	}
	if vault.Posted.Sign() != 0 {
		t.Fatalf("vault posted = %s, want 0", vault.Posted)
	}
	if !f.audit.has("liquidation_started") {
		t.Fatalf("audit events = %v, want liquidation_started", f.audit.events())
	}
}

func TestAuctionServiceTriggerHealthyFails(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	user := makeAddr(0xAA)
	f.fundAndPost(t, user, "110")
	liq := engine.NewLiquidator(f.accounting, f.treasury, testCollateral,
		fixed.MustWad("2"), engine.DefaultAuctionDuration, f.clock.Now)
	svc := NewAuctionService(liq, f.accounting, f.auctions, f.vaults, nil, f.bus, f.audit, nil, discardLogger())

	_, err := svc.Trigger(ctx, makeAddr(0xBB), user)
	if !errors.Is(err, domain.ErrCollateralized) {
		t.Fatalf("trigger healthy: err = %v, want ErrCollateralized", err)
	}
	if len(f.audit.events()) != 0 {
		t.Fatalf("audit events after failed trigger = %v, want none", f.audit.events())
	}
}

func TestAuctionServiceFullBuyoutClosesAuction(t *testing.T) {
	ctx := context.Background()
	f, svc, board, user := newAuctionFixture(t)
	keeper := makeAddr(0xBB)
	buyer := makeAddr(0xCC)

	if _, err := svc.Trigger(ctx, keeper, user); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.treasury.FundBase(buyer, fixed.MustWad("120"))

	released, err := svc.Buy(ctx, buyer, buyer, user, fixed.MustWad("120"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// Full buyout at auction start pays out half the seized collateral.
	if released.Cmp(fixed.MustWad("54")) != 0 {
		t.Fatalf("released = %s, want 54e18", released)
	}

	stored, err := f.auctions.Get(ctx, user)
	if err != nil {
		t.Fatalf("auction snapshot missing: %v", err)
	}
	if stored.Debt.Sign() != 0 {
		t.Fatalf("stored debt after buyout = %s, want 0", stored.Debt)
	}
	if board.holds(user) {
		t.Fatalf("closed auction still on board")
	}
	if !f.audit.has("auction_bought_out") {
		t.Fatalf("audit events = %v, want auction_bought_out", f.audit.events())
	}

	buyerClaim, err := f.auctions.GetClaim(ctx, buyer)
	if err != nil {
		t.Fatalf("claim snapshot: %v", err)
	}
	if buyerClaim.Cmp(released) != 0 {
		t.Fatalf("buyer claim snapshot = %s, want %s", buyerClaim, released)
	}
}

func TestAuctionServiceWithdrawRemainderZeroesRow(t *testing.T) {
	ctx := context.Background()
	f, svc, _, user := newAuctionFixture(t)
	keeper := makeAddr(0xBB)
	buyer := makeAddr(0xCC)

	if _, err := svc.Trigger(ctx, keeper, user); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.treasury.FundBase(buyer, fixed.MustWad("120"))
	if _, err := svc.Buy(ctx, buyer, buyer, user, fixed.MustWad("120")); err != nil {
		t.Fatalf("buy: %v", err)
	}

	// 108 seized minus 54 released leaves 54 withdrawable by the user.
	if err := svc.WithdrawRemainder(ctx, user, user, fixed.MustWad("54")); err != nil {
		t.Fatalf("withdraw remainder: %v", err)
	}
	if got := f.treasury.HolderCollateral(testCollateral, user); got.Cmp(fixed.MustWad("54")) != 0 {
		t.Fatalf("user balance = %s, want 54e18", got)
	}

	// The engine forgets a drained auction; the stored row stays, zeroed.
	if _, err := svc.Auction(ctx, user); !errors.Is(err, domain.ErrNotInLiquidation) {
		t.Fatalf("auction after drain: err = %v, want ErrNotInLiquidation", err)
	}
	stored, err := f.auctions.Get(ctx, user)
	if err != nil {
		t.Fatalf("auction snapshot missing: %v", err)
	}
	if stored.Collateral.Sign() != 0 || stored.Debt.Sign() != 0 {
		t.Fatalf("stored row = %s/%s, want zeroed", stored.Collateral, stored.Debt)
	}
	if !f.audit.has("auction_remainder_withdrawn") {
		t.Fatalf("audit events = %v, want auction_remainder_withdrawn", f.audit.events())
	}
}

func TestAuctionServiceClaimUpdatesSnapshot(t *testing.T) {
	ctx := context.Background()
	f, svc, _, user := newAuctionFixture(t)
	keeper := makeAddr(0xBB)

	if _, err := svc.Trigger(ctx, keeper, user); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := svc.Claim(ctx, keeper, keeper, fixed.MustWad("2")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := f.treasury.HolderCollateral(testCollateral, keeper); got.Cmp(fixed.MustWad("2")) != 0 {
		t.Fatalf("keeper balance = %s, want 2e18", got)
	}

	claim, err := f.auctions.GetClaim(ctx, keeper)
	if err != nil {
		t.Fatalf("claim snapshot: %v", err)
	}
	if claim.Sign() != 0 {
		t.Fatalf("claim snapshot after payout = %s, want 0", claim)
	}
	if !f.audit.has("auction_claim_paid") {
		t.Fatalf("audit events = %v, want auction_claim_paid", f.audit.events())
	}
}
