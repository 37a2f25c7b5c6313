package service

import (
	"context"
	"errors"
	"testing"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
)

func newVaultService(f *svcFixture) *VaultService {
	return NewVaultService(f.accounting, f.vaults, f.debts, f.bus, f.audit, discardLogger())
}

func TestVaultServicePostSnapshotsAndEmits(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newVaultService(f)
	user := makeAddr(0xAA)

	f.treasury.Fund(testCollateral, user, fixed.MustWad("10"))
	if err := svc.Post(ctx, testCollateral, user, user, user, fixed.MustWad("10")); err != nil {
		t.Fatalf("post: %v", err)
	}

	stored, err := f.vaults.Get(ctx, testCollateral, user)
	if err != nil {
		t.Fatalf("vault snapshot missing: %v", err)
	}
	if stored.Posted.Cmp(fixed.MustWad("10")) != 0 {
		t.Fatalf("snapshot posted = %s, want 10e18", stored.Posted)
	}
	if stored.Status != domain.VaultStatusPosted {
		t.Fatalf("snapshot status = %s, want posted", stored.Status)
	}
	if !f.audit.has("collateral_posted") {
		t.Fatalf("audit events = %v, want collateral_posted", f.audit.events())
	}
	if f.bus.count(domain.ChannelEvents) != 1 {
		t.Fatalf("published events = %d, want 1", f.bus.count(domain.ChannelEvents))
	}
}

func TestVaultServicePostErrorSkipsSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newVaultService(f)
	user := makeAddr(0xAA)

	// No treasury funding, so the engine rejects the post.
	err := svc.Post(ctx, testCollateral, user, user, user, fixed.MustWad("10"))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("post without funds: err = %v, want ErrInsufficientFunds", err)
	}
	if len(f.audit.events()) != 0 {
		t.Fatalf("audit events after failed post = %v, want none", f.audit.events())
	}
	if f.bus.count(domain.ChannelEvents) != 0 {
		t.Fatalf("published events after failed post = %d, want 0", f.bus.count(domain.ChannelEvents))
	}
}

func TestVaultServiceBorrowTracksDebtRecord(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newVaultService(f)
	user := makeAddr(0xAA)

	f.fundAndPost(t, user, "110")
	if err := svc.Borrow(ctx, testCollateral, f.seriesID, user, user, user, fixed.MustWad("100")); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	rec, err := f.debts.Get(ctx, testCollateral, f.seriesID, user)
	if err != nil {
		t.Fatalf("debt snapshot missing: %v", err)
	}
	if rec.Debt.Cmp(fixed.MustWad("100")) != 0 {
		t.Fatalf("snapshot debt = %s, want 100e18", rec.Debt)
	}

	vault, err := svc.Vault(ctx, testCollateral, user)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	if vault.Status != domain.VaultStatusBorrowed {
		t.Fatalf("vault status = %s, want borrowed", vault.Status)
	}
	if !f.audit.has("debt_borrowed") {
		t.Fatalf("audit events = %v, want debt_borrowed", f.audit.events())
	}
}

func TestVaultServiceRepayBaseZeroesDebt(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newVaultService(f)
	user := makeAddr(0xAA)

	f.fundAndPost(t, user, "110")
	if err := svc.Borrow(ctx, testCollateral, f.seriesID, user, user, user, fixed.MustWad("100")); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.treasury.FundBase(user, fixed.MustWad("100"))
	spent, err := svc.RepayBase(ctx, testCollateral, f.seriesID, user, user, user, fixed.MustWad("100"))
	if err != nil {
		t.Fatalf("repay base: %v", err)
	}
	if spent.Cmp(fixed.MustWad("100")) != 0 {
		t.Fatalf("spent = %s, want 100e18", spent)
	}

	rec, err := f.debts.Get(ctx, testCollateral, f.seriesID, user)
	if err != nil {
		t.Fatalf("debt snapshot missing: %v", err)
	}
	if rec.Debt.Sign() != 0 {
		t.Fatalf("snapshot debt after repay = %s, want 0", rec.Debt)
	}

	vault, err := svc.Vault(ctx, testCollateral, user)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	if vault.Status != domain.VaultStatusPosted {
		t.Fatalf("vault status after repay = %s, want posted", vault.Status)
	}
}

func TestVaultServiceDelegateAllowsThirdParty(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newVaultService(f)
	user := makeAddr(0xAA)
	operatorAddr := makeAddr(0xBB)

	f.fundAndPost(t, user, "10")

	// Unauthorized withdraw fails.
	err := svc.Withdraw(ctx, testCollateral, operatorAddr, user, user, fixed.MustWad("1"))
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("unauthorized withdraw: err = %v, want ErrNotAuthorized", err)
	}

	svc.Delegate(ctx, user, operatorAddr)
	if err := svc.Withdraw(ctx, testCollateral, operatorAddr, user, user, fixed.MustWad("1")); err != nil {
		t.Fatalf("delegated withdraw: %v", err)
	}

	svc.Revoke(ctx, user, operatorAddr)
	err = svc.Withdraw(ctx, testCollateral, operatorAddr, user, user, fixed.MustWad("1"))
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("revoked withdraw: err = %v, want ErrNotAuthorized", err)
	}

	if !f.audit.has("delegate_added") || !f.audit.has("delegate_revoked") {
		t.Fatalf("audit events = %v, want delegate_added and delegate_revoked", f.audit.events())
	}
}

func TestVaultServicePowerAndTotalDebt(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newVaultService(f)
	user := makeAddr(0xAA)

	f.fundAndPost(t, user, "105")
	if err := svc.Borrow(ctx, testCollateral, f.seriesID, user, user, user, fixed.MustWad("50")); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// power = 105 * 1.1 / 1.05 = 110
	power, err := svc.Power(ctx, testCollateral, user)
	if err != nil {
		t.Fatalf("power: %v", err)
	}
	if power.Cmp(fixed.MustWad("110")) != 0 {
		t.Fatalf("power = %s, want 110e18", power)
	}

	debt, err := svc.TotalDebt(ctx, testCollateral, user)
	if err != nil {
		t.Fatalf("total debt: %v", err)
	}
	if debt.Cmp(fixed.MustWad("50")) != 0 {
		t.Fatalf("total debt = %s, want 50e18", debt)
	}
}

func TestVaultServiceUnknownCollateral(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newVaultService(f)

	_, err := svc.Vault(ctx, "DOGE", makeAddr(0xAA))
	if !errors.Is(err, domain.ErrInvalidCollateral) {
		t.Fatalf("unknown collateral: err = %v, want ErrInvalidCollateral", err)
	}
}

func TestVaultServiceListsByUser(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newVaultService(f)
	user := makeAddr(0xAA)

	f.treasury.Fund(testCollateral, user, fixed.MustWad("10"))
	if err := svc.Post(ctx, testCollateral, user, user, user, fixed.MustWad("10")); err != nil {
		t.Fatalf("post: %v", err)
	}

	vaults, err := svc.VaultsByUser(ctx, user)
	if err != nil {
		t.Fatalf("vaults by user: %v", err)
	}
	if len(vaults) != 1 {
		t.Fatalf("vaults = %d, want 1", len(vaults))
	}

	debts, err := svc.DebtsByUser(ctx, user)
	if err != nil {
		t.Fatalf("debts by user: %v", err)
	}
	if len(debts) != 0 {
		t.Fatalf("debts = %d, want 0", len(debts))
	}
}
