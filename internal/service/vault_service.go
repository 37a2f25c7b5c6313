package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/engine"
)

// VaultService wraps the accounting engine's position operations with
// persistence snapshots, audit logging, and event publication.
type VaultService struct {
	accounting *engine.Accounting
	vaults     domain.VaultStore
	debts      domain.DebtStore
	bus        domain.SignalBus
	audit      domain.AuditStore
	logger     *slog.Logger
}

// NewVaultService creates a VaultService with all required dependencies.
func NewVaultService(
	accounting *engine.Accounting,
	vaults domain.VaultStore,
	debts domain.DebtStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *VaultService {
	return &VaultService{
		accounting: accounting,
		vaults:     vaults,
		debts:      debts,
		bus:        bus,
		audit:      audit,
		logger:     logger,
	}
}

// Post moves collateral from the holder into the user's position.
func (s *VaultService) Post(ctx context.Context, collateral string, caller, from, to common.Address, amount *big.Int) error {
	if err := s.accounting.Post(ctx, collateral, caller, from, to, amount); err != nil {
		return fmt.Errorf("vault_service: post: %w", err)
	}

	s.snapshotVault(ctx, collateral, to)
	s.emit(ctx, "collateral_posted", map[string]any{
		"collateral": collateral,
		"user":       to.Hex(),
		"amount":     amount.String(),
	})

	s.logger.InfoContext(ctx, "vault_service: collateral posted",
		slog.String("collateral", collateral),
		slog.String("user", to.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Withdraw releases free collateral from the user's position back to a holder.
func (s *VaultService) Withdraw(ctx context.Context, collateral string, caller, from, to common.Address, amount *big.Int) error {
	if err := s.accounting.Withdraw(ctx, collateral, caller, from, to, amount); err != nil {
		return fmt.Errorf("vault_service: withdraw: %w", err)
	}

	s.snapshotVault(ctx, collateral, from)
	s.emit(ctx, "collateral_withdrawn", map[string]any{
		"collateral": collateral,
		"user":       from.Hex(),
		"amount":     amount.String(),
	})

	s.logger.InfoContext(ctx, "vault_service: collateral withdrawn",
		slog.String("collateral", collateral),
		slog.String("user", from.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Borrow mints series debt tokens against the user's posted collateral.
func (s *VaultService) Borrow(ctx context.Context, collateral string, seriesID int64, caller, from, to common.Address, amount *big.Int) error {
	if err := s.accounting.Borrow(ctx, collateral, seriesID, caller, from, to, amount); err != nil {
		return fmt.Errorf("vault_service: borrow: %w", err)
	}

	s.snapshotVault(ctx, collateral, from)
	s.snapshotDebt(ctx, collateral, seriesID, from)
	s.emit(ctx, "debt_borrowed", map[string]any{
		"collateral": collateral,
		"series_id":  seriesID,
		"user":       from.Hex(),
		"amount":     amount.String(),
	})

	s.logger.InfoContext(ctx, "vault_service: debt borrowed",
		slog.String("collateral", collateral),
		slog.Int64("series_id", seriesID),
		slog.String("user", from.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// RepayToken burns series debt tokens from the payer to reduce a user's debt.
// Returns the fixed units actually repaid.
func (s *VaultService) RepayToken(ctx context.Context, collateral string, seriesID int64, caller, from, to common.Address, amount *big.Int) (*big.Int, error) {
	repaid, err := s.accounting.RepayToken(ctx, collateral, seriesID, caller, from, to, amount)
	if err != nil {
		return nil, fmt.Errorf("vault_service: repay token: %w", err)
	}

	s.snapshotVault(ctx, collateral, to)
	s.snapshotDebt(ctx, collateral, seriesID, to)
	s.emit(ctx, "debt_repaid", map[string]any{
		"collateral": collateral,
		"series_id":  seriesID,
		"user":       to.Hex(),
		"repaid":     repaid.String(),
		"unit":       "token",
	})

	s.logger.InfoContext(ctx, "vault_service: debt repaid with tokens",
		slog.String("collateral", collateral),
		slog.Int64("series_id", seriesID),
		slog.String("user", to.Hex()),
		slog.String("repaid", repaid.String()),
	)
	return repaid, nil
}

// RepayBase pays base currency from the payer to reduce a user's debt at the
// current floating value. Returns the base units actually consumed.
func (s *VaultService) RepayBase(ctx context.Context, collateral string, seriesID int64, caller, from, to common.Address, amount *big.Int) (*big.Int, error) {
	spent, err := s.accounting.RepayBase(ctx, collateral, seriesID, caller, from, to, amount)
	if err != nil {
		return nil, fmt.Errorf("vault_service: repay base: %w", err)
	}

	s.snapshotVault(ctx, collateral, to)
	s.snapshotDebt(ctx, collateral, seriesID, to)
	s.emit(ctx, "debt_repaid", map[string]any{
		"collateral": collateral,
		"series_id":  seriesID,
		"user":       to.Hex(),
		"spent":      spent.String(),
		"unit":       "base",
	})

	s.logger.InfoContext(ctx, "vault_service: debt repaid with base",
		slog.String("collateral", collateral),
		slog.Int64("series_id", seriesID),
		slog.String("user", to.Hex()),
		slog.String("spent", spent.String()),
	)
	return spent, nil
}

// Delegate authorizes another address to operate the owner's positions.
func (s *VaultService) Delegate(ctx context.Context, owner, delegate common.Address) {
	s.accounting.Delegate(owner, delegate)
	s.emit(ctx, "delegate_added", map[string]any{
		"owner":    owner.Hex(),
		"delegate": delegate.Hex(),
	})
}

// Revoke removes a previously granted delegation.
func (s *VaultService) Revoke(ctx context.Context, owner, delegate common.Address) {
	s.accounting.Revoke(owner, delegate)
	s.emit(ctx, "delegate_revoked", map[string]any{
		"owner":    owner.Hex(),
		"delegate": delegate.Hex(),
	})
}

// Vault returns the live position for one (collateral, user) pair, composed
// from the in-memory engine rather than the persisted snapshot.
func (s *VaultService) Vault(ctx context.Context, collateral string, user common.Address) (domain.Vault, error) {
	if _, err := s.accounting.CollateralMeta(collateral); err != nil {
		return domain.Vault{}, fmt.Errorf("vault_service: vault %s/%s: %w", collateral, user.Hex(), err)
	}
	return s.composeVault(collateral, user), nil
}

// VaultsByUser returns the persisted position snapshots for one user.
func (s *VaultService) VaultsByUser(ctx context.Context, user common.Address) ([]domain.Vault, error) {
	vaults, err := s.vaults.ListByUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("vault_service: list vaults for %s: %w", user.Hex(), err)
	}
	return vaults, nil
}

// DebtsByUser returns the persisted outstanding debt rows for one user.
func (s *VaultService) DebtsByUser(ctx context.Context, user common.Address) ([]domain.DebtRecord, error) {
	debts, err := s.debts.ListByUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("vault_service: list debts for %s: %w", user.Hex(), err)
	}
	return debts, nil
}

// Power returns the user's remaining borrowing power in base units.
func (s *VaultService) Power(ctx context.Context, collateral string, user common.Address) (*big.Int, error) {
	power, err := s.accounting.PowerOf(ctx, collateral, user)
	if err != nil {
		return nil, fmt.Errorf("vault_service: power of %s: %w", user.Hex(), err)
	}
	return power, nil
}

// TotalDebt returns the user's aggregate floating debt in base units.
func (s *VaultService) TotalDebt(ctx context.Context, collateral string, user common.Address) (*big.Int, error) {
	debt, err := s.accounting.TotalDebtBase(ctx, collateral, user)
	if err != nil {
		return nil, fmt.Errorf("vault_service: total debt of %s: %w", user.Hex(), err)
	}
	return debt, nil
}

// composeVault builds a Vault snapshot from the live engine balances.
func (s *VaultService) composeVault(collateral string, user common.Address) domain.Vault {
	posted := s.accounting.Posted(collateral, user)

	hasDebt := false
	for _, id := range s.accounting.SeriesIDs() {
		if s.accounting.Debt(collateral, id, user).Sign() > 0 {
			hasDebt = true
			break
		}
	}

	status := domain.VaultStatusUnopened
	switch {
	case hasDebt:
		status = domain.VaultStatusBorrowed
	case posted.Sign() > 0:
		status = domain.VaultStatusPosted
	}

	return domain.Vault{
		Collateral: collateral,
		User:       user,
		Posted:     posted,
		Status:     status,
	}
}

// snapshotVault persists the current engine state of one vault. Persistence
// failures are logged, not returned: the engine is the source of truth and a
// stale snapshot is recoverable.
func (s *VaultService) snapshotVault(ctx context.Context, collateral string, user common.Address) {
	vault := s.composeVault(collateral, user)
	if err := s.vaults.Upsert(ctx, vault); err != nil {
		s.logger.WarnContext(ctx, "vault_service: vault snapshot failed",
			slog.String("collateral", collateral),
			slog.String("user", user.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// snapshotDebt persists the current engine state of one debt record.
func (s *VaultService) snapshotDebt(ctx context.Context, collateral string, seriesID int64, user common.Address) {
	rec := domain.DebtRecord{
		Collateral: collateral,
		SeriesID:   seriesID,
		User:       user,
		Debt:       s.accounting.Debt(collateral, seriesID, user),
	}
	if err := s.debts.Upsert(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "vault_service: debt snapshot failed",
			slog.String("collateral", collateral),
			slog.Int64("series_id", seriesID),
			slog.String("user", user.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// emit publishes an event on the shared event channel and mirrors it into the
// audit log. Both paths are best-effort.
func (s *VaultService) emit(ctx context.Context, event string, detail map[string]any) {
	payload := map[string]any{"event": event}
	for k, v := range detail {
		payload[k] = v
	}
	if raw, err := json.Marshal(payload); err == nil {
		if pubErr := s.bus.Publish(ctx, domain.ChannelEvents, raw); pubErr != nil {
			s.logger.WarnContext(ctx, "vault_service: publish event failed",
				slog.String("event", event),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	if auditErr := s.audit.Log(ctx, event, detail); auditErr != nil {
		s.logger.WarnContext(ctx, "vault_service: audit log failed",
			slog.String("event", event),
			slog.String("error", auditErr.Error()),
		)
	}
}
