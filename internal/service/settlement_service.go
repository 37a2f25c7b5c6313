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
	"github.com/cairnfi/termledger/internal/notify"
)

// SettlementService wraps the shutdown engine with persistence of the
// settlement record, audit logging, event publication, and operator alerts.
type SettlementService struct {
	settler     *engine.Settler
	accounting  *engine.Accounting
	settlements domain.SettlementStore
	vaults      domain.VaultStore
	debts       domain.DebtStore
	bus         domain.SignalBus
	audit       domain.AuditStore
	notifier    *notify.Notifier
	logger      *slog.Logger
}

// NewSettlementService creates a SettlementService with all required
// dependencies. notifier may be nil.
func NewSettlementService(
	settler *engine.Settler,
	accounting *engine.Accounting,
	settlements domain.SettlementStore,
	vaults domain.VaultStore,
	debts domain.DebtStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		settler:     settler,
		accounting:  accounting,
		settlements: settlements,
		vaults:      vaults,
		debts:       debts,
		bus:         bus,
		audit:       audit,
		notifier:    notifier,
		logger:      logger,
	}
}

// Status returns the current settlement state.
func (s *SettlementService) Status() domain.SettlementState {
	return s.settler.State()
}

// Shutdown freezes the engine at the supplied settlement prices. Only the
// configured operator may call this.
func (s *SettlementService) Shutdown(ctx context.Context, caller common.Address, prices map[string]*big.Int) error {
	if caller != s.settler.Operator() {
		return fmt.Errorf("settlement_service: shutdown: %w", domain.ErrNotAuthorized)
	}
	if err := s.settler.Shutdown(ctx, prices); err != nil {
		return fmt.Errorf("settlement_service: shutdown: %w", err)
	}

	s.persistState(ctx)

	detail := map[string]any{"caller": caller.Hex()}
	for code, price := range prices {
		detail["price_"+code] = price.String()
	}
	s.emit(ctx, "shutdown", detail)

	if s.notifier != nil {
		if notifyErr := s.notifier.Notify(ctx, "shutdown", "Engine shutdown",
			"settlement prices frozen, normal operations halted"); notifyErr != nil {
			s.logger.WarnContext(ctx, "settlement_service: notify failed",
				slog.String("error", notifyErr.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "settlement_service: shutdown executed",
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// SettleTreasury runs the one-time treasury settlement step.
func (s *SettlementService) SettleTreasury(ctx context.Context) error {
	if err := s.settler.SettleTreasury(ctx); err != nil {
		return fmt.Errorf("settlement_service: settle treasury: %w", err)
	}

	s.persistState(ctx)
	s.emit(ctx, "treasury_settled", map[string]any{
		"profit": s.settler.State().Profit.String(),
	})

	s.logger.InfoContext(ctx, "settlement_service: treasury settled")
	return nil
}

// CashSavings runs the one-time savings conversion step and opens redemption.
func (s *SettlementService) CashSavings(ctx context.Context) error {
	if err := s.settler.CashSavings(ctx); err != nil {
		return fmt.Errorf("settlement_service: cash savings: %w", err)
	}

	s.persistState(ctx)
	s.emit(ctx, "savings_cashed", map[string]any{
		"profit": s.settler.State().Profit.String(),
	})

	s.logger.InfoContext(ctx, "settlement_service: savings cashed, redemption open")
	return nil
}

// Redeem burns a holder's series tokens for their settlement value in
// reference collateral. Returns the payout.
func (s *SettlementService) Redeem(ctx context.Context, seriesID int64, holder, to common.Address, amount *big.Int) (*big.Int, error) {
	payout, err := s.settler.Redeem(ctx, seriesID, holder, to, amount)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: redeem: %w", err)
	}

	s.persistState(ctx)
	s.emit(ctx, "tokens_redeemed", map[string]any{
		"series_id": seriesID,
		"holder":    holder.Hex(),
		"amount":    amount.String(),
		"payout":    payout.String(),
	})

	s.logger.InfoContext(ctx, "settlement_service: tokens redeemed",
		slog.Int64("series_id", seriesID),
		slog.String("holder", holder.Hex()),
		slog.String("payout", payout.String()),
	)
	return payout, nil
}

// SettleUser closes out one user's position in one collateral, paying any
// surplus. Returns the surplus paid.
func (s *SettlementService) SettleUser(ctx context.Context, collateral string, user common.Address) (*big.Int, error) {
	surplus, err := s.settler.Settle(ctx, collateral, user)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: settle user: %w", err)
	}

	s.persistState(ctx)
	s.snapshotSettled(ctx, collateral, user)
	s.emit(ctx, "position_settled", map[string]any{
		"collateral": collateral,
		"user":       user.Hex(),
		"surplus":    surplus.String(),
	})

	s.logger.InfoContext(ctx, "settlement_service: position settled",
		slog.String("collateral", collateral),
		slog.String("user", user.Hex()),
		slog.String("surplus", surplus.String()),
	)
	return surplus, nil
}

// SweepProfit pays the residual profit pool to the operator's chosen address
// once every series token has been redeemed.
func (s *SettlementService) SweepProfit(ctx context.Context, caller, to common.Address) (*big.Int, error) {
	amount, err := s.settler.Profit(ctx, caller, to)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: sweep profit: %w", err)
	}

	s.persistState(ctx)
	s.emit(ctx, "profit_swept", map[string]any{
		"caller": caller.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	})

	s.logger.InfoContext(ctx, "settlement_service: profit swept",
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
	)
	return amount, nil
}

// persistState mirrors the engine's settlement record into the store.
// Failures are logged, not returned: the engine is the source of truth.
func (s *SettlementService) persistState(ctx context.Context) {
	if err := s.settlements.Put(ctx, s.settler.State()); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: state snapshot failed",
			slog.String("error", err.Error()),
		)
	}
}

// snapshotSettled zeroes the persisted vault and debt rows for a settled
// position.
func (s *SettlementService) snapshotSettled(ctx context.Context, collateral string, user common.Address) {
	vault := domain.Vault{
		Collateral: collateral,
		User:       user,
		Posted:     big.NewInt(0),
		Status:     domain.VaultStatusUnopened,
	}
	if err := s.vaults.Upsert(ctx, vault); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: vault snapshot failed",
			slog.String("collateral", collateral),
			slog.String("user", user.Hex()),
			slog.String("error", err.Error()),
		)
	}

	for _, id := range s.accounting.SeriesIDs() {
		rec := domain.DebtRecord{
			Collateral: collateral,
			SeriesID:   id,
			User:       user,
			Debt:       big.NewInt(0),
		}
		if err := s.debts.Upsert(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "settlement_service: debt snapshot failed",
				slog.String("collateral", collateral),
				slog.Int64("series_id", id),
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// emit publishes an event on the shared event channel and mirrors it into the
// audit log. Both paths are best-effort.
func (s *SettlementService) emit(ctx context.Context, event string, detail map[string]any) {
	payload := map[string]any{"event": event}
	for k, v := range detail {
		payload[k] = v
	}
	if raw, err := json.Marshal(payload); err == nil {
		if pubErr := s.bus.Publish(ctx, domain.ChannelEvents, raw); pubErr != nil {
			s.logger.WarnContext(ctx, "settlement_service: publish event failed",
				slog.String("event", event),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	if auditErr := s.audit.Log(ctx, event, detail); auditErr != nil {
		s.logger.WarnContext(ctx, "settlement_service: audit log failed",
			slog.String("event", event),
			slog.String("error", auditErr.Error()),
		)
	}
}
