package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/engine"
	"github.com/cairnfi/termledger/internal/notify"
)

// AuctionService wraps the liquidation engine with persistence snapshots,
// the Redis auction board, audit logging, event publication, and operator
// alerts.
type AuctionService struct {
	liquidator *engine.Liquidator
	accounting *engine.Accounting
	auctions   domain.AuctionStore
	vaults     domain.VaultStore
	board      domain.AuctionBoard
	bus        domain.SignalBus
	audit      domain.AuditStore
	notifier   *notify.Notifier
	logger     *slog.Logger
}

// NewAuctionService creates an AuctionService with all required dependencies.
// board and notifier may be nil; the service degrades gracefully without them.
func NewAuctionService(
	liquidator *engine.Liquidator,
	accounting *engine.Accounting,
	auctions domain.AuctionStore,
	vaults domain.VaultStore,
	board domain.AuctionBoard,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *AuctionService {
	return &AuctionService{
		liquidator: liquidator,
		accounting: accounting,
		auctions:   auctions,
		vaults:     vaults,
		board:      board,
		bus:        bus,
		audit:      audit,
		notifier:   notifier,
		logger:     logger,
	}
}

// Trigger starts a liquidation auction for an undercollateralized user and
// credits the fixed incentive to the caller.
func (s *AuctionService) Trigger(ctx context.Context, caller, user common.Address) (domain.Auction, error) {
	auction, err := s.liquidator.Liquidate(ctx, caller, user)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("auction_service: trigger: %w", err)
	}

	s.persistAuction(ctx, auction)
	s.persistClaim(ctx, caller)
	// A re-liquidation folds any prior auction remainder into the user's
	// claim balance.
	s.persistClaim(ctx, user)
	s.markLiquidating(ctx, user)

	s.emit(ctx, "liquidation_started", map[string]any{
		"user":       user.Hex(),
		"caller":     caller.Hex(),
		"collateral": auction.Collateral.String(),
		"debt":       auction.Debt.String(),
	})
	if s.notifier != nil {
		msg := fmt.Sprintf("user %s seized: %s collateral against %s debt",
			user.Hex(), auction.Collateral.String(), auction.Debt.String())
		if notifyErr := s.notifier.Notify(ctx, "liquidation_started", "Liquidation started", msg); notifyErr != nil {
			s.logger.WarnContext(ctx, "auction_service: notify failed",
				slog.String("error", notifyErr.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "auction_service: liquidation started",
		slog.String("user", user.Hex()),
		slog.String("caller", caller.Hex()),
		slog.String("collateral", auction.Collateral.String()),
		slog.String("debt", auction.Debt.String()),
	)
	return auction, nil
}

// Buy repays part of an auctioned user's debt in base currency and credits
// the receiver with decay-priced collateral. Returns the collateral released.
func (s *AuctionService) Buy(ctx context.Context, payer, receiver, user common.Address, debtAmount *big.Int) (*big.Int, error) {
	released, err := s.liquidator.Buy(ctx, payer, receiver, user, debtAmount)
	if err != nil {
		return nil, fmt.Errorf("auction_service: buy: %w", err)
	}

	auction, aucErr := s.liquidator.Auction(user)
	if aucErr == nil {
		s.persistAuction(ctx, auction)
	}
	s.persistClaim(ctx, receiver)

	s.emit(ctx, "auction_buy", map[string]any{
		"user":     user.Hex(),
		"payer":    payer.Hex(),
		"receiver": receiver.Hex(),
		"paid":     debtAmount.String(),
		"released": released.String(),
	})

	if aucErr == nil && auction.Closed() {
		if s.board != nil {
			if rmErr := s.board.RemoveAuction(ctx, user.Hex()); rmErr != nil {
				s.logger.WarnContext(ctx, "auction_service: board remove failed",
					slog.String("user", user.Hex()),
					slog.String("error", rmErr.Error()),
				)
			}
		}
		s.emit(ctx, "auction_bought_out", map[string]any{
			"user":      user.Hex(),
			"remainder": auction.Collateral.String(),
		})
		if s.notifier != nil {
			msg := fmt.Sprintf("user %s auction fully bought out, %s collateral remains withdrawable",
				user.Hex(), auction.Collateral.String())
			if notifyErr := s.notifier.Notify(ctx, "auction_bought_out", "Auction bought out", msg); notifyErr != nil {
				s.logger.WarnContext(ctx, "auction_service: notify failed",
					slog.String("error", notifyErr.Error()),
				)
			}
		}
	}

	s.logger.InfoContext(ctx, "auction_service: buy executed",
		slog.String("user", user.Hex()),
		slog.String("paid", debtAmount.String()),
		slog.String("released", released.String()),
	)
	return released, nil
}

// WithdrawRemainder lets the liquidated user reclaim leftover collateral once
// their auction debt is fully bought out.
func (s *AuctionService) WithdrawRemainder(ctx context.Context, user, to common.Address, amount *big.Int) error {
	if err := s.liquidator.Withdraw(ctx, user, to, amount); err != nil {
		return fmt.Errorf("auction_service: withdraw remainder: %w", err)
	}

	// A fully drained auction disappears from the engine; keep the closed row
	// around with zeroed balances for the archival job.
	auction, aucErr := s.liquidator.Auction(user)
	if aucErr == nil {
		s.persistAuction(ctx, auction)
	} else if errors.Is(aucErr, domain.ErrNotInLiquidation) {
		if stored, getErr := s.auctions.Get(ctx, user); getErr == nil {
			stored.Collateral = big.NewInt(0)
			stored.Debt = big.NewInt(0)
			s.persistAuction(ctx, stored)
		}
	}

	s.emit(ctx, "auction_remainder_withdrawn", map[string]any{
		"user":   user.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	})

	s.logger.InfoContext(ctx, "auction_service: remainder withdrawn",
		slog.String("user", user.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Claim pays out collateral credited to the holder by buys or trigger
// incentives.
func (s *AuctionService) Claim(ctx context.Context, holder, to common.Address, amount *big.Int) error {
	if err := s.liquidator.Claim(ctx, holder, to, amount); err != nil {
		return fmt.Errorf("auction_service: claim: %w", err)
	}

	s.persistClaim(ctx, holder)
	s.emit(ctx, "auction_claim_paid", map[string]any{
		"holder": holder.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	})

	s.logger.InfoContext(ctx, "auction_service: claim paid",
		slog.String("holder", holder.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Auction returns one user's live auction from the engine.
func (s *AuctionService) Auction(ctx context.Context, user common.Address) (domain.Auction, error) {
	auction, err := s.liquidator.Auction(user)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("auction_service: auction %s: %w", user.Hex(), err)
	}
	return auction, nil
}

// ListOpen returns persisted open auctions, oldest first.
func (s *AuctionService) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Auction, error) {
	auctions, err := s.auctions.ListOpen(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("auction_service: list open: %w", err)
	}
	return auctions, nil
}

// ClaimBalance reports the holder's withdrawable collateral.
func (s *AuctionService) ClaimBalance(holder common.Address) *big.Int {
	return s.liquidator.ClaimBalance(holder)
}

// persistAuction writes the auction snapshot to the store and the board.
// Failures are logged, not returned: the engine is the source of truth.
func (s *AuctionService) persistAuction(ctx context.Context, auction domain.Auction) {
	if err := s.auctions.Upsert(ctx, auction); err != nil {
		s.logger.WarnContext(ctx, "auction_service: auction snapshot failed",
			slog.String("user", auction.User.Hex()),
			slog.String("error", err.Error()),
		)
	}
	if s.board != nil && !auction.Closed() {
		if err := s.board.PutAuction(ctx, auction); err != nil {
			s.logger.WarnContext(ctx, "auction_service: board put failed",
				slog.String("user", auction.User.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// persistClaim mirrors the holder's engine claim balance into the store.
func (s *AuctionService) persistClaim(ctx context.Context, holder common.Address) {
	bal := s.liquidator.ClaimBalance(holder)
	if err := s.auctions.UpsertClaim(ctx, holder, bal); err != nil {
		s.logger.WarnContext(ctx, "auction_service: claim snapshot failed",
			slog.String("holder", holder.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// markLiquidating zeroes the seized user's vault snapshots and flags them as
// liquidating so reads reflect the seizure immediately.
func (s *AuctionService) markLiquidating(ctx context.Context, user common.Address) {
	for _, code := range s.accounting.CollateralCodes() {
		vault := domain.Vault{
			Collateral: code,
			User:       user,
			Posted:     s.accounting.Posted(code, user),
			Status:     domain.VaultStatusLiquidating,
		}
		if err := s.vaults.Upsert(ctx, vault); err != nil {
			s.logger.WarnContext(ctx, "auction_service: vault snapshot failed",
				slog.String("collateral", code),
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// emit publishes an event on the shared event channel and mirrors it into the
// audit log. Both paths are best-effort.
func (s *AuctionService) emit(ctx context.Context, event string, detail map[string]any) {
	payload := map[string]any{"event": event}
	for k, v := range detail {
		payload[k] = v
	}
	if raw, err := json.Marshal(payload); err == nil {
		if pubErr := s.bus.Publish(ctx, domain.ChannelEvents, raw); pubErr != nil {
			s.logger.WarnContext(ctx, "auction_service: publish event failed",
				slog.String("event", event),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	if auditErr := s.audit.Log(ctx, event, detail); auditErr != nil {
		s.logger.WarnContext(ctx, "auction_service: audit log failed",
			slog.String("event", event),
			slog.String("error", auditErr.Error()),
		)
	}
}
