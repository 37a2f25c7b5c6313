package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
)

// SettlementService defines the methods that the settlement handler requires
// from the service layer.
type SettlementService interface {
	Status() domain.SettlementState
	Shutdown(ctx context.Context, caller common.Address, prices map[string]*big.Int) error
	SettleTreasury(ctx context.Context) error
	CashSavings(ctx context.Context) error
	Redeem(ctx context.Context, seriesID int64, holder, to common.Address, amount *big.Int) (*big.Int, error)
	SettleUser(ctx context.Context, collateral string, user common.Address) (*big.Int, error)
	SweepProfit(ctx context.Context, caller, to common.Address) (*big.Int, error)
}

// SettlementHandler serves shutdown and settlement HTTP endpoints.
type SettlementHandler struct {
	settlement SettlementService
	logger     *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler with the given service and
// logger.
func NewSettlementHandler(settlement SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlement: settlement,
		logger:     logger,
	}
}

// GetStatus returns the current settlement phase and frozen prices.
// GET /api/settlement
func (h *SettlementHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	state := h.settlement.Status()

	prices := make(map[string]string, len(state.Prices))
	for code, price := range state.Prices {
		prices[code] = price.String()
	}
	out := map[string]any{
		"phase":  string(state.Phase),
		"prices": prices,
	}
	if state.Profit != nil {
		out["profit"] = state.Profit.String()
	}
	if !state.ShutdownAt.IsZero() {
		out["shutdown_at"] = state.ShutdownAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

// shutdownRequest is the body for the shutdown call. Prices are decimal wad
// strings keyed by collateral code.
type shutdownRequest struct {
	Caller string            `json:"caller"`
	Prices map[string]string `json:"prices"`
}

// Shutdown freezes the engine at the supplied settlement prices.
// POST /api/settlement/shutdown
func (h *SettlementHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prices := make(map[string]*big.Int, len(req.Prices))
	for code, raw := range req.Prices {
		price, priceErr := parseAmount("prices."+code, raw)
		if priceErr != nil {
			writeError(w, http.StatusBadRequest, priceErr.Error())
			return
		}
		prices[code] = price
	}

	if err := h.settlement.Shutdown(r.Context(), caller, prices); err != nil {
		if errStatus(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: shutdown failed",
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shut down"})
}

// SettleTreasury runs the one-time treasury settlement step.
// POST /api/settlement/treasury
func (h *SettlementHandler) SettleTreasury(w http.ResponseWriter, r *http.Request) {
	if err := h.settlement.SettleTreasury(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "treasury settled"})
}

// CashSavings runs the one-time savings conversion step.
// POST /api/settlement/savings
func (h *SettlementHandler) CashSavings(w http.ResponseWriter, r *http.Request) {
	if err := h.settlement.CashSavings(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "savings cashed"})
}

// redeemRequest is the body for redeeming series tokens after settlement.
type redeemRequest struct {
	SeriesID int64  `json:"series_id"`
	Holder   string `json:"holder"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
}

// Redeem burns series tokens for their settlement value.
// POST /api/settlement/redeem
func (h *SettlementHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	holder, err := parseAddr("holder", req.Holder)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddr("to", req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payout, err := h.settlement.Redeem(r.Context(), req.SeriesID, holder, to, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "redeemed",
		"payout": payout.String(),
	})
}

// settleRequest is the body for settling one user's position.
type settleRequest struct {
	Collateral string `json:"collateral"`
	User       string `json:"user"`
}

// SettleUser closes out one position, paying any surplus.
// POST /api/settlement/settle
func (h *SettlementHandler) SettleUser(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Collateral == "" {
		writeError(w, http.StatusBadRequest, "collateral is required")
		return
	}
	user, err := parseAddr("user", req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	surplus, err := h.settlement.SettleUser(r.Context(), req.Collateral, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "settled",
		"surplus": surplus.String(),
	})
}

// profitRequest is the body for sweeping residual profit.
type profitRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
}

// SweepProfit pays the residual profit pool to the operator's chosen address.
// POST /api/settlement/profit
func (h *SettlementHandler) SweepProfit(w http.ResponseWriter, r *http.Request) {
	var req profitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddr("to", req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := h.settlement.SweepProfit(r.Context(), caller, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "swept",
		"amount": amount.String(),
	})
}
