package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cairnfi/termledger/internal/domain"
)

// VaultService defines the methods that the vault handler requires from the
// service layer.
type VaultService interface {
	Post(ctx context.Context, collateral string, caller, from, to common.Address, amount *big.Int) error
	Withdraw(ctx context.Context, collateral string, caller, from, to common.Address, amount *big.Int) error
	Borrow(ctx context.Context, collateral string, seriesID int64, caller, from, to common.Address, amount *big.Int) error
	RepayToken(ctx context.Context, collateral string, seriesID int64, caller, from, to common.Address, amount *big.Int) (*big.Int, error)
	RepayBase(ctx context.Context, collateral string, seriesID int64, caller, from, to common.Address, amount *big.Int) (*big.Int, error)
	Vault(ctx context.Context, collateral string, user common.Address) (domain.Vault, error)
	VaultsByUser(ctx context.Context, user common.Address) ([]domain.Vault, error)
	DebtsByUser(ctx context.Context, user common.Address) ([]domain.DebtRecord, error)
	Power(ctx context.Context, collateral string, user common.Address) (*big.Int, error)
	TotalDebt(ctx context.Context, collateral string, user common.Address) (*big.Int, error)
}

// VaultHandler serves position-related HTTP endpoints.
type VaultHandler struct {
	vaults VaultService
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler with the given service and logger.
func NewVaultHandler(vaults VaultService, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{
		vaults: vaults,
		logger: logger,
	}
}

// vaultJSON is the wire form of a vault snapshot.
type vaultJSON struct {
	Collateral string `json:"collateral"`
	User       string `json:"user"`
	Posted     string `json:"posted"`
	Status     string `json:"status"`
}

// debtJSON is the wire form of a debt record.
type debtJSON struct {
	Collateral string `json:"collateral"`
	SeriesID   int64  `json:"series_id"`
	User       string `json:"user"`
	Debt       string `json:"debt"`
}

func toVaultJSON(v domain.Vault) vaultJSON {
	return vaultJSON{
		Collateral: v.Collateral,
		User:       v.User.Hex(),
		Posted:     v.Posted.String(),
		Status:     string(v.Status),
	}
}

// moveRequest is the shared body for post/withdraw/borrow/repay calls.
// Amounts are decimal wad strings.
type moveRequest struct {
	Collateral string `json:"collateral"`
	SeriesID   int64  `json:"series_id"`
	Caller     string `json:"caller"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     string `json:"amount"`
	Unit       string `json:"unit"` // repay only: "token" or "base"
}

type parsedMove struct {
	caller, from, to common.Address
	amount           *big.Int
}

func (req *moveRequest) parse() (parsedMove, error) {
	var out parsedMove
	var err error
	if out.caller, err = parseAddr("caller", req.Caller); err != nil {
		return out, err
	}
	if out.from, err = parseAddr("from", req.From); err != nil {
		return out, err
	}
	if out.to, err = parseAddr("to", req.To); err != nil {
		return out, err
	}
	if out.amount, err = parseAmount("amount", req.Amount); err != nil {
		return out, err
	}
	return out, nil
}

// ListVaults returns persisted vault and debt snapshots for a user.
// GET /api/vaults?user=0x...
func (h *VaultHandler) ListVaults(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddr("user", r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	vaults, err := h.vaults.VaultsByUser(r.Context(), user)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list vaults failed",
			slog.String("user", user.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list vaults")
		return
	}
	debts, err := h.vaults.DebtsByUser(r.Context(), user)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list debts failed",
			slog.String("user", user.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list debts")
		return
	}

	vaultsOut := make([]vaultJSON, 0, len(vaults))
	for _, v := range vaults {
		vaultsOut = append(vaultsOut, toVaultJSON(v))
	}
	debtsOut := make([]debtJSON, 0, len(debts))
	for _, d := range debts {
		debtsOut = append(debtsOut, debtJSON{
			Collateral: d.Collateral,
			SeriesID:   d.SeriesID,
			User:       d.User.Hex(),
			Debt:       d.Debt.String(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"vaults": vaultsOut,
		"debts":  debtsOut,
	})
}

// GetVault returns the live position plus derived power and floating debt.
// GET /api/vaults/{collateral}/{user}
func (h *VaultHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	collateral := pathParam(r, "collateral")
	user, err := parseAddr("user", pathParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	vault, err := h.vaults.Vault(r.Context(), collateral, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	power, err := h.vaults.Power(r.Context(), collateral, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	debt, err := h.vaults.TotalDebt(r.Context(), collateral, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"vault": toVaultJSON(vault),
		"power": power.String(),
		"debt":  debt.String(),
	})
}

// PostCollateral moves collateral into a user's position.
// POST /api/vaults/post
func (h *VaultHandler) PostCollateral(w http.ResponseWriter, r *http.Request) {
	req, move, ok := h.decodeMove(w, r)
	if !ok {
		return
	}

	if err := h.vaults.Post(r.Context(), req.Collateral, move.caller, move.from, move.to, move.amount); err != nil {
		h.failMove(w, r, "post", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "posted"})
}

// WithdrawCollateral releases free collateral from a user's position.
// POST /api/vaults/withdraw
func (h *VaultHandler) WithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	req, move, ok := h.decodeMove(w, r)
	if !ok {
		return
	}

	if err := h.vaults.Withdraw(r.Context(), req.Collateral, move.caller, move.from, move.to, move.amount); err != nil {
		h.failMove(w, r, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

// Borrow mints series debt against posted collateral.
// POST /api/vaults/borrow
func (h *VaultHandler) Borrow(w http.ResponseWriter, r *http.Request) {
	req, move, ok := h.decodeMove(w, r)
	if !ok {
		return
	}

	if err := h.vaults.Borrow(r.Context(), req.Collateral, req.SeriesID, move.caller, move.from, move.to, move.amount); err != nil {
		h.failMove(w, r, "borrow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "borrowed"})
}

// Repay reduces a user's debt with series tokens or base currency.
// POST /api/vaults/repay
func (h *VaultHandler) Repay(w http.ResponseWriter, r *http.Request) {
	req, move, ok := h.decodeMove(w, r)
	if !ok {
		return
	}

	var result *big.Int
	var err error
	switch req.Unit {
	case "token":
		result, err = h.vaults.RepayToken(r.Context(), req.Collateral, req.SeriesID, move.caller, move.from, move.to, move.amount)
	case "base":
		result, err = h.vaults.RepayBase(r.Context(), req.Collateral, req.SeriesID, move.caller, move.from, move.to, move.amount)
	default:
		writeError(w, http.StatusBadRequest, `unit must be "token" or "base"`)
		return
	}
	if err != nil {
		h.failMove(w, r, "repay", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "repaid",
		"amount": result.String(),
	})
}

// decodeMove parses and validates the shared mutation body.
func (h *VaultHandler) decodeMove(w http.ResponseWriter, r *http.Request) (moveRequest, parsedMove, bool) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, parsedMove{}, false
	}
	if req.Collateral == "" {
		writeError(w, http.StatusBadRequest, "collateral is required")
		return req, parsedMove{}, false
	}
	move, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, parsedMove{}, false
	}
	return req, move, true
}

// failMove logs internal failures and writes the mapped domain error.
func (h *VaultHandler) failMove(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errStatus(err) == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: vault "+op+" failed",
			slog.String("error", err.Error()),
		)
	}
	writeDomainError(w, err)
}
