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

// AuctionService defines the methods that the auction handler requires from
// the service layer.
type AuctionService interface {
	Trigger(ctx context.Context, caller, user common.Address) (domain.Auction, error)
	Buy(ctx context.Context, payer, receiver, user common.Address, debtAmount *big.Int) (*big.Int, error)
	WithdrawRemainder(ctx context.Context, user, to common.Address, amount *big.Int) error
	Claim(ctx context.Context, holder, to common.Address, amount *big.Int) error
	Auction(ctx context.Context, user common.Address) (domain.Auction, error)
	ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Auction, error)
	ClaimBalance(holder common.Address) *big.Int
}

// AuctionHandler serves liquidation-auction HTTP endpoints.
type AuctionHandler struct {
	auctions AuctionService
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler with the given service and logger.
func NewAuctionHandler(auctions AuctionService, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctions: auctions,
		logger:   logger,
	}
}

// auctionJSON is the wire form of an auction snapshot.
type auctionJSON struct {
	User       string    `json:"user"`
	StartedAt  time.Time `json:"started_at"`
	Collateral string    `json:"collateral"`
	Debt       string    `json:"debt"`
	Closed     bool      `json:"closed"`
}

func toAuctionJSON(a domain.Auction) auctionJSON {
	return auctionJSON{
		User:       a.User.Hex(),
		StartedAt:  a.StartedAt,
		Collateral: a.Collateral.String(),
		Debt:       a.Debt.String(),
		Closed:     a.Closed(),
	}
}

// ListAuctions returns open auctions, oldest first.
// GET /api/auctions?limit=50&offset=0
func (h *AuctionHandler) ListAuctions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	auctions, err := h.auctions.ListOpen(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list auctions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list auctions")
		return
	}

	out := make([]auctionJSON, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, toAuctionJSON(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"auctions": out})
}

// GetAuction returns one user's live auction.
// GET /api/auctions/{user}
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddr("user", pathParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	auction, err := h.auctions.Auction(r.Context(), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuctionJSON(auction))
}

// triggerRequest is the body for starting a liquidation.
type triggerRequest struct {
	Caller string `json:"caller"`
	User   string `json:"user"`
}

// Trigger starts a liquidation auction for an undercollateralized user.
// POST /api/auctions/trigger
func (h *AuctionHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, err := parseAddr("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := parseAddr("user", req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	auction, err := h.auctions.Trigger(r.Context(), caller, user)
	if err != nil {
		if errStatus(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: trigger liquidation failed",
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAuctionJSON(auction))
}

// buyRequest is the body for buying auction debt.
type buyRequest struct {
	Payer    string `json:"payer"`
	Receiver string `json:"receiver"`
	User     string `json:"user"`
	Amount   string `json:"amount"`
}

// Buy repays auction debt in base currency for decay-priced collateral.
// POST /api/auctions/buy
func (h *AuctionHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	payer, err := parseAddr("payer", req.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receiver, err := parseAddr("receiver", req.Receiver)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := parseAddr("user", req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	released, err := h.auctions.Buy(r.Context(), payer, receiver, user, amount)
	if err != nil {
		if errStatus(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: auction buy failed",
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "bought",
		"released": released.String(),
	})
}

// transferRequest is the shared body for remainder withdrawals and claims.
type transferRequest struct {
	User   string `json:"user"`   // withdraw: auctioned user; claim: holder
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (req *transferRequest) parse() (common.Address, common.Address, *big.Int, error) {
	user, err := parseAddr("user", req.User)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	to, err := parseAddr("to", req.To)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	return user, to, amount, nil
}

// WithdrawRemainder releases leftover collateral after a full buy-out.
// POST /api/auctions/withdraw
func (h *AuctionHandler) WithdrawRemainder(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	user, to, amount, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.auctions.WithdrawRemainder(r.Context(), user, to, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

// Claim pays out collateral credited by buys or trigger incentives.
// POST /api/auctions/claim
func (h *AuctionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	holder, to, amount, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.auctions.Claim(r.Context(), holder, to, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
}

// GetClaim reports a holder's withdrawable collateral balance.
// GET /api/auctions/claims/{holder}
func (h *AuctionHandler) GetClaim(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddr("holder", pathParam(r, "holder"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"holder":  holder.Hex(),
		"balance": h.auctions.ClaimBalance(holder).String(),
	})
}
