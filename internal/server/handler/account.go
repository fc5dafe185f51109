package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/service"
)

// AccountService is the diamond and activity surface the account handler
// needs.
type AccountService interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Transactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.DiamondTransaction, error)
	ClaimDailyChest(ctx context.Context, userID string) (int64, error)
	Grant(ctx context.Context, userID string, amount int64, note string) (int64, error)
	RecordActivity(ctx context.Context, in service.ActivityInput) (domain.Activity, error)
}

// AccountHandler serves balances, the daily chest, activity ingestion and
// operator grants.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logHandler(logger, "account")}
}

type balanceResponse struct {
	UserID   string `json:"user_id"`
	Diamonds int64  `json:"diamonds"`
}

// Balance returns the caller's diamond balance.
// GET /api/diamonds/balance
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	bal, err := h.accounts.Balance(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, h.logger, "read balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: user, Diamonds: bal})
}

// Transactions lists the caller's ledger entries, newest first.
// GET /api/diamonds/transactions?limit=50&offset=0
func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	txs, err := h.accounts.Transactions(r.Context(), user, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list transactions", err)
		return
	}
	if txs == nil {
		txs = []domain.DiamondTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// DailyChest credits the caller's daily chest once per day.
// POST /api/diamonds/daily-chest
func (h *AccountHandler) DailyChest(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	bal, err := h.accounts.ClaimDailyChest(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim daily chest", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: user, Diamonds: bal})
}

type activityRequest struct {
	Type     string  `json:"type"`
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
}

// RecordActivity stores a workout for the caller.
// POST /api/activities
func (h *AccountHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	user, ok := callerID(w, r)
	if !ok {
		return
	}
	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.accounts.RecordActivity(r.Context(), service.ActivityInput{
		UserID:   user,
		Type:     req.Type,
		Distance: req.Distance,
		Duration: req.Duration,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "record activity", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type grantRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// Grant credits or debits a user as an operator adjustment.
// POST /api/admin/grants
func (h *AccountHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	bal, err := h.accounts.Grant(r.Context(), req.UserID, req.Amount, req.Note)
	if err != nil {
		writeServiceError(w, r, h.logger, "grant diamonds", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: req.UserID, Diamonds: bal})
}
