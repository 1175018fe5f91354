// Package handlers exposes the transfer engine and the admin service
// over HTTP. It owns request decoding, parameter parsing and the
// mapping from domain errors to status codes; all business rules live
// below it.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chris/bank-ledger-core/pkg/admin"
	"github.com/chris/bank-ledger-core/pkg/engine"
	"github.com/chris/bank-ledger-core/pkg/models"
	"github.com/chris/bank-ledger-core/pkg/storage"
	"github.com/go-chi/chi/v5"
)

// TransferService is the slice of the engine the HTTP layer needs.
type TransferService interface {
	Transfer(ctx context.Context, sourceID, destinationID string, amount int64, idempotencyKey string) (*models.TransferResult, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	GetHistory(ctx context.Context, accountID string, from, to time.Time) ([]models.LedgerEntry, error)
}

// AdminService is the slice of the admin service the HTTP layer needs.
type AdminService interface {
	Freeze(ctx context.Context, accountID, actor, reason string) error
	Unfreeze(ctx context.Context, accountID, actor string) error
	Close(ctx context.Context, accountID, actor string) error
	Inspect(ctx context.Context, accountID string) (*models.Account, error)
	RecentLedgerEntries(ctx context.Context, limit int32) ([]models.LedgerEntry, error)
}

// ApiHandler holds the application's dependencies for the HTTP edge.
type ApiHandler struct {
	Transfers TransferService
	Admin     AdminService
	Accounts  storage.AccountStore
}

// NewApiHandler creates a new ApiHandler.
func NewApiHandler(transfers TransferService, adminSvc AdminService, accounts storage.AccountStore) *ApiHandler {
	return &ApiHandler{Transfers: transfers, Admin: adminSvc, Accounts: accounts}
}

// Routes mounts every endpoint on the given router.
func (h *ApiHandler) Routes(r chi.Router) {
	r.Post("/accounts", h.CreateAccount)
	r.Get("/accounts/{accountId}/balance", h.GetBalance)
	r.Get("/accounts/{accountId}/history", h.GetHistory)
	r.Post("/transfers", h.CreateTransfer)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/accounts/{accountId}", h.InspectAccount)
		r.Post("/accounts/{accountId}/freeze", h.FreezeAccount)
		r.Post("/accounts/{accountId}/unfreeze", h.UnfreezeAccount)
		r.Post("/accounts/{accountId}/close", h.CloseAccount)
		r.Get("/ledger", h.RecentLedger)
	})
}

// writeDomainError maps domain errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidAmount), errors.Is(err, engine.ErrSelfTransfer):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrAccountNotFound):
		http.Error(w, "Account not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrInsufficientFunds):
		http.Error(w, "Insufficient funds", http.StatusUnprocessableEntity)
	case errors.Is(err, engine.ErrAccountNotActive),
		errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, storage.ErrNonZeroBalance),
		errors.Is(err, admin.ErrAlreadyFrozen),
		errors.Is(err, admin.ErrNotFrozen):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrContended):
		http.Error(w, "Busy, retry with the same idempotency key", http.StatusServiceUnavailable)
	default:
		http.Error(w, fmt.Sprintf("Internal error: %v", err), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, fmt.Sprintf("Failed to write response: %v", err), http.StatusInternalServerError)
	}
}

// NewAccountRequest is the body of POST /accounts.
type NewAccountRequest struct {
	OwnerId        string `json:"owner_id"`
	InitialBalance int64  `json:"initial_balance"`
}

// CreateAccount opens a new account.
func (h *ApiHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req NewAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.OwnerId == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	acct, err := h.Accounts.CreateAccount(r.Context(), req.OwnerId, req.InitialBalance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// BalanceResponse is the body of GET /accounts/{accountId}/balance.
type BalanceResponse struct {
	AccountId string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// GetBalance returns the current balance of an account.
func (h *ApiHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	balance, err := h.Transfers.GetBalance(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{AccountId: accountID, Balance: balance})
}

// GetHistory returns an account's ledger entries, oldest first. The
// optional from and to query parameters are RFC 3339 timestamps bounding
// the window as [from, to).
func (h *ApiHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	var from, to time.Time
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, fmt.Sprintf("Invalid 'from' timestamp: %v", err), http.StatusBadRequest)
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, fmt.Sprintf("Invalid 'to' timestamp: %v", err), http.StatusBadRequest)
			return
		}
	}

	entries, err := h.Transfers.GetHistory(r.Context(), accountID, from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// NewTransferRequest is the body of POST /transfers. The idempotency key
// may ride in the body or in the Idempotency-Key header; the header wins.
type NewTransferRequest struct {
	SourceAccountId      string `json:"source_account_id"`
	DestinationAccountId string `json:"destination_account_id"`
	Amount               int64  `json:"amount"`
	IdempotencyKey       string `json:"idempotency_key,omitempty"`
}

// CreateTransfer executes a transfer between two accounts.
func (h *ApiHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req NewTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	result, err := h.Transfers.Transfer(r.Context(), req.SourceAccountId, req.DestinationAccountId, req.Amount, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AdminActionRequest is the body of the admin status endpoints.
type AdminActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func decodeAdminAction(w http.ResponseWriter, r *http.Request) (AdminActionRequest, bool) {
	var req AdminActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return req, false
	}
	if req.Actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// FreezeAccount suspends an account.
func (h *ApiHandler) FreezeAccount(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminAction(w, r)
	if !ok {
		return
	}

	if err := h.Admin.Freeze(r.Context(), chi.URLParam(r, "accountId"), req.Actor, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnfreezeAccount returns a frozen account to active.
func (h *ApiHandler) UnfreezeAccount(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminAction(w, r)
	if !ok {
		return
	}

	if err := h.Admin.Unfreeze(r.Context(), chi.URLParam(r, "accountId"), req.Actor); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseAccount permanently retires an account with a zero balance.
func (h *ApiHandler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminAction(w, r)
	if !ok {
		return
	}

	if err := h.Admin.Close(r.Context(), chi.URLParam(r, "accountId"), req.Actor); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InspectAccount returns the full account record for operators.
func (h *ApiHandler) InspectAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Admin.Inspect(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

const defaultLedgerLimit = 50

// RecentLedger returns the newest ledger entries for review.
func (h *ApiHandler) RecentLedger(w http.ResponseWriter, r *http.Request) {
	limit := int64(defaultLedgerLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.ParseInt(raw, 10, 32); err != nil || limit <= 0 {
			http.Error(w, "Invalid 'limit' parameter", http.StatusBadRequest)
			return
		}
	}

	entries, err := h.Admin.RecentLedgerEntries(r.Context(), int32(limit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
