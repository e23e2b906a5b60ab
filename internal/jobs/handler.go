package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pixelcraft/backend/internal/ledger"
	"github.com/pixelcraft/backend/internal/middleware"
	"github.com/pixelcraft/backend/internal/models"
	"github.com/pixelcraft/backend/internal/services"
)

// Request/response structs use camelCase JSON.

type BalanceResponse struct {
	UserID      string `json:"userId"`
	Balance     int64  `json:"balance"`
	Reserved    int64  `json:"reserved"`
	TotalEarned int64  `json:"totalEarned"`
	TotalSpent  int64  `json:"totalSpent"`
}

type OperationResponse struct {
	Type        string `json:"type"`
	Cost        int64  `json:"cost"`
	MaxAttempts int    `json:"maxAttempts"`
}

type GrantRequest struct {
	UserID    string          `json:"userId"`
	Amount    int64           `json:"amount"`
	Reference string          `json:"reference"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type ReserveRequest struct {
	UserID        string          `json:"userId"`
	Amount        int64           `json:"amount"`
	OperationType string          `json:"operationType"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

type TransactionResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status,omitempty"`
}

type Handler struct {
	svc       Service
	ledger    ledger.Service
	status    services.StatusService
	validator *services.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, led ledger.Service, status services.StatusService, validator *services.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, ledger: led, status: status, validator: validator, log: log}
}

// Submit handles POST /v1/jobs.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.OperationType == "" {
		writeError(w, http.StatusBadRequest, "operationType is required")
		return
	}
	res, err := h.svc.Submit(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// Get handles GET /v1/jobs/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Status(r.Context(), middleware.UserIDFromCtx(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Cancel handles POST /v1/jobs/{id}/cancel and DELETE /v1/jobs/{id}.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Cancel(r.Context(), middleware.UserIDFromCtx(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Balance handles GET /v1/credits/balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	acc, err := h.ledger.Account(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:      userID,
		Balance:     acc.Balance,
		Reserved:    acc.Reserved,
		TotalEarned: acc.TotalEarned,
		TotalSpent:  acc.TotalSpent,
	})
}

// Operations handles GET /v1/operations.
func (h *Handler) Operations(w http.ResponseWriter, r *http.Request) {
	ops := h.validator.Operations()
	resp := make([]OperationResponse, 0, len(ops))
	for _, op := range ops {
		resp = append(resp, OperationResponse{Type: op.Type, Cost: op.Cost, MaxAttempts: op.MaxAttempts})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Capacity handles GET /v1/admin/capacity.
func (h *Handler) Capacity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.GetCapacitySnapshot(r.Context()))
}

// Grant handles POST /v1/credits/grants, the payment collaborator's path.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" || req.Reference == "" {
		writeError(w, http.StatusBadRequest, "userId and reference are required")
		return
	}
	txID, err := h.ledger.Grant(r.Context(), ledger.GrantRequest{
		UserID:    req.UserID,
		Amount:    req.Amount,
		Reference: req.Reference,
		Source:    req.Source,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.log.Info("credits granted", "user_id", req.UserID, "amount", req.Amount, "reference", req.Reference)
	writeJSON(w, http.StatusCreated, TransactionResponse{TransactionID: txID, Status: models.CreditTxConfirmed})
}

// AdminReserve handles POST /v1/admin/credits/reserve.
func (h *Handler) AdminReserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.OperationType == "" {
		req.OperationType = "manual_adjustment"
	}
	txID, err := h.ledger.Reserve(r.Context(), req.UserID, req.Amount, req.OperationType, req.Metadata)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.log.Info("manual reservation", "admin", middleware.UserIDFromCtx(r.Context()), "user_id", req.UserID,
		"amount", req.Amount, "transaction_id", txID)
	writeJSON(w, http.StatusCreated, TransactionResponse{TransactionID: txID, Status: models.CreditTxPending})
}

// AdminConfirm handles POST /v1/admin/credits/{txId}/confirm.
func (h *Handler) AdminConfirm(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.ledger.Confirm, models.CreditTxConfirmed)
}

// AdminRefund handles POST /v1/admin/credits/{txId}/refund.
func (h *Handler) AdminRefund(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.ledger.Refund, models.CreditTxRefunded)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, txID string) error, status string) {
	txID := r.PathValue("txId")
	if err := fn(r.Context(), txID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.log.Info("manual settlement", "admin", middleware.UserIDFromCtx(r.Context()), "transaction_id", txID, "status", status)
	writeJSON(w, http.StatusOK, TransactionResponse{TransactionID: txID, Status: status})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrReservedOperation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, ledger.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, ledger.ErrAlreadySettled), errors.Is(err, ledger.ErrNotReservation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		h.log.Error("request failed", "error", err)
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
