package handlers

import (
	"net/http"

	"github.com/agjmills/hoard/internal/accounts"
	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/auth"
	"github.com/agjmills/hoard/internal/billing"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/files"
	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/middleware"
	"github.com/agjmills/hoard/internal/store"
	"github.com/go-chi/chi/v5"
)

type AdminHandler struct {
	accounts *accounts.Service
	files    *files.Service
	billing  *billing.Service
}

func NewAdminHandler(accountService *accounts.Service, fileService *files.Service, billingService *billing.Service) *AdminHandler {
	return &AdminHandler{
		accounts: accountService,
		files:    fileService,
		billing:  billingService,
	}
}

type StatsResponse struct {
	Success bool         `json:"success"`
	Stats   *store.Stats `json:"stats"`
}

type AccountsResponse struct {
	Success  bool             `json:"success"`
	Accounts []models.Account `json:"accounts"`
	Count    int              `json:"count"`
}

// UpdateAccountRequest carries the fields to change; absent fields are kept.
type UpdateAccountRequest struct {
	Plan         *models.Plan `json:"plan"`
	StorageLimit *float64     `json:"storage_limit"`
	IsAdmin      *bool        `json:"is_admin"`
}

type ReviewRequest struct {
	Approve       bool   `json:"approve"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

type PaymentResponse struct {
	Success bool            `json:"success"`
	Payment *models.Payment `json:"payment"`
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.accounts.Stats(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, StatsResponse{Success: true, Stats: stats})
}

func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.accounts.List(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, AccountsResponse{Success: true, Accounts: list, Count: len(list)})
}

func (h *AdminHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req UpdateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if req.Plan == nil && req.StorageLimit == nil && req.IsAdmin == nil {
		middleware.WriteError(w, r, apperr.Validation("Nothing to update"))
		return
	}

	admin := auth.GetAccount(r)
	targetID := chi.URLParam(r, "id")
	acc, err := h.accounts.AdminUpdate(r.Context(), targetID, accounts.AdminUpdate{
		Plan:         req.Plan,
		StorageLimit: req.StorageLimit,
		IsAdmin:      req.IsAdmin,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	logger.Info("admin updated account", "admin", admin.Username, "target_id", targetID)
	middleware.WriteJSON(w, http.StatusOK, AccountResponse{Success: true, Message: "Account updated", User: acc})
}

func (h *AdminHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	admin := auth.GetAccount(r)
	targetID := chi.URLParam(r, "id")
	if targetID == admin.ID {
		middleware.WriteError(w, r, apperr.Validation("Cannot delete your own account"))
		return
	}

	if err := h.accounts.AdminDelete(r.Context(), targetID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	logger.Info("admin deleted account", "admin", admin.Username, "target_id", targetID)
	middleware.WriteJSON(w, http.StatusOK, Message{Success: true, Message: "Account deleted"})
}

func (h *AdminHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	admin := auth.GetAccount(r)
	fileID := chi.URLParam(r, "id")
	summary, err := h.files.AdminDelete(r.Context(), fileID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	logger.Info("admin deleted file", "admin", admin.Username, "file_id", fileID)
	middleware.WriteJSON(w, http.StatusOK, StorageResponse{Success: true, Message: "File deleted", Storage: summary})
}

// ListPayments filters by ?status= when given.
func (h *AdminHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	status := models.PaymentStatus(r.URL.Query().Get("status"))
	payments, err := h.billing.ListPayments(r.Context(), status)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, PaymentsResponse{Success: true, Payments: payments, Count: len(payments)})
}

func (h *AdminHandler) ReviewPayment(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	admin := auth.GetAccount(r)
	p, err := h.billing.Review(r.Context(), chi.URLParam(r, "id"), billing.ReviewInput{
		Approve:       req.Approve,
		TransactionID: req.TransactionID,
		Reviewer:      admin.Username,
		Reason:        req.Reason,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, PaymentResponse{Success: true, Payment: p})
}
