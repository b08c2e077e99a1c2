package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/auth"
	"github.com/agjmills/hoard/internal/billing"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/middleware"
	"github.com/agjmills/hoard/internal/plans"
)

// PlanHandler serves the tier catalog.
type PlanHandler struct {
	catalog *plans.Catalog
}

func NewPlanHandler(catalog *plans.Catalog) *PlanHandler {
	return &PlanHandler{catalog: catalog}
}

type PlansResponse struct {
	Success bool                       `json:"success"`
	Plans   map[models.Plan]plans.Tier `json:"plans"`
}

func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	tiers := make(map[models.Plan]plans.Tier)
	for _, t := range h.catalog.List() {
		tiers[t.Plan] = t
	}
	middleware.WriteJSON(w, http.StatusOK, PlansResponse{Success: true, Plans: tiers})
}

type PaymentHandler struct {
	billing *billing.Service
}

func NewPaymentHandler(billingService *billing.Service) *PaymentHandler {
	return &PaymentHandler{billing: billingService}
}

type InitiateRequest struct {
	Plan models.Plan `json:"plan"`
}

type InitiateResponse struct {
	Success bool `json:"success"`
	*billing.PaymentIntent
	Message string `json:"message"`
}

type VerifyRequest struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
}

type VerifyResponse struct {
	Success bool `json:"success"`
	*billing.PlanState
	Message string `json:"message"`
}

type PaymentsResponse struct {
	Success  bool             `json:"success"`
	Payments []models.Payment `json:"payments"`
	Count    int              `json:"count"`
}

// Initiate opens a pending payment for the requested plan.
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	acc := auth.GetAccount(r)
	var req InitiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	intent, err := h.billing.Initiate(r.Context(), acc.ID, req.Plan)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, InitiateResponse{
		Success:       true,
		PaymentIntent: intent,
		Message:       fmt.Sprintf("Pay ₹%d via UPI to %s", intent.Amount, intent.UPIID),
	})
}

// Verify submits the UPI transaction id for a payment.
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	acc := auth.GetAccount(r)
	var req VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(req.PaymentID) == "" || strings.TrimSpace(req.TransactionID) == "" {
		middleware.WriteError(w, r, apperr.Validation("Payment ID and Transaction ID required"))
		return
	}

	state, err := h.billing.Verify(r.Context(), acc.ID, req.PaymentID, req.TransactionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, VerifyResponse{Success: true, PlanState: state, Message: verifyMessage(state)})
}

func verifyMessage(state *billing.PlanState) string {
	switch {
	case state.AlreadyActive:
		return "Payment already verified"
	case state.PaymentStatus == models.PaymentUnderReview:
		return "Payment submitted. Your plan will be activated once it is reviewed."
	default:
		return fmt.Sprintf("Payment verified! %s plan activated.", strings.ToUpper(string(state.Plan)))
	}
}

// List returns the signed-in account's payments.
func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	acc := auth.GetAccount(r)
	payments, err := h.billing.ListForAccount(r.Context(), acc.ID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, PaymentsResponse{Success: true, Payments: payments, Count: len(payments)})
}
