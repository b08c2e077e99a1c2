package handlers

import (
	"net/http"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/middleware"
	"github.com/go-playground/validator/v10"
)

// SupportHandler accepts contact requests and records them in the log for
// operators to pick up.
type SupportHandler struct {
	validate *validator.Validate
}

func NewSupportHandler(v *validator.Validate) *SupportHandler {
	return &SupportHandler{validate: v}
}

type SupportRequest struct {
	Name    string `json:"name" validate:"required,max=100"`
	Email   string `json:"email" validate:"required,email,max=255"`
	Subject string `json:"subject" validate:"required,max=200"`
	Message string `json:"message" validate:"required,max=5000"`
}

func (h *SupportHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SupportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		middleware.WriteError(w, r, apperr.Validation("All fields required, with a valid email"))
		return
	}

	logger.Info("support request received",
		"name", req.Name,
		"email", req.Email,
		"subject", req.Subject,
		"message", req.Message,
	)
	middleware.WriteJSON(w, http.StatusOK, Message{Success: true, Message: "Support request received"})
}
