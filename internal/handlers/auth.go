package handlers

import (
	"net/http"
	"strings"

	"github.com/agjmills/hoard/internal/accounts"
	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/auth"
	"github.com/agjmills/hoard/internal/config"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/middleware"
	"github.com/alexedwards/scs/v2"
)

type AuthHandler struct {
	accounts       *accounts.Service
	cfg            *config.Config
	sessionManager *scs.SessionManager
}

func NewAuthHandler(accountService *accounts.Service, cfg *config.Config, sessionManager *scs.SessionManager) *AuthHandler {
	return &AuthHandler{
		accounts:       accountService,
		cfg:            cfg,
		sessionManager: sessionManager,
	}
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AccountResponse wraps the signed-in account.
type AccountResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	User    *models.Account `json:"user"`
}

var errRegistrationDisabled = &apperr.Error{
	Kind:    apperr.KindForbidden,
	Code:    "registration_disabled",
	Message: "Registration is disabled",
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.EnableRegistration {
		middleware.WriteError(w, r, errRegistrationDisabled)
		return
	}

	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	acc, err := h.accounts.Register(r.Context(), accounts.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if err := h.startSession(r, acc.ID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, AccountResponse{Success: true, Message: "Account created!", User: acc})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		middleware.WriteError(w, r, apperr.Validation("Username and password required"))
		return
	}

	acc, err := h.accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if err := h.startSession(r, acc.ID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, AccountResponse{Success: true, Message: "Login successful!", User: acc})
}

// startSession issues a fresh session token so a pre-login token cannot be
// reused.
func (h *AuthHandler) startSession(r *http.Request, accountID string) error {
	if err := h.sessionManager.RenewToken(r.Context()); err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	h.sessionManager.Put(r.Context(), auth.SessionAccountKey, accountID)
	return nil
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionManager.Destroy(r.Context()); err != nil {
		middleware.WriteError(w, r, apperr.ErrInternal.Wrap(err))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, Message{Success: true, Message: "Logged out"})
}

// User returns the signed-in account.
func (h *AuthHandler) User(w http.ResponseWriter, r *http.Request) {
	acc := auth.GetAccount(r)
	if acc == nil {
		middleware.WriteError(w, r, apperr.ErrNotAuthenticated)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, AccountResponse{Success: true, User: acc})
}
