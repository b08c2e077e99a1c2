package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/middleware"
	"github.com/alexedwards/scs/v2"
)

type contextKey string

const AccountContextKey contextKey = "account"

// AccountLoader resolves the account behind a session.
type AccountLoader interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// RequireAuth rejects requests without a live session with 401. A session
// pointing at a deleted account is destroyed.
func RequireAuth(loader AccountLoader, sm *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account, err := loadAccount(r, loader, sm)
			if err != nil {
				middleware.WriteError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), AccountContextKey, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth attaches the account when a session exists and otherwise
// lets the request through unchanged.
func OptionalAuth(loader AccountLoader, sm *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if account, err := loadAccount(r, loader, sm); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), AccountContextKey, account))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loadAccount(r *http.Request, loader AccountLoader, sm *scs.SessionManager) (*models.Account, error) {
	id := sm.GetString(r.Context(), SessionAccountKey)
	if id == "" {
		return nil, apperr.ErrNotAuthenticated
	}

	account, err := loader.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			if destroyErr := sm.Destroy(r.Context()); destroyErr != nil {
				logger.Warn("failed to destroy stale session", "error", destroyErr)
			}
			return nil, apperr.ErrNotAuthenticated
		}
		return nil, err
	}
	return account, nil
}

// GetAccount returns the authenticated account, or nil.
func GetAccount(r *http.Request) *models.Account {
	account, _ := r.Context().Value(AccountContextKey).(*models.Account)
	return account
}
