package auth

import (
	"net/http"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/middleware"
)

// RequireAdmin answers 403 unless the authenticated account is an admin.
// It must run after RequireAuth.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := GetAccount(r)
			if account == nil {
				middleware.WriteError(w, r, apperr.ErrNotAuthenticated)
				return
			}
			if !account.IsAdmin {
				middleware.WriteError(w, r, apperr.ErrForbidden.WithMessage("admin access required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
