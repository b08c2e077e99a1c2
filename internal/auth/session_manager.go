package auth

import (
	"net/http"
	"time"

	"github.com/agjmills/hoard/internal/config"
	"github.com/alexedwards/scs/postgresstore"
	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"gorm.io/gorm"
)

const (
	// SessionAccountKey holds the signed-in account id.
	SessionAccountKey = "account_id"

	defaultSessionLifetime = 168 * time.Hour
)

// NewSessionManager creates an scs session manager persisted in the same
// database as the accounts, falling back to memory while it is unreachable.
func NewSessionManager(db *gorm.DB, cfg *config.Config) (*scs.SessionManager, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	lifetime, err := time.ParseDuration(cfg.SessionDuration)
	if err != nil || lifetime <= 0 {
		lifetime = defaultSessionLifetime
	}

	sessionManager := scs.New()
	sessionManager.Lifetime = lifetime
	sessionManager.Cookie.Name = "session_token"
	sessionManager.Cookie.HttpOnly = true
	sessionManager.Cookie.SameSite = http.SameSiteStrictMode
	sessionManager.Cookie.Secure = cfg.Env == "production"

	switch cfg.DBType {
	case "postgres":
		sessionManager.Store = newFallbackSessionStore(postgresstore.New(sqlDB))
	case "sqlite":
		sessionManager.Store = newFallbackSessionStore(sqlite3store.New(sqlDB))
	default:
		// scs.New() already installed its in-memory store.
	}

	return sessionManager, nil
}
