package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agjmills/hoard/internal/accounts"
	"github.com/agjmills/hoard/internal/auth"
	"github.com/agjmills/hoard/internal/billing"
	"github.com/agjmills/hoard/internal/config"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/files"
	"github.com/agjmills/hoard/internal/plans"
	"github.com/agjmills/hoard/internal/quota"
	"github.com/agjmills/hoard/internal/storage"
	"github.com/agjmills/hoard/internal/store"
	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

const mb = 1 << 20

type testEnv struct {
	cfg      *config.Config
	store    *store.MemoryStore
	backend  *storage.MemoryBackend
	catalog  *plans.Catalog
	sessions *scs.SessionManager
	accounts *accounts.Service
	files    *files.Service
	billing  *billing.Service
}

func newTestEnv(t *testing.T, paymentMode string) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Env:                "test",
		BaseURL:            "http://localhost:8080",
		MaxUploadSize:      10 * mb,
		MaxFileSizeFree:    1 * mb,
		MaxFileSizeBasic:   5 * mb,
		MaxFileSizePremium: 10 * mb,
		BcryptCost:         bcrypt.MinCost,
		EnableRegistration: true,
		PaymentMode:        paymentMode,
		UPIID:              "hoard@upi",
	}

	s := store.NewMemoryStore()
	catalog := plans.NewCatalog(cfg)
	accountant := quota.NewAccountant(s, catalog)
	backend := storage.NewMemoryBackend()

	accountService, err := accounts.NewService(s, catalog, accountant, backend, accounts.NewValidator(), cfg.BcryptCost)
	if err != nil {
		t.Fatalf("accounts.NewService() error = %v", err)
	}

	return &testEnv{
		cfg:      cfg,
		store:    s,
		backend:  backend,
		catalog:  catalog,
		sessions: scs.New(),
		accounts: accountService,
		files:    files.NewService(s, catalog, accountant, backend, cfg.BaseURL),
		billing:  billing.NewService(s, catalog, accountant, billing.NewVerifier(cfg), cfg.UPIID),
	}
}

func (e *testEnv) register(t *testing.T, username string) *models.Account {
	t.Helper()
	acc, err := e.accounts.Register(context.Background(), accounts.RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", username, err)
	}
	return acc
}

func (e *testEnv) root(t *testing.T) *models.Account {
	t.Helper()
	acc, err := e.accounts.EnsureRoot(context.Background(), accounts.RootAccount{
		Username: "root", Password: "rootpass", Email: "root@example.com",
	})
	if err != nil {
		t.Fatalf("EnsureRoot() error = %v", err)
	}
	return acc
}

// route serves one request through a chi router so URL parameters resolve.
// A non-nil acc is placed in the request context as the signed-in account.
func route(method, pattern string, h http.HandlerFunc, acc *models.Account, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if acc != nil {
				r = r.WithContext(context.WithValue(r.Context(), auth.AccountContextKey, acc))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Method(method, pattern, h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return v
}

// errorBody mirrors middleware.ErrorBody for assertions.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}
