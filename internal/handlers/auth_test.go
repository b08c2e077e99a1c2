package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agjmills/hoard/internal/database/models"
)

func TestAuthHandler_Register(t *testing.T) {
	tests := []struct {
		name       string
		disabled   bool
		body       any
		rawBody    string
		wantStatus int
		wantCode   string
		wantCookie bool
	}{
		{
			name:       "valid registration",
			body:       RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "secret1"},
			wantStatus: http.StatusCreated,
			wantCookie: true,
		},
		{
			name:       "registration disabled",
			disabled:   true,
			body:       RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "secret1"},
			wantStatus: http.StatusForbidden,
			wantCode:   "registration_disabled",
		},
		{
			name:       "missing fields",
			body:       RegisterRequest{Username: "alice"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_input",
		},
		{
			name:       "short password",
			body:       RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "abc"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_input",
		},
		{
			name:       "malformed body",
			rawBody:    "{not json",
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "sandbox")
			env.cfg.EnableRegistration = !tt.disabled
			h := NewAuthHandler(env.accounts, env.cfg, env.sessions)

			var req *http.Request
			if tt.rawBody != "" {
				req = httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(tt.rawBody))
			} else {
				req = jsonRequest(t, http.MethodPost, "/api/register", tt.body)
			}
			rec := httptest.NewRecorder()
			env.sessions.LoadAndSave(http.HandlerFunc(h.Register)).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				if body := decode[errorBody](t, rec); body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
			}
			if hasCookie := len(rec.Result().Cookies()) > 0; hasCookie != tt.wantCookie {
				t.Errorf("session cookie set = %v, want %v", hasCookie, tt.wantCookie)
			}
		})
	}
}

func TestAuthHandler_RegisterDuplicate(t *testing.T) {
	env := newTestEnv(t, "sandbox")
	env.register(t, "alice")
	h := NewAuthHandler(env.accounts, env.cfg, env.sessions)

	rec := httptest.NewRecorder()
	req := jsonRequest(t, http.MethodPost, "/api/register",
		RegisterRequest{Username: "alice", Email: "other@example.com", Password: "secret1"})
	env.sessions.LoadAndSave(http.HandlerFunc(h.Register)).ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Code != "duplicate_handle" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestAuthHandler_RegisterDefaults(t *testing.T) {
	env := newTestEnv(t, "sandbox")
	h := NewAuthHandler(env.accounts, env.cfg, env.sessions)

	rec := httptest.NewRecorder()
	req := jsonRequest(t, http.MethodPost, "/api/register",
		RegisterRequest{Username: "bob", Email: "bob@example.com", Password: "secret1"})
	env.sessions.LoadAndSave(http.HandlerFunc(h.Register)).ServeHTTP(rec, req)

	resp := decode[AccountResponse](t, rec)
	if !resp.Success || resp.User == nil {
		t.Fatalf("response = %+v", resp)
	}
	if resp.User.Plan != models.PlanFree || resp.User.StorageLimit != 100 || resp.User.StorageUsed != 0 {
		t.Errorf("new account = %+v", resp.User)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Error("password hash leaked into the response")
	}
}

func TestAuthHandler_Login(t *testing.T) {
	env := newTestEnv(t, "sandbox")
	env.register(t, "alice")
	h := NewAuthHandler(env.accounts, env.cfg, env.sessions)

	tests := []struct {
		name       string
		body       LoginRequest
		wantStatus int
		wantCode   string
	}{
		{name: "valid credentials", body: LoginRequest{Username: "alice", Password: "password123"}, wantStatus: http.StatusOK},
		{name: "wrong password", body: LoginRequest{Username: "alice", Password: "nope"}, wantStatus: http.StatusUnauthorized, wantCode: "invalid_credentials"},
		{name: "unknown user", body: LoginRequest{Username: "mallory", Password: "password123"}, wantStatus: http.StatusUnauthorized, wantCode: "invalid_credentials"},
		{name: "missing password", body: LoginRequest{Username: "alice"}, wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.sessions.LoadAndSave(http.HandlerFunc(h.Login)).ServeHTTP(rec,
				jsonRequest(t, http.MethodPost, "/api/login", tt.body))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				if body := decode[errorBody](t, rec); body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
				return
			}
			if len(rec.Result().Cookies()) == 0 {
				t.Error("expected a session cookie")
			}
			if resp := decode[AccountResponse](t, rec); resp.User.Username != "alice" {
				t.Errorf("user = %+v", resp.User)
			}
		})
	}
}

func TestAuthHandler_UserAndLogout(t *testing.T) {
	env := newTestEnv(t, "sandbox")
	acc := env.register(t, "alice")
	h := NewAuthHandler(env.accounts, env.cfg, env.sessions)

	rec := route(http.MethodGet, "/api/user", h.User, acc, httptest.NewRequest(http.MethodGet, "/api/user", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decode[AccountResponse](t, rec); resp.User.ID != acc.ID {
		t.Errorf("user id = %q, want %q", resp.User.ID, acc.ID)
	}

	rec = route(http.MethodGet, "/api/user", h.User, nil, httptest.NewRequest(http.MethodGet, "/api/user", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.sessions.LoadAndSave(http.HandlerFunc(h.Logout)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/logout", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("logout status = %d, want 200", rec.Code)
	}
}
