package accounts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/config"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/plans"
	"github.com/agjmills/hoard/internal/quota"
	"github.com/agjmills/hoard/internal/storage"
	"github.com/agjmills/hoard/internal/store"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	backend *storage.MemoryBackend
}

func setup(t *testing.T) fixture {
	t.Helper()
	s := store.NewMemoryStore()
	catalog := plans.NewCatalog(&config.Config{
		MaxFileSizeFree:    100 << 20,
		MaxFileSizeBasic:   500 << 20,
		MaxFileSizePremium: 2 << 30,
	})
	backend := storage.NewMemoryBackend()
	svc, err := NewService(s, catalog, quota.NewAccountant(s, catalog), backend, NewValidator(), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	svc.now = func() time.Time { return fixedNow }
	return fixture{svc: svc, store: s, backend: backend}
}

func register(t *testing.T, f fixture, username string) *models.Account {
	t.Helper()
	acc, err := f.svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "correct-horse",
	})
	if err != nil {
		t.Fatalf("Register(%q) error = %v", username, err)
	}
	return acc
}

func ensureRoot(t *testing.T, f fixture) *models.Account {
	t.Helper()
	root, err := f.svc.EnsureRoot(context.Background(), RootAccount{Username: "root", Password: "rootpass", Email: "root@localhost"})
	if err != nil {
		t.Fatalf("EnsureRoot() error = %v", err)
	}
	return root
}

func TestRegister(t *testing.T) {
	f := setup(t)
	acc := register(t, f, "alice")

	if acc.Plan != models.PlanFree {
		t.Errorf("Plan = %s, want free", acc.Plan)
	}
	if acc.StorageLimit != 100 || acc.StorageUsed != 0 || acc.TotalFiles != 0 {
		t.Errorf("counters = limit %.0f used %.0f files %d", acc.StorageLimit, acc.StorageUsed, acc.TotalFiles)
	}
	if want := fixedNow.AddDate(0, 0, 30); !acc.PlanExpiry.Equal(want) {
		t.Errorf("PlanExpiry = %v, want %v", acc.PlanExpiry, want)
	}
	if acc.PasswordHash == "correct-horse" || acc.PasswordHash == "" {
		t.Error("password must be stored hashed")
	}
	if acc.IsAdmin || acc.Protected {
		t.Error("new accounts must not be admins")
	}
}

func TestRegister_Validation(t *testing.T) {
	f := setup(t)
	register(t, f, "taken")

	tests := []struct {
		name    string
		in      RegisterInput
		wantErr error
		wantMsg string
	}{
		{name: "missing password", in: RegisterInput{Username: "bob", Email: "bob@example.com"},
			wantErr: apperr.ErrInvalidInput, wantMsg: "All fields required"},
		{name: "blank username", in: RegisterInput{Username: "   ", Email: "bob@example.com", Password: "secret1"},
			wantErr: apperr.ErrInvalidInput},
		{name: "short username", in: RegisterInput{Username: "bo", Email: "bob@example.com", Password: "secret1"},
			wantErr: apperr.ErrInvalidInput, wantMsg: "username must be at least 3 characters"},
		{name: "slash in username", in: RegisterInput{Username: "bob/../x", Email: "bob@example.com", Password: "secret1"},
			wantErr: apperr.ErrInvalidInput},
		{name: "bad email", in: RegisterInput{Username: "bob", Email: "not-an-email", Password: "secret1"},
			wantErr: apperr.ErrInvalidInput},
		{name: "short password", in: RegisterInput{Username: "bob", Email: "bob@example.com", Password: "12345"},
			wantErr: apperr.ErrInvalidInput},
		{name: "duplicate handle", in: RegisterInput{Username: "taken", Email: "other@example.com", Password: "secret1"},
			wantErr: apperr.ErrDuplicateHandle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Register() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				if msg, _ := apperr.Public(err); msg != tt.wantMsg {
					t.Errorf("message = %q, want %q", msg, tt.wantMsg)
				}
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	f := setup(t)
	acc := register(t, f, "alice")
	ctx := context.Background()

	got, err := f.svc.Authenticate(ctx, "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ID != acc.ID {
		t.Errorf("authenticated %s, want %s", got.ID, acc.ID)
	}

	for _, tc := range []struct{ user, pass string }{
		{"alice", "wrong"},
		{"nobody", "correct-horse"},
		{"", ""},
	} {
		if _, err := f.svc.Authenticate(ctx, tc.user, tc.pass); !errors.Is(err, apperr.ErrInvalidCredentials) {
			t.Errorf("Authenticate(%q) error = %v, want ErrInvalidCredentials", tc.user, err)
		}
	}
}

func TestList_NaturalOrder(t *testing.T) {
	f := setup(t)
	for _, name := range []string{"user10", "user2", "User1", "alice"} {
		register(t, f, name)
	}

	list, err := f.svc.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var got []string
	for _, a := range list {
		got = append(got, a.Username)
	}
	if want := "alice,User1,user2,user10"; strings.Join(got, ",") != want {
		t.Errorf("order = %v, want %s", got, want)
	}
}

func TestEnsureRoot(t *testing.T) {
	f := setup(t)
	root := ensureRoot(t, f)

	if !root.Protected || !root.IsAdmin || root.Plan != models.PlanPremium || root.StorageLimit != 10240 {
		t.Errorf("root = %+v", root)
	}

	again := ensureRoot(t, f)
	if again.ID != root.ID {
		t.Error("EnsureRoot must not create a second root")
	}
	if _, err := f.svc.Authenticate(context.Background(), "root", "rootpass"); err != nil {
		t.Errorf("root login failed: %v", err)
	}
}

func TestEnsureRoot_GeneratesPassword(t *testing.T) {
	f := setup(t)
	root, err := f.svc.EnsureRoot(context.Background(), RootAccount{Username: "admin", Email: "admin@localhost"})
	if err != nil {
		t.Fatalf("EnsureRoot() error = %v", err)
	}
	if root.PasswordHash == "" {
		t.Error("expected a generated password hash")
	}
}

func TestAdminUpdate_ProtectedRoot(t *testing.T) {
	f := setup(t)
	root := ensureRoot(t, f)
	ctx := context.Background()

	demote := false
	_, err := f.svc.AdminUpdate(ctx, root.ID, AdminUpdate{IsAdmin: &demote})
	if !errors.Is(err, apperr.ErrProtectedAccount) {
		t.Fatalf("AdminUpdate(root, isAdmin=false) error = %v, want ErrProtectedAccount", err)
	}

	// Rejected before any mutation, even when combined with other fields.
	basic := models.PlanBasic
	_, err = f.svc.AdminUpdate(ctx, root.ID, AdminUpdate{Plan: &basic, IsAdmin: &demote})
	if !errors.Is(err, apperr.ErrProtectedAccount) {
		t.Fatalf("combined update error = %v, want ErrProtectedAccount", err)
	}
	got, _ := f.svc.Get(ctx, root.ID)
	if !got.IsAdmin || got.Plan != models.PlanPremium {
		t.Errorf("root was mutated: %+v", got)
	}

	if err := f.svc.AdminDelete(ctx, root.ID); !errors.Is(err, apperr.ErrProtectedAccount) {
		t.Errorf("AdminDelete(root) error = %v, want ErrProtectedAccount", err)
	}
}

func TestAdminUpdate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	basic := models.PlanBasic
	bogus := models.Plan("platinum")
	promote := true
	limit := 250.0
	negative := -1.0

	tests := []struct {
		name      string
		upd       AdminUpdate
		wantErr   error
		wantPlan  models.Plan
		wantLimit float64
		wantAdmin bool
	}{
		{name: "plan change moves limit to ceiling", upd: AdminUpdate{Plan: &basic}, wantPlan: models.PlanBasic, wantLimit: 1024},
		{name: "explicit limit wins over plan ceiling", upd: AdminUpdate{Plan: &basic, StorageLimit: &limit}, wantPlan: models.PlanBasic, wantLimit: 250},
		{name: "promote to admin", upd: AdminUpdate{IsAdmin: &promote}, wantPlan: models.PlanFree, wantLimit: 100, wantAdmin: true},
		{name: "unknown plan", upd: AdminUpdate{Plan: &bogus}, wantErr: apperr.ErrInvalidTier},
		{name: "negative limit", upd: AdminUpdate{StorageLimit: &negative}, wantErr: apperr.ErrInvalidInput},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := register(t, f, "member"+string(rune('a'+i)))
			got, err := f.svc.AdminUpdate(ctx, acc.ID, tt.upd)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AdminUpdate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if got.Plan != tt.wantPlan || got.StorageLimit != tt.wantLimit || got.IsAdmin != tt.wantAdmin {
				t.Errorf("got plan=%s limit=%.0f admin=%v", got.Plan, got.StorageLimit, got.IsAdmin)
			}
		})
	}

	if _, err := f.svc.AdminUpdate(ctx, uuid.NewString(), AdminUpdate{IsAdmin: &promote}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown account error = %v, want ErrNotFound", err)
	}
}

func TestAdminUpdate_LimitBelowUsage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	acc := register(t, f, "hoarder")
	if _, err := f.store.AdjustUsage(ctx, acc.ID, 80, 1); err != nil {
		t.Fatalf("AdjustUsage() error = %v", err)
	}

	limit := 50.0
	if _, err := f.svc.AdminUpdate(ctx, acc.ID, AdminUpdate{StorageLimit: &limit}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestAdminDelete_CascadesAndRemovesArtifacts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	acc := register(t, f, "leaving")

	key := storage.Key(acc.ID, "1-abc-notes.txt")
	if _, err := f.backend.Save(ctx, strings.NewReader("notes"), storage.SaveOptions{Key: key}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	file := &models.FileRecord{
		ID: uuid.NewString(), AccountID: acc.ID, StoredName: "1-abc-notes.txt", OriginalName: "notes.txt",
		SizeBytes: 5, StoragePath: key, Metadata: datatypes.NewJSONType(map[string]string{}),
	}
	if err := f.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	payment := &models.Payment{ID: uuid.NewString(), AccountID: acc.ID, Plan: models.PlanBasic, Amount: 99, Status: models.PaymentPending}
	if err := f.store.CreatePayment(ctx, payment); err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}

	if err := f.svc.AdminDelete(ctx, acc.ID); err != nil {
		t.Fatalf("AdminDelete() error = %v", err)
	}

	if _, err := f.svc.Get(ctx, acc.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("account still present: %v", err)
	}
	if _, err := f.store.GetFile(ctx, file.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("file record still present: %v", err)
	}
	if _, err := f.store.GetPayment(ctx, payment.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("payment still present: %v", err)
	}
	if f.backend.FileCount() != 0 {
		t.Errorf("artifacts left behind: %d", f.backend.FileCount())
	}

	if err := f.svc.AdminDelete(ctx, acc.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}
