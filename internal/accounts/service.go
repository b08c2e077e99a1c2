// Package accounts registers, authenticates and administers user accounts.
package accounts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/auth"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/metrics"
	"github.com/agjmills/hoard/internal/plans"
	"github.com/agjmills/hoard/internal/quota"
	"github.com/agjmills/hoard/internal/storage"
	"github.com/agjmills/hoard/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/maruel/natural"
)

// RegisterInput is a sign-up request.
type RegisterInput struct {
	Username string `json:"username" validate:"required,min=3,max=50,handle"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// AdminUpdate lists what an administrator may change. Nil fields are kept.
type AdminUpdate struct {
	Plan         *models.Plan `json:"plan,omitempty"`
	StorageLimit *float64     `json:"storage_limit,omitempty"`
	IsAdmin      *bool        `json:"is_admin,omitempty"`
}

// RootAccount describes the protected administrator created at startup.
type RootAccount struct {
	Username string
	Password string
	Email    string
}

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// NewValidator returns a validator with the "handle" rule registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handlePattern.MatchString(fl.Field().String())
	})
	return v
}

type Service struct {
	store      store.Store
	catalog    *plans.Catalog
	accountant *quota.Accountant
	backend    storage.StorageBackend
	validate   *validator.Validate
	bcryptCost int
	// dummyHash is compared against on unknown usernames so that login
	// timing does not reveal which handles exist.
	dummyHash string
	now       func() time.Time
}

func NewService(s store.Store, catalog *plans.Catalog, accountant *quota.Accountant, backend storage.StorageBackend, v *validator.Validate, bcryptCost int) (*Service, error) {
	dummy, err := auth.HashPassword("hoard-dummy-password", bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hashing: %w", err)
	}
	return &Service{
		store:      s,
		catalog:    catalog,
		accountant: accountant,
		backend:    backend,
		validate:   v,
		bcryptCost: bcryptCost,
		dummyHash:  dummy,
		now:        time.Now,
	}, nil
}

// Register creates a free account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.Account, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)

	if err := s.validate.Struct(&in); err != nil {
		metrics.RecordRegistration(false)
		return nil, validationError(err)
	}

	account, err := s.create(ctx, in.Username, in.Email, in.Password, models.PlanFree)
	metrics.RecordRegistration(err == nil)
	if err != nil {
		return nil, err
	}
	logger.Info("account registered", "account_id", account.ID, "username", account.Username)
	return account, nil
}

func (s *Service) create(ctx context.Context, username, email, password string, plan models.Plan) (*models.Account, error) {
	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, apperr.Validation("password cannot be used").Wrap(err)
	}

	account := &models.Account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Plan:         plan,
		StorageLimit: s.catalog.Ceiling(plan),
		PlanExpiry:   s.now().AddDate(0, 0, plans.ActivationPeriod),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// Authenticate checks a username and password. Unknown usernames and wrong
// passwords fail identically.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.Account, error) {
	account, err := s.store.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		auth.VerifyPassword(s.dummyHash, password)
		metrics.RecordLogin(false)
		return nil, apperr.ErrInvalidCredentials
	}

	if !auth.VerifyPassword(account.PasswordHash, password) {
		metrics.RecordLogin(false)
		logger.Debug("login failed", "username", account.Username)
		return nil, apperr.ErrInvalidCredentials
	}
	metrics.RecordLogin(true)
	return account, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// List returns every account ordered naturally by username.
func (s *Service) List(ctx context.Context) ([]models.Account, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(accounts, func(i, j int) bool {
		return natural.Less(strings.ToLower(accounts[i].Username), strings.ToLower(accounts[j].Username))
	})
	return accounts, nil
}

func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}

// AdminUpdate changes an account's plan, limit or admin flag. A plan change
// without an explicit limit moves the limit to the plan ceiling and restarts
// the plan period. The protected root can never lose admin rights.
func (s *Service) AdminUpdate(ctx context.Context, targetID string, upd AdminUpdate) (*models.Account, error) {
	var updated *models.Account
	err := s.accountant.Serialize(targetID, func() error {
		target, err := s.store.GetAccount(ctx, targetID)
		if err != nil {
			return err
		}
		if target.Protected && upd.IsAdmin != nil && !*upd.IsAdmin {
			return apperr.ErrProtectedAccount
		}

		change := store.AccountUpdate{IsAdmin: upd.IsAdmin}
		if upd.Plan != nil {
			if !s.catalog.Valid(*upd.Plan) {
				return apperr.ErrInvalidTier
			}
			limit := s.catalog.Ceiling(*upd.Plan)
			expiry := s.now().AddDate(0, 0, plans.ActivationPeriod)
			change.Plan = upd.Plan
			change.StorageLimit = &limit
			change.PlanExpiry = &expiry
		}
		if upd.StorageLimit != nil {
			limit := *upd.StorageLimit
			if limit < 0 || math.IsNaN(limit) || math.IsInf(limit, 0) {
				return apperr.Validation("storage limit must be a non-negative number of MB")
			}
			change.StorageLimit = &limit
		}

		updated, err = s.store.UpdateAccount(ctx, targetID, change)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info("account updated by admin", "account_id", targetID, "plan", updated.Plan,
		"storage_limit", updated.StorageLimit, "is_admin", updated.IsAdmin)
	return updated, nil
}

// AdminDelete removes an account with its files and payments, then deletes
// the stored artifacts. Artifact failures are logged, not returned: the
// records are already gone.
func (s *Service) AdminDelete(ctx context.Context, targetID string) error {
	var paths []string
	err := s.accountant.Serialize(targetID, func() error {
		target, err := s.store.GetAccount(ctx, targetID)
		if err != nil {
			return err
		}
		if target.Protected {
			return apperr.ErrProtectedAccount
		}

		files, err := s.store.ListFiles(ctx, targetID)
		if err != nil {
			return err
		}
		for _, f := range files {
			paths = append(paths, f.StoragePath)
		}
		return s.store.DeleteAccount(ctx, targetID)
	})
	if err != nil {
		return err
	}

	for _, p := range paths {
		if err := s.backend.Delete(ctx, p); err != nil {
			logger.Warn("failed to delete artifact of deleted account", "account_id", targetID, "path", p, "error", err)
		}
	}
	logger.Info("account deleted by admin", "account_id", targetID, "files", len(paths))
	return nil
}

// EnsureRoot provisions the protected administrator if it does not exist.
// Without a configured password a random one is generated and logged once.
func (s *Service) EnsureRoot(ctx context.Context, root RootAccount) (*models.Account, error) {
	existing, err := s.store.GetAccountByUsername(ctx, root.Username)
	if err == nil {
		if !existing.Protected {
			logger.Warn("root username belongs to an unprotected account", "username", root.Username)
		}
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	password := root.Password
	if password == "" {
		password, err = randomPassword()
		if err != nil {
			return nil, err
		}
		logger.Warn("ROOT_PASSWORD not set, generated one; change it after first login",
			"username", root.Username, "password", password)
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash root password: %w", err)
	}
	account := &models.Account{
		ID:           uuid.NewString(),
		Username:     root.Username,
		Email:        root.Email,
		PasswordHash: hash,
		Plan:         models.PlanPremium,
		StorageLimit: s.catalog.Ceiling(models.PlanPremium),
		PlanExpiry:   s.now().AddDate(0, 0, plans.ActivationPeriod),
		IsAdmin:      true,
		Protected:    true,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create root account: %w", err)
	}
	logger.Info("root administrator provisioned", "username", root.Username)
	return account, nil
}

func randomPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate root password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// validationError turns the first failed rule into a client message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Validation("invalid input")
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return apperr.Validation("All fields required")
	case "min":
		return apperr.Validation(fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
	case "max":
		return apperr.Validation(fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
	case "email":
		return apperr.Validation("email is not a valid address")
	case "handle":
		return apperr.Validation(fmt.Sprintf("%s may only contain letters, digits, '.', '_' and '-'", field))
	default:
		return apperr.Validation(fmt.Sprintf("%s is invalid", field))
	}
}
