// Package billing runs the plan upgrade workflow: a payment is initiated for
// a tier, the user claims a UPI transaction, and a completed payment applies
// the tier to the account exactly once.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/metrics"
	"github.com/agjmills/hoard/internal/plans"
	"github.com/agjmills/hoard/internal/quota"
	"github.com/agjmills/hoard/internal/store"
	"github.com/google/uuid"
)

const (
	currency          = "INR"
	maxTransactionLen = 100
	autoVerifier      = "auto"
)

// PaymentIntent tells the client what to pay and where.
type PaymentIntent struct {
	PaymentID string      `json:"payment_id"`
	Plan      models.Plan `json:"plan"`
	PlanName  string      `json:"plan_name"`
	Amount    int64       `json:"amount"`
	Currency  string      `json:"currency"`
	UPIID     string      `json:"upi_id"`
}

// PlanState is the account's plan after a verification attempt.
type PlanState struct {
	Plan          models.Plan          `json:"plan"`
	StorageLimit  float64              `json:"storage_limit"`
	PlanExpiry    time.Time            `json:"plan_expiry"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	AlreadyActive bool                 `json:"already_active"`
}

// ReviewInput is an administrator's verdict on a payment.
type ReviewInput struct {
	Approve       bool
	TransactionID string
	Reviewer      string
	Reason        string
}

type Service struct {
	store      store.Store
	catalog    *plans.Catalog
	accountant *quota.Accountant
	verifier   Verifier
	upiID      string
	now        func() time.Time
	log        *slog.Logger
}

func NewService(s store.Store, catalog *plans.Catalog, accountant *quota.Accountant, verifier Verifier, upiID string) *Service {
	return &Service{
		store:      s,
		catalog:    catalog,
		accountant: accountant,
		verifier:   verifier,
		upiID:      upiID,
		now:        time.Now,
		log:        logger.Component("billing"),
	}
}

// Initiate records a pending payment for tier.
func (s *Service) Initiate(ctx context.Context, accountID string, tier models.Plan) (*PaymentIntent, error) {
	t, ok := s.catalog.Get(tier)
	if !ok || !t.Purchasable() {
		return nil, apperr.ErrInvalidTier
	}

	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Plan == tier {
		return nil, apperr.ErrAlreadyOnTier
	}

	p := &models.Payment{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Plan:      tier,
		Amount:    t.Price,
		Currency:  currency,
		Status:    models.PaymentPending,
		UPIID:     s.upiID,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	metrics.RecordPayment(string(tier), string(models.PaymentPending))
	s.log.Info("payment initiated", "payment_id", p.ID, "account_id", accountID, "plan", tier, "amount", t.Price)

	return &PaymentIntent{
		PaymentID: p.ID,
		Plan:      tier,
		PlanName:  t.Name,
		Amount:    t.Price,
		Currency:  currency,
		UPIID:     s.upiID,
	}, nil
}

// Verify submits a transaction id for the caller's payment. Verifying a
// completed payment again succeeds without changing anything.
func (s *Service) Verify(ctx context.Context, accountID, paymentID, transactionID string) (*PlanState, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, apperr.Validation("transaction id is required")
	}
	if len(transactionID) > maxTransactionLen {
		return nil, apperr.Validation("transaction id is too long")
	}

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.AccountID != accountID {
		return nil, apperr.ErrForbidden
	}

	switch p.Status {
	case models.PaymentCompleted:
		return s.alreadyActive(ctx, p)
	case models.PaymentUnderReview:
		return nil, apperr.ErrPaymentClosed.WithMessage("payment is awaiting review")
	case models.PaymentFailed:
		return nil, apperr.ErrPaymentClosed.WithMessage("payment failed")
	}

	decision, reason, err := s.verifier.Decide(ctx, p, transactionID)
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}
	s.log.Info("payment verification", "payment_id", p.ID, "decision", decision.String())

	switch decision {
	case Approve:
		v := store.Verification{TransactionID: transactionID, VerifiedBy: autoVerifier, VerifiedAt: s.now()}
		return s.complete(ctx, p, models.PaymentPending, v)

	case Review:
		updated, err := s.store.TransitionPayment(ctx, p.ID, models.PaymentPending, models.PaymentUnderReview,
			store.Verification{TransactionID: transactionID})
		if err != nil {
			return s.resolveRace(ctx, p, err)
		}
		metrics.RecordPayment(string(updated.Plan), string(updated.Status))
		acc, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return &PlanState{
			Plan:          acc.Plan,
			StorageLimit:  acc.StorageLimit,
			PlanExpiry:    acc.PlanExpiry,
			PaymentStatus: updated.Status,
		}, nil

	default:
		_, err := s.store.TransitionPayment(ctx, p.ID, models.PaymentPending, models.PaymentFailed,
			store.Verification{TransactionID: transactionID, VerifiedBy: autoVerifier, VerifiedAt: s.now(), Reason: reason})
		if err != nil {
			return s.resolveRace(ctx, p, err)
		}
		metrics.RecordPayment(string(p.Plan), string(models.PaymentFailed))
		return nil, apperr.ErrPaymentClosed.WithMessage("payment rejected")
	}
}

// Review settles a pending or under-review payment on an administrator's
// decision.
func (s *Service) Review(ctx context.Context, paymentID string, in ReviewInput) (*models.Payment, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, paymentClosed(p.Status)
	}

	v := store.Verification{
		TransactionID: strings.TrimSpace(in.TransactionID),
		VerifiedBy:    in.Reviewer,
		VerifiedAt:    s.now(),
		Reason:        in.Reason,
	}

	if !in.Approve {
		updated, err := s.store.TransitionPayment(ctx, p.ID, p.Status, models.PaymentFailed, v)
		if err != nil {
			return nil, err
		}
		metrics.RecordPayment(string(updated.Plan), string(updated.Status))
		s.log.Info("payment rejected", "payment_id", p.ID, "reviewer", in.Reviewer, "reason", in.Reason)
		return updated, nil
	}

	if v.TransactionID == "" {
		v.TransactionID = p.TransactionID
	}
	if v.TransactionID == "" {
		return nil, apperr.Validation("transaction id is required to approve a payment")
	}
	if _, err := s.complete(ctx, p, p.Status, v); err != nil {
		return nil, err
	}
	return s.store.GetPayment(ctx, p.ID)
}

// complete moves p from status from to completed and applies its tier. The
// conditional status update is the only gate, so concurrent callers apply
// the tier at most once.
func (s *Service) complete(ctx context.Context, p *models.Payment, from models.PaymentStatus, v store.Verification) (*PlanState, error) {
	tier, ok := s.catalog.Get(p.Plan)
	if !ok {
		return nil, apperr.ErrInvalidTier
	}
	grant := store.PlanGrant{
		Plan:           p.Plan,
		StorageLimitMB: tier.StorageMB,
		ExpiresAt:      v.VerifiedAt.Add(plans.ActivationPeriod * 24 * time.Hour),
	}

	var (
		payment *models.Payment
		acc     *models.Account
	)
	err := s.accountant.Serialize(p.AccountID, func() error {
		var err error
		payment, acc, err = s.store.CompletePayment(ctx, p.ID, from, v, grant)
		return err
	})
	if err != nil {
		return s.resolveRace(ctx, p, err)
	}

	metrics.RecordPayment(string(payment.Plan), string(payment.Status))
	s.log.Info("plan activated",
		"account_id", acc.ID,
		"payment_id", payment.ID,
		"plan", acc.Plan,
		"storage_limit", acc.StorageLimit,
		"plan_expiry", acc.PlanExpiry,
	)
	return &PlanState{
		Plan:          acc.Plan,
		StorageLimit:  acc.StorageLimit,
		PlanExpiry:    acc.PlanExpiry,
		PaymentStatus: payment.Status,
	}, nil
}

// resolveRace turns losing a concurrent completion into the idempotent
// success a second verification would have seen.
func (s *Service) resolveRace(ctx context.Context, p *models.Payment, err error) (*PlanState, error) {
	if !errors.Is(err, apperr.ErrAlreadyCompleted) {
		return nil, err
	}
	current, gerr := s.store.GetPayment(ctx, p.ID)
	if gerr != nil {
		return nil, gerr
	}
	return s.alreadyActive(ctx, current)
}

func (s *Service) alreadyActive(ctx context.Context, p *models.Payment) (*PlanState, error) {
	acc, err := s.store.GetAccount(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}
	return &PlanState{
		Plan:          acc.Plan,
		StorageLimit:  acc.StorageLimit,
		PlanExpiry:    acc.PlanExpiry,
		PaymentStatus: p.Status,
		AlreadyActive: true,
	}, nil
}

func paymentClosed(status models.PaymentStatus) error {
	if status == models.PaymentCompleted {
		return apperr.ErrAlreadyCompleted
	}
	return apperr.ErrPaymentClosed.WithMessage("payment " + string(status))
}

// ListForAccount returns the account's payments, newest first.
func (s *Service) ListForAccount(ctx context.Context, accountID string) ([]models.Payment, error) {
	return s.store.ListPayments(ctx, store.PaymentFilter{AccountID: accountID})
}

// ListPayments returns every payment, optionally filtered by status.
func (s *Service) ListPayments(ctx context.Context, status models.PaymentStatus) ([]models.Payment, error) {
	switch status {
	case "", models.PaymentPending, models.PaymentUnderReview, models.PaymentCompleted, models.PaymentFailed:
	default:
		return nil, apperr.Validation("unknown payment status")
	}
	return s.store.ListPayments(ctx, store.PaymentFilter{Status: status})
}
