// Package store persists accounts, file records and payments. GormStore is
// the durable implementation, MemoryStore the in-process one, and
// FallbackStore routes between the two when the database is unreachable.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/database/models"
)

// quotaEpsilon absorbs float rounding when a reservation lands exactly on
// the limit.
const quotaEpsilon = 1e-9

// Store is implemented by every backing store. All failures are *apperr.Error
// values; infrastructure failures carry apperr.KindUnavailable.
type Store interface {
	Ping(ctx context.Context) error

	CreateAccount(ctx context.Context, acc *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	UpdateAccount(ctx context.Context, id string, upd AccountUpdate) (*models.Account, error)
	// DeleteAccount removes the account with its files and payments.
	DeleteAccount(ctx context.Context, id string) error
	// AdjustUsage applies deltas to the storage counters. A positive deltaMB
	// succeeds only while storage_used stays within storage_limit; negative
	// deltas clamp at zero.
	AdjustUsage(ctx context.Context, id string, deltaMB float64, deltaFiles int) (*models.Account, error)
	SetUsage(ctx context.Context, id string, u Usage) (*models.Account, error)
	// ComputeUsage sums the account's file records.
	ComputeUsage(ctx context.Context, id string) (Usage, error)

	CreateFile(ctx context.Context, f *models.FileRecord) error
	GetFile(ctx context.Context, id string) (*models.FileRecord, error)
	GetFileByStoredName(ctx context.Context, accountID, storedName string) (*models.FileRecord, error)
	// ListFiles returns the account's files, newest first.
	ListFiles(ctx context.Context, accountID string) ([]models.FileRecord, error)
	DeleteFile(ctx context.Context, id string) error
	// AdmitFile reserves the file's size against its owner's quota and
	// creates the record in one unit. Nothing is written when the quota
	// would be exceeded.
	AdmitFile(ctx context.Context, f *models.FileRecord) (*models.Account, error)
	// ReleaseFile removes the record and credits its size back to the owner
	// in one unit, clamping the counters at zero.
	ReleaseFile(ctx context.Context, id string) (*models.FileRecord, *models.Account, error)
	IncrementDownloads(ctx context.Context, id string) error

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	// ListPayments returns payments matching filter, newest first.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error)
	// CompletePayment moves a payment from status from to completed and
	// applies grant to its account in one unit. It fails with a conflict
	// if the payment is no longer in from.
	CompletePayment(ctx context.Context, id string, from models.PaymentStatus, v Verification, grant PlanGrant) (*models.Payment, *models.Account, error)
	// TransitionPayment moves a payment from status from to status to.
	TransitionPayment(ctx context.Context, id string, from, to models.PaymentStatus, v Verification) (*models.Payment, error)

	Stats(ctx context.Context) (*Stats, error)
}

// AccountUpdate lists the fields an administrator may change. Nil fields
// are left alone.
type AccountUpdate struct {
	Plan         *models.Plan
	StorageLimit *float64
	PlanExpiry   *time.Time
	IsAdmin      *bool
}

// Usage is what an account's counters should read.
type Usage struct {
	StorageMB  float64
	TotalFiles int
}

// PlanGrant is applied to an account when a payment completes.
type PlanGrant struct {
	Plan           models.Plan
	StorageLimitMB float64
	ExpiresAt      time.Time
}

// Verification is stamped onto a payment when it changes status.
type Verification struct {
	TransactionID string
	VerifiedBy    string
	VerifiedAt    time.Time
	Reason        string
}

type PaymentFilter struct {
	AccountID string
	Status    models.PaymentStatus
}

// Stats feeds the admin dashboard.
type Stats struct {
	TotalAccounts     int64            `json:"total_users"`
	TotalFiles        int64            `json:"total_files"`
	CompletedPayments int64            `json:"total_payments"`
	Revenue           int64            `json:"total_revenue"`
	StorageUsedMB     float64          `json:"total_storage_used"`
	RecentAccounts    []models.Account `json:"recent_users"`
	RecentPayments    []models.Payment `json:"recent_payments"`
}

const recentLimit = 10

func quotaExceeded(acc *models.Account) error {
	return apperr.ErrQuotaExceeded.WithMessage(
		fmt.Sprintf("Storage full! %.2f MB left. Upgrade plan.", acc.StorageRemaining()))
}

func limitBelowUsage(acc *models.Account) error {
	return apperr.Validation(
		fmt.Sprintf("storage limit cannot be below current usage (%.2f MB)", acc.StorageUsed))
}

func paymentConflict(status models.PaymentStatus) error {
	if status == models.PaymentCompleted {
		return apperr.ErrAlreadyCompleted
	}
	return apperr.ErrPaymentClosed.WithMessage(fmt.Sprintf("payment is %s", status))
}
