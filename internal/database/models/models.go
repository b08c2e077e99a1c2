package models

import (
	"time"

	"gorm.io/datatypes"
)

// Plan is a purchasable storage tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanBasic   Plan = "basic"
	PlanPremium Plan = "premium"
)

// PaymentStatus is the state of a payment record.
type PaymentStatus string

const (
	PaymentPending     PaymentStatus = "pending"
	PaymentUnderReview PaymentStatus = "under_review"
	PaymentCompleted   PaymentStatus = "completed"
	PaymentFailed      PaymentStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// Account is a registered user. Storage figures are in MB.
type Account struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:50" json:"username"`
	Email        string    `gorm:"not null;size:255" json:"email"`
	PasswordHash string    `gorm:"not null;size:255" json:"-"`
	Plan         Plan      `gorm:"not null;size:20;default:'free'" json:"plan"`
	StorageUsed  float64   `gorm:"not null;default:0" json:"storage_used"`
	StorageLimit float64   `gorm:"not null;default:100" json:"storage_limit"`
	PlanExpiry   time.Time `json:"plan_expiry"`
	IsAdmin      bool      `gorm:"not null;default:false" json:"is_admin"`
	Protected    bool      `gorm:"not null;default:false" json:"protected"` // Root administrator; set once at provisioning
	TotalFiles   int       `gorm:"not null;default:0" json:"total_files"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Files    []FileRecord `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`
	Payments []Payment    `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`
}

// StorageRemaining is the headroom left under the limit.
func (a *Account) StorageRemaining() float64 {
	if a.StorageUsed >= a.StorageLimit {
		return 0
	}
	return a.StorageLimit - a.StorageUsed
}

// FileRecord is the metadata of an uploaded file.
type FileRecord struct {
	ID            string                                `gorm:"primaryKey;size:36" json:"id"`
	AccountID     string                                `gorm:"not null;size:36;index;uniqueIndex:idx_account_stored_name" json:"account_id"`
	StoredName    string                                `gorm:"not null;size:255;uniqueIndex:idx_account_stored_name" json:"stored_name"`
	OriginalName  string                                `gorm:"not null;size:255" json:"original_name"`
	SizeBytes     int64                                 `gorm:"not null" json:"size_bytes"`
	ContentType   string                                `gorm:"size:100" json:"content_type"`
	StoragePath   string                                `gorm:"not null;size:1024" json:"-"` // Backend path of the physical artifact
	PublicURL     string                                `gorm:"size:2048" json:"public_url"`
	DownloadCount int64                                 `gorm:"not null;default:0" json:"download_count"`
	Metadata      datatypes.JSONType[map[string]string] `json:"metadata"`
	CreatedAt     time.Time                             `gorm:"index" json:"created_at"`

	Account Account `gorm:"foreignKey:AccountID" json:"-"`
}

func (FileRecord) TableName() string {
	return "files"
}

// SizeMB is the size in the unit quotas are expressed in.
func (f *FileRecord) SizeMB() float64 {
	return BytesToMB(f.SizeBytes)
}

// Payment is a plan purchase awaiting or past verification.
type Payment struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id"`
	AccountID     string        `gorm:"not null;size:36;index" json:"account_id"`
	Plan          Plan          `gorm:"not null;size:20" json:"plan"`
	Amount        int64         `gorm:"not null" json:"amount"`
	Currency      string        `gorm:"not null;size:3;default:'INR'" json:"currency"`
	Status        PaymentStatus `gorm:"not null;size:20;default:'pending';index" json:"status"`
	TransactionID string        `gorm:"size:100;index" json:"transaction_id,omitempty"`
	UPIID         string        `gorm:"column:upi_id;size:100" json:"upi_id"`
	VerifiedAt    *time.Time    `json:"verified_at,omitempty"`
	VerifiedBy    string        `gorm:"size:50" json:"verified_by,omitempty"`
	FailureReason string        `gorm:"size:500" json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	Account Account `gorm:"foreignKey:AccountID" json:"-"`
}

const bytesPerMB = 1024 * 1024

// BytesToMB converts a byte count to MB.
func BytesToMB(b int64) float64 {
	return float64(b) / bytesPerMB
}
