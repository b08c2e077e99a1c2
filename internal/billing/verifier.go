package billing

import (
	"context"

	"github.com/agjmills/hoard/internal/config"
	"github.com/agjmills/hoard/internal/database/models"
)

// Decision is a verifier's verdict on a claimed transaction.
type Decision int

const (
	Approve Decision = iota
	Review
	Reject
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case Review:
		return "review"
	default:
		return "reject"
	}
}

// Verifier decides whether a claimed UPI transaction settles a payment.
// Implementations may consult an external ledger; the reason is recorded on
// rejected payments.
type Verifier interface {
	Decide(ctx context.Context, p *models.Payment, transactionID string) (Decision, string, error)
}

// TrustVerifier approves every claim. Only for sandbox deployments.
type TrustVerifier struct{}

func (TrustVerifier) Decide(ctx context.Context, p *models.Payment, transactionID string) (Decision, string, error) {
	if transactionID == "" {
		return Reject, "missing transaction id", nil
	}
	return Approve, "", nil
}

// ManualVerifier queues every claim for an administrator.
type ManualVerifier struct{}

func (ManualVerifier) Decide(ctx context.Context, p *models.Payment, transactionID string) (Decision, string, error) {
	return Review, "", nil
}

// NewVerifier picks the verifier for the configured payment mode.
func NewVerifier(cfg *config.Config) Verifier {
	if cfg.Sandbox() {
		return TrustVerifier{}
	}
	return ManualVerifier{}
}
