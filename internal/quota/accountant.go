// Package quota enforces per-account storage limits.
package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/plans"
	"github.com/agjmills/hoard/internal/store"
)

// Accountant admits and releases storage against account limits. Storage
// counters only move through it.
type Accountant struct {
	store   store.Store
	catalog *plans.Catalog
	locks   keyedMutex
}

func NewAccountant(s store.Store, catalog *plans.Catalog) *Accountant {
	return &Accountant{
		store:   s,
		catalog: catalog,
		locks:   keyedMutex{entries: make(map[string]*lockEntry)},
	}
}

// CheckFileSize rejects a single file above the plan's per-file ceiling.
func (a *Accountant) CheckFileSize(plan models.Plan, sizeBytes int64) error {
	tier, ok := a.catalog.Get(plan)
	if !ok {
		return apperr.ErrInvalidTier
	}
	if sizeBytes > tier.MaxFileBytes {
		return apperr.ErrFileTooLarge.WithMessage(fmt.Sprintf(
			"File too large. Maximum size for %s plan is %s.", plan, humanSize(tier.MaxFileBytes)))
	}
	return nil
}

// AdmitFile reserves the file's size and creates its record in one unit.
// It fails with apperr.ErrQuotaExceeded, leaving nothing behind, if the file
// does not fit.
func (a *Accountant) AdmitFile(ctx context.Context, f *models.FileRecord) (*models.Account, error) {
	if f.SizeBytes < 0 {
		return nil, apperr.Validation("file size must not be negative")
	}
	return a.store.AdmitFile(ctx, f)
}

// ReleaseFile deletes the record and returns its storage in one unit.
func (a *Accountant) ReleaseFile(ctx context.Context, fileID string) (*models.FileRecord, *models.Account, error) {
	return a.store.ReleaseFile(ctx, fileID)
}

// Serialize runs fn while holding the account's lock. Operations that read
// an account and then write based on what they read go through here.
func (a *Accountant) Serialize(accountID string, fn func() error) error {
	unlock := a.locks.lock(accountID)
	defer unlock()
	return fn()
}

func humanSize(b int64) string {
	const unit = 1024
	switch {
	case b >= unit*unit*unit:
		return fmt.Sprintf("%.0fGB", float64(b)/(unit*unit*unit))
	case b >= unit*unit:
		return fmt.Sprintf("%.0fMB", float64(b)/(unit*unit))
	case b >= unit:
		return fmt.Sprintf("%.0fKB", float64(b)/unit)
	}
	return fmt.Sprintf("%dB", b)
}

// keyedMutex hands out one mutex per key and drops it once nobody holds or
// waits for it.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
