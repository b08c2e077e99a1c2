package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/database/models"
)

// MemoryStore keeps records in process memory. Every method runs under one
// lock, so each call is atomic. Returned records are copies.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	files    map[string]*models.FileRecord
	payments map[string]*models.Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*models.Account),
		files:    make(map[string]*models.FileRecord),
		payments: make(map[string]*models.Payment),
	}
}

func cloneAccount(a *models.Account) *models.Account {
	cp := *a
	cp.Files = nil
	cp.Payments = nil
	return &cp
}

func cloneFile(f *models.FileRecord) *models.FileRecord {
	cp := *f
	cp.Account = models.Account{}
	return &cp
}

func clonePayment(p *models.Payment) *models.Payment {
	cp := *p
	cp.Account = models.Account{}
	if p.VerifiedAt != nil {
		t := *p.VerifiedAt
		cp.VerifiedAt = &t
	}
	return &cp
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID]; ok {
		return apperr.ErrDuplicateHandle
	}
	for _, existing := range s.accounts {
		if existing.Username == acc.Username {
			return apperr.ErrDuplicateHandle
		}
	}
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	s.accounts[acc.ID] = cloneAccount(acc)
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account")
	}
	return cloneAccount(acc), nil
}

func (s *MemoryStore) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acc := range s.accounts {
		if acc.Username == username {
			return cloneAccount(acc), nil
		}
	}
	return nil, apperr.NotFound("account")
}

func (s *MemoryStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, *cloneAccount(acc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account")
	}
	if upd.StorageLimit != nil && acc.StorageUsed > *upd.StorageLimit+quotaEpsilon {
		return nil, limitBelowUsage(acc)
	}
	if upd.Plan != nil {
		acc.Plan = *upd.Plan
	}
	if upd.StorageLimit != nil {
		acc.StorageLimit = *upd.StorageLimit
	}
	if upd.PlanExpiry != nil {
		acc.PlanExpiry = *upd.PlanExpiry
	}
	if upd.IsAdmin != nil {
		acc.IsAdmin = *upd.IsAdmin
	}
	acc.UpdatedAt = time.Now()
	return cloneAccount(acc), nil
}

func (s *MemoryStore) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return apperr.NotFound("account")
	}
	s.removeAccountLocked(id)
	return nil
}

func (s *MemoryStore) removeAccountLocked(id string) {
	delete(s.accounts, id)
	for fid, f := range s.files {
		if f.AccountID == id {
			delete(s.files, fid)
		}
	}
	for pid, p := range s.payments {
		if p.AccountID == id {
			delete(s.payments, pid)
		}
	}
}

func (s *MemoryStore) AdjustUsage(ctx context.Context, id string, deltaMB float64, deltaFiles int) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustUsageLocked(id, deltaMB, deltaFiles)
}

func (s *MemoryStore) adjustUsageLocked(id string, deltaMB float64, deltaFiles int) (*models.Account, error) {
	acc, ok := s.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account")
	}
	if deltaMB > 0 && acc.StorageUsed+deltaMB > acc.StorageLimit+quotaEpsilon {
		return nil, quotaExceeded(acc)
	}
	acc.StorageUsed = max(acc.StorageUsed+deltaMB, 0)
	acc.TotalFiles = max(acc.TotalFiles+deltaFiles, 0)
	acc.UpdatedAt = time.Now()
	return cloneAccount(acc), nil
}

func (s *MemoryStore) SetUsage(ctx context.Context, id string, u Usage) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account")
	}
	acc.StorageUsed = u.StorageMB
	acc.TotalFiles = u.TotalFiles
	acc.UpdatedAt = time.Now()
	return cloneAccount(acc), nil
}

func (s *MemoryStore) ComputeUsage(ctx context.Context, id string) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		bytes int64
		count int
	)
	for _, f := range s.files {
		if f.AccountID == id {
			bytes += f.SizeBytes
			count++
		}
	}
	return Usage{StorageMB: models.BytesToMB(bytes), TotalFiles: count}, nil
}

func (s *MemoryStore) CreateFile(ctx context.Context, f *models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createFileLocked(f)
}

func (s *MemoryStore) createFileLocked(f *models.FileRecord) error {
	if _, ok := s.accounts[f.AccountID]; !ok {
		return apperr.NotFound("account")
	}
	for _, existing := range s.files {
		if existing.ID == f.ID || (existing.AccountID == f.AccountID && existing.StoredName == f.StoredName) {
			return &apperr.Error{Kind: apperr.KindConflict, Code: "duplicate", Message: "file already exists"}
		}
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	s.files[f.ID] = cloneFile(f)
	return nil
}

func (s *MemoryStore) AdmitFile(ctx context.Context, f *models.FileRecord) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[f.AccountID]; !ok {
		return nil, apperr.NotFound("account")
	}
	if acc := s.accounts[f.AccountID]; f.SizeMB() > 0 && acc.StorageUsed+f.SizeMB() > acc.StorageLimit+quotaEpsilon {
		return nil, quotaExceeded(acc)
	}
	if err := s.createFileLocked(f); err != nil {
		return nil, err
	}
	return s.adjustUsageLocked(f.AccountID, f.SizeMB(), 1)
}

func (s *MemoryStore) ReleaseFile(ctx context.Context, id string) (*models.FileRecord, *models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return nil, nil, apperr.NotFound("file")
	}
	delete(s.files, id)
	acc, err := s.adjustUsageLocked(f.AccountID, -f.SizeMB(), -1)
	if err != nil {
		return nil, nil, err
	}
	return cloneFile(f), acc, nil
}

func (s *MemoryStore) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return nil, apperr.NotFound("file")
	}
	return cloneFile(f), nil
}

func (s *MemoryStore) GetFileByStoredName(ctx context.Context, accountID, storedName string) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		if f.AccountID == accountID && f.StoredName == storedName {
			return cloneFile(f), nil
		}
	}
	return nil, apperr.NotFound("file")
}

func (s *MemoryStore) ListFiles(ctx context.Context, accountID string) ([]models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FileRecord, 0)
	for _, f := range s.files {
		if f.AccountID == accountID {
			out = append(out, *cloneFile(f))
		}
	}
	sortFiles(out)
	return out, nil
}

func sortFiles(files []models.FileRecord) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].ID > files[j].ID
		}
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
}

func (s *MemoryStore) DeleteFile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[id]; !ok {
		return apperr.NotFound("file")
	}
	delete(s.files, id)
	return nil
}

func (s *MemoryStore) IncrementDownloads(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return apperr.NotFound("file")
	}
	f.DownloadCount++
	return nil
}

func (s *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[p.AccountID]; !ok {
		return apperr.NotFound("account")
	}
	if _, ok := s.payments[p.ID]; ok {
		return &apperr.Error{Kind: apperr.KindConflict, Code: "duplicate", Message: "payment already exists"}
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment")
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Payment, 0)
	for _, p := range s.payments {
		if filter.AccountID != "" && p.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, *clonePayment(p))
	}
	sortPayments(out)
	return out, nil
}

func sortPayments(payments []models.Payment) {
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].ID > payments[j].ID
		}
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
}

func (s *MemoryStore) transitionLocked(id string, from, to models.PaymentStatus, v Verification) (*models.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment")
	}
	if p.Status != from {
		return nil, paymentConflict(p.Status)
	}
	p.Status = to
	if v.TransactionID != "" {
		p.TransactionID = v.TransactionID
	}
	if v.VerifiedBy != "" {
		p.VerifiedBy = v.VerifiedBy
	}
	if !v.VerifiedAt.IsZero() {
		t := v.VerifiedAt
		p.VerifiedAt = &t
	}
	if v.Reason != "" {
		p.FailureReason = v.Reason
	}
	p.UpdatedAt = time.Now()
	return p, nil
}

func (s *MemoryStore) CompletePayment(ctx context.Context, id string, from models.PaymentStatus, v Verification, grant PlanGrant) (*models.Payment, *models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, nil, apperr.NotFound("payment")
	}
	acc, ok := s.accounts[p.AccountID]
	if !ok {
		return nil, nil, apperr.NotFound("account")
	}
	p, err := s.transitionLocked(id, from, models.PaymentCompleted, v)
	if err != nil {
		return nil, nil, err
	}
	acc.Plan = grant.Plan
	acc.StorageLimit = grant.StorageLimitMB
	acc.PlanExpiry = grant.ExpiresAt
	acc.UpdatedAt = time.Now()
	return clonePayment(p), cloneAccount(acc), nil
}

func (s *MemoryStore) TransitionPayment(ctx context.Context, id string, from, to models.PaymentStatus, v Verification) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.transitionLocked(id, from, to, v)
	if err != nil {
		return nil, err
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{
		TotalAccounts: int64(len(s.accounts)),
		TotalFiles:    int64(len(s.files)),
	}
	accounts := make([]models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		stats.StorageUsedMB += acc.StorageUsed
		accounts = append(accounts, *cloneAccount(acc))
	}
	payments := make([]models.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		if p.Status == models.PaymentCompleted {
			stats.CompletedPayments++
			stats.Revenue += p.Amount
		}
		payments = append(payments, *clonePayment(p))
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].CreatedAt.After(accounts[j].CreatedAt) })
	sortPayments(payments)
	stats.RecentAccounts = accounts[:min(len(accounts), recentLimit)]
	stats.RecentPayments = payments[:min(len(payments), recentLimit)]
	return stats, nil
}

// The Put and Remove methods let FallbackStore mirror records the primary
// store accepted. They overwrite without any checks.

func (s *MemoryStore) PutAccount(acc *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = cloneAccount(acc)
}

func (s *MemoryStore) PutFile(f *models.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = cloneFile(f)
}

func (s *MemoryStore) PutPayment(p *models.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = clonePayment(p)
}

func (s *MemoryStore) RemoveAccount(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeAccountLocked(id)
}

func (s *MemoryStore) RemoveFile(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
}
