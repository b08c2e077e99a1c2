package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/metrics"
)

var errPrimaryDegraded = errors.New("primary store is degraded")

// FallbackStore serves every operation from primary and mirrors the results
// into secondary. When primary fails with anything other than a domain error
// the store turns degraded and the operation is re-run against secondary.
//
// Files and payments created while degraded are "local": they exist only in
// secondary, later operations on them go straight to secondary, and they are
// lost when the process exits. A local file's size is never written to the
// primary account counters; it is held in localUsage and added to every
// account view, so quota checks see primary and local files together.
//
// Operations whose effect secondary cannot honour are refused with
// apperr.ErrUnavailable while degraded: creating accounts (handle uniqueness
// is only known to primary), deleting persisted accounts or files (primary
// would bring them back without their artifacts) and recomputing persisted
// counters (secondary only holds a partial mirror of the file records).
type FallbackStore struct {
	primary       Store
	secondary     *MemoryStore
	probeInterval time.Duration
	log           *slog.Logger

	mu         sync.Mutex
	degraded   bool
	lastProbe  time.Time
	local      map[string]struct{}
	localUsage map[string]Usage
}

func NewFallbackStore(primary Store, secondary *MemoryStore, probeInterval time.Duration) *FallbackStore {
	return &FallbackStore{
		primary:       primary,
		secondary:     secondary,
		probeInterval: probeInterval,
		log:           logger.Component("store"),
		local:         make(map[string]struct{}),
		localUsage:    make(map[string]Usage),
	}
}

// Degraded reports whether operations are currently served from memory.
func (s *FallbackStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// primaryUp decides whether to try primary. While degraded it pings primary
// at most once per probe interval.
func (s *FallbackStore) primaryUp(ctx context.Context) bool {
	s.mu.Lock()
	if !s.degraded {
		s.mu.Unlock()
		return true
	}
	if time.Since(s.lastProbe) < s.probeInterval {
		s.mu.Unlock()
		return false
	}
	s.lastProbe = time.Now()
	s.mu.Unlock()

	if err := s.primary.Ping(ctx); err != nil {
		s.log.Debug("primary store still unavailable", "error", err)
		return false
	}

	s.mu.Lock()
	if s.degraded {
		s.degraded = false
		metrics.SetDegraded(false)
		s.log.Info("primary store recovered", "local_records", len(s.local))
	}
	s.mu.Unlock()
	return true
}

func (s *FallbackStore) markDegraded(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degraded {
		s.degraded = true
		s.lastProbe = time.Now()
		metrics.SetDegraded(true)
		s.log.Warn("primary store unavailable, serving from memory with reduced durability",
			"operation", op, "error", err)
		return
	}
	s.log.Debug("primary store unavailable", "operation", op, "error", err)
}

func (s *FallbackStore) markLocal(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[id] = struct{}{}
}

func (s *FallbackStore) isLocal(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.local[id]
	return ok
}

// addLocalFile records a file admitted into secondary only.
func (s *FallbackStore) addLocalFile(f *models.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[f.ID] = struct{}{}
	u := s.localUsage[f.AccountID]
	u.StorageMB += f.SizeMB()
	u.TotalFiles++
	s.localUsage[f.AccountID] = u
}

// dropLocalFile forgets a local file and its share of the owner's usage.
func (s *FallbackStore) dropLocalFile(f *models.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.local, f.ID)
	u := s.localUsage[f.AccountID]
	u.StorageMB = max(u.StorageMB-f.SizeMB(), 0)
	u.TotalFiles = max(u.TotalFiles-1, 0)
	if u.TotalFiles == 0 {
		delete(s.localUsage, f.AccountID)
		return
	}
	s.localUsage[f.AccountID] = u
}

func (s *FallbackStore) usageOf(accountID string) Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localUsage[accountID]
}

// withLocal returns acc, as read from primary, with the usage of its local
// files added.
func (s *FallbackStore) withLocal(acc *models.Account) *models.Account {
	if acc == nil {
		return nil
	}
	u := s.usageOf(acc.ID)
	if u.TotalFiles == 0 {
		return acc
	}
	cp := *acc
	cp.StorageUsed += u.StorageMB
	cp.TotalFiles += u.TotalFiles
	return &cp
}

// mirrorAccount stores the combined view so secondary keeps enforcing the
// same quota if primary goes away.
func (s *FallbackStore) mirrorAccount(acc *models.Account) {
	s.secondary.PutAccount(s.withLocal(acc))
}

// checkHeadroom rejects a reservation that fits primary's counters but not
// once local files are counted. It runs under the account's lock.
func (s *FallbackStore) checkHeadroom(ctx context.Context, accountID string, deltaMB float64) error {
	if deltaMB <= 0 || s.usageOf(accountID).TotalFiles == 0 || !s.primaryUp(ctx) {
		return nil
	}
	acc, err := s.primary.GetAccount(ctx, accountID)
	if err != nil {
		if apperr.IsDomain(err) {
			return err
		}
		// Left to the operation itself, which falls back to secondary.
		return nil
	}
	combined := s.withLocal(acc)
	if combined.StorageUsed+deltaMB > combined.StorageLimit+quotaEpsilon {
		return quotaExceeded(combined)
	}
	return nil
}

// call runs fn on primary, mirroring a success, and re-runs it on secondary
// if primary is unavailable. The bool result reports whether secondary
// served the call.
func call[T any](s *FallbackStore, ctx context.Context, op string, fn func(Store) (T, error), mirror func(T)) (T, bool, error) {
	if s.primaryUp(ctx) {
		v, err := fn(s.primary)
		if err == nil {
			if mirror != nil {
				mirror(v)
			}
			return v, false, nil
		}
		if apperr.IsDomain(err) {
			return v, false, err
		}
		s.markDegraded(op, err)
	}
	metrics.RecordFallback(op)
	v, err := fn(s.secondary)
	return v, true, err
}

// primaryOnly runs fn on primary and refuses with ErrUnavailable instead of
// falling back.
func primaryOnly[T any](s *FallbackStore, ctx context.Context, op string, fn func(Store) (T, error)) (T, error) {
	var zero T
	if !s.primaryUp(ctx) {
		return zero, apperr.Unavailable(op, errPrimaryDegraded)
	}
	v, err := fn(s.primary)
	if err != nil && !apperr.IsDomain(err) {
		s.markDegraded(op, err)
		return zero, err
	}
	return v, err
}

func (s *FallbackStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

func (s *FallbackStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	_, err := primaryOnly(s, ctx, "create account", func(st Store) (struct{}, error) {
		return struct{}{}, st.CreateAccount(ctx, acc)
	})
	if err == nil {
		s.secondary.PutAccount(acc)
	}
	return err
}

func (s *FallbackStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	acc, fromSecondary, err := call(s, ctx, "get account", func(st Store) (*models.Account, error) {
		return st.GetAccount(ctx, id)
	}, s.mirrorAccount)
	if err != nil || fromSecondary {
		return acc, err
	}
	return s.withLocal(acc), nil
}

func (s *FallbackStore) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	acc, fromSecondary, err := call(s, ctx, "get account", func(st Store) (*models.Account, error) {
		return st.GetAccountByUsername(ctx, username)
	}, s.mirrorAccount)
	if err != nil || fromSecondary {
		return acc, err
	}
	return s.withLocal(acc), nil
}

func (s *FallbackStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	accounts, fromSecondary, err := call(s, ctx, "list accounts", func(st Store) ([]models.Account, error) {
		return st.ListAccounts(ctx)
	}, nil)
	if err != nil || fromSecondary {
		return accounts, err
	}
	for i := range accounts {
		accounts[i] = *s.withLocal(&accounts[i])
	}
	return accounts, nil
}

func (s *FallbackStore) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) (*models.Account, error) {
	if upd.StorageLimit != nil {
		if u := s.usageOf(id); u.TotalFiles > 0 {
			if cur, err := s.GetAccount(ctx, id); err == nil && *upd.StorageLimit+quotaEpsilon < cur.StorageUsed {
				return nil, limitBelowUsage(cur)
			}
		}
	}
	acc, fromSecondary, err := call(s, ctx, "update account", func(st Store) (*models.Account, error) {
		return st.UpdateAccount(ctx, id, upd)
	}, s.mirrorAccount)
	if err != nil || fromSecondary {
		return acc, err
	}
	return s.withLocal(acc), nil
}

func (s *FallbackStore) DeleteAccount(ctx context.Context, id string) error {
	files, _ := s.secondary.ListFiles(ctx, id)
	_, err := primaryOnly(s, ctx, "delete account", func(st Store) (struct{}, error) {
		return struct{}{}, st.DeleteAccount(ctx, id)
	})
	if err != nil {
		return err
	}
	s.secondary.RemoveAccount(id)
	for i := range files {
		if s.isLocal(files[i].ID) {
			s.dropLocalFile(&files[i])
		}
	}
	return nil
}

func (s *FallbackStore) AdjustUsage(ctx context.Context, id string, deltaMB float64, deltaFiles int) (*models.Account, error) {
	if err := s.checkHeadroom(ctx, id, deltaMB); err != nil {
		return nil, err
	}
	acc, fromSecondary, err := call(s, ctx, "adjust usage", func(st Store) (*models.Account, error) {
		return st.AdjustUsage(ctx, id, deltaMB, deltaFiles)
	}, s.mirrorAccount)
	if err != nil || fromSecondary {
		return acc, err
	}
	return s.withLocal(acc), nil
}

// SetUsage takes the combined usage and writes primary's share of it.
func (s *FallbackStore) SetUsage(ctx context.Context, id string, u Usage) (*models.Account, error) {
	lu := s.usageOf(id)
	persisted := Usage{
		StorageMB:  max(u.StorageMB-lu.StorageMB, 0),
		TotalFiles: max(u.TotalFiles-lu.TotalFiles, 0),
	}
	acc, err := primaryOnly(s, ctx, "set usage", func(st Store) (*models.Account, error) {
		return st.SetUsage(ctx, id, persisted)
	})
	if err != nil {
		return nil, err
	}
	s.mirrorAccount(acc)
	return s.withLocal(acc), nil
}

// ComputeUsage sums primary's file records plus the account's local files.
func (s *FallbackStore) ComputeUsage(ctx context.Context, id string) (Usage, error) {
	u, err := primaryOnly(s, ctx, "compute usage", func(st Store) (Usage, error) {
		return st.ComputeUsage(ctx, id)
	})
	if err != nil {
		return Usage{}, err
	}
	lu := s.usageOf(id)
	u.StorageMB += lu.StorageMB
	u.TotalFiles += lu.TotalFiles
	return u, nil
}

func (s *FallbackStore) CreateFile(ctx context.Context, f *models.FileRecord) error {
	_, fromSecondary, err := call(s, ctx, "create file", func(st Store) (struct{}, error) {
		return struct{}{}, st.CreateFile(ctx, f)
	}, func(struct{}) { s.secondary.PutFile(f) })
	if err == nil && fromSecondary {
		s.markLocal(f.ID)
	}
	return err
}

func (s *FallbackStore) AdmitFile(ctx context.Context, f *models.FileRecord) (*models.Account, error) {
	if err := s.checkHeadroom(ctx, f.AccountID, f.SizeMB()); err != nil {
		return nil, err
	}
	acc, fromSecondary, err := call(s, ctx, "admit file", func(st Store) (*models.Account, error) {
		return st.AdmitFile(ctx, f)
	}, func(acc *models.Account) {
		s.secondary.PutFile(f)
		s.mirrorAccount(acc)
	})
	if err != nil {
		return nil, err
	}
	if fromSecondary {
		s.addLocalFile(f)
		return acc, nil
	}
	return s.withLocal(acc), nil
}

// ReleaseFile removes a file and credits its owner where the file lives: a
// local file only in secondary, a persisted one only in primary.
func (s *FallbackStore) ReleaseFile(ctx context.Context, id string) (*models.FileRecord, *models.Account, error) {
	if s.isLocal(id) {
		f, acc, err := s.secondary.ReleaseFile(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		s.dropLocalFile(f)
		if fresh, err := s.GetAccount(ctx, f.AccountID); err == nil {
			acc = fresh
		}
		return f, acc, nil
	}

	type result struct {
		file    *models.FileRecord
		account *models.Account
	}
	r, err := primaryOnly(s, ctx, "release file", func(st Store) (result, error) {
		f, acc, err := st.ReleaseFile(ctx, id)
		return result{f, acc}, err
	})
	if err != nil {
		return nil, nil, err
	}
	s.secondary.RemoveFile(id)
	s.mirrorAccount(r.account)
	return r.file, s.withLocal(r.account), nil
}

func (s *FallbackStore) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	if s.isLocal(id) {
		return s.secondary.GetFile(ctx, id)
	}
	f, _, err := call(s, ctx, "get file", func(st Store) (*models.FileRecord, error) {
		return st.GetFile(ctx, id)
	}, s.secondary.PutFile)
	return f, err
}

func (s *FallbackStore) GetFileByStoredName(ctx context.Context, accountID, storedName string) (*models.FileRecord, error) {
	f, _, err := call(s, ctx, "get file", func(st Store) (*models.FileRecord, error) {
		return st.GetFileByStoredName(ctx, accountID, storedName)
	}, s.secondary.PutFile)
	if apperr.KindOf(err) == apperr.KindNotFound {
		if local, lerr := s.secondary.GetFileByStoredName(ctx, accountID, storedName); lerr == nil && s.isLocal(local.ID) {
			return local, nil
		}
	}
	return f, err
}

func (s *FallbackStore) ListFiles(ctx context.Context, accountID string) ([]models.FileRecord, error) {
	files, fromSecondary, err := call(s, ctx, "list files", func(st Store) ([]models.FileRecord, error) {
		return st.ListFiles(ctx, accountID)
	}, nil)
	if err != nil || fromSecondary {
		return files, err
	}
	for i := range files {
		s.secondary.PutFile(&files[i])
	}
	extra, _ := s.secondary.ListFiles(ctx, accountID)
	merged := mergeLocal(s, files, extra, func(f models.FileRecord) string { return f.ID })
	sortFiles(merged)
	return merged, nil
}

func (s *FallbackStore) DeleteFile(ctx context.Context, id string) error {
	if s.isLocal(id) {
		f, err := s.secondary.GetFile(ctx, id)
		if err != nil {
			return err
		}
		if err := s.secondary.DeleteFile(ctx, id); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.local, f.ID)
		s.mu.Unlock()
		return nil
	}
	_, err := primaryOnly(s, ctx, "delete file", func(st Store) (struct{}, error) {
		return struct{}{}, st.DeleteFile(ctx, id)
	})
	if err == nil {
		s.secondary.RemoveFile(id)
	}
	return err
}

func (s *FallbackStore) IncrementDownloads(ctx context.Context, id string) error {
	if s.isLocal(id) {
		return s.secondary.IncrementDownloads(ctx, id)
	}
	_, _, err := call(s, ctx, "increment downloads", func(st Store) (struct{}, error) {
		return struct{}{}, st.IncrementDownloads(ctx, id)
	}, func(struct{}) { _ = s.secondary.IncrementDownloads(ctx, id) })
	return err
}

func (s *FallbackStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, fromSecondary, err := call(s, ctx, "create payment", func(st Store) (struct{}, error) {
		return struct{}{}, st.CreatePayment(ctx, p)
	}, func(struct{}) { s.secondary.PutPayment(p) })
	if err == nil && fromSecondary {
		s.markLocal(p.ID)
	}
	return err
}

func (s *FallbackStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	if s.isLocal(id) {
		return s.secondary.GetPayment(ctx, id)
	}
	p, _, err := call(s, ctx, "get payment", func(st Store) (*models.Payment, error) {
		return st.GetPayment(ctx, id)
	}, s.secondary.PutPayment)
	return p, err
}

func (s *FallbackStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error) {
	payments, fromSecondary, err := call(s, ctx, "list payments", func(st Store) ([]models.Payment, error) {
		return st.ListPayments(ctx, filter)
	}, nil)
	if err != nil || fromSecondary {
		return payments, err
	}
	extra, _ := s.secondary.ListPayments(ctx, filter)
	merged := mergeLocal(s, payments, extra, func(p models.Payment) string { return p.ID })
	sortPayments(merged)
	return merged, nil
}

func (s *FallbackStore) CompletePayment(ctx context.Context, id string, from models.PaymentStatus, v Verification, grant PlanGrant) (*models.Payment, *models.Account, error) {
	if s.isLocal(id) {
		return s.secondary.CompletePayment(ctx, id, from, v, grant)
	}
	type result struct {
		payment *models.Payment
		account *models.Account
	}
	r, fromSecondary, err := call(s, ctx, "complete payment", func(st Store) (result, error) {
		p, acc, err := st.CompletePayment(ctx, id, from, v, grant)
		return result{p, acc}, err
	}, func(r result) {
		s.secondary.PutPayment(r.payment)
		s.mirrorAccount(r.account)
	})
	if err != nil || fromSecondary {
		return r.payment, r.account, err
	}
	return r.payment, s.withLocal(r.account), nil
}

func (s *FallbackStore) TransitionPayment(ctx context.Context, id string, from, to models.PaymentStatus, v Verification) (*models.Payment, error) {
	if s.isLocal(id) {
		return s.secondary.TransitionPayment(ctx, id, from, to, v)
	}
	p, _, err := call(s, ctx, "transition payment", func(st Store) (*models.Payment, error) {
		return st.TransitionPayment(ctx, id, from, to, v)
	}, s.secondary.PutPayment)
	return p, err
}

func (s *FallbackStore) Stats(ctx context.Context) (*Stats, error) {
	stats, _, err := call(s, ctx, "stats", func(st Store) (*Stats, error) {
		return st.Stats(ctx)
	}, nil)
	return stats, err
}

// mergeLocal appends the local records of extra that primary did not return.
func mergeLocal[T any](s *FallbackStore, primary, extra []T, id func(T) string) []T {
	seen := make(map[string]struct{}, len(primary))
	for _, r := range primary {
		seen[id(r)] = struct{}{}
	}
	for _, r := range extra {
		rid := id(r)
		if _, ok := seen[rid]; ok || !s.isLocal(rid) {
			continue
		}
		primary = append(primary, r)
	}
	return primary
}
