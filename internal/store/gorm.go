package store

import (
	"context"
	"errors"
	"strings"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/database"
	"github.com/agjmills/hoard/internal/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the persistent store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// classify maps driver errors onto the apperr taxonomy. Anything that is not
// a recognised domain failure is reported as the store being unavailable.
func classify(op, entity string, err error) error {
	switch {
	case err == nil:
		return nil
	case apperr.IsDomain(err):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.NotFound(entity)
	case isUniqueViolation(err):
		if entity == "account" {
			return apperr.ErrDuplicateHandle
		}
		return &apperr.Error{Kind: apperr.KindConflict, Code: "duplicate", Message: entity + " already exists", Err: err}
	}
	return apperr.Unavailable(op, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

func (s *GormStore) Ping(ctx context.Context) error {
	if err := database.Ping(ctx, s.db); err != nil {
		return apperr.Unavailable("ping", err)
	}
	return nil
}

func (s *GormStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(acc).Error
	return classify("create account", "account", err)
}

func (s *GormStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.WithContext(ctx).First(&acc, "id = ?", id).Error; err != nil {
		return nil, classify("get account", "account", err)
	}
	return &acc, nil
}

func (s *GormStore) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&acc).Error; err != nil {
		return nil, classify("get account", "account", err)
	}
	return &acc, nil
}

func (s *GormStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&accounts).Error; err != nil {
		return nil, classify("list accounts", "account", err)
	}
	return accounts, nil
}

func (s *GormStore) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) (*models.Account, error) {
	fields := map[string]any{}
	if upd.Plan != nil {
		fields["plan"] = *upd.Plan
	}
	if upd.StorageLimit != nil {
		fields["storage_limit"] = *upd.StorageLimit
	}
	if upd.PlanExpiry != nil {
		fields["plan_expiry"] = *upd.PlanExpiry
	}
	if upd.IsAdmin != nil {
		fields["is_admin"] = *upd.IsAdmin
	}
	if len(fields) == 0 {
		return s.GetAccount(ctx, id)
	}

	q := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id)
	if upd.StorageLimit != nil {
		q = q.Where("storage_used <= ?", *upd.StorageLimit+quotaEpsilon)
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return nil, classify("update account", "account", res.Error)
	}
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && upd.StorageLimit != nil && acc.StorageUsed > *upd.StorageLimit+quotaEpsilon {
		return nil, limitBelowUsage(acc)
	}
	return acc, nil
}

func (s *GormStore) DeleteAccount(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&acc, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.FileRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.Payment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&acc).Error
	})
	return classify("delete account", "account", err)
}

func (s *GormStore) AdjustUsage(ctx context.Context, id string, deltaMB float64, deltaFiles int) (*models.Account, error) {
	acc, err := adjustUsage(s.db.WithContext(ctx), id, deltaMB, deltaFiles)
	if err != nil {
		return nil, classify("adjust usage", "account", err)
	}
	return acc, nil
}

// adjustUsage is AdjustUsage on tx, so it can share a transaction with a
// file insert or delete.
func adjustUsage(tx *gorm.DB, id string, deltaMB float64, deltaFiles int) (*models.Account, error) {
	q := tx.Model(&models.Account{}).Where("id = ?", id)

	var fields map[string]any
	if deltaMB > 0 {
		// The reservation only lands while it fits; concurrent writers from
		// other processes cannot push the account past its limit.
		q = q.Where("storage_used + ? <= storage_limit + ?", deltaMB, quotaEpsilon)
		fields = map[string]any{
			"storage_used": gorm.Expr("storage_used + ?", deltaMB),
			"total_files":  gorm.Expr("CASE WHEN total_files + ? < 0 THEN 0 ELSE total_files + ? END", deltaFiles, deltaFiles),
		}
	} else {
		fields = map[string]any{
			"storage_used": gorm.Expr("CASE WHEN storage_used + ? < 0 THEN 0 ELSE storage_used + ? END", deltaMB, deltaMB),
			"total_files":  gorm.Expr("CASE WHEN total_files + ? < 0 THEN 0 ELSE total_files + ? END", deltaFiles, deltaFiles),
		}
	}

	res := q.Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	var acc models.Account
	if err := tx.First(&acc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("account")
		}
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, quotaExceeded(&acc)
	}
	return &acc, nil
}

func (s *GormStore) SetUsage(ctx context.Context, id string, u Usage) (*models.Account, error) {
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"storage_used": u.StorageMB,
		"total_files":  u.TotalFiles,
	})
	if res.Error != nil {
		return nil, classify("set usage", "account", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("account")
	}
	return s.GetAccount(ctx, id)
}

func (s *GormStore) ComputeUsage(ctx context.Context, id string) (Usage, error) {
	var row struct {
		Bytes int64
		Count int
	}
	err := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Select("COALESCE(SUM(size_bytes), 0) AS bytes, COUNT(*) AS count").
		Where("account_id = ?", id).
		Scan(&row).Error
	if err != nil {
		return Usage{}, classify("compute usage", "account", err)
	}
	return Usage{StorageMB: models.BytesToMB(row.Bytes), TotalFiles: row.Count}, nil
}

func (s *GormStore) CreateFile(ctx context.Context, f *models.FileRecord) error {
	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(f).Error
	return classify("create file", "file", err)
}

func (s *GormStore) AdmitFile(ctx context.Context, f *models.FileRecord) (*models.Account, error) {
	var account *models.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := adjustUsage(tx, f.AccountID, f.SizeMB(), 1)
		if err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(f).Error; err != nil {
			return err
		}
		account = acc
		return nil
	})
	if err != nil {
		return nil, classify("admit file", "file", err)
	}
	return account, nil
}

func (s *GormStore) ReleaseFile(ctx context.Context, id string) (*models.FileRecord, *models.Account, error) {
	var (
		file    models.FileRecord
		account *models.Account
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&file, "id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.FileRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		acc, err := adjustUsage(tx, file.AccountID, -file.SizeMB(), -1)
		if err != nil {
			return err
		}
		account = acc
		return nil
	})
	if err != nil {
		return nil, nil, classify("release file", "file", err)
	}
	return &file, account, nil
}

func (s *GormStore) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	var f models.FileRecord
	if err := s.db.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		return nil, classify("get file", "file", err)
	}
	return &f, nil
}

func (s *GormStore) GetFileByStoredName(ctx context.Context, accountID, storedName string) (*models.FileRecord, error) {
	var f models.FileRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND stored_name = ?", accountID, storedName).
		First(&f).Error
	if err != nil {
		return nil, classify("get file", "file", err)
	}
	return &f, nil
}

func (s *GormStore) ListFiles(ctx context.Context, accountID string) ([]models.FileRecord, error) {
	var files []models.FileRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Find(&files).Error
	if err != nil {
		return nil, classify("list files", "file", err)
	}
	return files, nil
}

func (s *GormStore) DeleteFile(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.FileRecord{})
	if res.Error != nil {
		return classify("delete file", "file", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("file")
	}
	return nil
}

func (s *GormStore) IncrementDownloads(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ?", id).
		UpdateColumn("download_count", gorm.Expr("download_count + 1"))
	if res.Error != nil {
		return classify("increment downloads", "file", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("file")
	}
	return nil
}

func (s *GormStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(p).Error
	return classify("create payment", "payment", err)
}

func (s *GormStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, classify("get payment", "payment", err)
	}
	return &p, nil
}

func (s *GormStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if filter.AccountID != "" {
		q = q.Where("account_id = ?", filter.AccountID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var payments []models.Payment
	if err := q.Find(&payments).Error; err != nil {
		return nil, classify("list payments", "payment", err)
	}
	return payments, nil
}

func verificationFields(to models.PaymentStatus, v Verification) map[string]any {
	fields := map[string]any{"status": to}
	if v.TransactionID != "" {
		fields["transaction_id"] = v.TransactionID
	}
	if v.VerifiedBy != "" {
		fields["verified_by"] = v.VerifiedBy
	}
	if !v.VerifiedAt.IsZero() {
		fields["verified_at"] = v.VerifiedAt
	}
	if v.Reason != "" {
		fields["failure_reason"] = v.Reason
	}
	return fields
}

// transition performs the conditional status update. Zero rows affected
// means another caller got there first, or the payment does not exist.
func transition(tx *gorm.DB, id string, from, to models.PaymentStatus, v Verification) (*models.Payment, error) {
	res := tx.Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(verificationFields(to, v))
	if res.Error != nil {
		return nil, res.Error
	}
	var p models.Payment
	if err := tx.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, paymentConflict(p.Status)
	}
	return &p, nil
}

func (s *GormStore) CompletePayment(ctx context.Context, id string, from models.PaymentStatus, v Verification, grant PlanGrant) (*models.Payment, *models.Account, error) {
	var (
		payment *models.Payment
		account models.Account
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := transition(tx, id, from, models.PaymentCompleted, v)
		if err != nil {
			return err
		}
		payment = p

		res := tx.Model(&models.Account{}).Where("id = ?", p.AccountID).Updates(map[string]any{
			"plan":          grant.Plan,
			"storage_limit": grant.StorageLimitMB,
			"plan_expiry":   grant.ExpiresAt,
		})
		if res.Error != nil {
			return res.Error
		}
		return tx.First(&account, "id = ?", p.AccountID).Error
	})
	if err != nil {
		return nil, nil, classify("complete payment", "payment", err)
	}
	return payment, &account, nil
}

func (s *GormStore) TransitionPayment(ctx context.Context, id string, from, to models.PaymentStatus, v Verification) (*models.Payment, error) {
	p, err := transition(s.db.WithContext(ctx), id, from, to, v)
	if err != nil {
		return nil, classify("transition payment", "payment", err)
	}
	return p, nil
}

func (s *GormStore) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	stats := &Stats{}

	if err := db.Model(&models.Account{}).Count(&stats.TotalAccounts).Error; err != nil {
		return nil, classify("stats", "account", err)
	}
	if err := db.Model(&models.FileRecord{}).Count(&stats.TotalFiles).Error; err != nil {
		return nil, classify("stats", "file", err)
	}

	var revenue struct {
		Count int64
		Total int64
	}
	err := db.Model(&models.Payment{}).
		Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").
		Where("status = ?", models.PaymentCompleted).
		Scan(&revenue).Error
	if err != nil {
		return nil, classify("stats", "payment", err)
	}
	stats.CompletedPayments = revenue.Count
	stats.Revenue = revenue.Total

	if err := db.Model(&models.Account{}).Select("COALESCE(SUM(storage_used), 0)").Scan(&stats.StorageUsedMB).Error; err != nil {
		return nil, classify("stats", "account", err)
	}
	if err := db.Order("created_at DESC").Limit(recentLimit).Find(&stats.RecentAccounts).Error; err != nil {
		return nil, classify("stats", "account", err)
	}
	if err := db.Order("created_at DESC").Limit(recentLimit).Find(&stats.RecentPayments).Error; err != nil {
		return nil, classify("stats", "payment", err)
	}
	return stats, nil
}
