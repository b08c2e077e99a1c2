// Package files uploads, lists, serves and deletes hosted files, keeping
// the owner's storage counters in step with the file records.
package files

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/metrics"
	"github.com/agjmills/hoard/internal/plans"
	"github.com/agjmills/hoard/internal/quota"
	"github.com/agjmills/hoard/internal/storage"
	"github.com/agjmills/hoard/internal/store"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const maxNameLength = 255

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileMeta describes an incoming upload. SizeBytes is the size the client
// declared, or -1 when unknown; the stored size is what was actually read.
type FileMeta struct {
	Name        string
	SizeBytes   int64
	ContentType string
	Content     io.Reader
}

// StorageSummary is an account's storage position after a change.
type StorageSummary struct {
	Used       float64 `json:"used"`
	Limit      float64 `json:"limit"`
	Remaining  float64 `json:"remaining"`
	TotalFiles int     `json:"total_files"`
}

func Summarize(acc *models.Account) StorageSummary {
	return StorageSummary{
		Used:       acc.StorageUsed,
		Limit:      acc.StorageLimit,
		Remaining:  acc.StorageRemaining(),
		TotalFiles: acc.TotalFiles,
	}
}

// Info is the public view of a file.
type Info struct {
	models.FileRecord
	UploadedBy string `json:"uploaded_by"`
}

type Service struct {
	store      store.Store
	catalog    *plans.Catalog
	accountant *quota.Accountant
	backend    storage.StorageBackend
	baseURL    string
	now        func() time.Time
	log        *slog.Logger
}

func NewService(s store.Store, catalog *plans.Catalog, accountant *quota.Accountant, backend storage.StorageBackend, baseURL string) *Service {
	return &Service{
		store:      s,
		catalog:    catalog,
		accountant: accountant,
		backend:    backend,
		baseURL:    strings.TrimRight(baseURL, "/"),
		now:        time.Now,
		log:        logger.Component("files"),
	}
}

// Upload stores the content, admits its size against the account's quota
// and records it. Any failure after the artifact was written deletes it.
func (s *Service) Upload(ctx context.Context, accountID string, meta FileMeta) (*models.FileRecord, StorageSummary, error) {
	name := sanitizeName(meta.Name)
	if name == "" || meta.Content == nil {
		return nil, StorageSummary{}, apperr.Validation("No file uploaded")
	}

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, StorageSummary{}, err
	}
	tier, ok := s.catalog.Get(account.Plan)
	if !ok {
		return nil, StorageSummary{}, apperr.ErrInvalidTier
	}

	// Reject on the declared size before reading any content. The
	// authoritative checks run again on the stored size.
	if meta.SizeBytes >= 0 {
		if err := s.precheck(account, meta.SizeBytes); err != nil {
			return nil, StorageSummary{}, err
		}
	}

	storedName, err := s.storedName(name)
	if err != nil {
		return nil, StorageSummary{}, err
	}
	key := storage.Key(accountID, storedName)

	saved, err := s.backend.Save(ctx, meta.Content, storage.SaveOptions{
		Key:         key,
		ContentType: meta.ContentType,
		MaxBytes:    tier.MaxFileBytes,
	})
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			metrics.RecordUploadRejected("file_too_large", string(account.Plan))
			return nil, StorageSummary{}, s.accountant.CheckFileSize(account.Plan, tier.MaxFileBytes+1)
		}
		return nil, StorageSummary{}, fmt.Errorf("failed to store upload: %w", err)
	}

	record, summary, err := s.admit(ctx, account, meta, name, storedName, saved)
	if err != nil {
		if delErr := s.backend.Delete(ctx, saved.Path); delErr != nil {
			s.log.Error("failed to remove artifact of rejected upload", "path", saved.Path, "error", delErr)
		}
		return nil, StorageSummary{}, err
	}

	metrics.FilesUploaded.Inc()
	s.log.Info("file uploaded", "account_id", accountID, "file_id", record.ID,
		"size_bytes", record.SizeBytes, "storage_used", summary.Used)
	return record, summary, nil
}

func (s *Service) precheck(account *models.Account, sizeBytes int64) error {
	if err := s.accountant.CheckFileSize(account.Plan, sizeBytes); err != nil {
		metrics.RecordUploadRejected("file_too_large", string(account.Plan))
		return err
	}
	return nil
}

// admit runs the per-file check, then reserves quota and inserts the record
// as one unit under the account lock.
func (s *Service) admit(ctx context.Context, account *models.Account, meta FileMeta, name, storedName string, saved storage.SaveResult) (*models.FileRecord, StorageSummary, error) {
	if err := s.precheck(account, saved.Size); err != nil {
		return nil, StorageSummary{}, err
	}

	record := &models.FileRecord{
		ID:           uuid.NewString(),
		AccountID:    account.ID,
		StoredName:   storedName,
		OriginalName: displayName(meta.Name, name),
		SizeBytes:    saved.Size,
		ContentType:  contentType(meta.ContentType),
		StoragePath:  saved.Path,
		PublicURL:    s.PublicURL(account.ID, storedName),
		Metadata: datatypes.NewJSONType(map[string]string{
			"sha256":  saved.SHA256,
			"backend": s.backend.Name(),
		}),
		CreatedAt: s.now(),
	}

	var summary StorageSummary
	err := s.accountant.Serialize(account.ID, func() error {
		reserved, err := s.accountant.AdmitFile(ctx, record)
		if err != nil {
			if errors.Is(err, apperr.ErrQuotaExceeded) {
				metrics.RecordUploadRejected("quota_exceeded", string(account.Plan))
			}
			return err
		}
		summary = Summarize(reserved)
		return nil
	})
	if err != nil {
		return nil, StorageSummary{}, err
	}
	return record, summary, nil
}

// Delete removes one of the account's own files.
func (s *Service) Delete(ctx context.Context, accountID, fileID string) (StorageSummary, error) {
	return s.remove(ctx, fileID, func(f *models.FileRecord) error {
		if f.AccountID != accountID {
			return apperr.ErrForbidden.WithMessage("not your file")
		}
		return nil
	})
}

// AdminDelete removes any file and credits its owner.
func (s *Service) AdminDelete(ctx context.Context, fileID string) (StorageSummary, error) {
	return s.remove(ctx, fileID, func(*models.FileRecord) error { return nil })
}

func (s *Service) remove(ctx context.Context, fileID string, authorize func(*models.FileRecord) error) (StorageSummary, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return StorageSummary{}, err
	}
	if err := authorize(file); err != nil {
		return StorageSummary{}, err
	}

	var summary StorageSummary
	err = s.accountant.Serialize(file.AccountID, func() error {
		removed, account, err := s.accountant.ReleaseFile(ctx, file.ID)
		if err != nil {
			return err
		}
		file = removed
		summary = Summarize(account)
		return nil
	})
	if err != nil {
		return StorageSummary{}, err
	}

	if err := s.backend.Delete(ctx, file.StoragePath); err != nil {
		s.log.Warn("failed to delete artifact", "path", file.StoragePath, "error", err)
	}
	metrics.FilesDeleted.Inc()
	s.log.Info("file deleted", "account_id", file.AccountID, "file_id", file.ID, "storage_used", summary.Used)
	return summary, nil
}

// List returns the account's files, newest first.
func (s *Service) List(ctx context.Context, accountID string) ([]models.FileRecord, error) {
	return s.store.ListFiles(ctx, accountID)
}

// Get returns a file's public metadata with the uploader's username.
func (s *Service) Get(ctx context.Context, fileID string) (*Info, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	info := &Info{FileRecord: *file}
	if owner, err := s.store.GetAccount(ctx, file.AccountID); err == nil {
		info.UploadedBy = owner.Username
	}
	return info, nil
}

// Open returns a file's record and content by its public path. A counted
// open increments the download counter.
func (s *Service) Open(ctx context.Context, accountID, storedName string, countDownload bool) (*models.FileRecord, io.ReadCloser, error) {
	file, err := s.store.GetFileByStoredName(ctx, accountID, storedName)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.backend.Open(ctx, file.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("file record without artifact", "file_id", file.ID, "path", file.StoragePath)
			return nil, nil, apperr.NotFound("file")
		}
		return nil, nil, fmt.Errorf("failed to open artifact: %w", err)
	}

	if countDownload {
		if err := s.store.IncrementDownloads(ctx, file.ID); err != nil {
			s.log.Warn("failed to count download", "file_id", file.ID, "error", err)
		} else {
			file.DownloadCount++
		}
	}
	return file, content, nil
}

// PublicURL is where a stored file is served from.
func (s *Service) PublicURL(accountID, storedName string) string {
	return s.baseURL + "/uploads/" + accountID + "/" + storedName
}

func (s *Service) storedName(name string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate file name: %w", err)
	}
	return fmt.Sprintf("%d-%s-%s", s.now().UnixMilli(), hex.EncodeToString(b), name), nil
}

// sanitizeName keeps the base name and replaces anything outside
// [A-Za-z0-9._-] with '_'.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	name = unsafeChars.ReplaceAllString(name, "_")
	if len(name) > maxNameLength-32 {
		name = name[len(name)-(maxNameLength-32):]
	}
	return name
}

// displayName is the client's file name without any directory part, as long
// as it fits the column.
func displayName(raw, sanitized string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	if name == "." || name == "/" || len(name) > maxNameLength {
		return sanitized
	}
	return name
}

func contentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
