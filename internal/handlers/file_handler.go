package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/agjmills/hoard/internal/apperr"
	"github.com/agjmills/hoard/internal/auth"
	"github.com/agjmills/hoard/internal/config"
	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/files"
	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/middleware"
	"github.com/go-chi/chi/v5"
)

type FileHandler struct {
	files *files.Service
	cfg   *config.Config
}

func NewFileHandler(fileService *files.Service, cfg *config.Config) *FileHandler {
	return &FileHandler{
		files: fileService,
		cfg:   cfg,
	}
}

// FileView is how a file is presented to its owner.
type FileView struct {
	models.FileRecord
	SizeMB      string `json:"size_mb"`
	DownloadURL string `json:"download_url"`
}

func newFileView(f models.FileRecord) FileView {
	return FileView{
		FileRecord:  f,
		SizeMB:      fmt.Sprintf("%.2f", f.SizeMB()),
		DownloadURL: f.PublicURL + "?download=1",
	}
}

type UploadResponse struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	File    FileView             `json:"file"`
	Storage files.StorageSummary `json:"storage"`
}

type FilesResponse struct {
	Success bool       `json:"success"`
	Files   []FileView `json:"files"`
	Count   int        `json:"count"`
}

type FileInfoResponse struct {
	Success bool        `json:"success"`
	File    *files.Info `json:"file"`
}

type StorageResponse struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Storage files.StorageSummary `json:"storage"`
}

func (h *FileHandler) uploadTooLarge() error {
	return apperr.ErrFileTooLarge.WithMessage(fmt.Sprintf("File too large (max %d MB)", h.cfg.MaxUploadSize/(1024*1024)))
}

// Upload streams the multipart field "file" into storage.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	acc := auth.GetAccount(r)

	if r.ContentLength > h.cfg.MaxUploadSize {
		middleware.WriteError(w, r, h.uploadTooLarge())
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize)

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		middleware.WriteError(w, r, apperr.Validation("Expected a multipart upload"))
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			middleware.WriteError(w, r, h.uploadError(err))
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			io.Copy(io.Discard, part)
			part.Close()
			continue
		}

		record, summary, err := h.files.Upload(r.Context(), acc.ID, files.FileMeta{
			Name:        part.FileName(),
			SizeBytes:   declaredSize(part),
			ContentType: part.Header.Get("Content-Type"),
			Content:     part,
		})
		part.Close()
		if err != nil {
			middleware.WriteError(w, r, h.uploadError(err))
			return
		}

		middleware.WriteJSON(w, http.StatusCreated, UploadResponse{
			Success: true,
			Message: "File hosted successfully!",
			File:    newFileView(*record),
			Storage: summary,
		})
		return
	}

	middleware.WriteError(w, r, apperr.Validation("No file uploaded"))
}

func (h *FileHandler) uploadError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return h.uploadTooLarge()
	}
	if apperr.IsDomain(err) {
		return err
	}
	if errors.Is(err, multipart.ErrMessageTooLarge) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperr.Validation("Failed to parse multipart form")
	}
	return err
}

// declaredSize reads a per-part Content-Length if the client sent one.
func declaredSize(part *multipart.Part) int64 {
	if n, err := strconv.ParseInt(part.Header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
		return n
	}
	return -1
}

// List returns the signed-in account's files, newest first.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	acc := auth.GetAccount(r)
	records, err := h.files.List(r.Context(), acc.ID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	views := make([]FileView, 0, len(records))
	for _, f := range records {
		views = append(views, newFileView(f))
	}
	middleware.WriteJSON(w, http.StatusOK, FilesResponse{Success: true, Files: views, Count: len(views)})
}

// Get returns a file's public metadata.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.files.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, FileInfoResponse{Success: true, File: info})
}

func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	acc := auth.GetAccount(r)
	summary, err := h.files.Delete(r.Context(), acc.ID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, StorageResponse{Success: true, Message: "File deleted", Storage: summary})
}

// Serve streams a hosted file. With ?download=1 it is sent as an attachment
// and counted.
func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	download := r.URL.Query().Get("download") == "1"
	record, content, err := h.files.Open(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "name"), download)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	defer content.Close()

	disposition := "inline"
	if download {
		disposition = "attachment"
	}
	safeName := strings.ReplaceAll(record.OriginalName, `"`, `\"`)
	w.Header().Set("Content-Type", record.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`,
		disposition, safeName, url.PathEscape(record.OriginalName)))
	w.Header().Set("Content-Length", strconv.FormatInt(record.SizeBytes, 10))

	if _, err := io.Copy(w, content); err != nil {
		logger.Warn("error streaming file", "file_id", record.ID, "error", err)
	}
}
