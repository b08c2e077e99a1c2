package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agjmills/hoard/internal/database/models"
	"github.com/agjmills/hoard/internal/files"
)

func multipartRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		fw.Write(content)
	}
	mw.WriteField("note", "ignored")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func upload(t *testing.T, h *FileHandler, acc *models.Account, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	return route(http.MethodPost, "/api/upload", h.Upload, acc, multipartRequest(t, "file", filename, content))
}

func TestFileHandler_UploadListServeDelete(t *testing.T) {
	env := newTestEnv(t, "sandbox")
	acc := env.register(t, "alice")
	h := NewFileHandler(env.files, env.cfg)

	content := []byte("hello, hoard")
	rec := upload(t, h, acc, "greeting.txt", content)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	up := decode[UploadResponse](t, rec)
	if up.File.OriginalName != "greeting.txt" || up.File.SizeBytes != int64(len(content)) {
		t.Errorf("file = %+v", up.File)
	}
	if up.Storage.TotalFiles != 1 || up.Storage.Used <= 0 || up.Storage.Limit != 100 {
		t.Errorf("storage = %+v", up.Storage)
	}
	if !strings.HasPrefix(up.File.PublicURL, "http://localhost:8080/uploads/"+acc.ID+"/") {
		t.Errorf("public url = %q", up.File.PublicURL)
	}
	if up.File.DownloadURL != up.File.PublicURL+"?download=1" {
		t.Errorf("download url = %q", up.File.DownloadURL)
	}

	rec = route(http.MethodGet, "/api/user/files", h.List, acc, httptest.NewRequest(http.MethodGet, "/api/user/files", nil))
	list := decode[FilesResponse](t, rec)
	if list.Count != 1 || list.Files[0].ID != up.File.ID {
		t.Fatalf("list = %+v", list)
	}

	rec = route(http.MethodGet, "/api/file/{id}", h.Get, nil, httptest.NewRequest(http.MethodGet, "/api/file/"+up.File.ID, nil))
	info := decode[FileInfoResponse](t, rec)
	if rec.Code != http.StatusOK || info.File.UploadedBy != "alice" {
		t.Errorf("info = %d %+v", rec.Code, info.File)
	}

	servePath := "/uploads/" + acc.ID + "/" + up.File.StoredName
	rec = route(http.MethodGet, "/uploads/{accountID}/{name}", h.Serve, nil, httptest.NewRequest(http.MethodGet, servePath, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != string(content) {
		t.Fatalf("serve = %d %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "inline") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rec = route(http.MethodGet, "/uploads/{accountID}/{name}", h.Serve, nil, httptest.NewRequest(http.MethodGet, servePath+"?download=1", nil))
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, `attachment; filename="greeting.txt"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	stored, _ := env.store.GetFile(context.Background(), up.File.ID)
	if stored.DownloadCount != 1 {
		t.Errorf("DownloadCount = %d, want 1", stored.DownloadCount)
	}

	rec = route(http.MethodDelete, "/api/file/{id}", h.Delete, acc, httptest.NewRequest(http.MethodDelete, "/api/file/"+up.File.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	del := decode[StorageResponse](t, rec)
	if del.Storage.Used != 0 || del.Storage.TotalFiles != 0 {
		t.Errorf("storage after delete = %+v", del.Storage)
	}
	if env.backend.FileCount() != 0 {
		t.Errorf("artifact left behind")
	}
}

func TestFileHandler_UploadRejections(t *testing.T) {
	tests := []struct {
		name       string
		maxUpload  int64
		limitMB    float64
		req        func(t *testing.T) *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name:       "no file part",
			req:        func(t *testing.T) *http.Request { return multipartRequest(t, "", "", nil) },
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_input",
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return jsonRequest(t, http.MethodPost, "/api/upload", map[string]string{"file": "x"})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_input",
		},
		{
			name:       "above the free per-file cap",
			req:        func(t *testing.T) *http.Request { return multipartRequest(t, "file", "big.bin", make([]byte, mb+1)) },
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "file_too_large",
		},
		{
			name:       "above the request cap",
			maxUpload:  1024,
			req:        func(t *testing.T) *http.Request { return multipartRequest(t, "file", "big.bin", make([]byte, 4096)) },
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "file_too_large",
		},
		{
			name:       "quota exhausted",
			limitMB:    0.001,
			req:        func(t *testing.T) *http.Request { return multipartRequest(t, "file", "a.bin", make([]byte, 4096)) },
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "quota_exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "sandbox")
			if tt.maxUpload > 0 {
				env.cfg.MaxUploadSize = tt.maxUpload
			}
			acc := env.register(t, "alice")
			if tt.limitMB > 0 {
				acc.StorageLimit = tt.limitMB
				env.store.PutAccount(acc)
			}
			h := NewFileHandler(env.files, env.cfg)

			rec := route(http.MethodPost, "/api/upload", h.Upload, acc, tt.req(t))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if body := decode[errorBody](t, rec); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if env.backend.FileCount() != 0 {
				t.Errorf("rejected upload left %d artifacts", env.backend.FileCount())
			}
		})
	}
}

func TestFileHandler_DeleteForeignFile(t *testing.T) {
	env := newTestEnv(t, "sandbox")
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	h := NewFileHandler(env.files, env.cfg)

	record, _, err := env.files.Upload(context.Background(), alice.ID, files.FileMeta{
		Name: "private.txt", SizeBytes: -1, Content: strings.NewReader("secret"),
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	rec := route(http.MethodDelete, "/api/file/{id}", h.Delete, bob, httptest.NewRequest(http.MethodDelete, "/api/file/"+record.ID, nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if _, err := env.store.GetFile(context.Background(), record.ID); err != nil {
		t.Errorf("file was removed: %v", err)
	}
}

func TestFileHandler_ServeMissing(t *testing.T) {
	env := newTestEnv(t, "sandbox")
	h := NewFileHandler(env.files, env.cfg)

	rec := route(http.MethodGet, "/uploads/{accountID}/{name}", h.Serve, nil,
		httptest.NewRequest(http.MethodGet, "/uploads/nobody/missing.txt", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Code != "not_found" {
		t.Errorf("code = %q", body.Code)
	}
}
