package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

// Compile-time interface compliance.
var (
	_ StorageBackend = (*DiskBackend)(nil)
	_ StorageBackend = (*MemoryBackend)(nil)
	_ StorageBackend = (*S3Backend)(nil)
)

func backends(t *testing.T) map[string]StorageBackend {
	t.Helper()

	disk, err := NewDiskBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskBackend() error = %v", err)
	}
	t.Cleanup(func() { disk.Close() })

	return map[string]StorageBackend{
		"disk":   disk,
		"memory": NewMemoryBackend(),
	}
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestBackend_SaveOpenStatDelete(t *testing.T) {
	ctx := context.Background()
	content := []byte("Hello, Hoard!")
	key := Key("acct-1", "1700000000000-ab12cd-report.pdf")

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			res, err := b.Save(ctx, bytes.NewReader(content), SaveOptions{Key: key, ContentType: "application/pdf"})
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if res.Path != key {
				t.Errorf("Path = %q, want %q", res.Path, key)
			}
			if res.Size != int64(len(content)) {
				t.Errorf("Size = %d, want %d", res.Size, len(content))
			}
			if res.SHA256 != sha(content) {
				t.Errorf("SHA256 = %s, want %s", res.SHA256, sha(content))
			}

			info, err := b.Stat(ctx, key)
			if err != nil {
				t.Fatalf("Stat() error = %v", err)
			}
			if info.Size != int64(len(content)) {
				t.Errorf("Stat size = %d", info.Size)
			}

			rc, err := b.Open(ctx, key)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			got, _ := io.ReadAll(rc)
			rc.Close()
			if !bytes.Equal(got, content) {
				t.Errorf("content = %q, want %q", got, content)
			}

			if err := b.Delete(ctx, key); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := b.Open(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Errorf("Open after delete error = %v, want ErrNotFound", err)
			}
			if _, err := b.Stat(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Errorf("Stat after delete error = %v, want ErrNotFound", err)
			}
			// Idempotent.
			if err := b.Delete(ctx, key); err != nil {
				t.Errorf("second Delete() error = %v", err)
			}
		})
	}
}

func TestBackend_EmptyFile(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			res, err := b.Save(context.Background(), strings.NewReader(""), SaveOptions{Key: "acct/empty.txt"})
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if res.Size != 0 || res.SHA256 != sha(nil) {
				t.Errorf("got size %d hash %s", res.Size, res.SHA256)
			}
		})
	}
}

func TestBackend_MaxBytes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		size    int
		max     int64
		wantErr error
	}{
		{name: "under limit", size: 99, max: 100},
		{name: "exactly at limit", size: 100, max: 100},
		{name: "over limit", size: 101, max: 100, wantErr: ErrTooLarge},
		{name: "no limit", size: 4096, max: 0},
	}

	for name, b := range backends(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				key := Key("acct", tt.name)
				res, err := b.Save(ctx, bytes.NewReader(make([]byte, tt.size)), SaveOptions{Key: key, MaxBytes: tt.max})
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Save() error = %v, want %v", err, tt.wantErr)
				}
				if tt.wantErr != nil {
					if _, err := b.Stat(ctx, key); !errors.Is(err, ErrNotFound) {
						t.Errorf("rejected upload left an artifact behind: %v", err)
					}
					return
				}
				if res.Size != int64(tt.size) {
					t.Errorf("Size = %d, want %d", res.Size, tt.size)
				}
			})
		}
	}
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("connection reset")
	}
	n := min(len(p), f.after)
	f.after -= n
	return n, nil
}

func TestBackend_ReadErrorLeavesNothing(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Save(ctx, &failingReader{after: 1024}, SaveOptions{Key: "acct/broken.bin"})
			if err == nil {
				t.Fatal("expected an error")
			}
			if _, err := b.Stat(ctx, "acct/broken.bin"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Stat() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestBackend_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		for _, key := range []string{"", "/etc/passwd", "../escape", "acct/../../escape", `acct\file`} {
			t.Run(name+"/"+key, func(t *testing.T) {
				_, err := b.Save(ctx, strings.NewReader("x"), SaveOptions{Key: key})
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Save(%q) error = %v, want ErrInvalidKey", key, err)
				}
			})
		}
	}
}

func TestBackend_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					content := []byte(fmt.Sprintf("file %d", i))
					if _, err := b.Save(ctx, bytes.NewReader(content), SaveOptions{Key: Key("acct", fmt.Sprintf("f%d.txt", i))}); err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("concurrent Save() error = %v", err)
			}

			for i := 0; i < 20; i++ {
				if _, err := b.Stat(ctx, Key("acct", fmt.Sprintf("f%d.txt", i))); err != nil {
					t.Errorf("file %d missing: %v", i, err)
				}
			}
		})
	}
}

func TestBackend_HealthAndAccess(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.HealthCheck(ctx); err != nil {
				t.Errorf("HealthCheck() error = %v", err)
			}
			if err := b.ValidateAccess(ctx); err != nil {
				t.Errorf("ValidateAccess() error = %v", err)
			}
		})
	}
}

func TestMemoryBackend_FileCount(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	for _, key := range []string{"a/1", "a/2", "b/1"} {
		if _, err := m.Save(ctx, strings.NewReader(key), SaveOptions{Key: key}); err != nil {
			t.Fatalf("Save(%q) error = %v", key, err)
		}
	}
	if got := m.FileCount(); got != 3 {
		t.Errorf("FileCount() = %d, want 3", got)
	}
	m.Delete(ctx, "a/1")
	if got := m.FileCount(); got != 2 {
		t.Errorf("FileCount() after delete = %d, want 2", got)
	}
}

func TestDiskBackend_CreatesNestedBasePath(t *testing.T) {
	base := t.TempDir() + "/nested/deep/storage"
	d, err := NewDiskBackend(base)
	if err != nil {
		t.Fatalf("NewDiskBackend() error = %v", err)
	}
	defer d.Close()
	if err := d.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
