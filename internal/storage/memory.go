package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/liamg/memoryfs"
)

// MemoryBackend implements StorageBackend on an in-memory filesystem. It
// backs tests and single-process demos; contents do not survive a restart.
type MemoryBackend struct {
	mu sync.RWMutex
	fs *memoryfs.FS
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{fs: memoryfs.New()}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error) {
	key, err := cleanKey(opts.Key)
	if err != nil {
		return SaveResult{}, err
	}

	// memoryfs.WriteFile takes the whole content, so buffer first.
	hr := newHashingReader(r, opts.MaxBytes)
	var buf bytes.Buffer
	if _, err := io.CopyBuffer(&buf, hr, make([]byte, copyBufferSize)); err != nil {
		if errors.Is(err, ErrTooLarge) {
			return SaveResult{}, ErrTooLarge
		}
		return SaveResult{}, fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if dir := path.Dir(key); dir != "." {
		if err := m.fs.MkdirAll(dir, 0755); err != nil {
			return SaveResult{}, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := m.fs.WriteFile(key, buf.Bytes(), 0644); err != nil {
		return SaveResult{}, fmt.Errorf("failed to write file: %w", err)
	}
	return hr.result(key), nil
}

func (m *MemoryBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	content, err := m.fs.ReadFile(key)
	m.mu.RUnlock()
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	err = m.fs.Remove(key)
	m.mu.Unlock()
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (m *MemoryBackend) Stat(ctx context.Context, key string) (FileInfo, error) {
	key, err := cleanKey(key)
	if err != nil {
		return FileInfo{}, err
	}
	m.mu.RLock()
	info, err := m.fs.Stat(key)
	m.mu.RUnlock()
	if err != nil {
		if isNotExist(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return FileInfo{Path: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (m *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MemoryBackend) ValidateAccess(ctx context.Context) error {
	return nil
}

// FileCount returns the number of stored artifacts across all accounts.
func (m *MemoryBackend) FileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	fs.WalkDir(m.fs, ".", func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}

// isNotExist also matches memoryfs errors that do not wrap fs.ErrNotExist.
func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "file does not exist") ||
		strings.Contains(errStr, "no such file")
}
