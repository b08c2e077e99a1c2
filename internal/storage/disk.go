package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/google/uuid"
)

// DiskBackend implements StorageBackend on the local filesystem. All
// operations go through os.Root, so keys cannot escape basePath.
type DiskBackend struct {
	root     *os.Root
	basePath string
}

// NewDiskBackend creates basePath if needed and opens it as the sandbox root.
func NewDiskBackend(basePath string) (*DiskBackend, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	root, err := os.OpenRoot(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage root: %w", err)
	}

	return &DiskBackend{root: root, basePath: basePath}, nil
}

func (d *DiskBackend) Name() string { return "disk" }

// Save writes to a temporary sibling and renames it into place, so a
// partially written upload is never visible under its key.
func (d *DiskBackend) Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error) {
	key, err := cleanKey(opts.Key)
	if err != nil {
		return SaveResult{}, err
	}
	if dir := path.Dir(key); dir != "." {
		if err := d.root.MkdirAll(dir, 0755); err != nil {
			return SaveResult{}, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	tmp := key + ".part-" + uuid.NewString()
	file, err := d.root.Create(tmp)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to create file: %w", err)
	}

	hr := newHashingReader(r, opts.MaxBytes)
	buf := make([]byte, copyBufferSize)
	_, copyErr := io.CopyBuffer(file, hr, buf)
	closeErr := file.Close()

	if copyErr != nil || closeErr != nil {
		d.root.Remove(tmp)
		if errors.Is(copyErr, ErrTooLarge) {
			return SaveResult{}, ErrTooLarge
		}
		if copyErr == nil {
			copyErr = closeErr
		}
		return SaveResult{}, fmt.Errorf("failed to write file: %w", copyErr)
	}

	if err := d.root.Rename(tmp, key); err != nil {
		d.root.Remove(tmp)
		return SaveResult{}, fmt.Errorf("failed to finalize file: %w", err)
	}
	return hr.result(key), nil
}

func (d *DiskBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	file, err := d.root.Open(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes a file and, when it was the last one, its account
// directory. Missing files are not an error.
func (d *DiskBackend) Delete(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := d.root.Remove(key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if dir := path.Dir(key); dir != "." {
		// Fails harmlessly while the directory still has files.
		d.root.Remove(dir)
	}
	return nil
}

func (d *DiskBackend) Stat(ctx context.Context, key string) (FileInfo, error) {
	key, err := cleanKey(key)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := d.root.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return FileInfo{Path: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (d *DiskBackend) HealthCheck(ctx context.Context) error {
	if _, err := d.root.Stat("."); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}

func (d *DiskBackend) ValidateAccess(ctx context.Context) error {
	testFilename := ".hoard-access-test-" + uuid.NewString()
	testContent := []byte("hoard-storage-test")

	if err := d.root.WriteFile(testFilename, testContent, 0644); err != nil {
		return fmt.Errorf("storage write test failed (%s): %w", d.basePath, err)
	}
	defer d.root.Remove(testFilename)

	readContent, err := d.root.ReadFile(testFilename)
	if err != nil {
		return fmt.Errorf("storage read test failed (%s): %w", d.basePath, err)
	}
	if !bytes.Equal(readContent, testContent) {
		return fmt.Errorf("storage read test failed (%s): content mismatch", d.basePath)
	}

	if err := d.root.Remove(testFilename); err != nil {
		return fmt.Errorf("storage delete test failed (%s): %w", d.basePath, err)
	}
	return nil
}

// Close releases the root directory handle.
func (d *DiskBackend) Close() error {
	return d.root.Close()
}
