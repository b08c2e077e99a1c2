package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrTooLarge is returned when content exceeds SaveOptions.MaxBytes.
	ErrTooLarge = errors.New("artifact exceeds maximum allowed size")
	// ErrInvalidKey is returned for keys that are empty, absolute or escape
	// the backend root.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// copyBufferSize is the buffer size used for copies (8MB aligns with S3 multipart upload parts)
const copyBufferSize = 8 * 1024 * 1024

// SaveOptions describes an artifact to be written.
type SaveOptions struct {
	// Key is the artifact path relative to the backend root, e.g.
	// "<account id>/<stored name>".
	Key         string
	ContentType string
	// MaxBytes aborts the write once exceeded. Zero means unlimited.
	MaxBytes int64
}

type SaveResult struct {
	Path   string
	Size   int64
	SHA256 string
}

type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// StorageBackend stores the bytes of uploaded files. Record keeping and
// quota accounting live elsewhere; a backend only knows keys and content.
type StorageBackend interface {
	// Name identifies the backend in file metadata and health output.
	Name() string
	Save(ctx context.Context, r io.Reader, opts SaveOptions) (SaveResult, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	Stat(ctx context.Context, key string) (FileInfo, error)
	// HealthCheck is cheap and safe for frequent polling.
	HealthCheck(ctx context.Context) error
	// ValidateAccess performs a full write/read/delete round trip.
	ValidateAccess(ctx context.Context) error
}

// Key joins an account id and stored file name into an artifact key.
func Key(accountID, storedName string) string {
	return accountID + "/" + storedName
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// limitedReader errors with ErrTooLarge as soon as more than max bytes
// are read, so oversized uploads stop without being written in full.
type limitedReader struct {
	reader    io.Reader
	remaining int64
	done      bool
}

func newLimitedReader(r io.Reader, max int64) io.Reader {
	if max <= 0 {
		return r
	}
	return &limitedReader{reader: r, remaining: max}
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if lr.done {
		return 0, io.EOF
	}
	if lr.remaining <= 0 {
		return 0, ErrTooLarge
	}

	if int64(len(p)) > lr.remaining {
		p = p[:lr.remaining]
	}
	n, err := lr.reader.Read(p)
	lr.remaining -= int64(n)

	if lr.remaining <= 0 && err == nil {
		// Exactly at the limit: only a clean EOF next means the content fits.
		var probe [1]byte
		probeN, probeErr := lr.reader.Read(probe[:])
		if probeN > 0 || (probeErr != nil && probeErr != io.EOF) {
			return n, ErrTooLarge
		}
		lr.done = true
		return n, io.EOF
	}
	return n, err
}

// hashingReader computes a SHA-256 over everything read through it.
type hashingReader struct {
	reader io.Reader
	hasher hash.Hash
	size   int64
}

func newHashingReader(r io.Reader, max int64) *hashingReader {
	return &hashingReader{reader: newLimitedReader(r, max), hasher: sha256.New()}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.reader.Read(p)
	if n > 0 {
		h.hasher.Write(p[:n])
		h.size += int64(n)
	}
	return n, err
}

func (h *hashingReader) result(key string) SaveResult {
	return SaveResult{Path: key, Size: h.size, SHA256: hex.EncodeToString(h.hasher.Sum(nil))}
}
