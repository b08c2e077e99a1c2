package storage

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/agjmills/hoard/internal/config"
	"github.com/agjmills/hoard/internal/logger"
)

// DefaultBackend is used when STORAGE_BACKEND is unset.
const DefaultBackend = "disk"

type backendFactory func(cfg *config.Config) (StorageBackend, error)

var backendFactories = map[string]backendFactory{
	"disk": func(cfg *config.Config) (StorageBackend, error) {
		return NewDiskBackend(cfg.StoragePath)
	},
	// Artifacts vanish with the process, like records written during a
	// database outage.
	"memory": func(*config.Config) (StorageBackend, error) {
		return NewMemoryBackend(), nil
	},
	"s3": func(cfg *config.Config) (StorageBackend, error) {
		return NewS3Backend(S3Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			Bucket:       cfg.S3Bucket,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
			TempDir:      cfg.TempDir,
		})
	},
}

// SupportedBackends lists the accepted STORAGE_BACKEND values.
func SupportedBackends() []string {
	return slices.Sorted(maps.Keys(backendFactories))
}

// NewBackendFromConfig builds the artifact store named by cfg.StorageBackend.
// Names are case-insensitive.
func NewBackendFromConfig(cfg *config.Config) (StorageBackend, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if name == "" {
		name = DefaultBackend
	}
	factory, ok := backendFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q (supported: %s)",
			cfg.StorageBackend, strings.Join(SupportedBackends(), ", "))
	}
	backend, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage backend %s: %w", name, err)
	}
	logger.Info("artifact storage ready", "backend", backend.Name())
	return backend, nil
}
