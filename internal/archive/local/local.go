// Package local implements the local filesystem archive backend. It is
// intended for development and single-node deployments; production
// deployments should archive to a cloud object store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloudsync/cloudsync/internal/archive"
	"github.com/cloudsync/cloudsync/internal/config"
)

func init() {
	archive.Register("local", func(cfg *config.AuditArchiveConfig) (archive.Store, error) {
		return New(&cfg.Local)
	})
}

// LocalStore writes archive objects under a base directory
type LocalStore struct {
	basePath string
}

// New creates a local filesystem archive store
func New(cfg *config.LocalArchiveConfig) (*LocalStore, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local archive base path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &LocalStore{basePath: cfg.BasePath}, nil
}

// Put writes one object, creating parent directories as needed. The write
// goes through a temp file and rename so a crashed write never leaves a
// partial archive behind.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".archive-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	return nil
}

// Close is a no-op for the filesystem store
func (s *LocalStore) Close() error {
	return nil
}
