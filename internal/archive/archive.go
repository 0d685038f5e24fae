// Package archive defines the Store interface and factory for audit batch
// archival backends.
//
// New backends are added by implementing the Store interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    archive.Register("mybackend", func(cfg *config.AuditArchiveConfig) (archive.Store, error) {
//	        return New(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
// Adding a new backend requires no changes to the factory or main package —
// only a blank import in cmd/server/main.go.
package archive

import (
	"context"
	"fmt"

	"github.com/cloudsync/cloudsync/internal/config"
)

// Store writes finished audit batches to an object store. Archives are
// write-only from the engine's point of view; retrieval happens through the
// store's own tooling.
type Store interface {
	// Put writes one object at the given key
	Put(ctx context.Context, key string, data []byte) error

	// Close releases any client resources
	Close() error
}

// FactoryFunc creates an archive store from configuration
type FactoryFunc func(*config.AuditArchiveConfig) (Store, error)

var factories = make(map[string]FactoryFunc)

// Register registers an archive backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewStore creates an archive store for the configured backend
func NewStore(cfg *config.AuditArchiveConfig) (Store, error) {
	factory, ok := factories[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %s (must be 'local', 'azure', 's3', or 'gcs')", cfg.Backend)
	}

	return factory(cfg)
}
