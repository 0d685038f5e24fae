// Package gcs implements the Google Cloud Storage archive backend. It
// supports Application Default Credentials and service account JSON keys, and
// a custom endpoint for GCS emulators.
package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/cloudsync/cloudsync/internal/archive"
	appconfig "github.com/cloudsync/cloudsync/internal/config"
)

func init() {
	archive.Register("gcs", func(cfg *appconfig.AuditArchiveConfig) (archive.Store, error) {
		return New(&cfg.GCS)
	})
}

// GCSStore writes archive objects to a Google Cloud Storage bucket
type GCSStore struct {
	client *storage.Client
	bucket string
}

// New creates a Google Cloud Storage archive store. With no explicit
// credentials it uses Application Default Credentials, which covers the
// GOOGLE_APPLICATION_CREDENTIALS env var, the GCE/GKE metadata service, and
// gcloud auth application-default login.
func New(cfg *appconfig.GCSArchiveConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put uploads one archive object
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return nil
}

// Close closes the GCS client
func (s *GCSStore) Close() error {
	return s.client.Close()
}
