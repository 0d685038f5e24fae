// Package azure implements the Azure Blob Storage archive backend,
// authenticated with a shared account key.
package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/cloudsync/cloudsync/internal/archive"
	"github.com/cloudsync/cloudsync/internal/config"
)

func init() {
	archive.Register("azure", func(cfg *config.AuditArchiveConfig) (archive.Store, error) {
		return New(&cfg.Azure)
	})
}

// AzureStore writes archive objects to an Azure Blob Storage container
type AzureStore struct {
	client        *azblob.Client
	containerName string
}

// New creates an Azure Blob Storage archive store
func New(cfg *config.AzureArchiveConfig) (*AzureStore, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStore{
		client:        client,
		containerName: cfg.ContainerName,
	}, nil
}

// Put uploads one archive object
func (s *AzureStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.client.UploadBuffer(ctx, s.containerName, key, data, nil); err != nil {
		return fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return nil
}

// Close is a no-op; the Azure client holds no long-lived resources
func (s *AzureStore) Close() error {
	return nil
}
