// Package models - cloud_file.go defines the CloudFile model for synced file
// metadata. Only metadata is stored; file content never leaves the provider.
package models

import (
	"time"

	"github.com/google/uuid"
)

// CloudFile represents one file's metadata as last seen at the provider.
// ExternalID is the provider's identifier and the reconciliation key within
// an integration.
type CloudFile struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	IntegrationID uuid.UUID  `json:"integration_id" db:"integration_id"`
	ExternalID    string     `json:"external_id" db:"external_id"`
	Name          string     `json:"name" db:"name"`
	MimeType      string     `json:"mime_type" db:"mime_type"`
	SizeBytes     int64      `json:"size_bytes" db:"size_bytes"`
	ModifiedTime  *time.Time `json:"modified_time,omitempty" db:"modified_time"`
	SyncedAt      time.Time  `json:"synced_at" db:"synced_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}
