// Package models - encryption_key.go defines the EncryptionKey model for
// versioned data keys. KeyMaterial holds the data key sealed under the master
// key-encryption key; plaintext key bytes are never persisted.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Rotation triggers recorded in audit metadata.
const (
	RotationTriggerScheduled  = "scheduled"
	RotationTriggerManual     = "manual"
	RotationTriggerCompromise = "compromise"
)

// EncryptionKey represents one version of a named data key
type EncryptionKey struct {
	ID             uuid.UUID `json:"id" db:"id"`
	KeyName        string    `json:"key_name" db:"key_name"`
	Version        int       `json:"version" db:"version"`
	KeyMaterial    string    `json:"-" db:"key_material"` // Sealed under the master KEK
	Classification string    `json:"classification" db:"classification"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
