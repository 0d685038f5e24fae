// Package models - integration.go defines the Integration model for connected
// cloud document provider accounts, including encrypted OAuth tokens, provider
// profile details, and sync state.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider kinds supported by the engine.
const (
	ProviderDrive = "drive"
	ProviderGraph = "graph"
)

// Sync status values for Integration.LastSyncStatus.
const (
	SyncStatusNever   = "never"
	SyncStatusRunning = "running"
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
)

// Integration represents a user's connection to a cloud document provider.
// Token fields hold vault envelopes, never plaintext.
type Integration struct {
	ID                    uuid.UUID  `json:"id" db:"id"`
	UserID                string     `json:"user_id" db:"user_id"`
	OrganizationID        string     `json:"organization_id" db:"organization_id"`
	Provider              string     `json:"provider" db:"provider"` // drive, graph
	AccessTokenEncrypted  string     `json:"-" db:"access_token_encrypted"`
	RefreshTokenEncrypted *string    `json:"-" db:"refresh_token_encrypted"`
	TokenExpiresAt        *time.Time `json:"token_expires_at,omitempty" db:"token_expires_at"`
	ProfileID             string     `json:"profile_id" db:"profile_id"`
	ProfileEmail          string     `json:"profile_email" db:"profile_email"`
	ProfileDisplayName    string     `json:"profile_display_name" db:"profile_display_name"`
	IsActive              bool       `json:"is_active" db:"is_active"`
	NeedsReauth           bool       `json:"needs_reauth" db:"needs_reauth"`
	LastSyncAt            *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`
	LastSyncStatus        string     `json:"last_sync_status" db:"last_sync_status"` // never, running, success, failed
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// CreateIntegrationRequest represents the request to connect a provider account
type CreateIntegrationRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	OrganizationID string `json:"organization_id" binding:"required"`
	Provider       string `json:"provider" binding:"required,oneof=drive graph"`
	AccessToken    string `json:"access_token" binding:"required"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"` // Seconds until the access token expires
	Profile        struct {
		ID          string `json:"id" binding:"required"`
		Email       string `json:"email,omitempty"`
		DisplayName string `json:"display_name,omitempty"`
	} `json:"profile" binding:"required"`
}
