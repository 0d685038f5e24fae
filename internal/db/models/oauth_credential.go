// Package models - oauth_credential.go defines the OAuthCredential model for
// per-organization OAuth client registrations used to refresh access tokens.
package models

import (
	"time"

	"github.com/google/uuid"
)

// OAuthCredential represents an organization's OAuth client for one provider.
// ClientSecretEncrypted holds a vault envelope, never plaintext.
type OAuthCredential struct {
	ID                    uuid.UUID `json:"id" db:"id"`
	OrganizationID        string    `json:"organization_id" db:"organization_id"`
	Provider              string    `json:"provider" db:"provider"`
	ClientID              string    `json:"client_id" db:"client_id"`
	ClientSecretEncrypted string    `json:"-" db:"client_secret_encrypted"`
	TokenEndpoint         *string   `json:"token_endpoint,omitempty" db:"token_endpoint"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// UpsertOAuthCredentialRequest represents the request to register or replace
// an organization's OAuth client for a provider
type UpsertOAuthCredentialRequest struct {
	OrganizationID string  `json:"organization_id" binding:"required"`
	Provider       string  `json:"provider" binding:"required,oneof=drive graph"`
	ClientID       string  `json:"client_id" binding:"required"`
	ClientSecret   string  `json:"client_secret" binding:"required"`
	TokenEndpoint  *string `json:"token_endpoint,omitempty"`
}
