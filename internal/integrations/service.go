// Package integrations implements the connection lifecycle for provider
// accounts: connecting (or reconnecting) an account encrypts the OAuth tokens
// into vault envelopes before anything touches the database, registering an
// organization's OAuth client does the same for the client secret, and every
// mutation emits an audit event.
package integrations

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloudsync/cloudsync/internal/audit"
	"github.com/cloudsync/cloudsync/internal/db/models"
	"github.com/cloudsync/cloudsync/internal/vault"
)

// IntegrationStore is the subset of integration persistence the service needs
type IntegrationStore interface {
	Upsert(ctx context.Context, integration *models.Integration) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// CredentialStore persists per-organization OAuth clients
type CredentialStore interface {
	Upsert(ctx context.Context, cred *models.OAuthCredential) error
}

// TokenVault encrypts secrets into storage envelopes
type TokenVault interface {
	Encrypt(ctx context.Context, plaintext, classification string) (string, error)
}

// Service handles integration lifecycle operations
type Service struct {
	integrations IntegrationStore
	credentials  CredentialStore
	tokens       TokenVault
	auditLog     *audit.Logger
}

// NewService creates an integration service
func NewService(integrations IntegrationStore, credentials CredentialStore, tokens TokenVault, auditLog *audit.Logger) *Service {
	return &Service{
		integrations: integrations,
		credentials:  credentials,
		tokens:       tokens,
		auditLog:     auditLog,
	}
}

// Connect stores a provider connection for a user. Reconnecting an existing
// (user, provider) pair replaces the stored tokens in place and clears any
// re-auth flag; it never creates a duplicate. Plaintext tokens exist only for
// the duration of this call.
func (s *Service) Connect(ctx context.Context, req *models.CreateIntegrationRequest, clientIP string) (*models.Integration, error) {
	accessEnc, err := s.tokens.Encrypt(ctx, req.AccessToken, vault.ClassificationCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var refreshEnc *string
	if req.RefreshToken != "" {
		enc, err := s.tokens.Encrypt(ctx, req.RefreshToken, vault.ClassificationCredentials)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		refreshEnc = &enc
	}

	var expiresAt *time.Time
	if req.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	now := time.Now()
	integration := &models.Integration{
		ID:                    uuid.New(),
		UserID:                req.UserID,
		OrganizationID:        req.OrganizationID,
		Provider:              req.Provider,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		TokenExpiresAt:        expiresAt,
		ProfileID:             req.Profile.ID,
		ProfileEmail:          req.Profile.Email,
		ProfileDisplayName:    req.Profile.DisplayName,
		IsActive:              true,
		LastSyncStatus:        models.SyncStatusNever,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.integrations.Upsert(ctx, integration); err != nil {
		return nil, fmt.Errorf("failed to store integration: %w", err)
	}

	if err := s.auditLog.Log(ctx, audit.Event{
		Action:         "create",
		ActorID:        req.UserID,
		OrganizationID: req.OrganizationID,
		ResourceType:   "integration",
		ResourceID:     integration.ID.String(),
		RiskLevel:      models.RiskLevelMedium,
		IPAddress:      clientIP,
		Metadata: map[string]interface{}{
			"provider":      req.Provider,
			"profile_email": req.Profile.Email,
		},
	}); err != nil {
		return nil, err
	}

	return integration, nil
}

// Get returns one integration, or nil when it does not exist
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	return s.integrations.GetByID(ctx, id)
}

// SetActive enables or disables an integration. Disabled integrations are
// excluded from scheduled and manual syncs until re-enabled.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool, actorID, clientIP string) (*models.Integration, error) {
	integration, err := s.integrations.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	if integration == nil {
		return nil, nil
	}

	if err := s.integrations.SetActive(ctx, id, active); err != nil {
		return nil, fmt.Errorf("failed to update integration: %w", err)
	}
	integration.IsActive = active

	if err := s.auditLog.Log(ctx, audit.Event{
		Action:         "update",
		ActorID:        actorID,
		OrganizationID: integration.OrganizationID,
		ResourceType:   "integration",
		ResourceID:     id.String(),
		RiskLevel:      models.RiskLevelLow,
		IPAddress:      clientIP,
		Metadata: map[string]interface{}{
			"is_active": active,
		},
	}); err != nil {
		return nil, err
	}

	return integration, nil
}

// RegisterOAuthClient stores an organization's OAuth client for a provider,
// encrypting the client secret before persistence
func (s *Service) RegisterOAuthClient(ctx context.Context, req *models.UpsertOAuthCredentialRequest, actorID, clientIP string) (*models.OAuthCredential, error) {
	secretEnc, err := s.tokens.Encrypt(ctx, req.ClientSecret, vault.ClassificationCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	now := time.Now()
	cred := &models.OAuthCredential{
		ID:                    uuid.New(),
		OrganizationID:        req.OrganizationID,
		Provider:              req.Provider,
		ClientID:              req.ClientID,
		ClientSecretEncrypted: secretEnc,
		TokenEndpoint:         req.TokenEndpoint,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.credentials.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store OAuth client: %w", err)
	}

	if err := s.auditLog.Log(ctx, audit.Event{
		Action:         "update",
		ActorID:        actorID,
		OrganizationID: req.OrganizationID,
		ResourceType:   "oauth_credential",
		ResourceID:     cred.ID.String(),
		RiskLevel:      models.RiskLevelHigh,
		IPAddress:      clientIP,
		Metadata: map[string]interface{}{
			"provider":  req.Provider,
			"client_id": req.ClientID,
		},
	}); err != nil {
		return nil, err
	}

	return cred, nil
}
