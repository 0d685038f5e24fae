// oauth_credential_repository.go implements OAuthCredentialRepository,
// providing storage for per-organization OAuth client registrations.
package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cloudsync/cloudsync/internal/db/models"
)

// OAuthCredentialRepository handles database operations for OAuth clients
type OAuthCredentialRepository struct {
	db *sqlx.DB
}

// NewOAuthCredentialRepository creates a new OAuthCredentialRepository
func NewOAuthCredentialRepository(db *sqlx.DB) *OAuthCredentialRepository {
	return &OAuthCredentialRepository{db: db}
}

// Upsert creates or replaces an organization's OAuth client for a provider
func (r *OAuthCredentialRepository) Upsert(ctx context.Context, cred *models.OAuthCredential) error {
	query := `
		INSERT INTO oauth_credentials (
			id, organization_id, provider, client_id, client_secret_encrypted,
			token_endpoint, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		) ON CONFLICT (organization_id, provider) DO UPDATE SET
			client_id = $4, client_secret_encrypted = $5,
			token_endpoint = $6, updated_at = $8
		RETURNING id, created_at`

	return r.db.QueryRowContext(ctx, query,
		cred.ID, cred.OrganizationID, cred.Provider, cred.ClientID,
		cred.ClientSecretEncrypted, cred.TokenEndpoint,
		cred.CreatedAt, cred.UpdatedAt,
	).Scan(&cred.ID, &cred.CreatedAt)
}

// GetByOrgProvider retrieves an organization's OAuth client for a provider
func (r *OAuthCredentialRepository) GetByOrgProvider(ctx context.Context, organizationID, provider string) (*models.OAuthCredential, error) {
	var cred models.OAuthCredential
	query := `SELECT * FROM oauth_credentials WHERE organization_id = $1 AND provider = $2`
	err := r.db.GetContext(ctx, &cred, query, organizationID, provider)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cred, err
}

// ListAll pages through every OAuth client ordered by ID. Used by key rotation
// to re-encrypt stored client secrets.
func (r *OAuthCredentialRepository) ListAll(ctx context.Context, afterID uuid.UUID, limit int) ([]*models.OAuthCredential, error) {
	var creds []*models.OAuthCredential
	query := `SELECT * FROM oauth_credentials WHERE id > $1 ORDER BY id ASC LIMIT $2`
	err := r.db.SelectContext(ctx, &creds, query, afterID, limit)
	return creds, err
}

// UpdateEncryptedSecret replaces the stored client secret envelope
func (r *OAuthCredentialRepository) UpdateEncryptedSecret(ctx context.Context, id uuid.UUID, secretEnc string) error {
	query := `UPDATE oauth_credentials SET client_secret_encrypted = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, secretEnc)
	return err
}
