// integration_repository.go implements IntegrationRepository, providing database
// queries for connected provider accounts, the atomic sync-status gate, and
// encrypted token persistence.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cloudsync/cloudsync/internal/db/models"
)

// IntegrationRepository handles database operations for integrations
type IntegrationRepository struct {
	db *sqlx.DB
}

// NewIntegrationRepository creates a new IntegrationRepository
func NewIntegrationRepository(db *sqlx.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

// Upsert creates an integration or, on conflict with (user_id, provider),
// replaces its tokens and profile in place. Reconnecting never duplicates.
func (r *IntegrationRepository) Upsert(ctx context.Context, integration *models.Integration) error {
	query := `
		INSERT INTO integrations (
			id, user_id, organization_id, provider,
			access_token_encrypted, refresh_token_encrypted, token_expires_at,
			profile_id, profile_email, profile_display_name,
			is_active, needs_reauth, last_sync_status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		) ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token_encrypted = $5, refresh_token_encrypted = $6,
			token_expires_at = $7, profile_id = $8, profile_email = $9,
			profile_display_name = $10, is_active = $11, needs_reauth = FALSE,
			updated_at = $15
		RETURNING id, created_at, last_sync_status`

	return r.db.QueryRowContext(ctx, query,
		integration.ID, integration.UserID, integration.OrganizationID, integration.Provider,
		integration.AccessTokenEncrypted, integration.RefreshTokenEncrypted, integration.TokenExpiresAt,
		integration.ProfileID, integration.ProfileEmail, integration.ProfileDisplayName,
		integration.IsActive, integration.NeedsReauth, integration.LastSyncStatus,
		integration.CreatedAt, integration.UpdatedAt,
	).Scan(&integration.ID, &integration.CreatedAt, &integration.LastSyncStatus)
}

// GetByID retrieves an integration by ID
func (r *IntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	var integration models.Integration
	query := `SELECT * FROM integrations WHERE id = $1`
	err := r.db.GetContext(ctx, &integration, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &integration, err
}

// GetByUserProvider retrieves an integration by its (user_id, provider) key
func (r *IntegrationRepository) GetByUserProvider(ctx context.Context, userID, provider string) (*models.Integration, error) {
	var integration models.Integration
	query := `SELECT * FROM integrations WHERE user_id = $1 AND provider = $2`
	err := r.db.GetContext(ctx, &integration, query, userID, provider)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &integration, err
}

// ListDueForSync lists active integrations whose last sync finished longer
// than staleAfter ago (or that never synced). Integrations currently marked
// running are excluded.
func (r *IntegrationRepository) ListDueForSync(ctx context.Context, staleAfter time.Duration, limit int) ([]*models.Integration, error) {
	var integrations []*models.Integration
	cutoff := time.Now().Add(-staleAfter)
	query := `
		SELECT * FROM integrations
		WHERE is_active
		  AND last_sync_status <> 'running'
		  AND (last_sync_at IS NULL OR last_sync_at < $1)
		ORDER BY last_sync_at ASC NULLS FIRST
		LIMIT $2`
	err := r.db.SelectContext(ctx, &integrations, query, cutoff, limit)
	return integrations, err
}

// TryMarkSyncRunning atomically flips the sync status to running. It returns
// false when the integration is missing, inactive, or already running, so
// concurrent sync attempts collapse to a single run without any app-level lock.
func (r *IntegrationRepository) TryMarkSyncRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE integrations
		SET last_sync_status = 'running', updated_at = NOW()
		WHERE id = $1 AND is_active AND last_sync_status <> 'running'`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// RecoverStaleRunning resets integrations stuck in 'running' longer than
// maxAge back to 'failed'. A row can only be that stale when the process that
// marked it died mid-run, since TryMarkSyncRunning bumps updated_at and live
// runs are bounded by the run timeout. Recovered rows become eligible for the
// scheduler again.
func (r *IntegrationRepository) RecoverStaleRunning(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	query := `
		UPDATE integrations
		SET last_sync_status = 'failed', updated_at = NOW()
		WHERE last_sync_status = 'running' AND updated_at < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// FinishSync records a terminal sync status and timestamp
func (r *IntegrationRepository) FinishSync(ctx context.Context, id uuid.UUID, status string, at time.Time) error {
	query := `
		UPDATE integrations
		SET last_sync_status = $2, last_sync_at = $3, updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status, at)
	return err
}

// SetNeedsReauth flags an integration whose credentials were rejected upstream
func (r *IntegrationRepository) SetNeedsReauth(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE integrations SET needs_reauth = TRUE, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// UpdateTokens replaces the stored token envelopes, typically after a refresh.
// A successful token save also clears needs_reauth.
func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessEnc string, refreshEnc *string, expiresAt *time.Time) error {
	query := `
		UPDATE integrations
		SET access_token_encrypted = $2, refresh_token_encrypted = $3,
		    token_expires_at = $4, needs_reauth = FALSE, updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, accessEnc, refreshEnc, expiresAt)
	return err
}

// ReplaceTokenEnvelopes swaps the stored token envelopes without touching
// needs_reauth or the expiry. Used by key rotation, where only the encryption
// changes, not the tokens themselves.
func (r *IntegrationRepository) ReplaceTokenEnvelopes(ctx context.Context, id uuid.UUID, accessEnc string, refreshEnc *string) error {
	query := `
		UPDATE integrations
		SET access_token_encrypted = $2, refresh_token_encrypted = $3, updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, accessEnc, refreshEnc)
	return err
}

// SetActive enables or disables an integration
func (r *IntegrationRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE integrations SET is_active = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, active)
	return err
}

// ListAll pages through every integration ordered by ID. Used by key rotation
// to re-encrypt stored tokens.
func (r *IntegrationRepository) ListAll(ctx context.Context, afterID uuid.UUID, limit int) ([]*models.Integration, error) {
	var integrations []*models.Integration
	query := `SELECT * FROM integrations WHERE id > $1 ORDER BY id ASC LIMIT $2`
	err := r.db.SelectContext(ctx, &integrations, query, afterID, limit)
	return integrations, err
}
