// cloud_file_repository.go implements CloudFileRepository, providing idempotent
// upserts keyed on (integration_id, external_id) and listing of synced file
// metadata.
package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cloudsync/cloudsync/internal/db/models"
)

// CloudFileRepository handles database operations for synced file metadata
type CloudFileRepository struct {
	db *sqlx.DB
}

// NewCloudFileRepository creates a new CloudFileRepository
func NewCloudFileRepository(db *sqlx.DB) *CloudFileRepository {
	return &CloudFileRepository{db: db}
}

// Upsert creates or refreshes one file metadata record. Matching on
// (integration_id, external_id) makes repeated syncs converge instead of
// duplicating rows.
func (r *CloudFileRepository) Upsert(ctx context.Context, file *models.CloudFile) error {
	query := `
		INSERT INTO cloud_files (
			id, integration_id, external_id, name, mime_type, size_bytes,
			modified_time, synced_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), NOW()
		) ON CONFLICT (integration_id, external_id) DO UPDATE SET
			name = $4, mime_type = $5, size_bytes = $6,
			modified_time = $7, synced_at = NOW(), updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		file.ID, file.IntegrationID, file.ExternalID, file.Name,
		file.MimeType, file.SizeBytes, file.ModifiedTime,
	)
	return err
}

// GetByExternalID retrieves one file record by its reconciliation key
func (r *CloudFileRepository) GetByExternalID(ctx context.Context, integrationID uuid.UUID, externalID string) (*models.CloudFile, error) {
	var file models.CloudFile
	query := `SELECT * FROM cloud_files WHERE integration_id = $1 AND external_id = $2`
	err := r.db.GetContext(ctx, &file, query, integrationID, externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &file, err
}

// ListByIntegration lists file records for an integration with pagination
func (r *CloudFileRepository) ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit, offset int) ([]*models.CloudFile, error) {
	var files []*models.CloudFile
	query := `
		SELECT * FROM cloud_files
		WHERE integration_id = $1
		ORDER BY name ASC
		LIMIT $2 OFFSET $3`
	err := r.db.SelectContext(ctx, &files, query, integrationID, limit, offset)
	return files, err
}

// CountByIntegration returns the number of file records for an integration
func (r *CloudFileRepository) CountByIntegration(ctx context.Context, integrationID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM cloud_files WHERE integration_id = $1`
	err := r.db.GetContext(ctx, &count, query, integrationID)
	return count, err
}
