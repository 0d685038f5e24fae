// sync_run_repository.go implements SyncRunRepository, the durable per-run
// sync ledger.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cloudsync/cloudsync/internal/db/models"
)

// SyncRunRepository handles database operations for the sync run ledger
type SyncRunRepository struct {
	db *sqlx.DB
}

// NewSyncRunRepository creates a new SyncRunRepository
func NewSyncRunRepository(db *sqlx.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Create inserts a new running sync run record
func (r *SyncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	query := `
		INSERT INTO sync_runs (id, integration_id, started_at, status)
		VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, query, run.ID, run.IntegrationID, run.StartedAt, run.Status)
	return err
}

// Finish records the terminal state and counters of a sync run
func (r *SyncRunRepository) Finish(ctx context.Context, id uuid.UUID, status string, filesSeen, filesUpserted, errorCount int, errorDetail *string) error {
	query := `
		UPDATE sync_runs
		SET status = $2, finished_at = $3, files_seen = $4,
		    files_upserted = $5, error_count = $6, error_detail = $7
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status, time.Now(), filesSeen, filesUpserted, errorCount, errorDetail)
	return err
}

// GetByID retrieves a sync run by ID
func (r *SyncRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	var run models.SyncRun
	query := `SELECT * FROM sync_runs WHERE id = $1`
	err := r.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

// ListByIntegration lists recent sync runs for an integration, newest first
func (r *SyncRunRepository) ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit int) ([]*models.SyncRun, error) {
	var runs []*models.SyncRun
	query := `
		SELECT * FROM sync_runs
		WHERE integration_id = $1
		ORDER BY started_at DESC
		LIMIT $2`
	err := r.db.SelectContext(ctx, &runs, query, integrationID, limit)
	return runs, err
}
