// key_repository.go implements KeyRepository, providing versioned data key
// storage for the credential vault and the atomic activate-new-version step
// of key rotation.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cloudsync/cloudsync/internal/db/models"
)

// KeyRepository handles database operations for encryption key versions
type KeyRepository struct {
	db *sqlx.DB
}

// NewKeyRepository creates a new KeyRepository
func NewKeyRepository(db *sqlx.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// GetActive retrieves the active version of a named key
func (r *KeyRepository) GetActive(ctx context.Context, keyName string) (*models.EncryptionKey, error) {
	var key models.EncryptionKey
	query := `SELECT * FROM encryption_keys WHERE key_name = $1 AND is_active`
	err := r.db.GetContext(ctx, &key, query, keyName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &key, err
}

// GetActiveByClassification retrieves the active key for a data classification
func (r *KeyRepository) GetActiveByClassification(ctx context.Context, classification string) (*models.EncryptionKey, error) {
	var key models.EncryptionKey
	query := `SELECT * FROM encryption_keys WHERE classification = $1 AND is_active`
	err := r.db.GetContext(ctx, &key, query, classification)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &key, err
}

// GetVersion retrieves a specific version of a named key. Old versions stay
// retrievable so envelopes sealed before a rotation remain decryptable.
func (r *KeyRepository) GetVersion(ctx context.Context, keyName string, version int) (*models.EncryptionKey, error) {
	var key models.EncryptionKey
	query := `SELECT * FROM encryption_keys WHERE key_name = $1 AND version = $2`
	err := r.db.GetContext(ctx, &key, query, keyName, version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &key, err
}

// ListVersions lists all versions of a named key, newest first
func (r *KeyRepository) ListVersions(ctx context.Context, keyName string) ([]*models.EncryptionKey, error) {
	var keys []*models.EncryptionKey
	query := `SELECT * FROM encryption_keys WHERE key_name = $1 ORDER BY version DESC`
	err := r.db.SelectContext(ctx, &keys, query, keyName)
	return keys, err
}

// ActivateNewVersion deactivates the current active version of keyName and
// inserts the next version as active, in one transaction. Returns the new
// version record.
func (r *KeyRepository) ActivateNewVersion(ctx context.Context, keyName, sealedMaterial, classification string) (*models.EncryptionKey, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion sql.NullInt64
	err = tx.GetContext(ctx, &currentVersion,
		`SELECT MAX(version) FROM encryption_keys WHERE key_name = $1`, keyName)
	if err != nil {
		return nil, fmt.Errorf("failed to read current key version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE encryption_keys SET is_active = FALSE WHERE key_name = $1 AND is_active`, keyName)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate current key version: %w", err)
	}

	key := &models.EncryptionKey{
		ID:             uuid.New(),
		KeyName:        keyName,
		Version:        int(currentVersion.Int64) + 1,
		KeyMaterial:    sealedMaterial,
		Classification: classification,
		IsActive:       true,
		CreatedAt:      time.Now(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO encryption_keys (id, key_name, version, key_material, classification, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.KeyName, key.Version, key.KeyMaterial, key.Classification, key.IsActive, key.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert new key version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit key rotation: %w", err)
	}
	return key, nil
}
