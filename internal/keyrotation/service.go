// Package keyrotation implements data key rotation: activating a new key
// version and re-encrypting every stored credential envelope under it. Old
// versions stay in the key table so envelopes that slip through a partial
// rotation remain decryptable; the next rotation pass picks them up.
package keyrotation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cloudsync/cloudsync/internal/audit"
	"github.com/cloudsync/cloudsync/internal/db/models"
	"github.com/cloudsync/cloudsync/internal/telemetry"
)

// reencryptBatchSize is the page size for walking encrypted rows
const reencryptBatchSize = 100

// KeyStore looks up key versions. *repositories.KeyRepository satisfies it.
type KeyStore interface {
	GetActive(ctx context.Context, keyName string) (*models.EncryptionKey, error)
}

// Rotator is the subset of vault operations rotation needs
type Rotator interface {
	RotateKey(ctx context.Context, keyName, classification string) (*models.EncryptionKey, error)
	ReEncrypt(ctx context.Context, encoded, classification string) (string, error)
}

// IntegrationStore walks and updates integration token envelopes
type IntegrationStore interface {
	ListAll(ctx context.Context, afterID uuid.UUID, limit int) ([]*models.Integration, error)
	ReplaceTokenEnvelopes(ctx context.Context, id uuid.UUID, accessEnc string, refreshEnc *string) error
}

// CredentialStore walks and updates OAuth client secret envelopes
type CredentialStore interface {
	ListAll(ctx context.Context, afterID uuid.UUID, limit int) ([]*models.OAuthCredential, error)
	UpdateEncryptedSecret(ctx context.Context, id uuid.UUID, secretEnc string) error
}

// Result summarizes one rotation
type Result struct {
	KeyName     string `json:"key_name"`
	NewVersion  int    `json:"new_version"`
	Reencrypted int    `json:"reencrypted"`
	Failed      int    `json:"failed"`
}

// Service performs key rotations
type Service struct {
	keys         KeyStore
	rotator      Rotator
	integrations IntegrationStore
	credentials  CredentialStore
	auditLog     *audit.Logger

	rotationInterval time.Duration
	managedKeys      []string
}

// NewService creates a key rotation service
func NewService(
	keys KeyStore,
	rotator Rotator,
	integrations IntegrationStore,
	credentials CredentialStore,
	auditLog *audit.Logger,
	rotationInterval time.Duration,
	managedKeys []string,
) *Service {
	return &Service{
		keys:             keys,
		rotator:          rotator,
		integrations:     integrations,
		credentials:      credentials,
		auditLog:         auditLog,
		rotationInterval: rotationInterval,
		managedKeys:      managedKeys,
	}
}

// RotateEncryptionKey activates a new version of the named key and
// re-encrypts all stored envelopes under it. A single envelope that fails to
// re-encrypt is counted and skipped; it stays readable under its old version.
func (s *Service) RotateEncryptionKey(ctx context.Context, keyName, trigger string) (*Result, error) {
	active, err := s.keys.GetActive(ctx, keyName)
	if err != nil {
		return nil, fmt.Errorf("failed to look up key %s: %w", keyName, err)
	}
	if active == nil {
		return nil, fmt.Errorf("unknown encryption key %s", keyName)
	}

	newKey, err := s.rotator.RotateKey(ctx, keyName, active.Classification)
	if err != nil {
		return nil, err
	}
	telemetry.KeyRotationsTotal.WithLabelValues(keyName, trigger).Inc()
	slog.Info("encryption key rotated",
		"key_name", keyName, "new_version", newKey.Version, "trigger", trigger)

	result := &Result{KeyName: keyName, NewVersion: newKey.Version}
	s.reencryptIntegrations(ctx, active.Classification, result)
	s.reencryptCredentials(ctx, active.Classification, result)

	riskLevel := models.RiskLevelHigh
	if trigger == models.RotationTriggerCompromise {
		riskLevel = models.RiskLevelCritical
	}
	if err := s.auditLog.Log(ctx, audit.Event{
		Action:       "update",
		ResourceType: "encryption_key",
		ResourceID:   keyName,
		RiskLevel:    riskLevel,
		Metadata: map[string]interface{}{
			"trigger":     trigger,
			"new_version": newKey.Version,
			"reencrypted": result.Reencrypted,
			"failed":      result.Failed,
		},
	}); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) reencryptIntegrations(ctx context.Context, classification string, result *Result) {
	afterID := uuid.Nil
	for {
		batch, err := s.integrations.ListAll(ctx, afterID, reencryptBatchSize)
		if err != nil {
			slog.Error("failed to list integrations for re-encryption", "error", err)
			result.Failed++
			return
		}
		if len(batch) == 0 {
			return
		}

		for _, integration := range batch {
			afterID = integration.ID
			accessEnc, err := s.rotator.ReEncrypt(ctx, integration.AccessTokenEncrypted, classification)
			if err != nil {
				result.Failed++
				slog.Warn("failed to re-encrypt access token",
					"integration_id", integration.ID, "error", err)
				continue
			}
			refreshEnc := integration.RefreshTokenEncrypted
			if refreshEnc != nil {
				enc, err := s.rotator.ReEncrypt(ctx, *refreshEnc, classification)
				if err != nil {
					result.Failed++
					slog.Warn("failed to re-encrypt refresh token",
						"integration_id", integration.ID, "error", err)
					continue
				}
				refreshEnc = &enc
			}
			if err := s.integrations.ReplaceTokenEnvelopes(ctx, integration.ID, accessEnc, refreshEnc); err != nil {
				result.Failed++
				slog.Warn("failed to store re-encrypted tokens",
					"integration_id", integration.ID, "error", err)
				continue
			}
			result.Reencrypted++
			telemetry.KeyRotationReencryptedTotal.WithLabelValues(result.KeyName).Inc()
		}
	}
}

func (s *Service) reencryptCredentials(ctx context.Context, classification string, result *Result) {
	afterID := uuid.Nil
	for {
		batch, err := s.credentials.ListAll(ctx, afterID, reencryptBatchSize)
		if err != nil {
			slog.Error("failed to list OAuth clients for re-encryption", "error", err)
			result.Failed++
			return
		}
		if len(batch) == 0 {
			return
		}

		for _, cred := range batch {
			afterID = cred.ID
			secretEnc, err := s.rotator.ReEncrypt(ctx, cred.ClientSecretEncrypted, classification)
			if err != nil {
				result.Failed++
				slog.Warn("failed to re-encrypt client secret", "credential_id", cred.ID, "error", err)
				continue
			}
			if err := s.credentials.UpdateEncryptedSecret(ctx, cred.ID, secretEnc); err != nil {
				result.Failed++
				slog.Warn("failed to store re-encrypted client secret", "credential_id", cred.ID, "error", err)
				continue
			}
			result.Reencrypted++
			telemetry.KeyRotationReencryptedTotal.WithLabelValues(result.KeyName).Inc()
		}
	}
}

// CheckRotationDue reports whether the active version of a key is older than
// the rotation interval. A key with no stored version counts as due.
func (s *Service) CheckRotationDue(ctx context.Context, keyName string) (bool, error) {
	if s.rotationInterval <= 0 {
		return false, nil
	}
	active, err := s.keys.GetActive(ctx, keyName)
	if err != nil {
		return false, err
	}
	if active == nil {
		return true, nil
	}
	return time.Since(active.CreatedAt) >= s.rotationInterval, nil
}

// PerformScheduledRotations rotates every managed key whose active version has
// aged past the rotation interval, and reports which keys were rotated and
// which were skipped. One key's failure does not stop the others; a key whose
// rotation fails lands in skipped.
func (s *Service) PerformScheduledRotations(ctx context.Context) (rotated, skipped []string) {
	for _, keyName := range s.managedKeys {
		due, err := s.CheckRotationDue(ctx, keyName)
		if err != nil {
			slog.Error("failed to evaluate rotation schedule", "key_name", keyName, "error", err)
			skipped = append(skipped, keyName)
			continue
		}
		if !due {
			skipped = append(skipped, keyName)
			continue
		}
		if _, err := s.RotateEncryptionKey(ctx, keyName, models.RotationTriggerScheduled); err != nil {
			slog.Error("scheduled key rotation failed", "key_name", keyName, "error", err)
			skipped = append(skipped, keyName)
			continue
		}
		rotated = append(rotated, keyName)
	}
	return rotated, skipped
}
