// Package models - sync_run.go defines the SyncRun ledger model recording
// every sync attempt, its outcome, and its counters.
package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncRun represents one sync attempt for an integration
type SyncRun struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	IntegrationID uuid.UUID  `json:"integration_id" db:"integration_id"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Status        string     `json:"status" db:"status"` // running, success, failed
	FilesSeen     int        `json:"files_seen" db:"files_seen"`
	FilesUpserted int        `json:"files_upserted" db:"files_upserted"`
	ErrorCount    int        `json:"error_count" db:"error_count"`
	ErrorDetail   *string    `json:"error_detail,omitempty" db:"error_detail"`
}
