// Package models - audit_log.go defines the AuditLog model for recording
// security-relevant events, capturing actor, action, affected resource,
// risk level, client IP, and arbitrary metadata.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Risk levels for audit events.
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// AuditLog represents an append-only audit trail entry
type AuditLog struct {
	ID             uuid.UUID              `json:"id" db:"id"`
	ActorID        *string                `json:"actor_id,omitempty" db:"actor_id"` // Nullable for system actions
	OrganizationID *string                `json:"organization_id,omitempty" db:"organization_id"`
	Action         string                 `json:"action" db:"action"`                             // "create", "update", "sync"
	ResourceType   *string                `json:"resource_type,omitempty" db:"resource_type"`     // "integration", "encryption_key"
	ResourceID     *string                `json:"resource_id,omitempty" db:"resource_id"`         // UUID of affected resource
	RiskLevel      string                 `json:"risk_level" db:"risk_level"`                     // low, medium, high, critical
	Metadata       map[string]interface{} `json:"metadata,omitempty"`                             // JSONB: additional context
	IPAddress      *string                `json:"ip_address,omitempty" db:"ip_address"`           // Client IP
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}
