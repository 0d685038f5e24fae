// logger.go implements the audit Logger, the single entry point services use
// to record an audit event. Every event is written to the audit_logs table;
// when shippers are configured the event is also forwarded to them on a
// best-effort basis. The required flag controls whether a failed database
// write aborts the operation that produced the event.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudsync/cloudsync/internal/config"
	"github.com/cloudsync/cloudsync/internal/db/models"
	"github.com/cloudsync/cloudsync/internal/telemetry"
)

// ErrWriteFailed indicates the audit record could not be persisted and the
// logger is configured to treat that as fatal for the calling operation.
var ErrWriteFailed = errors.New("audit record could not be written")

// Event describes one auditable action
type Event struct {
	Action         string
	ActorID        string
	OrganizationID string
	ResourceType   string
	ResourceID     string
	RiskLevel      string
	IPAddress      string
	Metadata       map[string]interface{}
}

// Store persists audit records
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Logger records audit events to the store and ships them to any configured
// external destinations
type Logger struct {
	store    Store
	shipper  Shipper
	enabled  bool
	required bool
}

// NewLogger creates an audit logger. shipper may be nil when no external
// destinations are configured.
func NewLogger(store Store, shipper Shipper, cfg config.AuditConfig) *Logger {
	return &Logger{
		store:    store,
		shipper:  shipper,
		enabled:  cfg.Enabled,
		required: cfg.Required,
	}
}

// Log records one event. The database write is authoritative: when it fails
// and the logger is required, the caller receives ErrWriteFailed and must
// treat its operation as failed. Shipping failures never propagate; the
// shippers log and count their own errors.
func (l *Logger) Log(ctx context.Context, event Event) error {
	if l == nil || !l.enabled {
		return nil
	}

	riskLevel := event.RiskLevel
	if riskLevel == "" {
		riskLevel = models.RiskLevelLow
	}

	record := &models.AuditLog{
		ActorID:        optional(event.ActorID),
		OrganizationID: optional(event.OrganizationID),
		Action:         event.Action,
		ResourceType:   optional(event.ResourceType),
		ResourceID:     optional(event.ResourceID),
		RiskLevel:      riskLevel,
		Metadata:       event.Metadata,
		IPAddress:      optional(event.IPAddress),
		CreatedAt:      time.Now(),
	}

	if err := l.store.CreateAuditLog(ctx, record); err != nil {
		telemetry.AuditWriteFailuresTotal.Inc()
		if l.required {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		slog.Warn("audit record dropped", "action", event.Action, "error", err)
	} else {
		telemetry.AuditEventsTotal.WithLabelValues(event.Action).Inc()
	}

	if l.shipper != nil {
		entry := &LogEntry{
			Timestamp:      record.CreatedAt,
			Action:         event.Action,
			ActorID:        event.ActorID,
			OrganizationID: event.OrganizationID,
			ResourceType:   event.ResourceType,
			ResourceID:     event.ResourceID,
			RiskLevel:      record.RiskLevel,
			IPAddress:      event.IPAddress,
			Metadata:       event.Metadata,
		}
		if err := l.shipper.Ship(ctx, entry); err != nil {
			slog.Warn("audit shipping failed", "action", event.Action, "error", err)
		}
	}

	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
