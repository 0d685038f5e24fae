package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cloudsync/cloudsync/internal/db/models"
)

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuditRepository(sqlx.NewDb(db, "sqlmock")), mock
}

var auditCols = []string{
	"id", "actor_id", "organization_id", "action", "resource_type",
	"resource_id", "risk_level", "metadata", "ip_address", "created_at",
}

func TestCreateAuditLog_Success(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	actor := "user-1"
	resType := "integration"
	log := &models.AuditLog{
		ActorID:      &actor,
		Action:       "sync",
		ResourceType: &resType,
		Metadata:     map[string]interface{}{"files_synced": 42},
	}
	if err := repo.CreateAuditLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.ID == uuid.Nil {
		t.Error("expected generated ID")
	}
	if log.RiskLevel != models.RiskLevelLow {
		t.Errorf("expected default risk level low, got %s", log.RiskLevel)
	}
}

func TestCreateAuditLog_Error(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errDB)

	log := &models.AuditLog{Action: "sync"}
	if err := repo.CreateAuditLog(context.Background(), log); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestListAuditLogs_WithFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	actor := "user-1"
	mock.ExpectQuery("SELECT.*FROM audit_logs").
		WillReturnRows(sqlmock.NewRows(auditCols).
			AddRow(uuid.New(), &actor, nil, "sync", "integration",
				uuid.New().String(), models.RiskLevelLow, []byte(`{"files_synced":42}`), nil, time.Now()))

	logs, total, err := repo.ListAuditLogs(context.Background(), AuditFilters{ActorID: &actor}, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(logs) != 1 {
		t.Fatalf("expected 1 log, got total=%d len=%d", total, len(logs))
	}
	if logs[0].Metadata["files_synced"] != float64(42) {
		t.Errorf("metadata not unmarshaled: %+v", logs[0].Metadata)
	}
}

func TestGetAuditLog_NotFound(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT.*FROM audit_logs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(auditCols))

	log, err := repo.GetAuditLog(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log != nil {
		t.Errorf("expected nil for missing row, got %+v", log)
	}
}
