// handlers.go implements the JSON handlers for the engine's operation
// surface. Handlers validate input, delegate to the domain services, and map
// domain sentinel errors to HTTP statuses. Sync results are returned as
// structured JSON even when the run failed partway.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cloudsync/cloudsync/internal/db/models"
	"github.com/cloudsync/cloudsync/internal/db/repositories"
	"github.com/cloudsync/cloudsync/internal/integrations"
	"github.com/cloudsync/cloudsync/internal/keyrotation"
	syncengine "github.com/cloudsync/cloudsync/internal/sync"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Handler carries the dependencies of every route handler
type Handler struct {
	db           *sqlx.DB
	integrations *integrations.Service
	orchestrator *syncengine.Orchestrator
	rotation     *keyrotation.Service
	files        *repositories.CloudFileRepository
	runs         *repositories.SyncRunRepository
	audits       *repositories.AuditRepository
}

// NewHandler creates the route handler set
func NewHandler(
	db *sqlx.DB,
	integrationSvc *integrations.Service,
	orchestrator *syncengine.Orchestrator,
	rotation *keyrotation.Service,
	files *repositories.CloudFileRepository,
	runs *repositories.SyncRunRepository,
	audits *repositories.AuditRepository,
) *Handler {
	return &Handler{
		db:           db,
		integrations: integrationSvc,
		orchestrator: orchestrator,
		rotation:     rotation,
		files:        files,
		runs:         runs,
		audits:       audits,
	}
}

// Health reports process liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports whether the engine can serve requests
// GET /ready
func (h *Handler) Ready(c *gin.Context) {
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// CreateIntegration connects a provider account
// POST /v1/integrations
func (h *Handler) CreateIntegration(c *gin.Context) {
	var req models.CreateIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	integration, err := h.integrations.Connect(c.Request.Context(), &req, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create integration"})
		return
	}

	c.JSON(http.StatusCreated, integration)
}

// GetIntegration returns one integration
// GET /v1/integrations/:id
func (h *Handler) GetIntegration(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	integration, err := h.integrations.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load integration"})
		return
	}
	if integration == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
		return
	}

	c.JSON(http.StatusOK, integration)
}

// SetIntegrationActive enables or disables an integration
// PATCH /v1/integrations/:id
func (h *Handler) SetIntegrationActive(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	integration, err := h.integrations.SetActive(c.Request.Context(), id, *req.Active, actorID(c), c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update integration"})
		return
	}
	if integration == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
		return
	}

	c.JSON(http.StatusOK, integration)
}

// TriggerSync runs one metadata sync for an integration
// POST /v1/integrations/:id/sync
func (h *Handler) TriggerSync(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	result, err := h.orchestrator.SyncFiles(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, syncengine.ErrIntegrationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
	case errors.Is(err, syncengine.ErrSyncAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "a sync is already running for this integration"})
	case errors.Is(err, syncengine.ErrIntegrationInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "integration is disabled"})
	case errors.Is(err, syncengine.ErrReauthRequired):
		c.JSON(http.StatusConflict, gin.H{"error": "integration requires re-authorization"})
	default:
		// The run started and failed; the partial result still identifies
		// the run and what was synced before the failure.
		c.JSON(http.StatusBadGateway, gin.H{"error": "sync failed", "result": result})
	}
}

// ListFiles returns synced file metadata for an integration
// GET /v1/integrations/:id/files
func (h *Handler) ListFiles(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	files, err := h.files.ListByIntegration(c.Request.Context(), id, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}
	total, err := h.files.CountByIntegration(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count files"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"files":  files,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// ListRuns returns the sync run history for an integration
// GET /v1/integrations/:id/runs
func (h *Handler) ListRuns(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit, _ := pagination(c)

	runs, err := h.runs.ListByIntegration(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sync runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// RegisterOAuthClient stores an organization's OAuth client for a provider
// POST /v1/oauth-clients
func (h *Handler) RegisterOAuthClient(c *gin.Context) {
	var req models.UpsertOAuthCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cred, err := h.integrations.RegisterOAuthClient(c.Request.Context(), &req, actorID(c), c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register OAuth client"})
		return
	}

	c.JSON(http.StatusCreated, cred)
}

// RotateKey rotates an encryption key and re-encrypts stored envelopes
// POST /v1/keys/:name/rotate
func (h *Handler) RotateKey(c *gin.Context) {
	keyName := c.Param("name")

	trigger := c.DefaultQuery("trigger", models.RotationTriggerManual)
	switch trigger {
	case models.RotationTriggerScheduled, models.RotationTriggerManual, models.RotationTriggerCompromise:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "trigger must be 'scheduled', 'manual' or 'compromise'"})
		return
	}

	result, err := h.rotation.RotateEncryptionKey(c.Request.Context(), keyName, trigger)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListAuditLogs returns audit records matching the query filters
// GET /v1/audit-logs
func (h *Handler) ListAuditLogs(c *gin.Context) {
	limit, offset := pagination(c)

	filters := repositories.AuditFilters{
		ActorID:        optionalQuery(c, "actor_id"),
		OrganizationID: optionalQuery(c, "organization_id"),
		Action:         optionalQuery(c, "action"),
		ResourceType:   optionalQuery(c, "resource_type"),
		RiskLevel:      optionalQuery(c, "risk_level"),
	}
	if start, ok := optionalTime(c, "start"); ok {
		filters.StartDate = start
	} else if c.Query("start") != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be RFC3339"})
		return
	}
	if end, ok := optionalTime(c, "end"); ok {
		filters.EndDate = end
	} else if c.Query("end") != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must be RFC3339"})
		return
	}

	logs, total, err := h.audits.ListAuditLogs(c.Request.Context(), filters, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audit logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":   logs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// parseID reads the :id route param. On failure it writes the 400 response
// and returns ok=false.
func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid integration ID"})
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func optionalQuery(c *gin.Context, name string) *string {
	if v := c.Query(name); v != "" {
		return &v
	}
	return nil
}

func optionalTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// actorID identifies the caller for audit purposes. With no authentication
// layer the X-Actor-ID header is trusted as-is.
func actorID(c *gin.Context) string {
	return c.GetHeader("X-Actor-ID")
}
