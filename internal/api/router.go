// Package api wires together the HTTP routes for the sync engine.
//
// The surface is deliberately unauthenticated: the engine runs behind an
// internal gateway that terminates authentication, so handlers trust the
// X-Actor-ID header for audit attribution and nothing else.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/cloudsync/cloudsync/internal/archive"
	"github.com/cloudsync/cloudsync/internal/audit"
	"github.com/cloudsync/cloudsync/internal/breaker"
	"github.com/cloudsync/cloudsync/internal/config"
	"github.com/cloudsync/cloudsync/internal/db/repositories"
	"github.com/cloudsync/cloudsync/internal/integrations"
	"github.com/cloudsync/cloudsync/internal/keyrotation"
	"github.com/cloudsync/cloudsync/internal/middleware"
	syncengine "github.com/cloudsync/cloudsync/internal/sync"
	"github.com/cloudsync/cloudsync/internal/vault"

	// Import archive backends to register them
	_ "github.com/cloudsync/cloudsync/internal/archive/azure"
	_ "github.com/cloudsync/cloudsync/internal/archive/gcs"
	_ "github.com/cloudsync/cloudsync/internal/archive/local"
	_ "github.com/cloudsync/cloudsync/internal/archive/s3"

	// Import provider adapters to register them via init()
	_ "github.com/cloudsync/cloudsync/internal/provider/drive"
	_ "github.com/cloudsync/cloudsync/internal/provider/graph"
)

// BackgroundServices holds references to background loops and resources that
// must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() when the process receives a termination
// signal.
type BackgroundServices struct {
	syncScheduler     *syncengine.Scheduler
	rotationScheduler *keyrotation.Scheduler
	limiter           middleware.Limiter
	shipper           *audit.MultiShipper
}

// Shutdown stops all background goroutines and flushes the audit shippers.
// It should be called after the HTTP server has been shut down so that
// in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.syncScheduler != nil {
		bg.syncScheduler.Stop()
	}
	if bg.rotationScheduler != nil {
		bg.rotationScheduler.Stop()
	}
	if bg.limiter != nil {
		bg.limiter.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router, wiring repositories,
// domain services, and background schedulers
func NewRouter(cfg *config.Config, db *sqlx.DB, v *vault.Vault) (*gin.Engine, *BackgroundServices, error) {
	integrationRepo := repositories.NewIntegrationRepository(db)
	fileRepo := repositories.NewCloudFileRepository(db)
	runRepo := repositories.NewSyncRunRepository(db)
	credRepo := repositories.NewOAuthCredentialRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	keyRepo := repositories.NewKeyRepository(db)

	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure audit shippers: %w", err)
	}
	if cfg.Audit.Archive.Enabled {
		store, err := archive.NewStore(&cfg.Audit.Archive)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to configure audit archive: %w", err)
		}
		shipper.Add(archive.NewArchiver(store, cfg.Audit.Archive))
		slog.Info("audit archive enabled", "backend", cfg.Audit.Archive.Backend)
	}
	auditLogger := audit.NewLogger(auditRepo, shipper, cfg.Audit)

	breakers := breaker.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)

	orchestrator := syncengine.NewOrchestrator(
		cfg.Sync, cfg.Providers,
		integrationRepo, fileRepo, runRepo, credRepo,
		v, breakers, auditLogger,
	)
	integrationSvc := integrations.NewService(integrationRepo, credRepo, v, auditLogger)
	rotationSvc := keyrotation.NewService(
		keyRepo, v, integrationRepo, credRepo, auditLogger,
		cfg.Encryption.RotationInterval, cfg.Encryption.ManagedKeys,
	)

	bg := &BackgroundServices{shipper: shipper}

	bg.syncScheduler = syncengine.NewScheduler(orchestrator, integrationRepo, cfg.Sync)
	bg.syncScheduler.Start(context.Background())

	bg.rotationScheduler = keyrotation.NewScheduler(rotationSvc)
	bg.rotationScheduler.Start(context.Background())

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger())
	router.Use(corsMiddleware(cfg))

	handler := NewHandler(db, integrationSvc, orchestrator, rotationSvc, fileRepo, runRepo, auditRepo)

	router.GET("/health", handler.Health)
	router.GET("/ready", handler.Ready)

	v1 := router.Group("/v1")
	if cfg.Security.RateLimiting.Enabled {
		bg.limiter = middleware.NewLimiter(cfg.Security.RateLimiting)
		v1.Use(middleware.RateLimitMiddleware(bg.limiter, cfg.Security.RateLimiting.RequestsPerMinute))
	}

	v1.POST("/integrations", handler.CreateIntegration)
	v1.GET("/integrations/:id", handler.GetIntegration)
	v1.PATCH("/integrations/:id", handler.SetIntegrationActive)
	v1.POST("/integrations/:id/sync", handler.TriggerSync)
	v1.GET("/integrations/:id/files", handler.ListFiles)
	v1.GET("/integrations/:id/runs", handler.ListRuns)
	v1.POST("/oauth-clients", handler.RegisterOAuthClient)
	v1.POST("/keys/:name/rotate", handler.RotateKey)
	v1.GET("/audit-logs", handler.ListAuditLogs)

	return router, bg, nil
}

// requestLogger emits one structured log record per request, correlated with
// the request ID set by RequestIDMiddleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString(middleware.RequestIDKey),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case c.Writer.Status() >= 500:
			slog.Error("request", attrs...)
		case c.Writer.Status() >= 400:
			slog.Warn("request", attrs...)
		default:
			slog.Info("request", attrs...)
		}
	}
}

// corsMiddleware handles CORS for the configured origins
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Actor-ID, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
