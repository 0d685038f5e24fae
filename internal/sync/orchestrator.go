// Package sync implements the metadata sync pipeline: for one integration it
// decrypts the stored tokens, refreshes them when expired, pages through the
// provider's file listing behind the circuit breaker, and reconciles every
// entry into cloud_files with idempotent upserts. Each attempt is recorded in
// the sync_runs ledger and produces exactly one audit event.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/cloudsync/cloudsync/internal/audit"
	"github.com/cloudsync/cloudsync/internal/breaker"
	"github.com/cloudsync/cloudsync/internal/config"
	"github.com/cloudsync/cloudsync/internal/db/models"
	"github.com/cloudsync/cloudsync/internal/provider"
	"github.com/cloudsync/cloudsync/internal/telemetry"
	"github.com/cloudsync/cloudsync/internal/vault"
)

var (
	// Missing and disabled integrations share one reason string; callers
	// distinguish them with errors.Is.
	ErrIntegrationNotFound = errors.New("integration not found or inactive")
	ErrIntegrationInactive = errors.New("integration not found or inactive")
	ErrReauthRequired      = errors.New("integration requires re-authorization")
	ErrSyncAlreadyRunning  = errors.New("a sync is already running for this integration")
)

// tokenExpirySkew treats tokens expiring within this window as already
// expired, so a token cannot lapse mid-run.
const tokenExpirySkew = 2 * time.Minute

// IntegrationStore is the subset of integration persistence the orchestrator
// needs. *repositories.IntegrationRepository satisfies it.
type IntegrationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	TryMarkSyncRunning(ctx context.Context, id uuid.UUID) (bool, error)
	FinishSync(ctx context.Context, id uuid.UUID, status string, at time.Time) error
	SetNeedsReauth(ctx context.Context, id uuid.UUID) error
	UpdateTokens(ctx context.Context, id uuid.UUID, accessEnc string, refreshEnc *string, expiresAt *time.Time) error
}

// FileStore persists reconciled file metadata
type FileStore interface {
	Upsert(ctx context.Context, file *models.CloudFile) error
}

// RunStore persists the sync run ledger
type RunStore interface {
	Create(ctx context.Context, run *models.SyncRun) error
	Finish(ctx context.Context, id uuid.UUID, status string, filesSeen, filesUpserted, errorCount int, errorDetail *string) error
}

// CredentialStore looks up per-organization OAuth clients for token refresh
type CredentialStore interface {
	GetByOrgProvider(ctx context.Context, organizationID, provider string) (*models.OAuthCredential, error)
}

// TokenVault encrypts and decrypts stored token envelopes
type TokenVault interface {
	Encrypt(ctx context.Context, plaintext, classification string) (string, error)
	Decrypt(ctx context.Context, encoded string) (string, error)
}

// Result summarizes one completed sync run
type Result struct {
	RunID         uuid.UUID `json:"run_id"`
	Status        string    `json:"status"`
	FilesSeen     int       `json:"files_seen"`
	FilesUpserted int       `json:"files_upserted"`
	ErrorCount    int       `json:"error_count"`
	Pages         int       `json:"pages"`
}

// Orchestrator drives metadata syncs for integrations
type Orchestrator struct {
	cfg          config.SyncConfig
	providerCfg  config.ProvidersConfig
	integrations IntegrationStore
	files        FileStore
	runs         RunStore
	credentials  CredentialStore
	tokens       TokenVault
	breakers     *breaker.Registry
	auditLog     *audit.Logger

	// buildAdapter and sleep are swappable for tests
	buildAdapter func(kind string) (provider.Adapter, error)
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates a sync orchestrator
func NewOrchestrator(
	cfg config.SyncConfig,
	providerCfg config.ProvidersConfig,
	integrations IntegrationStore,
	files FileStore,
	runs RunStore,
	credentials CredentialStore,
	tokens TokenVault,
	breakers *breaker.Registry,
	auditLog *audit.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		providerCfg:  providerCfg,
		integrations: integrations,
		files:        files,
		runs:         runs,
		credentials:  credentials,
		tokens:       tokens,
		breakers:     breakers,
		auditLog:     auditLog,
	}
	o.buildAdapter = o.defaultBuildAdapter
	o.sleep = contextSleep
	return o
}

func (o *Orchestrator) defaultBuildAdapter(kind string) (provider.Adapter, error) {
	var endpoint config.ProviderEndpointConfig
	switch kind {
	case models.ProviderDrive:
		endpoint = o.providerCfg.Drive
	case models.ProviderGraph:
		endpoint = o.providerCfg.Graph
	default:
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownProviderKind, kind)
	}
	return provider.BuildAdapter(&provider.Settings{
		Kind:          kind,
		APIBaseURL:    endpoint.APIBaseURL,
		TokenEndpoint: endpoint.TokenEndpoint,
		PageSize:      endpoint.PageSize,
	})
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncFiles runs one metadata sync for an integration. Concurrent calls for
// the same integration collapse to a single run: the loser receives
// ErrSyncAlreadyRunning without touching the provider.
func (o *Orchestrator) SyncFiles(ctx context.Context, integrationID uuid.UUID) (*Result, error) {
	integration, err := o.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	if integration == nil {
		return nil, ErrIntegrationNotFound
	}
	if !integration.IsActive {
		return nil, ErrIntegrationInactive
	}
	if integration.NeedsReauth {
		return nil, ErrReauthRequired
	}

	acquired, err := o.integrations.TryMarkSyncRunning(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync slot: %w", err)
	}
	if !acquired {
		return nil, ErrSyncAlreadyRunning
	}

	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	run := &models.SyncRun{
		ID:            uuid.New(),
		IntegrationID: integrationID,
		StartedAt:     time.Now(),
		Status:        models.SyncStatusRunning,
	}
	if err := o.runs.Create(ctx, run); err != nil {
		// The gate is held; release it so the integration is not stuck running.
		o.finish(ctx, integration, run, &Result{RunID: run.ID}, err)
		return nil, fmt.Errorf("failed to record sync run: %w", err)
	}

	result := &Result{RunID: run.ID}
	start := time.Now()
	syncErr := o.run(ctx, integration, result)
	if syncErr != nil {
		// The terminal failure counts toward the run's error total alongside
		// any per-file upsert failures that preceded it.
		result.ErrorCount++
	}
	o.finish(ctx, integration, run, result, syncErr)

	status := models.SyncStatusSuccess
	if syncErr != nil {
		status = models.SyncStatusFailed
	}
	telemetry.SyncDuration.WithLabelValues(integration.Provider, status).Observe(time.Since(start).Seconds())

	if syncErr != nil {
		telemetry.SyncErrorsTotal.WithLabelValues(integration.Provider, errorClass(syncErr)).Inc()
		return result, syncErr
	}
	return result, nil
}

// run executes the page loop after the gate is held
func (o *Orchestrator) run(ctx context.Context, integration *models.Integration, result *Result) error {
	accessToken, err := o.tokens.Decrypt(ctx, integration.AccessTokenEncrypted)
	if err != nil {
		var decErr *vault.DecryptionError
		if errors.As(err, &decErr) {
			// The stored token can never be recovered; only a reconnect helps.
			if reauthErr := o.integrations.SetNeedsReauth(ctx, integration.ID); reauthErr != nil {
				slog.Error("failed to flag integration for re-auth", "integration_id", integration.ID, "error", reauthErr)
			}
		}
		return fmt.Errorf("failed to decrypt access token: %w", err)
	}

	if o.tokenExpired(integration) {
		accessToken, err = o.refreshTokens(ctx, integration)
		if err != nil {
			if reauthErr := o.integrations.SetNeedsReauth(ctx, integration.ID); reauthErr != nil {
				slog.Error("failed to flag integration for re-auth", "integration_id", integration.ID, "error", reauthErr)
			}
			return fmt.Errorf("token refresh failed: %w", err)
		}
	}

	adapter, err := o.buildAdapter(integration.Provider)
	if err != nil {
		return fmt.Errorf("failed to build provider adapter: %w", err)
	}

	circuit := o.breakers.Get(integration.Provider)
	creds := provider.Credentials{AccessToken: accessToken}
	retriesLeft := o.cfg.RateLimitRetries

	cursor := ""
	for page := 0; page < o.cfg.MaxPages; page++ {
		if err := circuit.Allow(); err != nil {
			return err
		}

		listing, err := o.fetchPage(ctx, adapter, creds, cursor)
		if err != nil {
			var rateErr *provider.RateLimitError
			var authErr *provider.AuthError
			var transErr *provider.TransientError
			switch {
			case errors.As(err, &rateErr):
				// Throttling says nothing about provider health; free the
				// probe slot so the retry can pass the breaker again.
				circuit.RecordNeutral()
				if retriesLeft <= 0 {
					return fmt.Errorf("rate limit retry budget exhausted: %w", err)
				}
				retriesLeft--
				telemetry.SyncRateLimitRetriesTotal.WithLabelValues(integration.Provider).Inc()
				if sleepErr := o.sleep(ctx, o.backoff(rateErr, retriesLeft)); sleepErr != nil {
					return sleepErr
				}
				page--
				continue
			case errors.As(err, &authErr):
				circuit.RecordNeutral()
				if reauthErr := o.integrations.SetNeedsReauth(ctx, integration.ID); reauthErr != nil {
					slog.Error("failed to flag integration for re-auth", "integration_id", integration.ID, "error", reauthErr)
				}
				return err
			case errors.As(err, &transErr):
				circuit.RecordFailure()
				return err
			default:
				circuit.RecordNeutral()
				return err
			}
		}

		circuit.RecordSuccess()
		result.Pages++
		result.FilesSeen += len(listing.Files)

		pageUpserted := 0
		for i := range listing.Files {
			desc := &listing.Files[i]
			file := &models.CloudFile{
				ID:            uuid.New(),
				IntegrationID: integration.ID,
				ExternalID:    desc.ExternalID,
				Name:          desc.Name,
				MimeType:      desc.MimeType,
				SizeBytes:     desc.SizeBytes,
				ModifiedTime:  desc.ModifiedTime,
			}
			if err := o.files.Upsert(ctx, file); err != nil {
				result.ErrorCount++
				slog.Warn("file upsert failed",
					"integration_id", integration.ID, "external_id", desc.ExternalID, "error", err)
				continue
			}
			result.FilesUpserted++
			pageUpserted++
		}
		telemetry.SyncFilesUpsertedTotal.WithLabelValues(integration.Provider).Add(float64(pageUpserted))

		cursor = listing.NextCursor
		if cursor == "" {
			return nil
		}
	}

	// Page cap reached with more to list. The run still converged on what it
	// saw; the next scheduled sync picks up from a fresh listing.
	slog.Warn("sync stopped at page cap", "integration_id", integration.ID, "max_pages", o.cfg.MaxPages)
	return nil
}

func (o *Orchestrator) fetchPage(ctx context.Context, adapter provider.Adapter, creds provider.Credentials, cursor string) (*provider.Page, error) {
	if o.cfg.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.PageTimeout)
		defer cancel()
	}
	return adapter.ListFiles(ctx, creds, cursor)
}

// backoff picks the wait before a throttled retry: the provider's Retry-After
// when it sent one, otherwise exponential from the configured base, with
// jitter either way.
func (o *Orchestrator) backoff(rateErr *provider.RateLimitError, retriesLeft int) time.Duration {
	wait := rateErr.RetryAfter
	if wait <= 0 {
		attempt := o.cfg.RateLimitRetries - retriesLeft
		wait = o.cfg.RateLimitBackoff * (1 << uint(attempt-1))
	}
	jitter := time.Duration(rand.Int63n(int64(wait)/4 + 1))
	return wait + jitter
}

func (o *Orchestrator) tokenExpired(integration *models.Integration) bool {
	if integration.TokenExpiresAt == nil {
		return false
	}
	return time.Now().Add(tokenExpirySkew).After(*integration.TokenExpiresAt)
}

// refreshTokens exchanges the stored refresh token for a new access token
// using the organization's OAuth client, persists the new envelopes, and
// returns the plaintext access token for this run.
func (o *Orchestrator) refreshTokens(ctx context.Context, integration *models.Integration) (string, error) {
	if integration.RefreshTokenEncrypted == nil {
		return "", errors.New("access token expired and no refresh token is stored")
	}
	refreshToken, err := o.tokens.Decrypt(ctx, *integration.RefreshTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	cred, err := o.credentials.GetByOrgProvider(ctx, integration.OrganizationID, integration.Provider)
	if err != nil {
		return "", fmt.Errorf("failed to load OAuth client: %w", err)
	}
	if cred == nil {
		return "", fmt.Errorf("no OAuth client registered for organization %s provider %s",
			integration.OrganizationID, integration.Provider)
	}
	clientSecret, err := o.tokens.Decrypt(ctx, cred.ClientSecretEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt OAuth client secret: %w", err)
	}

	tokenURL := o.tokenEndpoint(integration.Provider)
	if cred.TokenEndpoint != nil && *cred.TokenEndpoint != "" {
		tokenURL = *cred.TokenEndpoint
	}

	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", err
	}

	accessEnc, err := o.tokens.Encrypt(ctx, token.AccessToken, vault.ClassificationCredentials)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt refreshed access token: %w", err)
	}
	refreshEnc := integration.RefreshTokenEncrypted
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		enc, err := o.tokens.Encrypt(ctx, token.RefreshToken, vault.ClassificationCredentials)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt rotated refresh token: %w", err)
		}
		refreshEnc = &enc
	}
	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		expiresAt = &token.Expiry
	}

	if err := o.integrations.UpdateTokens(ctx, integration.ID, accessEnc, refreshEnc, expiresAt); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	slog.Info("access token refreshed", "integration_id", integration.ID, "provider", integration.Provider)
	return token.AccessToken, nil
}

func (o *Orchestrator) tokenEndpoint(kind string) string {
	switch kind {
	case models.ProviderGraph:
		return o.providerCfg.Graph.TokenEndpoint
	default:
		return o.providerCfg.Drive.TokenEndpoint
	}
}

// finish records the terminal state in both the integration row and the run
// ledger, and emits the run's audit event. Persistence failures here are
// logged, not returned; the sync outcome is already decided.
func (o *Orchestrator) finish(ctx context.Context, integration *models.Integration, run *models.SyncRun, result *Result, syncErr error) {
	status := models.SyncStatusSuccess
	var errorDetail *string
	if syncErr != nil {
		status = models.SyncStatusFailed
		detail := syncErr.Error()
		errorDetail = &detail
	}
	result.Status = status

	// Finish runs on a background context so a run that failed by deadline
	// can still record its outcome.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.runs.Finish(finishCtx, run.ID, status, result.FilesSeen, result.FilesUpserted, result.ErrorCount, errorDetail); err != nil {
		slog.Error("failed to finish sync run record", "run_id", run.ID, "error", err)
	}
	if err := o.integrations.FinishSync(finishCtx, integration.ID, status, time.Now()); err != nil {
		slog.Error("failed to record sync status", "integration_id", integration.ID, "error", err)
	}

	metadata := map[string]interface{}{
		"run_id":         run.ID.String(),
		"provider":       integration.Provider,
		"status":         status,
		"files_seen":     result.FilesSeen,
		"files_upserted": result.FilesUpserted,
		"error_count":    result.ErrorCount,
	}
	if syncErr != nil {
		metadata["error"] = syncErr.Error()
	}
	resourceID := integration.ID.String()
	if err := o.auditLog.Log(finishCtx, audit.Event{
		Action:         "sync",
		ActorID:        integration.UserID,
		OrganizationID: integration.OrganizationID,
		ResourceType:   "integration",
		ResourceID:     resourceID,
		RiskLevel:      models.RiskLevelLow,
		Metadata:       metadata,
	}); err != nil {
		slog.Error("failed to write sync audit event", "integration_id", integration.ID, "error", err)
	}
}

// errorClass maps a run failure to its metrics label
func errorClass(err error) string {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return "breaker_open"
	}
	return provider.ErrorClass(err)
}
