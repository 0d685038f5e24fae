package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cloudsync/cloudsync/internal/breaker"
	"github.com/cloudsync/cloudsync/internal/config"
	"github.com/cloudsync/cloudsync/internal/db/models"
	"github.com/cloudsync/cloudsync/internal/provider"
	"github.com/cloudsync/cloudsync/internal/vault"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeIntegrations struct {
	integration  *models.Integration
	running      bool
	finished     []string
	needsReauth  bool
	updatedToken string
	getErr       error
}

func (f *fakeIntegrations) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.integration == nil || f.integration.ID != id {
		return nil, nil
	}
	return f.integration, nil
}

func (f *fakeIntegrations) TryMarkSyncRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	if f.running {
		return false, nil
	}
	f.running = true
	return true, nil
}

func (f *fakeIntegrations) FinishSync(ctx context.Context, id uuid.UUID, status string, at time.Time) error {
	f.running = false
	f.finished = append(f.finished, status)
	return nil
}

func (f *fakeIntegrations) SetNeedsReauth(ctx context.Context, id uuid.UUID) error {
	f.needsReauth = true
	return nil
}

func (f *fakeIntegrations) UpdateTokens(ctx context.Context, id uuid.UUID, accessEnc string, refreshEnc *string, expiresAt *time.Time) error {
	f.updatedToken = accessEnc
	return nil
}

type fakeFiles struct {
	upserts []*models.CloudFile
	failFor map[string]error
}

func (f *fakeFiles) Upsert(ctx context.Context, file *models.CloudFile) error {
	if err := f.failFor[file.ExternalID]; err != nil {
		return err
	}
	f.upserts = append(f.upserts, file)
	return nil
}

type finishedRun struct {
	status        string
	filesSeen     int
	filesUpserted int
	errorCount    int
	errorDetail   *string
}

type fakeRuns struct {
	created  []*models.SyncRun
	finished []finishedRun
}

func (f *fakeRuns) Create(ctx context.Context, run *models.SyncRun) error {
	f.created = append(f.created, run)
	return nil
}

func (f *fakeRuns) Finish(ctx context.Context, id uuid.UUID, status string, filesSeen, filesUpserted, errorCount int, errorDetail *string) error {
	f.finished = append(f.finished, finishedRun{status, filesSeen, filesUpserted, errorCount, errorDetail})
	return nil
}

type fakeCredentials struct {
	cred *models.OAuthCredential
}

func (f *fakeCredentials) GetByOrgProvider(ctx context.Context, organizationID, provider string) (*models.OAuthCredential, error) {
	return f.cred, nil
}

// fakeVault encodes by prefixing; anything without the prefix fails to decrypt
type fakeVault struct{}

func (fakeVault) Encrypt(ctx context.Context, plaintext, classification string) (string, error) {
	return "enc:" + plaintext, nil
}

func (fakeVault) Decrypt(ctx context.Context, encoded string) (string, error) {
	if !strings.HasPrefix(encoded, "enc:") {
		return "", &vault.DecryptionError{Reason: "malformed envelope"}
	}
	return strings.TrimPrefix(encoded, "enc:"), nil
}

// scriptedAdapter replays a fixed sequence of responses
type scriptedAdapter struct {
	responses []func() (*provider.Page, error)
	calls     int
	tokens    []string
}

func (a *scriptedAdapter) Kind() string { return "drive" }

func (a *scriptedAdapter) ListFiles(ctx context.Context, creds provider.Credentials, cursor string) (*provider.Page, error) {
	a.tokens = append(a.tokens, creds.AccessToken)
	if a.calls >= len(a.responses) {
		return &provider.Page{}, nil
	}
	resp := a.responses[a.calls]
	a.calls++
	return resp()
}

func page(cursor string, ids ...string) func() (*provider.Page, error) {
	return func() (*provider.Page, error) {
		p := &provider.Page{NextCursor: cursor}
		for _, id := range ids {
			p.Files = append(p.Files, provider.FileDescriptor{ExternalID: id, Name: id + ".txt"})
		}
		return p, nil
	}
}

func fail(err error) func() (*provider.Page, error) {
	return func() (*provider.Page, error) { return nil, err }
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	orch         *Orchestrator
	integrations *fakeIntegrations
	files        *fakeFiles
	runs         *fakeRuns
	credentials  *fakeCredentials
	adapter      *scriptedAdapter
	slept        []time.Duration
}

func testIntegration() *models.Integration {
	return &models.Integration{
		ID:                   uuid.New(),
		UserID:               "user-1",
		OrganizationID:       "org-1",
		Provider:             models.ProviderDrive,
		AccessTokenEncrypted: "enc:access-token",
		IsActive:             true,
		LastSyncStatus:       models.SyncStatusNever,
	}
}

func newHarness(t *testing.T, integration *models.Integration, adapter *scriptedAdapter) *harness {
	t.Helper()
	h := &harness{
		integrations: &fakeIntegrations{integration: integration},
		files:        &fakeFiles{},
		runs:         &fakeRuns{},
		credentials:  &fakeCredentials{},
		adapter:      adapter,
	}
	cfg := config.SyncConfig{
		MaxPages:         10,
		RateLimitRetries: 2,
		RateLimitBackoff: time.Millisecond,
	}
	h.orch = NewOrchestrator(cfg, config.ProvidersConfig{},
		h.integrations, h.files, h.runs, h.credentials, fakeVault{},
		breaker.NewRegistry(3, time.Minute), nil)
	h.orch.buildAdapter = func(kind string) (provider.Adapter, error) { return adapter, nil }
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestSyncFilesMultiPage(t *testing.T) {
	integration := testIntegration()
	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){
		page("cursor-2", "a", "b"),
		page("", "c"),
	}}
	h := newHarness(t, integration, adapter)

	result, err := h.orch.SyncFiles(context.Background(), integration.ID)
	if err != nil {
		t.Fatalf("SyncFiles failed: %v", err)
	}

	if result.Status != models.SyncStatusSuccess {
		t.Errorf("expected success, got %s", result.Status)
	}
	if result.Pages != 2 || result.FilesSeen != 3 || result.FilesUpserted != 3 {
		t.Errorf("unexpected counters: %+v", result)
	}
	if len(h.files.upserts) != 3 {
		t.Errorf("expected 3 upserts, got %d", len(h.files.upserts))
	}
	if h.files.upserts[0].IntegrationID != integration.ID {
		t.Errorf("upsert not keyed to integration: %+v", h.files.upserts[0])
	}
	if len(h.runs.created) != 1 || len(h.runs.finished) != 1 {
		t.Fatalf("expected one run created and finished, got %d/%d", len(h.runs.created), len(h.runs.finished))
	}
	if h.runs.finished[0].status != models.SyncStatusSuccess {
		t.Errorf("run finished with %s", h.runs.finished[0].status)
	}
	if len(h.integrations.finished) != 1 || h.integrations.finished[0] != models.SyncStatusSuccess {
		t.Errorf("integration status not finished as success: %v", h.integrations.finished)
	}
	if h.integrations.running {
		t.Error("sync gate was not released")
	}
	// The adapter must have been called with the decrypted token.
	if adapter.tokens[0] != "access-token" {
		t.Errorf("adapter received token %q", adapter.tokens[0])
	}
}

func TestSyncFilesNotFound(t *testing.T) {
	h := newHarness(t, testIntegration(), &scriptedAdapter{})

	_, err := h.orch.SyncFiles(context.Background(), uuid.New())
	if !errors.Is(err, ErrIntegrationNotFound) {
		t.Fatalf("expected ErrIntegrationNotFound, got %v", err)
	}
}

func TestSyncFilesInactive(t *testing.T) {
	integration := testIntegration()
	integration.IsActive = false
	h := newHarness(t, integration, &scriptedAdapter{})

	if _, err := h.orch.SyncFiles(context.Background(), integration.ID); !errors.Is(err, ErrIntegrationInactive) {
		t.Fatalf("expected ErrIntegrationInactive, got %v", err)
	}
}

func TestSyncFilesNeedsReauth(t *testing.T) {
	integration := testIntegration()
	integration.NeedsReauth = true
	h := newHarness(t, integration, &scriptedAdapter{})

	if _, err := h.orch.SyncFiles(context.Background(), integration.ID); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}

func TestSyncFilesSingleFlight(t *testing.T) {
	integration := testIntegration()
	h := newHarness(t, integration, &scriptedAdapter{})
	h.integrations.running = true

	if _, err := h.orch.SyncFiles(context.Background(), integration.ID); !errors.Is(err, ErrSyncAlreadyRunning) {
		t.Fatalf("expected ErrSyncAlreadyRunning, got %v", err)
	}
	if len(h.runs.created) != 0 {
		t.Error("no run should be recorded when the gate is held")
	}
}

func TestSyncFilesAuthErrorFlagsReauth(t *testing.T) {
	integration := testIntegration()
	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){
		fail(&provider.AuthError{Provider: "drive", StatusCode: 401}),
	}}
	h := newHarness(t, integration, adapter)

	result, err := h.orch.SyncFiles(context.Background(), integration.ID)
	var authErr *provider.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if !h.integrations.needsReauth {
		t.Error("expected integration to be flagged for re-auth")
	}
	if h.runs.finished[0].status != models.SyncStatusFailed {
		t.Errorf("run finished with %s, want failed", h.runs.finished[0].status)
	}
	// The terminal failure shows up in the run's error count.
	if result.ErrorCount != 1 {
		t.Errorf("result.ErrorCount = %d, want 1", result.ErrorCount)
	}
	if h.runs.finished[0].errorCount != 1 {
		t.Errorf("run recorded %d errors, want 1", h.runs.finished[0].errorCount)
	}
	if h.integrations.running {
		t.Error("sync gate was not released")
	}
}

func TestSyncFilesAuthErrorDuringProbeDoesNotWedgeBreaker(t *testing.T) {
	integration := testIntegration()
	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){
		fail(&provider.TransientError{Provider: "drive", StatusCode: 503}),
		fail(&provider.AuthError{Provider: "drive", StatusCode: 401}),
		page("", "a"),
	}}
	h := newHarness(t, integration, adapter)
	h.orch.breakers = breaker.NewRegistry(1, 0)
	circuit := h.orch.breakers.Get(models.ProviderDrive)

	// First run opens the breaker.
	if _, err := h.orch.SyncFiles(context.Background(), integration.ID); err == nil {
		t.Fatal("expected transient failure")
	}
	if circuit.State() != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", circuit.State())
	}

	// Second run is the half-open probe. It dies on an auth error, which the
	// breaker does not count.
	_, err := h.orch.SyncFiles(context.Background(), integration.ID)
	var authErr *provider.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError from the probe, got %v", err)
	}

	// The probe slot must be free again: the next run gets through and its
	// success closes the circuit.
	if _, err := h.orch.SyncFiles(context.Background(), integration.ID); err != nil {
		t.Fatalf("sync after uncounted probe outcome: %v", err)
	}
	if circuit.State() != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", circuit.State())
	}
}

func TestSyncFilesRateLimitRetries(t *testing.T) {
	integration := testIntegration()
	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){
		fail(&provider.RateLimitError{Provider: "drive", RetryAfter: 2 * time.Millisecond}),
		page("", "a"),
	}}
	h := newHarness(t, integration, adapter)

	result, err := h.orch.SyncFiles(context.Background(), integration.ID)
	if err != nil {
		t.Fatalf("SyncFiles failed: %v", err)
	}
	if result.FilesUpserted != 1 {
		t.Errorf("expected retry to succeed, got %+v", result)
	}
	if len(h.slept) != 1 {
		t.Fatalf("expected one backoff sleep, got %d", len(h.slept))
	}
	if h.slept[0] < 2*time.Millisecond {
		t.Errorf("backoff %s shorter than provider's retry-after", h.slept[0])
	}
}

func TestSyncFilesRateLimitBudgetExhausted(t *testing.T) {
	integration := testIntegration()
	throttle := fail(&provider.RateLimitError{Provider: "drive"})
	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){throttle, throttle, throttle}}
	h := newHarness(t, integration, adapter)

	_, err := h.orch.SyncFiles(context.Background(), integration.ID)
	var rateErr *provider.RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError after budget exhaustion, got %v", err)
	}
	// Budget of 2 means two retries: three calls total, two sleeps.
	if adapter.calls != 3 {
		t.Errorf("expected 3 provider calls, got %d", adapter.calls)
	}
	if len(h.slept) != 2 {
		t.Errorf("expected 2 backoff sleeps, got %d", len(h.slept))
	}
}

func TestSyncFilesTransientErrorCountsTowardBreaker(t *testing.T) {
	integration := testIntegration()
	transient := fail(&provider.TransientError{Provider: "drive", StatusCode: 502})
	h := newHarness(t, integration, &scriptedAdapter{responses: []func() (*provider.Page, error){transient}})

	circuit := h.orch.breakers.Get(models.ProviderDrive)

	// Threshold is 3; each failed run records one countable failure.
	for i := 0; i < 3; i++ {
		h.adapter.calls = 0
		if _, err := h.orch.SyncFiles(context.Background(), integration.ID); err == nil {
			t.Fatal("expected transient failure")
		}
	}
	if circuit.State() != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", circuit.State())
	}

	// With the circuit open the next run fails fast without a provider call.
	h.adapter.calls = 0
	_, err := h.orch.SyncFiles(context.Background(), integration.ID)
	var openErr *breaker.OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if h.adapter.calls != 0 {
		t.Errorf("provider called %d times while breaker open", h.adapter.calls)
	}
}

func TestSyncFilesUpsertFailureContinues(t *testing.T) {
	integration := testIntegration()
	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){page("", "a", "b", "c")}}
	h := newHarness(t, integration, adapter)
	h.files.failFor = map[string]error{"b": errors.New("constraint violation")}

	result, err := h.orch.SyncFiles(context.Background(), integration.ID)
	if err != nil {
		t.Fatalf("SyncFiles failed: %v", err)
	}
	if result.FilesSeen != 3 || result.FilesUpserted != 2 || result.ErrorCount != 1 {
		t.Errorf("unexpected counters: %+v", result)
	}
	if h.runs.finished[0].errorCount != 1 {
		t.Errorf("run recorded %d errors, want 1", h.runs.finished[0].errorCount)
	}
}

func TestSyncFilesPageCap(t *testing.T) {
	integration := testIntegration()
	endless := page("more", "x")
	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){
		endless, endless, endless, endless, endless,
	}}
	h := newHarness(t, integration, adapter)
	h.orch.cfg.MaxPages = 3

	result, err := h.orch.SyncFiles(context.Background(), integration.ID)
	if err != nil {
		t.Fatalf("SyncFiles failed: %v", err)
	}
	if result.Pages != 3 {
		t.Errorf("expected 3 pages, got %d", result.Pages)
	}
	if result.Status != models.SyncStatusSuccess {
		t.Errorf("capped run should still succeed, got %s", result.Status)
	}
}

func TestSyncFilesUndecryptableTokenFlagsReauth(t *testing.T) {
	integration := testIntegration()
	integration.AccessTokenEncrypted = "garbage"
	h := newHarness(t, integration, &scriptedAdapter{})

	_, err := h.orch.SyncFiles(context.Background(), integration.ID)
	if err == nil {
		t.Fatal("expected decryption failure")
	}
	var decErr *vault.DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecryptionError, got %v", err)
	}
	if !h.integrations.needsReauth {
		t.Error("expected integration to be flagged for re-auth")
	}
}

func TestSyncFilesExpiredTokenWithoutRefreshToken(t *testing.T) {
	integration := testIntegration()
	expired := time.Now().Add(-time.Hour)
	integration.TokenExpiresAt = &expired
	h := newHarness(t, integration, &scriptedAdapter{})

	_, err := h.orch.SyncFiles(context.Background(), integration.ID)
	if err == nil {
		t.Fatal("expected failure for expired token without refresh token")
	}
	if !h.integrations.needsReauth {
		t.Error("expected integration to be flagged for re-auth")
	}
}

func TestSyncFilesRefreshesExpiredToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-token" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "fresh-token", "token_type": "Bearer", "expires_in": 3600}`)
	}))
	defer tokenSrv.Close()

	integration := testIntegration()
	expired := time.Now().Add(-time.Hour)
	integration.TokenExpiresAt = &expired
	refreshEnc := "enc:refresh-token"
	integration.RefreshTokenEncrypted = &refreshEnc

	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){page("", "a")}}
	h := newHarness(t, integration, adapter)
	h.credentials.cred = &models.OAuthCredential{
		OrganizationID:        "org-1",
		Provider:              models.ProviderDrive,
		ClientID:              "client-1",
		ClientSecretEncrypted: "enc:shh",
		TokenEndpoint:         &tokenSrv.URL,
	}

	result, err := h.orch.SyncFiles(context.Background(), integration.ID)
	if err != nil {
		t.Fatalf("SyncFiles failed: %v", err)
	}
	if result.Status != models.SyncStatusSuccess {
		t.Errorf("expected success, got %s", result.Status)
	}
	if adapter.tokens[0] != "fresh-token" {
		t.Errorf("adapter received %q, want refreshed token", adapter.tokens[0])
	}
	if h.integrations.updatedToken != "enc:fresh-token" {
		t.Errorf("persisted token envelope %q", h.integrations.updatedToken)
	}
}
