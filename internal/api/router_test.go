package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsync/cloudsync/internal/config"
	"github.com/cloudsync/cloudsync/internal/db/models"
	"github.com/cloudsync/cloudsync/internal/vault"
)

// emptyKeyStore satisfies vault.KeyStore without touching a database
type emptyKeyStore struct{}

func (emptyKeyStore) GetActive(context.Context, string) (*models.EncryptionKey, error) {
	return nil, nil
}
func (emptyKeyStore) GetActiveByClassification(context.Context, string) (*models.EncryptionKey, error) {
	return nil, nil
}
func (emptyKeyStore) GetVersion(context.Context, string, int) (*models.EncryptionKey, error) {
	return nil, nil
}
func (emptyKeyStore) ActivateNewVersion(context.Context, string, string, string) (*models.EncryptionKey, error) {
	return nil, nil
}

func routerTestConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			IntervalMinutes: 60,
			StaleAfter:      time.Hour,
			MaxPages:        10,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute},
		Providers: config.ProvidersConfig{
			Drive: config.ProviderEndpointConfig{APIBaseURL: "https://drive.invalid"},
			Graph: config.ProviderEndpointConfig{APIBaseURL: "https://graph.invalid"},
		},
		Security: config.SecurityConfig{
			CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
			RateLimiting: config.RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
		Audit: config.AuditConfig{Enabled: true},
	}
}

func newRouterUnderTest(t *testing.T) (http.Handler, *BackgroundServices, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")

	master, err := vault.NewCipher(make([]byte, 32))
	require.NoError(t, err)
	v := vault.New(emptyKeyStore{}, master)

	// The sync scheduler runs an initial due-sync pass as soon as it starts;
	// hand it an empty listing so it idles until the test ends.
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`FROM integrations`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	router, bg, err := NewRouter(routerTestConfig(), db, v)
	require.NoError(t, err)
	t.Cleanup(bg.Shutdown)
	return router, bg, mock
}

func TestNewRouterServesHealth(t *testing.T) {
	router, _, _ := newRouterUnderTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestNewRouterAppliesRateLimitHeaders(t *testing.T) {
	router, _, _ := newRouterUnderTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/integrations/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "600", w.Header().Get("X-RateLimit-Limit"))
}

func TestNewRouterSetsRequestID(t *testing.T) {
	router, _, _ := newRouterUnderTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestNewRouterRejectsUnknownArchiveBackend(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "sqlmock")

	master, err := vault.NewCipher(make([]byte, 32))
	require.NoError(t, err)

	cfg := routerTestConfig()
	cfg.Audit.Archive = config.AuditArchiveConfig{Enabled: true, Backend: "tape"}

	_, _, err = NewRouter(cfg, db, vault.New(emptyKeyStore{}, master))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported archive backend")
}

func TestBackgroundServicesShutdownIsIdempotentSafe(t *testing.T) {
	// Shutdown on a zero value must not panic; cmd/server calls it on paths
	// where some services were never started.
	bg := &BackgroundServices{}
	bg.Shutdown()
}
