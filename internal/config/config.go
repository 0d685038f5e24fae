// Package config loads and validates the sync engine configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CIS_ prefix (e.g., CIS_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
//
// The ENCRYPTION_MASTER_KEY variable has no CIS_ prefix because it may be
// injected by infrastructure tooling (Kubernetes secrets, Vault agent) that
// does not know the application-specific prefix and treats it as a generic
// secret name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// EncryptionConfig holds the credential vault configuration.
//
// MasterKey is the base64-encoded 32-byte key-encryption key under which
// per-version data keys are sealed in the database. Alternatively a
// passphrase + salt pair may be supplied and the KEK is derived with PBKDF2.
type EncryptionConfig struct {
	MasterKey        string        `mapstructure:"master_key"`
	Passphrase       string        `mapstructure:"passphrase"`
	Salt             string        `mapstructure:"salt"`
	PBKDF2Iterations int           `mapstructure:"pbkdf2_iterations"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	// ManagedKeys lists the key names the rotation scheduler evaluates.
	ManagedKeys []string `mapstructure:"managed_keys"`
}

// ProvidersConfig holds per-provider endpoint configuration. Endpoints
// default to the public provider APIs; overrides exist for sovereign-cloud
// deployments and tests.
type ProvidersConfig struct {
	Drive ProviderEndpointConfig `mapstructure:"drive"`
	Graph ProviderEndpointConfig `mapstructure:"graph"`
}

// ProviderEndpointConfig holds the endpoints and paging size for one provider
type ProviderEndpointConfig struct {
	APIBaseURL    string `mapstructure:"api_base_url"`
	TokenEndpoint string `mapstructure:"token_endpoint"`
	PageSize      int    `mapstructure:"page_size"`
}

// SyncConfig holds sync orchestration configuration
type SyncConfig struct {
	// IntervalMinutes is how often the scheduler looks for integrations due a sync
	IntervalMinutes int `mapstructure:"interval_minutes"`
	// StaleAfter is the age at which an integration's last sync counts as stale
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// MaxPages bounds worst-case sync duration for pathological listings
	MaxPages int `mapstructure:"max_pages"`
	// PageTimeout is the per-page-fetch deadline
	PageTimeout time.Duration `mapstructure:"page_timeout"`
	// RunTimeout is the overall per-run deadline
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	// RateLimitRetries is the per-run retry budget for provider throttling
	RateLimitRetries int `mapstructure:"rate_limit_retries"`
	// RateLimitBackoff is the base backoff between throttled retries
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	// MaxConcurrent caps how many integrations the scheduler syncs at once
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long the breaker stays open before allowing a probe
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds API rate limiting configuration.
// When RedisAddr is set the limiter state is shared across replicas via
// Redis; otherwise an in-process token bucket is used.
type RateLimitingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
	RedisAddr         string `mapstructure:"redis_addr"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisDB           int    `mapstructure:"redis_db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Enabled determines if audit logging is active
	Enabled bool `mapstructure:"enabled"`
	// Required makes audit write failures abort the operation that produced
	// the event instead of degrading to a warning
	Required bool `mapstructure:"required"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
	// Archive configures object-store archival of audit batches
	Archive AuditArchiveConfig `mapstructure:"archive"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"` // webhook, file
	// Webhook configuration
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	// File configuration
	File *AuditFileConfig `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditArchiveConfig holds object-store archival configuration for audit
// batches. Backend selects which object store receives archives.
type AuditArchiveConfig struct {
	Enabled       bool               `mapstructure:"enabled"`
	Backend       string             `mapstructure:"backend"` // s3, gcs, azure, local
	Prefix        string             `mapstructure:"prefix"`
	BatchSize     int                `mapstructure:"batch_size"`
	FlushInterval time.Duration      `mapstructure:"flush_interval"`
	S3            S3ArchiveConfig    `mapstructure:"s3"`
	GCS           GCSArchiveConfig   `mapstructure:"gcs"`
	Azure         AzureArchiveConfig `mapstructure:"azure"`
	Local         LocalArchiveConfig `mapstructure:"local"`
}

// S3ArchiveConfig holds S3-compatible archive configuration
type S3ArchiveConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	// AuthMethod selects "default" (AWS credential chain) or "static"
	// (the explicit key pair below)
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// GCSArchiveConfig holds Google Cloud Storage archive configuration
type GCSArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Endpoint        string `mapstructure:"endpoint"`
}

// AzureArchiveConfig holds Azure Blob Storage archive configuration
type AzureArchiveConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// LocalArchiveConfig holds local filesystem archive configuration
type LocalArchiveConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; every key here is a hardcoded non-empty string, so any error is a
// programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Encryption
		"encryption.master_key",
		"encryption.passphrase",
		"encryption.salt",
		"encryption.pbkdf2_iterations",
		"encryption.rotation_interval",
		"encryption.managed_keys",

		// Providers
		"providers.drive.api_base_url",
		"providers.drive.token_endpoint",
		"providers.drive.page_size",
		"providers.graph.api_base_url",
		"providers.graph.token_endpoint",
		"providers.graph.page_size",

		// Sync
		"sync.interval_minutes",
		"sync.stale_after",
		"sync.max_pages",
		"sync.page_timeout",
		"sync.run_timeout",
		"sync.rate_limit_retries",
		"sync.rate_limit_backoff",
		"sync.max_concurrent",

		// Breaker
		"breaker.failure_threshold",
		"breaker.cooldown",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_addr",
		"security.rate_limiting.redis_password",
		"security.rate_limiting.redis_db",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",

		// Audit
		"audit.enabled",
		"audit.required",
		"audit.archive.enabled",
		"audit.archive.backend",
		"audit.archive.prefix",
		"audit.archive.batch_size",
		"audit.archive.flush_interval",
		"audit.archive.s3.endpoint",
		"audit.archive.s3.region",
		"audit.archive.s3.bucket",
		"audit.archive.s3.auth_method",
		"audit.archive.s3.access_key_id",
		"audit.archive.s3.secret_access_key",
		"audit.archive.s3.force_path_style",
		"audit.archive.gcs.bucket",
		"audit.archive.gcs.project_id",
		"audit.archive.gcs.credentials_file",
		"audit.archive.gcs.credentials_json",
		"audit.archive.gcs.endpoint",
		"audit.archive.azure.account_name",
		"audit.archive.azure.account_key",
		"audit.archive.azure.container_name",
		"audit.archive.local.base_path",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/cloudsync")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("CIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Encryption.MasterKey = expandEnv(cfg.Encryption.MasterKey)
	cfg.Encryption.Passphrase = expandEnv(cfg.Encryption.Passphrase)
	cfg.Security.RateLimiting.RedisPassword = expandEnv(cfg.Security.RateLimiting.RedisPassword)
	cfg.Audit.Archive.S3.SecretAccessKey = expandEnv(cfg.Audit.Archive.S3.SecretAccessKey)
	cfg.Audit.Archive.Azure.AccountKey = expandEnv(cfg.Audit.Archive.Azure.AccountKey)

	// ENCRYPTION_MASTER_KEY has no CIS_ prefix; see the package comment
	if cfg.Encryption.MasterKey == "" {
		cfg.Encryption.MasterKey = os.Getenv("ENCRYPTION_MASTER_KEY")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "cloudsync")
	v.SetDefault("database.user", "cloudsync")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Encryption defaults
	v.SetDefault("encryption.pbkdf2_iterations", 100000)
	v.SetDefault("encryption.rotation_interval", "2160h") // 90 days
	v.SetDefault("encryption.managed_keys", []string{"credential_key"})

	// Provider defaults
	v.SetDefault("providers.drive.api_base_url", "https://www.googleapis.com/drive/v3")
	v.SetDefault("providers.drive.token_endpoint", "https://oauth2.googleapis.com/token")
	v.SetDefault("providers.drive.page_size", 100)
	v.SetDefault("providers.graph.api_base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("providers.graph.token_endpoint", "https://login.microsoftonline.com/common/oauth2/v2.0/token")
	v.SetDefault("providers.graph.page_size", 100)

	// Sync defaults
	v.SetDefault("sync.interval_minutes", 15)
	v.SetDefault("sync.stale_after", "1h")
	v.SetDefault("sync.max_pages", 100)
	v.SetDefault("sync.page_timeout", "30s")
	v.SetDefault("sync.run_timeout", "10m")
	v.SetDefault("sync.rate_limit_retries", 3)
	v.SetDefault("sync.rate_limit_backoff", "2s")
	v.SetDefault("sync.max_concurrent", 8)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "60s")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "cloudsync")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.required", false)
	v.SetDefault("audit.archive.enabled", false)
	v.SetDefault("audit.archive.backend", "local")
	v.SetDefault("audit.archive.prefix", "audit")
	v.SetDefault("audit.archive.batch_size", 500)
	v.SetDefault("audit.archive.flush_interval", "5m")
	v.SetDefault("audit.archive.local.base_path", "./audit-archive")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Either a direct master key or a passphrase+salt pair must be present
	if c.Encryption.MasterKey == "" && c.Encryption.Passphrase == "" {
		return fmt.Errorf("encryption.master_key or encryption.passphrase is required")
	}
	if c.Encryption.Passphrase != "" && c.Encryption.Salt == "" {
		return fmt.Errorf("encryption.salt is required when encryption.passphrase is set")
	}
	if len(c.Encryption.ManagedKeys) == 0 {
		return fmt.Errorf("encryption.managed_keys must name at least one key")
	}

	// Validate sync bounds
	if c.Sync.MaxPages < 1 {
		return fmt.Errorf("sync.max_pages must be at least 1")
	}
	if c.Sync.RateLimitRetries < 0 {
		return fmt.Errorf("sync.rate_limit_retries must not be negative")
	}
	if c.Sync.MaxConcurrent < 1 {
		return fmt.Errorf("sync.max_concurrent must be at least 1")
	}

	// Validate breaker
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive")
	}

	// Validate audit archive backend if enabled
	if c.Audit.Archive.Enabled {
		switch c.Audit.Archive.Backend {
		case "s3":
			if c.Audit.Archive.S3.Bucket == "" {
				return fmt.Errorf("audit.archive.s3.bucket is required when using the s3 backend")
			}
			if c.Audit.Archive.S3.Region == "" {
				return fmt.Errorf("audit.archive.s3.region is required when using the s3 backend")
			}
		case "gcs":
			if c.Audit.Archive.GCS.Bucket == "" {
				return fmt.Errorf("audit.archive.gcs.bucket is required when using the gcs backend")
			}
		case "azure":
			if c.Audit.Archive.Azure.AccountName == "" {
				return fmt.Errorf("audit.archive.azure.account_name is required when using the azure backend")
			}
			if c.Audit.Archive.Azure.AccountKey == "" {
				return fmt.Errorf("audit.archive.azure.account_key is required when using the azure backend")
			}
			if c.Audit.Archive.Azure.ContainerName == "" {
				return fmt.Errorf("audit.archive.azure.container_name is required when using the azure backend")
			}
		case "local":
			if c.Audit.Archive.Local.BasePath == "" {
				return fmt.Errorf("audit.archive.local.base_path is required when using the local backend")
			}
		default:
			return fmt.Errorf("invalid audit archive backend: %s (must be s3, gcs, azure, or local)", c.Audit.Archive.Backend)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}
