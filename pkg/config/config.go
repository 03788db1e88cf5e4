package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/packgate/packgate/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Store configuration (actors and domain entities)
	Store StoreConfig

	// Blob configuration (package file contents)
	Blobs BlobConfig

	// Cache configuration (scope lookups)
	Cache CacheConfig

	// Auth configuration
	Auth AuthConfig

	// Gate configuration
	Gate GateConfig

	// Janitor configuration
	Janitor JanitorConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StoreConfig selects the backend for actors and domain entities. The
// memory backend is for development and tests only.
type StoreConfig struct {
	Backend string // memory, sqlite, postgres

	// SQLite config
	SQLitePath string

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration
}

// BlobConfig selects the backend for package file contents
type BlobConfig struct {
	Backend string // filesystem, s3

	// Filesystem config
	FilesystemRoot string

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// CacheConfig holds the optional Redis scope cache settings
type CacheConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	// OIDC issuer for CI job tokens; empty disables the verifier
	OIDCIssuerURL string
	OIDCClientID  string

	// OIDCIssuerToken authenticates discovery and key fetches for issuers
	// with a private JWKS endpoint
	OIDCIssuerToken string

	// FlagsFile is a YAML file of feature flag overrides; empty means
	// every protocol flag is enabled
	FlagsFile string
}

// GateConfig holds authorization gate settings
type GateConfig struct {
	// HideForbidden rewrites 403 to 404 on reads
	HideForbidden bool
}

// JanitorConfig holds background maintenance settings
type JanitorConfig struct {
	Schedule      string
	SessionMaxAge time.Duration
	SweepTimeout  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Store:         loadStoreConfig(),
		Blobs:         loadBlobConfig(),
		Cache:         loadCacheConfig(),
		Auth:          loadAuthConfig(),
		Gate:          loadGateConfig(),
		Janitor:       loadJanitorConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PACKGATE_HOST", "0.0.0.0"),
		Port:            getEnv("PACKGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PACKGATE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("PACKGATE_WRITE_TIMEOUT", 5*time.Minute),
		IdleTimeout:     getEnvDuration("PACKGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PACKGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PACKGATE_HEALTH_PORT", "9090"),
	}
}

// loadStoreConfig loads record store configuration from environment
func loadStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:          getEnv("PACKGATE_STORE_BACKEND", "memory"),
		SQLitePath:       getEnv("PACKGATE_SQLITE_PATH", "packgate.db"),
		PostgresURL:      getEnv("PACKGATE_POSTGRES_URL", ""),
		PostgresMaxConns: getEnvInt("PACKGATE_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns: getEnvInt("PACKGATE_POSTGRES_MIN_CONNS", 2),
		PostgresTimeout:  getEnvDuration("PACKGATE_POSTGRES_TIMEOUT", 5*time.Second),
	}
}

// loadBlobConfig loads blob store configuration from environment
func loadBlobConfig() BlobConfig {
	return BlobConfig{
		Backend:        getEnv("PACKGATE_BLOB_BACKEND", "filesystem"),
		FilesystemRoot: getEnv("PACKGATE_FILESYSTEM_ROOT", "/var/packgate/blobs"),
		S3Endpoint:     getEnv("PACKGATE_S3_ENDPOINT", ""),
		S3Region:       getEnv("PACKGATE_S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("PACKGATE_S3_BUCKET", ""),
		S3AccessKey:    getEnv("PACKGATE_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("PACKGATE_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("PACKGATE_S3_USE_PATH_STYLE", false),
	}
}

// loadCacheConfig loads scope cache configuration from environment
func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:       getEnvBool("PACKGATE_CACHE_ENABLED", false),
		RedisAddr:     getEnv("PACKGATE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("PACKGATE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("PACKGATE_REDIS_DB", 0),
		TTL:           getEnvDuration("PACKGATE_CACHE_TTL", 30*time.Second),
	}
}

// loadAuthConfig loads auth configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		OIDCIssuerURL:   getEnv("PACKGATE_OIDC_ISSUER_URL", ""),
		OIDCClientID:    getEnv("PACKGATE_OIDC_CLIENT_ID", "packgate"),
		OIDCIssuerToken: getEnv("PACKGATE_OIDC_ISSUER_TOKEN", ""),
		FlagsFile:       getEnv("PACKGATE_FLAGS_FILE", ""),
	}
}

// loadGateConfig loads gate configuration from environment
func loadGateConfig() GateConfig {
	return GateConfig{
		HideForbidden: getEnvBool("PACKGATE_HIDE_FORBIDDEN", true),
	}
}

// loadJanitorConfig loads janitor configuration from environment
func loadJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Schedule:      getEnv("PACKGATE_JANITOR_SCHEDULE", "*/15 * * * *"),
		SessionMaxAge: getEnvDuration("PACKGATE_SESSION_MAX_AGE", 1*time.Hour),
		SweepTimeout:  getEnvDuration("PACKGATE_SWEEP_TIMEOUT", 5*time.Minute),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("PACKGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PACKGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PACKGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PACKGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PACKGATE_OTEL_SERVICE_NAME", "packgate"),
		OTelServiceVersion: getEnv("PACKGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PACKGATE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate store config based on backend
	switch c.Store.Backend {
	case "memory":
		// nothing to check
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite store")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres store")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, sqlite, or postgres)", c.Store.Backend)
	}

	// Validate blob config based on backend
	switch c.Blobs.Backend {
	case "filesystem":
		if c.Blobs.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem blobs")
		}
	case "s3":
		if c.Blobs.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 blobs")
		}
	default:
		return fmt.Errorf("invalid blob backend: %s (must be filesystem or s3)", c.Blobs.Backend)
	}

	// Validate cache config
	if c.Cache.Enabled && c.Cache.RedisAddr == "" {
		return fmt.Errorf("redis address is required when the cache is enabled")
	}

	// Validate OIDC config
	if c.Auth.OIDCIssuerURL != "" && c.Auth.OIDCClientID == "" {
		return fmt.Errorf("OIDC client ID is required when an issuer is set")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
