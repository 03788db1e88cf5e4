// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	PACKGATE_HOST="0.0.0.0"
//	PACKGATE_PORT="8080"
//	PACKGATE_HEALTH_PORT="9090"
//	PACKGATE_READ_TIMEOUT="30s"
//	PACKGATE_WRITE_TIMEOUT="5m"
//
// Store settings (actors and domain entities):
//
//	PACKGATE_STORE_BACKEND="postgres"  # memory, sqlite, postgres
//	PACKGATE_SQLITE_PATH="packgate.db"
//	PACKGATE_POSTGRES_URL="postgres://localhost/packgate"
//	PACKGATE_POSTGRES_MAX_CONNS="20"
//
// Blob settings (package file contents):
//
//	PACKGATE_BLOB_BACKEND="s3"  # filesystem, s3
//	PACKGATE_FILESYSTEM_ROOT="/var/packgate/blobs"
//	PACKGATE_S3_BUCKET="packgate-blobs"
//	PACKGATE_S3_REGION="us-east-1"
//
// Cache settings (scope lookups):
//
//	PACKGATE_CACHE_ENABLED="true"
//	PACKGATE_REDIS_ADDR="localhost:6379"
//	PACKGATE_CACHE_TTL="30s"
//
// Auth and gate settings:
//
//	PACKGATE_OIDC_ISSUER_URL="https://ci.example.com"
//	PACKGATE_OIDC_CLIENT_ID="packgate"
//	PACKGATE_FLAGS_FILE="/etc/packgate/flags.yaml"
//	PACKGATE_HIDE_FORBIDDEN="true"
//
// Observability settings:
//
//	PACKGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	PACKGATE_METRICS_ENABLED="true"
//	PACKGATE_OTEL_ENABLED="true"
//	PACKGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Store: %s\n", cfg.Store.Backend)
//
// # Related Packages
//
//   - pkg/storage: consumes store and blob configuration
//   - pkg/observability: consumes observability configuration
package config
