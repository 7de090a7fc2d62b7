// Package config loads process configuration from environment variables
// (with an optional CLI override for the storage directory), following
// the same precedence rules regardless of which setting is read: an
// explicit flag wins, then the current environment variable name, then a
// deprecated fallback name kept for operators who haven't migrated yet,
// then a hardcoded default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every tunable the core needs. Fields are grouped by the
// component that consumes them.
type Config struct {
	// Server
	Port     int
	DevMode  bool
	LogLevel string

	// StorageDir is the root of the projects/<projectId>/... filesystem
	// layout. Resolved to an absolute path and created if missing.
	StorageDir string

	// External providers
	CodeGenProviderURL string
	ScoringProviderURL string
	ProviderTimeoutSec int

	// Sandbox Manager
	HistoricalPoolSize   int
	CurrentPreviewTTLMin int
	HistoricalTTLMin     int
	ReadinessTimeoutSec  int
	RouteWarmupTimeoutSec int
	TemplateDir          string
	MinFreeMemPercent    float64

	// Snapshot Store remote mirror (optional; empty Bucket disables it)
	R2Bucket          string
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	RetentionDays     int

	// Trace Bus
	TraceBufferSize int
}

// Load builds a Config from the environment. dataDirOverride, when
// non-empty, takes precedence over every environment variable — it
// models a CLI flag such as `-storage-dir`.
func Load(dataDirOverride ...string) (*Config, error) {
	// godotenv is best-effort: most deployments set real environment
	// variables and have no .env file at all.
	_ = godotenv.Load()

	storageDir := getEnv("REFINELOOP_STORAGE_DIR", getEnv("DATA_DIR", "/var/lib/refineloop/data"))
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		storageDir = dataDirOverride[0]
	}

	absStorageDir, err := filepath.Abs(storageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absStorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		Port:                  getEnvInt("GO_PORT", 8001),
		DevMode:               getEnvBool("DEV_MODE", false),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		StorageDir:            absStorageDir,
		CodeGenProviderURL:    getEnv("CODEGEN_SERVICE_URL", "http://localhost:9100"),
		ScoringProviderURL:    getEnv("SCORING_SERVICE_URL", "http://localhost:9000"),
		ProviderTimeoutSec:    getEnvInt("PROVIDER_TIMEOUT_SECONDS", 60),
		HistoricalPoolSize:    getEnvInt("SANDBOX_HISTORICAL_POOL_SIZE", 2),
		CurrentPreviewTTLMin:  getEnvInt("SANDBOX_CURRENT_TTL_MINUTES", 30),
		HistoricalTTLMin:      getEnvInt("SANDBOX_HISTORICAL_TTL_MINUTES", 10),
		ReadinessTimeoutSec:   getEnvInt("SANDBOX_READINESS_TIMEOUT_SECONDS", 120),
		RouteWarmupTimeoutSec: getEnvInt("SANDBOX_ROUTE_WARMUP_TIMEOUT_SECONDS", 30),
		TemplateDir:           getEnv("SANDBOX_TEMPLATE_DIR", ""),
		MinFreeMemPercent:     getEnvFloat("SANDBOX_MIN_FREE_MEM_PERCENT", 10.0),
		R2Bucket:              getEnv("R2_BUCKET", ""),
		R2AccountID:           getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:         getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:     getEnv("R2_SECRET_ACCESS_KEY", ""),
		RetentionDays:         getEnvInt("SNAPSHOT_RETENTION_DAYS", 14),
		TraceBufferSize:       getEnvInt("TRACE_BUFFER_SIZE", 500),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
