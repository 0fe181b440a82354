// Package config holds top-level service configuration loaded from the
// environment. Database and bus connection settings live with their own
// packages.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Default limits.
const (
	DefaultHTTPPort                = 8090
	DefaultWebhookMetadataMaxBytes = 16 * 1024
	DefaultMaxUploadBytes          = 1 << 30 // 1 GiB
	DefaultShutdownTimeout         = 15 * time.Second
)

// Config is the top-level service configuration.
type Config struct {
	HTTPPort int

	// PodID identifies this replica in logs and bus records.
	PodID string

	// BlobDir is the filesystem blob store root.
	BlobDir string

	// APIKeys is the raw key spec parsed by the auth package.
	APIKeys string

	// WebhookMetadataMaxBytes caps the client-supplied webhook_metadata
	// document on job submission.
	WebhookMetadataMaxBytes int

	// MaxUploadBytes caps one audio upload.
	MaxUploadBytes int64

	ShutdownTimeout time.Duration
}

// LoadFromEnv reads configuration with defaults for everything optional.
func LoadFromEnv() Config {
	cfg := Config{
		HTTPPort:                getEnvInt("HTTP_PORT", DefaultHTTPPort),
		PodID:                   os.Getenv("POD_ID"),
		BlobDir:                 getEnvOrDefault("BLOB_DIR", "/var/lib/dalston/blobs"),
		APIKeys:                 os.Getenv("DALSTON_API_KEYS"),
		WebhookMetadataMaxBytes: getEnvInt("WEBHOOK_METADATA_MAX_SIZE", DefaultWebhookMetadataMaxBytes),
		MaxUploadBytes:          int64(getEnvInt("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes)),
		ShutdownTimeout:         DefaultShutdownTimeout,
	}
	if cfg.PodID == "" {
		cfg.PodID = "dalston-" + uuid.New().String()[:8]
	}
	return cfg
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
