// Package config loads process configuration from the environment and
// manages the hot-reloadable upstream registry list backing internal/upstreammgr.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// AWS SDK environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_REGION, AWS_ENDPOINT_URL) are read directly by the SDK's default
// credential chain and do not appear in this struct.

// Config is the process-level configuration read once at startup.
type Config struct {
	ListenAddr string

	StorageBackend   string // "local" or "s3"
	FSRoot           string
	S3Bucket         string
	S3Prefix         string
	S3ForcePathStyle bool

	MetadataDBPath string

	MaxCacheSizeBytes int64
	RetentionDays     int
	EvictionPolicy    string // "LRU", "LFU", "FIFO"

	UpstreamsConfigPath string

	LogLevel slog.Level
}

// Load reads Config from the environment.
func Load() Config {
	maxSize, _ := strconv.ParseInt(envOr("MAX_CACHE_SIZE_BYTES", "10737418240"), 10, 64)
	retentionDays, _ := strconv.Atoi(envOr("RETENTION_DAYS", "30"))

	return Config{
		ListenAddr: envOr("LISTEN_ADDR", ":8080"),

		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		FSRoot:           envOr("FS_ROOT", "/data/ocimirror"),
		S3Bucket:         envOr("S3_BUCKET", "ocimirror-cache"),
		S3Prefix:         os.Getenv("S3_PREFIX"),
		S3ForcePathStyle: envOr("S3_FORCE_PATH_STYLE", "true") == "true",

		MetadataDBPath: envOr("METADATA_DB_PATH", "/data/ocimirror/metadata.db"),

		MaxCacheSizeBytes: maxSize,
		RetentionDays:     retentionDays,
		EvictionPolicy:    strings.ToUpper(envOr("EVICTION_POLICY", "LRU")),

		UpstreamsConfigPath: envOr("UPSTREAMS_CONFIG_PATH", "/data/ocimirror/upstreams.yaml"),

		LogLevel: parseLogLevel(envOr("LOG_LEVEL", "info")),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
