package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	// Blob storage: git (default), minio or memory.
	BlobBackend    string
	BlobDir        string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Diff cache: Redis when RedisURL is set, in-process LRU otherwise.
	RedisURL      string
	DiffCacheSize int
	DiffCacheTTL  time.Duration
	// Versioning and retention
	Retention            time.Duration
	RetentionPolicy      string
	SweepSchedule        string
	DedupeConsecutive    bool
	CompressionThreshold int
	DiffStreamCeiling    int64
	// Logging
	LogLevel  string
	LogPretty bool
}

func Load() Config {
	return Config{
		Addr:                 getenv("API_ADDR", ":8790"),
		DatabaseURL:          getenv("DATABASE_URL", ""),
		MigrationsDir:        getenv("HISTORY_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:           getenv("HISTORY_CORS_ORIGIN", "*"),
		BlobBackend:          strings.ToLower(getenv("HISTORY_BLOB_BACKEND", "git")),
		BlobDir:              getenv("HISTORY_BLOB_DIR", "./data/blobs"),
		MinioEndpoint:        getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:       getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:       getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:          getenv("MINIO_BUCKET", "document-versions"),
		MinioUseSSL:          getenvBool("MINIO_USE_SSL", false),
		RedisURL:             getenv("REDIS_URL", ""),
		DiffCacheSize:        getenvInt("HISTORY_DIFF_CACHE_SIZE", 512),
		DiffCacheTTL:         time.Duration(getenvInt("HISTORY_DIFF_CACHE_TTL_SECONDS", 86400)) * time.Second,
		Retention:            time.Duration(getenvInt("HISTORY_RETENTION_DAYS", 30)) * 24 * time.Hour,
		RetentionPolicy:      getenv("HISTORY_RETENTION_POLICY", "keep-latest"),
		SweepSchedule:        getenv("HISTORY_SWEEP_SCHEDULE", "0 15 3 * * *"),
		DedupeConsecutive:    getenvBool("HISTORY_DEDUPE_CONSECUTIVE", true),
		CompressionThreshold: getenvInt("HISTORY_COMPRESSION_THRESHOLD", 1024),
		DiffStreamCeiling:    int64(getenvInt("HISTORY_DIFF_STREAM_CEILING", 5<<20)),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		LogPretty:            getenvBool("LOG_PRETTY", false),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
