package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "DATABASE_URL", "HISTORY_BLOB_BACKEND", "HISTORY_RETENTION_DAYS", "HISTORY_DEDUPE_CONSECUTIVE", "REDIS_URL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Addr != ":8790" || cfg.DatabaseURL != "" || cfg.BlobBackend != "git" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Retention != 30*24*time.Hour {
		t.Fatalf("Retention = %v, want 30 days", cfg.Retention)
	}
	if !cfg.DedupeConsecutive {
		t.Fatal("dedupe should default to on")
	}
	if cfg.CompressionThreshold != 1024 || cfg.DiffStreamCeiling != 5<<20 {
		t.Fatalf("thresholds = %d / %d", cfg.CompressionThreshold, cfg.DiffStreamCeiling)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HISTORY_BLOB_BACKEND", "MinIO")
	t.Setenv("HISTORY_RETENTION_DAYS", "7")
	t.Setenv("HISTORY_DEDUPE_CONSECUTIVE", "false")
	t.Setenv("HISTORY_DIFF_CACHE_TTL_SECONDS", "60")
	t.Setenv("MINIO_USE_SSL", "true")
	cfg := Load()
	if cfg.BlobBackend != "minio" {
		t.Fatalf("BlobBackend = %q", cfg.BlobBackend)
	}
	if cfg.Retention != 7*24*time.Hour || cfg.DiffCacheTTL != time.Minute {
		t.Fatalf("durations = %v / %v", cfg.Retention, cfg.DiffCacheTTL)
	}
	if cfg.DedupeConsecutive || !cfg.MinioUseSSL {
		t.Fatalf("bools = %v / %v", cfg.DedupeConsecutive, cfg.MinioUseSSL)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("HISTORY_COMPRESSION_THRESHOLD", "lots")
	t.Setenv("LOG_PRETTY", "maybe")
	cfg := Load()
	if cfg.CompressionThreshold != 1024 || cfg.LogPretty {
		t.Fatalf("fallbacks not applied: %+v", cfg)
	}
}
