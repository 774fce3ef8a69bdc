package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.MaxUploadSize != 512*1024*1024 {
		t.Errorf("MaxUploadSize = %d, want 512MB", cfg.MaxUploadSize)
	}
	if cfg.MaxFilesPerBatch != 20 {
		t.Errorf("MaxFilesPerBatch = %d, want 20", cfg.MaxFilesPerBatch)
	}
	if cfg.TaskTimeout != 30*time.Minute {
		t.Errorf("TaskTimeout = %v, want 30m", cfg.TaskTimeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryBaseDelay != time.Minute {
		t.Errorf("RetryBaseDelay = %v, want 1m", cfg.RetryBaseDelay)
	}
	if cfg.Retention != 24*time.Hour {
		t.Errorf("Retention = %v, want 24h", cfg.Retention)
	}
	if cfg.DefaultEngine != "ghostscript" || cfg.DefaultPreset != "ebook" {
		t.Errorf("unexpected defaults: engine=%q preset=%q", cfg.DefaultEngine, cfg.DefaultPreset)
	}
	if !cfg.EnableEngineFallback || !cfg.EnableDeduplication {
		t.Error("fallback and deduplication should default to enabled")
	}
	if cfg.WebhookEnabled {
		t.Error("webhook should default to disabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_UPLOAD_SIZE_MB", "64")
	t.Setenv("TASK_MAX_RETRIES", "5")
	t.Setenv("RETENTION_HOURS", "48")
	t.Setenv("ENABLE_DEDUPLICATION", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want 9000", cfg.Port)
	}
	if cfg.MaxUploadSize != 64*1024*1024 {
		t.Errorf("MaxUploadSize = %d, want 64MB", cfg.MaxUploadSize)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.Retention != 48*time.Hour {
		t.Errorf("Retention = %v, want 48h", cfg.Retention)
	}
	if cfg.EnableDeduplication {
		t.Error("EnableDeduplication should be overridable to false")
	}
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("TASK_MAX_RETRIES", "many")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.MaxRetries)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("WEBHOOK_ENABLED", "true")

	if _, err := Load(); err == nil {
		t.Fatal("webhook without URL should fail validation")
	}

	t.Setenv("WEBHOOK_URL", "https://example.com/hooks/pdf")
	if _, err := Load(); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
}

func TestValidateReleaseMode(t *testing.T) {
	t.Setenv("GIN_MODE", "release")

	if _, err := Load(); err == nil {
		t.Fatal("release mode with the dev session secret should fail validation")
	}

	t.Setenv("SESSION_SECRET", "an-actual-production-secret")
	if _, err := Load(); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
}
