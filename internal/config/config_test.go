package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DIPTYCH_API_ADDR", "DIPTYCH_CACHE_BACKEND", "DIPTYCH_PREVIEW_MAX_DPI", "DIPTYCH_RECORDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.API.Addr != ":8080" {
		t.Fatalf("expected default api addr, got %q", cfg.API.Addr)
	}
	if cfg.Render.CacheBackend != CacheBackendDir || !cfg.Render.CacheReset {
		t.Fatalf("expected resettable dir cache by default, got %+v", cfg.Render)
	}
	if cfg.Render.PreviewMaxDPI != 150 {
		t.Fatalf("expected preview cap 150, got %d", cfg.Render.PreviewMaxDPI)
	}
	if cfg.Render.Workers < 1 || cfg.Render.Workers > 4 {
		t.Fatalf("expected 1..4 render workers, got %d", cfg.Render.Workers)
	}
	if cfg.Database.Records != RecordsMemory {
		t.Fatalf("expected memory records, got %q", cfg.Database.Records)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DIPTYCH_CACHE_BACKEND", "OBJECT")
	t.Setenv("DIPTYCH_WORKERS", "8")
	t.Setenv("DIPTYCH_CACHE_RESET", "false")
	t.Setenv("DIPTYCH_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("DIPTYCH_TASK_TIMEOUT", "not-a-duration")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "x")

	cfg := Load()
	if cfg.Render.CacheBackend != CacheBackendObject {
		t.Fatalf("expected object backend, got %q", cfg.Render.CacheBackend)
	}
	if cfg.Render.Workers != 8 || cfg.Render.CacheReset {
		t.Fatalf("expected overrides applied, got %+v", cfg.Render)
	}
	if cfg.API.RateLimitWindow != 30*time.Second {
		t.Fatalf("expected 30s window, got %s", cfg.API.RateLimitWindow)
	}
	if cfg.Queue.TaskTimeout != 30*time.Minute {
		t.Fatalf("expected fallback task timeout, got %s", cfg.Queue.TaskTimeout)
	}
	if cfg.Webhook.MaxAttempts != 3 {
		t.Fatalf("expected fallback webhook attempts, got %d", cfg.Webhook.MaxAttempts)
	}
}
