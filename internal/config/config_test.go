package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TIMEZONE", "America/Sao_Paulo")
	t.Setenv("RATE_LIMIT_RPS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CompletionModel != "llama-3.3-70b-versatile" {
		t.Errorf("CompletionModel = %q", cfg.CompletionModel)
	}
	if cfg.CleanupGrace != 2*time.Hour {
		t.Errorf("CleanupGrace = %v, want 2h", cfg.CleanupGrace)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d, want 1MiB", cfg.MaxBodyBytes)
	}
	if cfg.Location.String() != "America/Sao_Paulo" {
		t.Errorf("Location = %s", cfg.Location)
	}
	if cfg.SearchLimit != 3 {
		t.Errorf("SearchLimit = %d, want 3", cfg.SearchLimit)
	}
	if cfg.CalendarTimeout != 5*time.Second {
		t.Errorf("CalendarTimeout = %v, want 5s", cfg.CalendarTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_API_URL", "http://store:8000/")
	t.Setenv("CLEANUP_GRACE", "90m")
	t.Setenv("REDIS_DB", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreAPIURL != "http://store:8000" {
		t.Errorf("StoreAPIURL = %q, trailing slash should be trimmed", cfg.StoreAPIURL)
	}
	if cfg.CleanupGrace != 90*time.Minute {
		t.Errorf("CleanupGrace = %v", cfg.CleanupGrace)
	}
	if cfg.RedisDB != 4 {
		t.Errorf("RedisDB = %d", cfg.RedisDB)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad timezone", "TIMEZONE", "Mars/Olympus"},
		{"zero rps", "RATE_LIMIT_RPS", "0"},
		{"zero limit", "SEARCH_LIMIT", "0"},
		{"zero calendar timeout", "CALENDAR_TIMEOUT", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestRequireChecks(t *testing.T) {
	var c Config
	if err := c.RequireAPI(); err == nil {
		t.Error("RequireAPI() should fail without secret")
	}
	if err := c.RequireGateway(); err == nil {
		t.Error("RequireGateway() should fail without hmac secret")
	}
	c.StoreAPISecret = "s"
	c.CompletionAPIKey = "k"
	c.WAHAAPIKey = "w"
	if err := c.RequireWorker(); err != nil {
		t.Errorf("RequireWorker() error = %v", err)
	}
}
