package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("SESSION_TTL_HOURS", "")
	t.Setenv("DB_AUTO_MIGRATE", "")
	t.Setenv("REDIS_ADDR", "")

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.HTTPAddr)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("unexpected session ttl %v", cfg.SessionTTL)
	}
	if !cfg.DBAutoMigrate {
		t.Fatalf("auto migrate should default to true")
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("redis should be disabled by default")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_RATE_LIMIT_PER_MINUTE", "5")
	t.Setenv("CSRF_ENFORCED", "yes")
	t.Setenv("DB_AUTO_MIGRATE", "off")
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "3")
	t.Setenv("DB_MAX_OPEN_CONNS", "-4")

	cfg := LoadConfig()
	if !cfg.IsProduction() {
		t.Fatalf("expected production")
	}
	if cfg.AuthRateLimitPerMin != 5 || !cfg.CSRFEnforced || cfg.DBAutoMigrate {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("unexpected shutdown timeout %v", cfg.ShutdownTimeout)
	}
	if cfg.DBMaxOpenConns != 25 {
		t.Fatalf("invalid value should fall back, got %d", cfg.DBMaxOpenConns)
	}
}
