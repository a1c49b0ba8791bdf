package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.HTTPAddr)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl: %s", cfg.TokenTTL)
	}
	if cfg.RateLimitBurst != 100 {
		t.Fatalf("unexpected burst: %d", cfg.RateLimitBurst)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CASHBOOK_HTTP_ADDR", ":9090")
	t.Setenv("CASHBOOK_PG_DSN", "postgres://localhost/cashbook")
	t.Setenv("CASHBOOK_TOKEN_TTL", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("env override lost: %s", cfg.HTTPAddr)
	}
	if cfg.PGDSN != "postgres://localhost/cashbook" {
		t.Fatalf("dsn override lost: %s", cfg.PGDSN)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("ttl override lost: %s", cfg.TokenTTL)
	}
}
