package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NEWSTRNT_TOKEN_SECRET", strings.Repeat("s", 32))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.SessionTTL != 8*time.Hour || cfg.LoginRateMax != 5 {
		t.Errorf("defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("NEWSTRNT_TOKEN_SECRET", strings.Repeat("s", 32))
	t.Setenv("NEWSTRNT_ADDR", ":9090")
	t.Setenv("NEWSTRNT_SESSION_TTL", "2h")
	t.Setenv("NEWSTRNT_LOGIN_RATE_MAX", "3")
	t.Setenv("NEWSTRNT_HTTP_RATE_PER_SEC", "12.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.SessionTTL != 2*time.Hour || cfg.LoginRateMax != 3 || cfg.HTTPRatePerSec != 12.5 {
		t.Errorf("overrides: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("NEWSTRNT_TOKEN_SECRET", strings.Repeat("s", 32))
	t.Setenv("NEWSTRNT_SESSION_TTL", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Error("bad duration accepted")
	}

	t.Setenv("NEWSTRNT_SESSION_TTL", "1h")
	t.Setenv("NEWSTRNT_TOKEN_SECRET", "short")
	if _, err := Load(); err == nil {
		t.Error("short secret accepted")
	}

	t.Setenv("NEWSTRNT_TOKEN_SECRET", "")
	if _, err := Load(); err == nil {
		t.Error("missing secret accepted")
	}
}
