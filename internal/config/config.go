// Package config reads process configuration from NEWSTRNT_-prefixed
// environment variables, the same contract the deployment manifests use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "NEWSTRNT_"

// Config is everything main needs to wire the process.
type Config struct {
	Addr     string // HTTP listen address
	GRPCAddr string // gRPC health listen address, empty disables

	PGDSN string // empty runs on in-memory stores

	TokenSecret string // HMAC secret for session tokens, required

	SessionTTL  time.Duration
	IdleTimeout time.Duration

	LoginRateMax    int
	LoginRateWindow time.Duration
	HTTPRatePerSec  float64
	HTTPRateBurst   int

	AuditRetentionDays int

	BootstrapEmail    string
	BootstrapPassword string
}

// Defaults mirror the production deployment.
func defaults() Config {
	return Config{
		Addr:               ":8080",
		SessionTTL:         8 * time.Hour,
		IdleTimeout:        30 * time.Minute,
		LoginRateMax:       5,
		LoginRateWindow:    time.Minute,
		HTTPRatePerSec:     50,
		HTTPRateBurst:      100,
		AuditRetentionDays: 90,
	}
}

// Load reads the environment. The only hard requirement is the token
// secret; everything else has a workable default.
func Load() (Config, error) {
	cfg := defaults()

	cfg.Addr = getString("ADDR", cfg.Addr)
	cfg.GRPCAddr = getString("GRPC_ADDR", cfg.GRPCAddr)
	cfg.PGDSN = getString("PG_DSN", cfg.PGDSN)
	cfg.TokenSecret = getString("TOKEN_SECRET", cfg.TokenSecret)
	cfg.BootstrapEmail = getString("BOOTSTRAP_EMAIL", cfg.BootstrapEmail)
	cfg.BootstrapPassword = getString("BOOTSTRAP_PASSWORD", cfg.BootstrapPassword)

	var err error
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.IdleTimeout, err = getDuration("IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LoginRateWindow, err = getDuration("LOGIN_RATE_WINDOW", cfg.LoginRateWindow); err != nil {
		return Config{}, err
	}
	if cfg.LoginRateMax, err = getInt("LOGIN_RATE_MAX", cfg.LoginRateMax); err != nil {
		return Config{}, err
	}
	if cfg.HTTPRateBurst, err = getInt("HTTP_RATE_BURST", cfg.HTTPRateBurst); err != nil {
		return Config{}, err
	}
	if cfg.HTTPRatePerSec, err = getFloat("HTTP_RATE_PER_SEC", cfg.HTTPRatePerSec); err != nil {
		return Config{}, err
	}
	if cfg.AuditRetentionDays, err = getInt("AUDIT_RETENTION_DAYS", cfg.AuditRetentionDays); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return Config{}, fmt.Errorf("config: %sTOKEN_SECRET is required", envPrefix)
	}
	if len(cfg.TokenSecret) < 32 {
		return Config{}, fmt.Errorf("config: %sTOKEN_SECRET must be at least 32 bytes", envPrefix)
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("config: %sSESSION_TTL must be positive", envPrefix)
	}
	return cfg, nil
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return f, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return d, nil
}
