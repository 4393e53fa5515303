package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"SANDBOXD_PORT", "DB_HOST", "IDLE_TIMEOUT_MINUTES", "MAX_RETRY_ATTEMPTS"} {
		os.Unsetenv(k)
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.DBHost != "localhost" {
		t.Errorf("expected default DB host localhost, got %q", cfg.DBHost)
	}
	if cfg.IdleTimeoutMinutes != 30 {
		t.Errorf("expected default idle timeout of 30 minutes, got %d", cfg.IdleTimeoutMinutes)
	}
	if cfg.MaxRetryAttempts != 3 {
		t.Errorf("expected default max retry attempts of 3, got %d", cfg.MaxRetryAttempts)
	}
	if cfg.CacheEnabled != true {
		t.Error("expected cache to be enabled by default")
	}
	if cfg.DefaultTimeout != 300*time.Second {
		t.Errorf("expected default timeout of 300s, got %v", cfg.DefaultTimeout)
	}
}

func TestLoad_HonorsEnvOverrides(t *testing.T) {
	os.Setenv("SANDBOXD_PORT", "9090")
	os.Setenv("IDLE_TIMEOUT_MINUTES", "60")
	os.Setenv("CACHE_ENABLED", "false")
	defer func() {
		os.Unsetenv("SANDBOXD_PORT")
		os.Unsetenv("IDLE_TIMEOUT_MINUTES")
		os.Unsetenv("CACHE_ENABLED")
	}()

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("expected overridden port 9090, got %q", cfg.Port)
	}
	if cfg.IdleTimeoutMinutes != 60 {
		t.Errorf("expected overridden idle timeout of 60, got %d", cfg.IdleTimeoutMinutes)
	}
	if cfg.CacheEnabled {
		t.Error("expected CACHE_ENABLED=false to disable the cache")
	}
}

func TestGetEnvInt_FallsBackOnInvalidValue(t *testing.T) {
	os.Setenv("MAX_RETRY_ATTEMPTS", "not-a-number")
	defer os.Unsetenv("MAX_RETRY_ATTEMPTS")

	cfg := Load()

	if cfg.MaxRetryAttempts != 3 {
		t.Errorf("expected an unparseable env var to fall back to the default, got %d", cfg.MaxRetryAttempts)
	}
}
