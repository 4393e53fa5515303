// Package config loads the control plane's runtime configuration from the
// environment, mirroring the getEnv/getEnvInt pattern used throughout the
// teacher's cmd/main.go and agent entrypoints.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config enumerates every knob listed in spec §6, all with defaults.
type Config struct {
	Port string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	CacheEnabled  bool

	ObjectStoreBucket   string
	ObjectStoreEndpoint string

	CallbackToken string

	RuntimeKind string // "local" or "cluster"

	IdleTimeoutMinutes int // -1 disables
	MaxLifetimeHours   int // -1 disables
	CreatingTimeout    time.Duration
	CleanupInterval    time.Duration
	HealthCheckInterval time.Duration

	MaxRetryAttempts int
	BackoffBase      time.Duration
	BackoffFactor    float64
	BackoffMax       time.Duration

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	DefaultCPU    string
	DefaultMemory string
	DefaultDisk   string

	DisableBwrap bool

	LeaderElectionKeyPrefix string
}

// Load reads configuration from the environment, applying the defaults
// enumerated in spec §6.
func Load() Config {
	return Config{
		Port: getEnv("SANDBOXD_PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "sandboxd"),
		DBPassword: getEnv("DB_PASSWORD", "sandboxd"),
		DBName:     getEnv("DB_NAME", "sandboxd"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		CacheEnabled:  getEnv("CACHE_ENABLED", "true") == "true",

		ObjectStoreBucket:   getEnv("OBJSTORE_BUCKET", "sandboxd-workspaces"),
		ObjectStoreEndpoint: getEnv("OBJSTORE_ENDPOINT", ""),

		CallbackToken: getEnv("CALLBACK_TOKEN", ""),

		RuntimeKind: getEnv("RUNTIME_KIND", "local"),

		IdleTimeoutMinutes:  getEnvInt("IDLE_TIMEOUT_MINUTES", 30),
		MaxLifetimeHours:    getEnvInt("MAX_LIFETIME_HOURS", 24),
		CreatingTimeout:     time.Duration(getEnvInt("CREATING_TIMEOUT_SECONDS", 300)) * time.Second,
		CleanupInterval:     time.Duration(getEnvInt("CLEANUP_INTERVAL_SECONDS", 300)) * time.Second,
		HealthCheckInterval: time.Duration(getEnvInt("HEALTH_CHECK_INTERVAL_SECONDS", 30)) * time.Second,

		MaxRetryAttempts: getEnvInt("MAX_RETRY_ATTEMPTS", 3),
		BackoffBase:      time.Duration(getEnvInt("BACKOFF_BASE_MS", 500)) * time.Millisecond,
		BackoffFactor:    2.0,
		BackoffMax:       5 * time.Second,

		DefaultTimeout: time.Duration(getEnvInt("DEFAULT_TIMEOUT_SECONDS", 300)) * time.Second,
		MaxTimeout:     time.Duration(getEnvInt("MAX_TIMEOUT_SECONDS", 3600)) * time.Second,

		DefaultCPU:    getEnv("DEFAULT_CPU", "1"),
		DefaultMemory: getEnv("DEFAULT_MEMORY", "512Mi"),
		DefaultDisk:   getEnv("DEFAULT_DISK", "1Gi"),

		DisableBwrap: getEnv("DISABLE_BWRAP", "false") == "true",

		LeaderElectionKeyPrefix: getEnv("LEADER_ELECTION_KEY_PREFIX", "sandboxd:leader:"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
