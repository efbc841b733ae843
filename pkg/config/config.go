// Package config provides environment-based configuration for autoci.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the API server and the CLI.
type Config struct {
	// Server configuration
	APIHost string
	APIPort int

	// Authentication. Auth is off when both JWTSecret and APIKey are empty.
	JWTSecret    string
	JWTExpiry    time.Duration
	APIKey       string
	APIKeyHeader string

	// History archive; disabled when DatabaseDSN is empty.
	DatabaseDSN string

	// Event forwarding; disabled when RedisURL is empty.
	RedisURL     string
	RedisChannel string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  slog.Level
	LogFormat string

	Worker   WorkerConfig
	Timeouts TimeoutConfig
}

// WorkerConfig holds pipeline execution configuration.
type WorkerConfig struct {
	// WorkDir is where checkouts are cloned.
	WorkDir        string
	MaxConcurrency int
	Shell          string
	KillGrace      time.Duration

	// Stale checkouts under WorkDir are removed after WorkspaceRetention,
	// swept every CleanupInterval.
	WorkspaceRetention time.Duration
	CleanupInterval    time.Duration
}

// TimeoutConfig holds the per-stage step timeout ceilings.
type TimeoutConfig struct {
	Setup        time.Duration
	Lint         time.Duration
	Test         time.Duration
	Security     time.Duration
	Build        time.Duration
	Containerize time.Duration
}

// AuthEnabled reports whether the API requires credentials.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != "" || c.APIKey != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults reads the environment without validating, useful for
// testing.
func LoadWithDefaults() *Config {
	return &Config{
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIKey:          getEnv("API_KEY", ""),
		APIKeyHeader:    getEnv("API_KEY_HEADER", "X-API-Key"),
		DatabaseDSN:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		RedisChannel:    getEnv("REDIS_CHANNEL", "autoci:events"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        getLevelEnv("LOG_LEVEL", slog.LevelInfo),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		Worker: WorkerConfig{
			WorkDir:        getEnv("WORKER_WORKDIR", "/tmp/autoci-builds"),
			MaxConcurrency: getIntEnv("WORKER_MAX_CONCURRENCY", 3),
			Shell:          getEnv("WORKER_SHELL", "/bin/sh"),
			KillGrace:      getDurationEnv("WORKER_KILL_GRACE", 5*time.Second),

			WorkspaceRetention: getDurationEnv("WORKER_WORKSPACE_RETENTION", 24*time.Hour),
			CleanupInterval:    getDurationEnv("WORKER_CLEANUP_INTERVAL", time.Hour),
		},
		Timeouts: TimeoutConfig{
			Setup:        getDurationEnv("TIMEOUT_SETUP", 5*time.Minute),
			Lint:         getDurationEnv("TIMEOUT_LINT", 2*time.Minute),
			Test:         getDurationEnv("TIMEOUT_TEST", 10*time.Minute),
			Security:     getDurationEnv("TIMEOUT_SECURITY", 3*time.Minute),
			Build:        getDurationEnv("TIMEOUT_BUILD", 15*time.Minute),
			Containerize: getDurationEnv("TIMEOUT_CONTAINERIZE", 20*time.Minute),
		},
	}
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.Worker.MaxConcurrency < 1 {
		return fmt.Errorf("WORKER_MAX_CONCURRENCY must be at least 1, got %d", c.Worker.MaxConcurrency)
	}
	if c.Worker.Shell == "" {
		return fmt.Errorf("WORKER_SHELL is required")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getLevelEnv(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.ToUpper(value))); err == nil {
			return level
		}
	}
	return defaultValue
}
