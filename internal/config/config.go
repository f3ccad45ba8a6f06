// Package config loads runtime configuration from the environment, with
// optional .env file support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration.
type Config struct {
	// Backend endpoints
	APIURL string // e.g. "http://localhost:8000/api/v1"

	// Scope identity
	ServerID string
	APIToken string
	Period   string

	// Buffer and classification
	BufferCapacity int
	StaleAfter     time.Duration

	// Live channel reconnect policy (off by default)
	Reconnect             bool
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int

	// Observability
	LogLevel    string
	LogFormat   string
	MetricsAddr string // Prometheus listen address, empty disables

	// Where the .env file was loaded from, for the watcher.
	EnvPath string
}

// Load reads configuration from the environment. SM_ENV_FILE (default
// "./.env") is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	envPath := strings.TrimSpace(os.Getenv("SM_ENV_FILE"))
	if envPath == "" {
		envPath = ".env"
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	cfg := &Config{
		APIURL:                getEnv("SM_API_URL", "http://localhost:8000/api/v1"),
		ServerID:              strings.TrimSpace(os.Getenv("SM_SERVER_ID")),
		APIToken:              strings.TrimSpace(os.Getenv("SM_API_TOKEN")),
		Period:                getEnv("SM_PERIOD", "1h"),
		BufferCapacity:        getEnvInt("SM_BUFFER_CAPACITY", 200),
		StaleAfter:            getEnvDuration("SM_STALE_AFTER", 120*time.Second),
		Reconnect:             getEnvBool("SM_RECONNECT", false),
		ReconnectInitialDelay: getEnvDuration("SM_RECONNECT_INITIAL_DELAY", 5*time.Second),
		ReconnectMaxDelay:     getEnvDuration("SM_RECONNECT_MAX_DELAY", 5*time.Minute),
		ReconnectMaxAttempts:  getEnvInt("SM_RECONNECT_MAX_ATTEMPTS", 0),
		LogLevel:              getEnv("SM_LOG_LEVEL", "info"),
		LogFormat:             getEnv("SM_LOG_FORMAT", "auto"),
		MetricsAddr:           strings.TrimSpace(os.Getenv("SM_METRICS_ADDR")),
		EnvPath:               envPath,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for usability.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return fmt.Errorf("config: SM_API_URL required")
	}
	if c.ServerID == "" {
		return fmt.Errorf("config: SM_SERVER_ID required")
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("config: SM_BUFFER_CAPACITY must be positive, got %d", c.BufferCapacity)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("config: SM_STALE_AFTER must be positive, got %s", c.StaleAfter)
	}
	return nil
}

// ScopeChanged reports whether the identity tuple differs between two
// configurations, i.e. whether the engine must remount its session.
func (c *Config) ScopeChanged(other *Config) bool {
	if other == nil {
		return true
	}
	return c.ServerID != other.ServerID ||
		c.APIToken != other.APIToken ||
		c.Period != other.Period
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid %s=%q; using %d\n", key, raw, fallback)
		return fallback
	}
	return value
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		fmt.Fprintf(os.Stderr, "config: invalid %s=%q; using %v\n", key, raw, fallback)
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid %s=%q; using %s\n", key, raw, fallback)
		return fallback
	}
	return value
}
