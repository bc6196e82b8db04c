package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Remote API settings
	BaseURL     string
	Username    string
	Token       string
	AppPassword string

	// Cache settings
	CachePath         string
	CacheDisabled     bool
	MetadataOnly      bool
	RetentionDays     int
	MaxCachedMessages int
	SyncInterval      time.Duration
	SyncTimeout       time.Duration

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		BaseURL:           getEnv("JMAP_BASE_URL", "https://api.fastmail.com"),
		Username:          getEnv("JMAP_USERNAME", ""),
		Token:             getEnv("JMAP_TOKEN", ""),
		AppPassword:       getEnv("JMAP_APP_PASSWORD", ""),
		CachePath:         getEnv("CACHE_PATH", "/data/mail_cache.db"),
		CacheDisabled:     getEnvBool("CACHE_DISABLED", false),
		MetadataOnly:      getEnvBool("CACHE_METADATA_ONLY", true),
		RetentionDays:     getEnvInt("RETENTION_DAYS", 90),
		MaxCachedMessages: getEnvInt("MAX_CACHED_MESSAGES", 10000),
		SyncInterval:      time.Duration(getEnvInt("SYNC_INTERVAL_MINUTES", 5)) * time.Minute,
		SyncTimeout:       time.Duration(getEnvInt("SYNC_TIMEOUT_SECONDS", 30)) * time.Second,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("JMAP_BASE_URL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("JMAP_BASE_URL must be an http(s) URL")
	}
	if c.Token == "" {
		if c.Username == "" || c.AppPassword == "" {
			return fmt.Errorf("either JMAP_TOKEN or both JMAP_USERNAME and JMAP_APP_PASSWORD are required")
		}
	}
	if c.CachePath == "" && !c.CacheDisabled {
		return fmt.Errorf("CACHE_PATH is required unless CACHE_DISABLED is set")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be at least 1")
	}
	if c.MaxCachedMessages < 1 {
		return fmt.Errorf("MAX_CACHED_MESSAGES must be at least 1")
	}
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("SYNC_INTERVAL_MINUTES must be at least 1")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
