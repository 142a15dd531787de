package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the reporter
type Config struct {
	// Monitored log
	UFWLogFile   string
	PollInterval time.Duration

	// Reporting
	APIKey         string
	APIBaseURL     string
	ServerID       string // server name shown in report comments; empty to omit
	CooldownWindow time.Duration
	CategoryMap    string // path to YAML category table; empty uses the built-in table

	// Persistence
	CacheFile  string
	BufferFile string

	// Host address discovery
	IPLookupURL       string
	IPRefreshInterval time.Duration

	// Webhook notifications
	WebhookURL string

	// Archive (optional ClickHouse sink)
	ArchiveEnabled bool
	ClickHouseHost string
	ClickHousePort int
	ClickHouseDB   string

	// Observability
	LogLevel       string
	LogFile        string
	TracingEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		UFWLogFile:   getEnv("UFW_LOG_FILE", "/var/log/ufw.log"),
		PollInterval: getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),

		APIKey:         getEnv("ABUSEIPDB_API_KEY", ""),
		APIBaseURL:     getEnv("ABUSEIPDB_API_URL", "https://api.abuseipdb.com/api/v2"),
		ServerID:       getEnv("SERVER_ID", ""),
		CooldownWindow: getEnvDuration("REPORT_COOLDOWN", 12*time.Hour),
		CategoryMap:    getEnv("CATEGORY_MAP_PATH", ""),

		CacheFile:  getEnv("CACHE_FILE", "/var/lib/ufw-abuse-reporter/reported.cache"),
		BufferFile: getEnv("BUFFER_FILE", "/var/lib/ufw-abuse-reporter/pending.db"),

		IPLookupURL:       getEnv("IP_LOOKUP_URL", "https://api.ipify.org?format=json"),
		IPRefreshInterval: getEnvDuration("IP_REFRESH_INTERVAL", 6*time.Hour),

		WebhookURL: getEnv("WEBHOOK_URL", ""),

		ArchiveEnabled: getEnvBool("ARCHIVE_ENABLED", false),
		ClickHouseHost: getEnv("CLICKHOUSE_HOST", "localhost"),
		ClickHousePort: getEnvInt("CLICKHOUSE_PORT", 9000),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "firewall"),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        getEnv("LOG_FILE", ""),
		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", ""),
		OTLPProtocol:   getEnv("OTLP_PROTOCOL", "grpc"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.UFWLogFile == "" {
		return fmt.Errorf("UFW_LOG_FILE is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("ABUSEIPDB_API_KEY is required")
	}
	if c.CooldownWindow <= 0 {
		return fmt.Errorf("REPORT_COOLDOWN must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.CacheFile == "" {
		return fmt.Errorf("CACHE_FILE is required")
	}
	if c.BufferFile == "" {
		return fmt.Errorf("BUFFER_FILE is required")
	}
	if c.ArchiveEnabled {
		if c.ClickHouseHost == "" {
			return fmt.Errorf("CLICKHOUSE_HOST is required when ARCHIVE_ENABLED")
		}
		if c.ClickHousePort <= 0 || c.ClickHousePort > 65535 {
			return fmt.Errorf("CLICKHOUSE_PORT must be between 1 and 65535")
		}
		if c.ClickHouseDB == "" {
			return fmt.Errorf("CLICKHOUSE_DB is required when ARCHIVE_ENABLED")
		}
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

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
