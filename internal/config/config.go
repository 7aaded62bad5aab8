package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration (durable event store)
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// Bus configuration
	Bus BusConfig

	// Connection manager configuration
	Connections ConnectionConfig

	// WebSocket transport configuration
	WebSocket WebSocketConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds event store configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string
	// ServiceKeyHash is a bcrypt hash of the shared key non-user producers
	// (admin tooling, game services) may authenticate with instead of a JWT.
	ServiceKeyHash string
}

// RetryConfig holds the bus retry policy for failed deliveries
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// BusConfig holds event bus operational parameters
type BusConfig struct {
	DefaultTTL        time.Duration
	MaxEventSizeBytes int
	EnablePersistence bool
	EnableTracing     bool
	FanoutWorkers     int
	QueueSize         int
	Retry             RetryConfig
}

// RateLimitConfig holds the per-connection message rate limit
type RateLimitConfig struct {
	MaxMessages int
	Window      time.Duration
	// UpgradeRPS and UpgradeBurst bound connection attempts per source IP
	// before the websocket upgrade.
	UpgradeRPS   float64
	UpgradeBurst int
}

// ConnectionConfig holds connection admission parameters
type ConnectionConfig struct {
	MaxConnections int
	AuthTimeout    time.Duration
	RateLimit      RateLimitConfig
}

// WebSocketConfig holds WebSocket transport configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getIntOrDefault("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			ServiceKeyHash: os.Getenv("SERVICE_KEY_HASH"),
		},
		Bus: BusConfig{
			DefaultTTL:        getDurationOrDefault("BUS_DEFAULT_TTL", 5*time.Minute),
			MaxEventSizeBytes: getIntOrDefault("BUS_MAX_EVENT_SIZE_BYTES", 64*1024),
			EnablePersistence: getBoolOrDefault("BUS_ENABLE_PERSISTENCE", true),
			EnableTracing:     getBoolOrDefault("BUS_ENABLE_TRACING", false),
			FanoutWorkers:     getIntOrDefault("BUS_FANOUT_WORKERS", 16),
			QueueSize:         getIntOrDefault("BUS_QUEUE_SIZE", 1024),
			Retry: RetryConfig{
				MaxAttempts:       getIntOrDefault("BUS_RETRY_MAX_ATTEMPTS", 3),
				BaseDelay:         getDurationOrDefault("BUS_RETRY_BASE_DELAY", 100*time.Millisecond),
				BackoffMultiplier: getFloatOrDefault("BUS_RETRY_BACKOFF_MULTIPLIER", 2.0),
				MaxDelay:          getDurationOrDefault("BUS_RETRY_MAX_DELAY", 5*time.Second),
			},
		},
		Connections: ConnectionConfig{
			MaxConnections: getIntOrDefault("CONN_MAX_CONNECTIONS", 10000),
			AuthTimeout:    getDurationOrDefault("CONN_AUTH_TIMEOUT", 10*time.Second),
			RateLimit: RateLimitConfig{
				MaxMessages:  getIntOrDefault("CONN_RATE_LIMIT_MAX_MESSAGES", 60),
				Window:       getDurationOrDefault("CONN_RATE_LIMIT_WINDOW", time.Minute),
				UpgradeRPS:   getFloatOrDefault("CONN_UPGRADE_RPS", 5),
				UpgradeBurst: getIntOrDefault("CONN_UPGRADE_BURST", 10),
			},
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:    getDurationOrDefault("WS_PING_INTERVAL", 54*time.Second),
			PongWait:        getDurationOrDefault("WS_PONG_WAIT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "eventgrid"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	// Required fields
	if c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	if c.Bus.EnablePersistence && c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required when BUS_ENABLE_PERSISTENCE is on")
	}

	// Security validations
	if c.App.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	// Logical validations
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, "DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}

	if c.Connections.RateLimit.MaxMessages <= 0 {
		errs = append(errs, "CONN_RATE_LIMIT_MAX_MESSAGES must be positive")
	}

	if c.Connections.AuthTimeout <= 0 {
		errs = append(errs, "CONN_AUTH_TIMEOUT must be positive")
	}

	if c.Bus.Retry.MaxAttempts < 1 {
		errs = append(errs, "BUS_RETRY_MAX_ATTEMPTS must be at least 1")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, DB: %s, JWT: [REDACTED], Persistence: %v, MaxConns: %d, Environment: %s}",
		c.Server.Port,
		redactURL(c.Database.URL),
		c.Bus.EnablePersistence,
		c.Connections.MaxConnections,
		c.App.Environment,
	)
}

// redactURL redacts sensitive parts of a database URL
func redactURL(url string) string {
	if url == "" {
		return ""
	}
	if idx := strings.Index(url, "@"); idx > 0 {
		return "[REDACTED]" + url[idx:]
	}
	return "[REDACTED]"
}
