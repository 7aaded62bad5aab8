package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("BUS_ENABLE_PERSISTENCE", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Bus.DefaultTTL)
	assert.Equal(t, 64*1024, cfg.Bus.MaxEventSizeBytes)
	assert.Equal(t, 10000, cfg.Connections.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.Connections.AuthTimeout)
	assert.Equal(t, 60, cfg.Connections.RateLimit.MaxMessages)
	assert.Equal(t, time.Minute, cfg.Connections.RateLimit.Window)
	assert.Equal(t, 3, cfg.Bus.Retry.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("BUS_ENABLE_PERSISTENCE", "false")
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("CONN_MAX_CONNECTIONS", "250")
	t.Setenv("CONN_AUTH_TIMEOUT", "3s")
	t.Setenv("BUS_RETRY_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://play.example.com, https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, 250, cfg.Connections.MaxConnections)
	assert.Equal(t, 3*time.Second, cfg.Connections.AuthTimeout)
	assert.Equal(t, 1.5, cfg.Bus.Retry.BackoffMultiplier)
	assert.Equal(t, []string{"https://play.example.com", "https://admin.example.com"}, cfg.WebSocket.AllowedOrigins)
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("BUS_ENABLE_PERSISTENCE", "false")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_PersistenceRequiresDatabaseURL(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("BUS_ENABLE_PERSISTENCE", "true")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestValidate_ProductionHardening(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")
	t.Setenv("BUS_ENABLE_PERSISTENCE", "false")
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET must be at least 32 characters")
	assert.Contains(t, err.Error(), "WS_ALLOWED_ORIGINS must be set")
}

func TestValidate_LogicalErrors(t *testing.T) {
	cfg := Config{
		JWT: JWTConfig{Secret: "test-secret"},
		Database: DatabaseConfig{
			MaxOpenConns: 5,
			MaxIdleConns: 10,
		},
		Connections: ConnectionConfig{
			AuthTimeout: -time.Second,
			RateLimit:   RateLimitConfig{MaxMessages: 0},
		},
		Bus: BusConfig{Retry: RetryConfig{MaxAttempts: 0}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_MAX_IDLE_CONNS")
	assert.Contains(t, err.Error(), "CONN_RATE_LIMIT_MAX_MESSAGES")
	assert.Contains(t, err.Error(), "CONN_AUTH_TIMEOUT")
	assert.Contains(t, err.Error(), "BUS_RETRY_MAX_ATTEMPTS")
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Config{
		Server:   ServerConfig{Port: ":8080"},
		Database: DatabaseConfig{URL: "postgres://user:password@db:5432/events"},
		JWT:      JWTConfig{Secret: "super-secret"},
		App:      AppConfig{Environment: "production"},
	}

	s := cfg.String()
	assert.NotContains(t, s, "super-secret")
	assert.NotContains(t, s, "password")
	assert.Contains(t, s, "[REDACTED]@db:5432/events")
}
