// Package config validates and loads the proxy's environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	ListenAddr      string
	AdminListenAddr string
	UpstreamAddr    string
	LobbyRootURL    string
	LobbyAPIKey     string
	DatabaseURL     string
	AdminAPIKey     string
	RoomID          string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Optional TLS termination
	TLSCertPath string
	TLSKeyPath  string

	// Optional behavior flags
	InjectNoText bool

	// Redis cache in front of Postgres
	RedisAddr     string
	RedisEnabled  bool
	RedisPassword string

	// Admin surface rate limits (Defaults: M = Minute, H = Hour)
	RateLimitAdminGlobal   string
	RateLimitAdminRefresh  string
	RateLimitAdminDeathlnk string

	// Optional OpenTelemetry tracing
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns one aggregated error if anything required is missing or
// malformed.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.ListenAddr = os.Getenv("LISTEN_ADDR")
	if cfg.ListenAddr == "" {
		errors = append(errors, "LISTEN_ADDR is required")
	} else if !isValidHostPort(cfg.ListenAddr) {
		errors = append(errors, fmt.Sprintf("LISTEN_ADDR must be in format 'host:port' (got '%s')", cfg.ListenAddr))
	}

	cfg.AdminListenAddr = os.Getenv("ADMIN_LISTEN_ADDR")
	if cfg.AdminListenAddr == "" {
		errors = append(errors, "ADMIN_LISTEN_ADDR is required")
	} else if !isValidHostPort(cfg.AdminListenAddr) {
		errors = append(errors, fmt.Sprintf("ADMIN_LISTEN_ADDR must be in format 'host:port' (got '%s')", cfg.AdminListenAddr))
	}

	cfg.UpstreamAddr = os.Getenv("UPSTREAM_ADDR")
	if cfg.UpstreamAddr == "" {
		errors = append(errors, "UPSTREAM_ADDR is required")
	} else if !isValidHostPort(cfg.UpstreamAddr) {
		errors = append(errors, fmt.Sprintf("UPSTREAM_ADDR must be in format 'host:port' (got '%s')", cfg.UpstreamAddr))
	}

	cfg.LobbyRootURL = os.Getenv("LOBBY_ROOT_URL")
	if cfg.LobbyRootURL == "" {
		errors = append(errors, "LOBBY_ROOT_URL is required")
	}

	cfg.LobbyAPIKey = os.Getenv("LOBBY_API_KEY")
	if cfg.LobbyAPIKey == "" {
		errors = append(errors, "LOBBY_API_KEY is required")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	}

	cfg.AdminAPIKey = os.Getenv("APX_API_KEY")
	if cfg.AdminAPIKey == "" {
		errors = append(errors, "APX_API_KEY is required")
	}

	cfg.RoomID = os.Getenv("LOBBY_ROOM_ID")
	if cfg.RoomID == "" {
		errors = append(errors, "LOBBY_ROOM_ID is required")
	}

	// Optional TLS termination: either both paths are set or neither is.
	cfg.TLSCertPath = os.Getenv("TLS_CERT_PATH")
	cfg.TLSKeyPath = os.Getenv("TLS_KEY_PATH")
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		errors = append(errors, "TLS_CERT_PATH and TLS_KEY_PATH must both be set or both be empty")
	}

	cfg.InjectNoText = os.Getenv("INJECT_NOTEXT") == "true"

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.RateLimitAdminGlobal = getEnvOrDefault("RATE_LIMIT_ADMIN_GLOBAL", "1000-M")
	cfg.RateLimitAdminRefresh = getEnvOrDefault("RATE_LIMIT_ADMIN_REFRESH", "30-M")
	cfg.RateLimitAdminDeathlnk = getEnvOrDefault("RATE_LIMIT_ADMIN_DEATHLINK", "100-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"listen_addr", cfg.ListenAddr,
		"admin_listen_addr", cfg.AdminListenAddr,
		"upstream_addr", cfg.UpstreamAddr,
		"lobby_root_url", cfg.LobbyRootURL,
		"lobby_api_key", redactSecret(cfg.LobbyAPIKey),
		"admin_api_key", redactSecret(cfg.AdminAPIKey),
		"room_id", cfg.RoomID,
		"redis_enabled", cfg.RedisEnabled,
		"tls_enabled", cfg.TLSCertPath != "",
		"inject_notext", cfg.InjectNoText,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
