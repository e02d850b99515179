package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Admin surface (empty key disables /admin routes)
	AdminKey string

	// Optional variables with defaults
	AllowedOrigins  string
	DevelopmentMode bool

	// Room manager tuning
	MaxRooms        int
	RoomTTL         time.Duration
	CleanupInterval time.Duration

	// Storage backend selection
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits (ulule format, e.g. "60-M" = 60 per minute)
	RateLimitWsIP  string
	RateLimitAdmin string

	// Tracing
	OtelEnabled       bool
	OtelCollectorAddr string
}

// Defaults applied when the corresponding variable is unset.
const (
	DefaultMaxRooms        = 1000
	DefaultRoomTTL         = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: ADMIN_KEY (admin surface disabled when empty)
	cfg.AdminKey = os.Getenv("ADMIN_KEY")

	// Optional: ALLOWED_ORIGINS (comma separated)
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = "http://localhost:3000"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	// Optional: MAX_ROOMS
	cfg.MaxRooms = DefaultMaxRooms
	if raw := os.Getenv("MAX_ROOMS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("MAX_ROOMS must be a positive integer (got '%s')", raw))
		} else {
			cfg.MaxRooms = n
		}
	}

	// Optional: ROOM_TTL / CLEANUP_INTERVAL (Go duration strings)
	cfg.RoomTTL = DefaultRoomTTL
	if raw := os.Getenv("ROOM_TTL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errors = append(errors, fmt.Sprintf("ROOM_TTL must be a positive Go duration (got '%s')", raw))
		} else {
			cfg.RoomTTL = d
		}
	}
	cfg.CleanupInterval = DefaultCleanupInterval
	if raw := os.Getenv("CLEANUP_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errors = append(errors, fmt.Sprintf("CLEANUP_INTERVAL must be a positive Go duration (got '%s')", raw))
		} else {
			cfg.CleanupInterval = d
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")
	cfg.RateLimitAdmin = getEnvOrDefault("RATE_LIMIT_ADMIN", "120-M")

	// Tracing
	cfg.OtelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	if cfg.OtelEnabled {
		cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
		if cfg.OtelCollectorAddr == "" {
			cfg.OtelCollectorAddr = "localhost:4317"
		} else if !isValidHostPort(cfg.OtelCollectorAddr) {
			errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
		}
	}

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// Origins returns the allowed-origins list split from the comma form.
func (c *Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return origins
}

// AdminEnabled reports whether the admin surface should be mounted.
func (c *Config) AdminEnabled() bool {
	return c.AdminKey != ""
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"admin_enabled", cfg.AdminEnabled(),
		"allowed_origins", cfg.AllowedOrigins,
		"development_mode", cfg.DevelopmentMode,
		"max_rooms", cfg.MaxRooms,
		"room_ttl", cfg.RoomTTL,
		"cleanup_interval", cfg.CleanupInterval,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
		"rate_limit_admin", cfg.RateLimitAdmin,
		"otel_enabled", cfg.OtelEnabled,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
