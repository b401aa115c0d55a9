// Package config loads csvw settings from environment variables with
// defaults, and validates them on startup.
package config

import (
	"net"
	"strconv"
	"time"

	"github.com/JonMunkholm/csvw/internal/dbexport"
	"github.com/JonMunkholm/csvw/internal/fetch"
)

// Config holds all settings. Every field can be set through the
// environment variable named in its env tag.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Fetch      FetchConfig
	Validation ValidationConfig
	Security   SecurityConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server settings for csvw serve.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0" validate:"omitempty,ip|hostname"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080" validate:"min=1,max=65535"`

	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s" validate:"min=0"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s" validate:"min=0"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s" validate:"min=0"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`

	// RequestTimeout bounds a single validation or conversion (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s" validate:"gt=0"`

	// MaxBodySize is the largest accepted request body in bytes (default: 32MB)
	MaxBodySize int64 `env:"SERVER_MAX_BODY_SIZE" default:"33554432" validate:"gt=0"`

	// MaxConcurrent is the number of validations run at once (default: 4)
	MaxConcurrent int `env:"SERVER_MAX_CONCURRENT" default:"4" validate:"gt=0"`

	// MaxWaitTime is how long a request waits for a validation slot (default: 10s)
	MaxWaitTime time.Duration `env:"SERVER_MAX_WAIT_TIME" default:"10s" validate:"gt=0"`
}

// DatabaseConfig holds the PostgreSQL settings used by csvw load-db.
// Supports both DATABASE_URL and DB_URL.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL" envAlt:"DB_URL"`
	MaxConns        int           `env:"DB_MAX_CONNS" default:"4" validate:"gt=0,gtefield=MinConns"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"0" validate:"min=0"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// FetchConfig controls how metadata and data files are retrieved.
type FetchConfig struct {
	HTTPTimeout   time.Duration `env:"FETCH_HTTP_TIMEOUT" default:"30s" validate:"gt=0"`
	RetryAttempts uint          `env:"FETCH_RETRY_ATTEMPTS" default:"3" validate:"min=1"`
	RetryDelay    time.Duration `env:"FETCH_RETRY_DELAY" default:"200ms" validate:"min=0"`
	CacheSize     int           `env:"FETCH_CACHE_SIZE" default:"64" validate:"min=0"`
	CacheTTL      time.Duration `env:"FETCH_CACHE_TTL" default:"5m" validate:"min=0"`
}

// ValidationConfig holds validation defaults.
type ValidationConfig struct {
	// Mode is failfast, strict or collect (default: failfast)
	Mode string `env:"VALIDATION_MODE" default:"failfast" validate:"oneof=failfast fail-fast strict collect"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// APIKeys is a comma-separated list of keys accepted in the X-API-Key header
	APIKeys []string `env:"API_KEYS"`

	// RequireAPIKey rejects API requests without a valid key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES" validate:"dive,cidr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	Format string `env:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FetchConfig converts the settings for the fetch package.
func (c *FetchConfig) FetchConfig() fetch.Config {
	return fetch.Config{
		HTTPTimeout:   c.HTTPTimeout,
		RetryAttempts: c.RetryAttempts,
		RetryDelay:    c.RetryDelay,
		CacheSize:     c.CacheSize,
		CacheTTL:      c.CacheTTL,
	}
}

// PoolConfig converts the settings for the database exporter.
func (c *DatabaseConfig) PoolConfig() dbexport.PoolConfig {
	return dbexport.PoolConfig{
		URL:             c.URL,
		MaxConns:        c.MaxConns,
		MinConns:        c.MinConns,
		MaxConnLifetime: c.MaxConnLifetime,
		MaxConnIdleTime: c.MaxConnIdleTime,
	}
}
