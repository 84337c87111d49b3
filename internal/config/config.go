// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Snapshot  SnapshotConfig
	NestedSet NestedSetConfig
	Rate      RateLimitConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for streamed downloads)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// Driver selects the row store: postgres, sqlite or memory (default: postgres)
	Driver string `env:"DB_DRIVER" default:"postgres"`

	// URL is the PostgreSQL connection string or the SQLite DSN.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// Schema is the PostgreSQL schema holding the tables (default: public)
	Schema string `env:"DB_SCHEMA" default:"public"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// SnapshotConfig holds snapshot and restore settings.
type SnapshotConfig struct {
	// Dir is where snapshot files are stored (default: ./snapshots)
	Dir string `env:"SNAPSHOT_DIR" default:"./snapshots"`

	// ProductName and ProductVersion are written to every snapshot header.
	ProductName    string `env:"SNAPSHOT_PRODUCT_NAME" default:"tablesnap"`
	ProductVersion string `env:"SNAPSHOT_PRODUCT_VERSION" default:"dev"`

	// SchemaVersion is the revision of the live data model (default: 1).
	// Snapshots with an older revision run through migration hooks.
	SchemaVersion int `env:"SNAPSHOT_SCHEMA_VERSION" default:"1"`

	// MaxBuffer is the number of rows per multi-row insert (default: 1024)
	MaxBuffer int `env:"SNAPSHOT_MAX_BUFFER" default:"1024"`

	// MaxExecution is the time budget of one restore invocation (default: 30s, 0 disables)
	MaxExecution time.Duration `env:"SNAPSHOT_MAX_EXECUTION" default:"30s"`

	// ReadOnlyTables are never cleared or written by a restore
	ReadOnlyTables []string `env:"SNAPSHOT_READONLY_TABLES"`

	// ScheduleInterval is how often to take a scheduled snapshot (default: 0, disabled)
	ScheduleInterval time.Duration `env:"SNAPSHOT_SCHEDULE_INTERVAL" default:"0s"`

	// RetentionCount is how many snapshots the scheduler keeps (default: 10, 0 keeps all)
	RetentionCount int `env:"SNAPSHOT_RETENTION_COUNT" default:"10"`

	// WriterWait is how long a restore or repair waits for the writer slot (default: 30s)
	WriterWait time.Duration `env:"SNAPSHOT_WRITER_WAIT" default:"30s"`
}

// NestedSetConfig names the tree tables and their columns. The same column
// names apply to every listed table.
type NestedSetConfig struct {
	// Tables is a comma-separated list of nested-set tables
	Tables []string `env:"NESTEDSET_TABLES"`

	IDColumn    string `env:"NESTEDSET_ID_COLUMN" default:"id"`
	PathColumn  string `env:"NESTEDSET_PATH_COLUMN" default:"path"`
	LeftColumn  string `env:"NESTEDSET_LEFT_COLUMN" default:"lft"`
	RightColumn string `env:"NESTEDSET_RIGHT_COLUMN" default:"rgt"`

	// LevelColumn is optional; empty means the tables store no level
	LevelColumn string `env:"NESTEDSET_LEVEL_COLUMN" default:"level"`

	// ScopeColumn is optional; each value holds an independent forest
	ScopeColumn string `env:"NESTEDSET_SCOPE_COLUMN"`

	// SortColumn is optional; it orders siblings ahead of their left bound
	SortColumn string `env:"NESTEDSET_SORT_COLUMN"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// WriteLimit is requests per minute for restore, repair and snapshot creation (default: 10)
	WriteLimit int `env:"RATE_LIMIT_WRITE" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
