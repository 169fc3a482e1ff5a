package database

import (
	"errors"
	"time"
)

// Config holds database configuration
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`

	// MigrationsPath overrides the embedded migrations with a directory on
	// disk. Empty means embedded.
	MigrationsPath string `json:"migrations_path"`

	// WriteRetryDelay is how long the writer waits before retrying a write
	// that failed because the database was busy or locked.
	WriteRetryDelay time.Duration `json:"write_retry_delay"`
}

// DefaultConfig returns the production database configuration.
// SQLite serves concurrent reads well with a small pool; writes go through
// a single writer regardless of pool size.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/chatline.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteRetryDelay: 250 * time.Millisecond,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteRetryDelay < 0 {
		return errors.New("write retry delay cannot be negative")
	}
	return nil
}

// DSN returns the go-sqlite3 connection string for the configured path.
// Foreign keys and the busy timeout are per-connection settings, so they
// ride on the DSN rather than a one-off PRAGMA.
func (c *Config) DSN() string {
	return "file:" + c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}
