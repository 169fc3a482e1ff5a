package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Broker kinds
const (
	BrokerMemory = "memory"
	BrokerNATS   = "nats"
)

// Config is the full runtime configuration of the relay.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Broker    *BrokerConfig    `json:"broker"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
	Log       *LogConfig       `json:"log"`
}

type DatabaseConfig struct {
	Path            string        `json:"path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	WriteRetryDelay time.Duration `json:"write_retry_delay"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	MailboxSize  int           `json:"mailbox_size"`
	ReadLimit    int64         `json:"read_limit"`
}

type AuthConfig struct {
	Secret string        `json:"-"`
	Issuer string        `json:"issuer"`
	Leeway time.Duration `json:"leeway"`
}

// BrokerConfig selects the room registry: the in-process hub or NATS.
type BrokerConfig struct {
	Kind          string `json:"kind"`
	NATSURL       string `json:"nats_url"`
	SubjectPrefix string `json:"subject_prefix"`
}

// RateLimitConfig bounds inbound messages per user. Zero messages disables it.
type RateLimitConfig struct {
	Messages        int           `json:"messages"`
	Window          time.Duration `json:"window"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns production defaults: a local SQLite file, the
// in-process hub and a 30s heartbeat.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:            "./chatline.db",
			MaxConnections:  10,
			ConnMaxLifetime: time.Hour,
			WriteRetryDelay: 250 * time.Millisecond,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			MailboxSize:  100,
			ReadLimit:    16 * 1024,
		},
		Auth: &AuthConfig{
			Leeway: 0,
		},
		Broker: &BrokerConfig{
			Kind:          BrokerMemory,
			NATSURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "chat.rooms",
		},
		RateLimit: &RateLimitConfig{
			Messages:        100,
			Window:          time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 picks a free port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.MailboxSize <= 0 {
		return fmt.Errorf("WebSocket mailbox size must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return fmt.Errorf("WebSocket read limit must be positive")
	}

	if c.Auth == nil || c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("auth leeway cannot be negative")
	}

	if c.Broker == nil {
		return fmt.Errorf("broker configuration is required")
	}
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerNATS:
		if c.Broker.NATSURL == "" {
			return fmt.Errorf("NATS URL is required for the nats broker")
		}
	default:
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}

	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if c.RateLimit.Messages < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.RateLimit.Messages > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.RateLimit.Messages > 0 && c.RateLimit.CleanupInterval <= 0 {
		return fmt.Errorf("rate limit cleanup interval must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be text or json")
	}

	return nil
}

// SlogLevel parses the configured level.
func (l *LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

// Address is the listen address of the HTTP server.
func (h *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// environment is the flat view of Config read from CHATLINE_* variables.
// Unset variables leave the current value in place.
type environment struct {
	DatabasePath            string        `env:"CHATLINE_DATABASE_PATH"`
	DatabaseMaxConnections  int           `env:"CHATLINE_DATABASE_MAX_CONNECTIONS"`
	DatabaseConnMaxLifetime time.Duration `env:"CHATLINE_DATABASE_CONN_MAX_LIFETIME"`
	DatabaseWriteRetryDelay time.Duration `env:"CHATLINE_DATABASE_WRITE_RETRY_DELAY"`

	HTTPHost            string        `env:"CHATLINE_HTTP_HOST"`
	HTTPPort            int           `env:"CHATLINE_HTTP_PORT"`
	HTTPReadTimeout     time.Duration `env:"CHATLINE_HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout    time.Duration `env:"CHATLINE_HTTP_WRITE_TIMEOUT"`
	HTTPShutdownTimeout time.Duration `env:"CHATLINE_HTTP_SHUTDOWN_TIMEOUT"`
	HTTPAllowedOrigins  string        `env:"CHATLINE_HTTP_ALLOWED_ORIGINS"`

	WebSocketPingInterval time.Duration `env:"CHATLINE_WEBSOCKET_PING_INTERVAL"`
	WebSocketReadTimeout  time.Duration `env:"CHATLINE_WEBSOCKET_READ_TIMEOUT"`
	WebSocketWriteTimeout time.Duration `env:"CHATLINE_WEBSOCKET_WRITE_TIMEOUT"`
	WebSocketMailboxSize  int           `env:"CHATLINE_WEBSOCKET_MAILBOX_SIZE"`
	WebSocketReadLimit    int64         `env:"CHATLINE_WEBSOCKET_READ_LIMIT"`

	AuthSecret string        `env:"CHATLINE_AUTH_SECRET"`
	AuthIssuer string        `env:"CHATLINE_AUTH_ISSUER"`
	AuthLeeway time.Duration `env:"CHATLINE_AUTH_LEEWAY"`

	BrokerKind          string `env:"CHATLINE_BROKER"`
	BrokerNATSURL       string `env:"CHATLINE_NATS_URL"`
	BrokerSubjectPrefix string `env:"CHATLINE_NATS_SUBJECT_PREFIX"`

	RateLimitMessages        int           `env:"CHATLINE_RATE_LIMIT_MESSAGES"`
	RateLimitWindow          time.Duration `env:"CHATLINE_RATE_LIMIT_WINDOW"`
	RateLimitCleanupInterval time.Duration `env:"CHATLINE_RATE_LIMIT_CLEANUP_INTERVAL"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

func flatten(c *Config) *environment {
	return &environment{
		DatabasePath:            c.Database.Path,
		DatabaseMaxConnections:  c.Database.MaxConnections,
		DatabaseConnMaxLifetime: c.Database.ConnMaxLifetime,
		DatabaseWriteRetryDelay: c.Database.WriteRetryDelay,

		HTTPHost:            c.HTTP.Host,
		HTTPPort:            c.HTTP.Port,
		HTTPReadTimeout:     c.HTTP.ReadTimeout,
		HTTPWriteTimeout:    c.HTTP.WriteTimeout,
		HTTPShutdownTimeout: c.HTTP.ShutdownTimeout,
		HTTPAllowedOrigins:  strings.Join(c.HTTP.AllowedOrigins, ","),

		WebSocketPingInterval: c.WebSocket.PingInterval,
		WebSocketReadTimeout:  c.WebSocket.ReadTimeout,
		WebSocketWriteTimeout: c.WebSocket.WriteTimeout,
		WebSocketMailboxSize:  c.WebSocket.MailboxSize,
		WebSocketReadLimit:    c.WebSocket.ReadLimit,

		AuthSecret: c.Auth.Secret,
		AuthIssuer: c.Auth.Issuer,
		AuthLeeway: c.Auth.Leeway,

		BrokerKind:          c.Broker.Kind,
		BrokerNATSURL:       c.Broker.NATSURL,
		BrokerSubjectPrefix: c.Broker.SubjectPrefix,

		RateLimitMessages:        c.RateLimit.Messages,
		RateLimitWindow:          c.RateLimit.Window,
		RateLimitCleanupInterval: c.RateLimit.CleanupInterval,

		LogLevel:  c.Log.Level,
		LogFormat: c.Log.Format,
	}
}

func (e *environment) apply(c *Config) {
	c.Database.Path = e.DatabasePath
	c.Database.MaxConnections = e.DatabaseMaxConnections
	c.Database.ConnMaxLifetime = e.DatabaseConnMaxLifetime
	c.Database.WriteRetryDelay = e.DatabaseWriteRetryDelay

	c.HTTP.Host = e.HTTPHost
	c.HTTP.Port = e.HTTPPort
	c.HTTP.ReadTimeout = e.HTTPReadTimeout
	c.HTTP.WriteTimeout = e.HTTPWriteTimeout
	c.HTTP.ShutdownTimeout = e.HTTPShutdownTimeout
	c.HTTP.AllowedOrigins = splitList(e.HTTPAllowedOrigins)

	c.WebSocket.PingInterval = e.WebSocketPingInterval
	c.WebSocket.ReadTimeout = e.WebSocketReadTimeout
	c.WebSocket.WriteTimeout = e.WebSocketWriteTimeout
	c.WebSocket.MailboxSize = e.WebSocketMailboxSize
	c.WebSocket.ReadLimit = e.WebSocketReadLimit

	c.Auth.Secret = e.AuthSecret
	c.Auth.Issuer = e.AuthIssuer
	c.Auth.Leeway = e.AuthLeeway

	c.Broker.Kind = e.BrokerKind
	c.Broker.NATSURL = e.BrokerNATSURL
	c.Broker.SubjectPrefix = e.BrokerSubjectPrefix

	c.RateLimit.Messages = e.RateLimitMessages
	c.RateLimit.Window = e.RateLimitWindow
	c.RateLimit.CleanupInterval = e.RateLimitCleanupInterval

	c.Log.Level = e.LogLevel
	c.Log.Format = e.LogFormat
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. With no
// arguments it reads ./.env and tolerates its absence.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if len(files) == 0 && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// LoadFromEnv returns the defaults overridden by CHATLINE_* variables.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	flat := flatten(config)
	if _, err := env.UnmarshalFromEnviron(flat); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	flat.apply(config)
	return nil
}

// ConfigFile is the JSON layout of a config file. Durations are strings
// such as "30s"; absent fields keep their current value.
type ConfigFile struct {
	Database *struct {
		Path            string `json:"path"`
		MaxConnections  int    `json:"max_connections"`
		ConnMaxLifetime string `json:"conn_max_lifetime"`
		WriteRetryDelay string `json:"write_retry_delay"`
	} `json:"database"`
	HTTP *struct {
		Host            string   `json:"host"`
		Port            int      `json:"port"`
		ReadTimeout     string   `json:"read_timeout"`
		WriteTimeout    string   `json:"write_timeout"`
		ShutdownTimeout string   `json:"shutdown_timeout"`
		AllowedOrigins  []string `json:"allowed_origins"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		MailboxSize  int    `json:"mailbox_size"`
		ReadLimit    int64  `json:"read_limit"`
	} `json:"websocket"`
	Auth *struct {
		Secret string `json:"secret"`
		Issuer string `json:"issuer"`
		Leeway string `json:"leeway"`
	} `json:"auth"`
	Broker *struct {
		Kind          string `json:"kind"`
		NATSURL       string `json:"nats_url"`
		SubjectPrefix string `json:"subject_prefix"`
	} `json:"broker"`
	RateLimit *struct {
		Messages        *int   `json:"messages"`
		Window          string `json:"window"`
		CleanupInterval string `json:"cleanup_interval"`
	} `json:"rate_limit"`
	Log *struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

// LoadFromFile returns the defaults overridden by the JSON file at path.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(dst *time.Duration, field, value string) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}
	str := func(dst *string, value string) {
		if value != "" {
			*dst = value
		}
	}

	if f := file.Database; f != nil {
		str(&config.Database.Path, f.Path)
		if f.MaxConnections > 0 {
			config.Database.MaxConnections = f.MaxConnections
		}
		duration(&config.Database.ConnMaxLifetime, "database.conn_max_lifetime", f.ConnMaxLifetime)
		duration(&config.Database.WriteRetryDelay, "database.write_retry_delay", f.WriteRetryDelay)
	}
	if f := file.HTTP; f != nil {
		str(&config.HTTP.Host, f.Host)
		if f.Port > 0 {
			config.HTTP.Port = f.Port
		}
		duration(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		duration(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
		duration(&config.HTTP.ShutdownTimeout, "http.shutdown_timeout", f.ShutdownTimeout)
		if f.AllowedOrigins != nil {
			config.HTTP.AllowedOrigins = f.AllowedOrigins
		}
	}
	if f := file.WebSocket; f != nil {
		duration(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		duration(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		duration(&config.WebSocket.WriteTimeout, "websocket.write_timeout", f.WriteTimeout)
		if f.MailboxSize > 0 {
			config.WebSocket.MailboxSize = f.MailboxSize
		}
		if f.ReadLimit > 0 {
			config.WebSocket.ReadLimit = f.ReadLimit
		}
	}
	if f := file.Auth; f != nil {
		str(&config.Auth.Secret, f.Secret)
		str(&config.Auth.Issuer, f.Issuer)
		duration(&config.Auth.Leeway, "auth.leeway", f.Leeway)
	}
	if f := file.Broker; f != nil {
		str(&config.Broker.Kind, f.Kind)
		str(&config.Broker.NATSURL, f.NATSURL)
		str(&config.Broker.SubjectPrefix, f.SubjectPrefix)
	}
	if f := file.RateLimit; f != nil {
		if f.Messages != nil {
			config.RateLimit.Messages = *f.Messages
		}
		duration(&config.RateLimit.Window, "rate_limit.window", f.Window)
		duration(&config.RateLimit.CleanupInterval, "rate_limit.cleanup_interval", f.CleanupInterval)
	}
	if f := file.Log; f != nil {
		str(&config.Log.Level, f.Level)
		str(&config.Log.Format, f.Format)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid durations in %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence layers file over environment over defaults and
// validates the result. An empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
