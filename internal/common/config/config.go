// Package config provides configuration management for chatproxy.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for chatproxy.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins  string `mapstructure:"corsOrigins"`  // comma-separated
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory event bus instead of a NATS connection.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GatewayConfig holds defaults applied to the gateway registry at startup.
type GatewayConfig struct {
	// DefaultURL seeds a single gateway row when the table is empty at
	// startup. Ignored once any gateway has been registered.
	DefaultURL string `mapstructure:"defaultUrl"`

	// HandshakeTimeoutSeconds is loaded and validated; gateway connections
	// use constants.HandshakeTimeout and do not read this value.
	HandshakeTimeoutSeconds int `mapstructure:"handshakeTimeoutSeconds"`

	// RequestTimeoutSeconds is loaded and validated; gateway connections
	// use constants.DefaultRequestTimeout and do not read this value.
	RequestTimeoutSeconds int `mapstructure:"requestTimeoutSeconds"`

	// MaxBackoffAttempts is loaded and validated; gateway connections use
	// constants.MaxBackoffAttempts and do not read this value.
	MaxBackoffAttempts int `mapstructure:"maxBackoffAttempts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HandshakeTimeout returns the handshake deadline as a time.Duration.
func (g *GatewayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(g.HandshakeTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request deadline as a time.Duration.
func (g *GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutSeconds) * time.Second
}

// CORSOriginList splits the configured CORS origins into a slice.
func (s *ServerConfig) CORSOriginList() []string {
	if s.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(s.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CHATPROXY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.corsOrigins", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./chatproxy.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "chatproxy")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "chatproxy")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "chatproxy")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("gateway.defaultUrl", "")
	v.SetDefault("gateway.handshakeTimeoutSeconds", 15)
	v.SetDefault("gateway.requestTimeoutSeconds", 30)
	v.SetDefault("gateway.maxBackoffAttempts", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CHATPROXY_ for most keys, with a set of
// bare aliases (HOST, PORT, DATABASE_PATH, CORS_ORIGINS, DEFAULT_GATEWAY_URL)
// recognized directly for operator convenience.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHATPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// bare env var aliases called out in the external interface contract
	_ = v.BindEnv("server.host", "HOST")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.corsOrigins", "CORS_ORIGINS")
	_ = v.BindEnv("database.path", "DATABASE_PATH")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.dbName", "DATABASE_NAME")
	_ = v.BindEnv("gateway.defaultUrl", "DEFAULT_GATEWAY_URL")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chatproxy/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		errs = append(errs, "database.path is required for sqlite driver")
	}

	if cfg.Gateway.MaxBackoffAttempts <= 0 {
		errs = append(errs, "gateway.maxBackoffAttempts must be positive")
	}
	if cfg.Gateway.HandshakeTimeoutSeconds <= 0 {
		errs = append(errs, "gateway.handshakeTimeoutSeconds must be positive")
	}
	if cfg.Gateway.RequestTimeoutSeconds <= 0 {
		errs = append(errs, "gateway.requestTimeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
