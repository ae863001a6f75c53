// Package config loads the structlink YAML configuration.
//
// Values of the form ${VAR} are expanded from the environment before
// parsing, so secrets such as the credential token or database password can
// stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for cmd/structlink.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Credential CredentialConfig `yaml:"credential"`
	Connection ConnectionConfig `yaml:"connection"`
	Retry      RetryConfig      `yaml:"retry"`
	Events     EventsConfig     `yaml:"events"`
	Journal    JournalConfig    `yaml:"journal"`
	Poll       PollConfig       `yaml:"poll"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
}

// InstanceConfig identifies this client in logs and journal rows.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// CredentialConfig names the login credential. Token wins over File.
type CredentialConfig struct {
	Token string `yaml:"token"`
	File  string `yaml:"file"`
}

// ConnectionConfig tunes the websocket transport.
type ConnectionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
	BufferSize       int           `yaml:"buffer_size"`

	// Relogin backoff after the connection drops.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// RetryConfig controls deferral of out-of-fuel failures.
type RetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Delay           time.Duration `yaml:"delay"`
	InitialCapacity int           `yaml:"initial_capacity"`
}

// EventsConfig tunes event delivery.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// JournalConfig enables the Postgres event journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds connection settings for one database.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// PollConfig configures periodic sampling of watched positions. Polling is
// off while Interval is zero.
type PollConfig struct {
	Interval    time.Duration    `yaml:"interval"`
	Concurrency int              `yaml:"concurrency"`
	Timeout     time.Duration    `yaml:"timeout"`
	Fuel        bool             `yaml:"fuel"`
	Positions   []PositionConfig `yaml:"positions"`
}

// PositionConfig is a block coordinate.
type PositionConfig struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	Z int `yaml:"z"`
}

// HealthConfig configures the health endpoint.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, expands environment variables and parses the YAML.
// Defaults are not applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads path and fills in defaults for unset fields.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads path, applies defaults and validates the result.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
