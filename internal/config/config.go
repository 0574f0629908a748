// Package config provides Viper-based configuration loading for the lobby server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this process in logs.
	Name string `mapstructure:"name"`
	// PublicURL is the externally reachable base URL used to build join links.
	PublicURL string `mapstructure:"public_url"`
	// ShutdownTimeout bounds how long in-flight HTTP requests may take to drain.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WebSocketConfig holds the WebSocket listener and per-connection settings.
type WebSocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the HTTP path that upgrades to a WebSocket.
	Path string `mapstructure:"path"`
	// ReadBuffer and WriteBuffer size the upgrader's I/O buffers in bytes.
	ReadBuffer  int `mapstructure:"read_buffer"`
	WriteBuffer int `mapstructure:"write_buffer"`
	// PongWait is how long a connection may stay silent before it is considered dead.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// WriteWait is the per-message write deadline.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PingPeriod is the interval between server pings. Must be shorter than PongWait.
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// MaxMessageSize is the largest inbound frame accepted, in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// SendBuffer is the capacity of each connection's outbound queue.
	SendBuffer int `mapstructure:"send_buffer"`
	// AllowedOrigins lists permitted Origin headers. Empty or "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// LobbyConfig holds lobby directory policy.
type LobbyConfig struct {
	// CodeLength is the number of characters in a generated lobby code.
	CodeLength int `mapstructure:"code_length"`
	// MaxCodeAttempts bounds regeneration on code collisions before giving up.
	MaxCodeAttempts int `mapstructure:"max_code_attempts"`
	// MaxMembers caps lobby size. Zero means unlimited.
	MaxMembers int `mapstructure:"max_members"`
	// AllowMultiMembership lets one connection be a member of several lobbies at once.
	AllowMultiMembership bool `mapstructure:"allow_multi_membership"`
	// EventBuffer is the capacity of the dispatcher's inbound event queue.
	EventBuffer int `mapstructure:"event_buffer"`
}

// HealthConfig holds the gRPC health-check service settings.
type HealthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Lobby     LobbyConfig     `mapstructure:"lobby"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateServer(c.Server),
		validateWebSocket(c.WebSocket),
		validateLobby(c.Lobby),
		validateHealth(c.Health),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if s.PublicURL != "" {
		u, err := url.Parse(s.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("server.public_url must be an absolute URL, got %q", s.PublicURL))
		}
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.Port < 0 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("websocket.port must be 0-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", w.Path))
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}
	if w.PingPeriod <= 0 || w.PingPeriod >= w.PongWait {
		errs = append(errs, "websocket.ping_period must be positive and shorter than websocket.pong_wait")
	}
	if w.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_size must be >= 1, got %d", w.MaxMessageSize))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLobby(l LobbyConfig) error {
	var errs []string
	if l.CodeLength < 1 || l.CodeLength > 32 {
		errs = append(errs, fmt.Sprintf("lobby.code_length must be 1-32, got %d", l.CodeLength))
	}
	if l.MaxCodeAttempts < 1 {
		errs = append(errs, fmt.Sprintf("lobby.max_code_attempts must be >= 1, got %d", l.MaxCodeAttempts))
	}
	if l.MaxMembers < 0 {
		errs = append(errs, fmt.Sprintf("lobby.max_members must be >= 0, got %d", l.MaxMembers))
	}
	if l.EventBuffer < 1 {
		errs = append(errs, fmt.Sprintf("lobby.event_buffer must be >= 1, got %d", l.EventBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if !h.Enabled {
		return nil
	}
	var errs []string
	if h.GRPCHost == "" {
		errs = append(errs, "health.grpc_host must not be empty")
	}
	if h.GRPCPort < 0 || h.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("health.grpc_port must be 0-65535, got %d", h.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and LOBBY_ environment overrides applied.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	if v == nil {
		return Config{}, errors.New("viper instance must not be nil")
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "cardlobby")
	v.SetDefault("server.public_url", "http://localhost:5000")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 5000)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer", 1024)
	v.SetDefault("websocket.write_buffer", 1024)
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.ping_period", "54s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.allowed_origins", []string{"*"})

	v.SetDefault("lobby.code_length", 4)
	v.SetDefault("lobby.max_code_attempts", 16)
	v.SetDefault("lobby.max_members", 0)
	v.SetDefault("lobby.allow_multi_membership", false)
	v.SetDefault("lobby.event_buffer", 1024)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 5051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
