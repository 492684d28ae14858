package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config contains runtime configuration for the websocket gateway.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Redis   RedisConfig   `mapstructure:"redis"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig captures HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GatewayConfig tunes connection handling.
type GatewayConfig struct {
	// NodeID names this process in the shared registry. Generated when empty.
	NodeID            string        `mapstructure:"node_id"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	NodeTTL           time.Duration `mapstructure:"node_ttl"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// AuthConfig holds the secrets used on the client and internal surfaces.
type AuthConfig struct {
	TokenSecret string `mapstructure:"token_secret"`
	InternalKey string `mapstructure:"internal_key"`
}

// RedisConfig configures the shared connection registry.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// NATSConfig captures message bus connection settings.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// LoggingConfig captures logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// Load reads configuration from the provided path and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("gateway.node_id", "")
	v.SetDefault("gateway.send_timeout", "5s")
	v.SetDefault("gateway.heartbeat_interval", "10s")
	v.SetDefault("gateway.node_ttl", "30s")
	v.SetDefault("gateway.write_wait", "10s")
	v.SetDefault("gateway.pong_wait", "60s")
	v.SetDefault("gateway.max_message_bytes", 4096)
	v.SetDefault("gateway.allowed_origins", []string{"*"})

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.internal_key", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://redis:6379/0")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relay/ws")
	}

	v.SetEnvPrefix("WS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Gateway.NodeID == "" {
		cfg.Gateway.NodeID = defaultNodeID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.Auth.TokenSecret == "" {
		return errors.New("auth.token_secret is required")
	}
	if c.Gateway.NodeTTL > 0 && c.Gateway.HeartbeatInterval >= c.Gateway.NodeTTL {
		return fmt.Errorf("gateway.heartbeat_interval (%s) must be shorter than gateway.node_ttl (%s)",
			c.Gateway.HeartbeatInterval, c.Gateway.NodeTTL)
	}
	return nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ws"
	}
	return host + "-" + uuid.NewString()[:8]
}
