package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains runtime configuration for the notification worker.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Presence    PresenceConfig    `mapstructure:"presence"`
	Translation TranslationConfig `mapstructure:"translation"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration. Without it messages are
// kept in memory, which only suits a single worker.
type DatabaseConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString returns a postgres:// URL for pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: url.Values{"sslmode": []string{p.SSLMode}}.Encode(),
	}
	return u.String()
}

// GatewayConfig points at the websocket gateway's internal API.
type GatewayConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PresenceConfig struct {
	// CountCap is the largest unseen/unread value pushed to clients.
	CountCap int `mapstructure:"count_cap"`
}

type TranslationConfig struct {
	FallbackLocale string `mapstructure:"fallback_locale"`
}

// AuthConfig holds the shared key for the internal APIs, both the one the
// worker serves and the gateway's.
type AuthConfig struct {
	InternalKey string `mapstructure:"internal_key"`
}

// RedisConfig enables presence lookups straight from the gateway's shared
// connection registry.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	// JetStream takes step jobs from a durable stream instead of a queue group.
	JetStream bool `mapstructure:"jetstream"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// Load reads configuration from the provided path and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8091)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.postgres.host", "postgres")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "relay")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "relay")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("gateway.url", "http://ws:8090")
	v.SetDefault("gateway.timeout", "5s")

	v.SetDefault("presence.count_cap", 100)
	v.SetDefault("translation.fallback_locale", "en")
	v.SetDefault("auth.internal_key", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://redis:6379/0")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.jetstream", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relay/worker")
	}

	v.SetEnvPrefix("WORKER")
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return errors.New("gateway.url is required")
	}
	if c.Presence.CountCap <= 0 {
		return fmt.Errorf("presence.count_cap must be positive, got %d", c.Presence.CountCap)
	}
	if c.NATS.JetStream && !c.NATS.Enabled {
		return errors.New("nats.jetstream requires nats.enabled")
	}
	return nil
}
