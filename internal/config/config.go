package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config is the root configuration for a relay instance.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`
}

// RateLimitConfig defines per-connection inbound frame rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `yaml:"refill_interval" env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// ServerConfig holds the HTTP and WebSocket listener settings.
type ServerConfig struct {
	Port           string          `yaml:"port" env:"SERVER_PORT"`
	AllowedOrigins []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize int64           `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// StoreConfig holds the document store settings.
type StoreConfig struct {
	Path         string        `yaml:"path" env:"STORE_PATH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"STORE_POLL_INTERVAL"`
	BatchSize    int           `yaml:"batch_size" env:"STORE_BATCH_SIZE"`
	Timeout      time.Duration `yaml:"timeout" env:"STORE_TIMEOUT"`
}

// RelayConfig holds delivery and change feed settings.
type RelayConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout" env:"RELAY_SEND_TIMEOUT"`
	Consumer    string        `yaml:"consumer" env:"RELAY_CONSUMER"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:8080"}
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = 4096
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = 5
	}
	if c.Server.RateLimit.RefillInterval <= 0 {
		c.Server.RateLimit.RefillInterval = time.Second
	}

	if c.Store.Path == "" {
		c.Store.Path = "grouprelay.db"
	}
	if c.Store.PollInterval <= 0 {
		c.Store.PollInterval = 500 * time.Millisecond
	}
	if c.Store.BatchSize <= 0 {
		c.Store.BatchSize = 100
	}
	if c.Store.Timeout <= 0 {
		c.Store.Timeout = 5 * time.Second
	}

	if c.Relay.SendTimeout <= 0 {
		c.Relay.SendTimeout = 5 * time.Second
	}
	if strings.TrimSpace(c.Relay.Consumer) == "" {
		c.Relay.Consumer = "relay"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if !strings.Contains(c.Server.Port, ":") {
		errs = append(errs, fmt.Errorf("server.port %q must be host:port or :port", c.Server.Port))
	}
	for _, origin := range c.Server.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			errs = append(errs, errors.New("server.allowed_origins contains an empty entry"))
			break
		}
	}
	if c.Server.MaxMessageSize < 64 {
		errs = append(errs, fmt.Errorf("server.max_message_size %d is below 64 bytes", c.Server.MaxMessageSize))
	}
	if c.Store.BatchSize > 10000 {
		errs = append(errs, fmt.Errorf("store.batch_size %d exceeds 10000", c.Store.BatchSize))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}
