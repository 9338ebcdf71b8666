// Package config loads process configuration from defaults, an optional YAML
// file and the environment. Environment keys are the upper-cased config keys
// with dots replaced by underscores (redis.addr -> REDIS_ADDR).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full pairing server configuration.
type Config struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	ServerName     string        `mapstructure:"server_name"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	MaxConnections int           `mapstructure:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	Mode           string        `mapstructure:"mode"`

	Log   LogConfig   `mapstructure:"log"`
	Redis RedisConfig `mapstructure:"redis"`
	NATS  NATSConfig  `mapstructure:"nats"`
	DB    DBConfig    `mapstructure:"database"`

	Matching  MatchingConfig  `mapstructure:"matching"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// RedisConfig configures the profile store and the optional shared limiter.
// An empty Addr selects the in-memory implementations.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// NATSConfig configures lifecycle event publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// DBConfig configures the Postgres report store. An empty URL disables it.
type DBConfig struct {
	URL string `mapstructure:"url"`
}

// MatchingConfig carries the scoring policy. The numbers are empirical
// defaults, not derived from a fairness model.
type MatchingConfig struct {
	ExactPreference    int           `mapstructure:"exact_preference"`
	EveryonePreference int           `mapstructure:"everyone_preference"`
	FallbackPreference int           `mapstructure:"fallback_preference"`
	SameRegion         int           `mapstructure:"same_region"`
	WildcardRegion     int           `mapstructure:"wildcard_region"`
	RecencyBonus       int           `mapstructure:"recency_bonus"`
	RecencyWindow      time.Duration `mapstructure:"recency_window"`
	TopFraction        float64       `mapstructure:"top_fraction"`
	MinTopSlice        int           `mapstructure:"min_top_slice"`
	Seed               int64         `mapstructure:"seed"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
}

// RateLimitConfig is the chat window: Limit messages per Window.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	Shared bool          `mapstructure:"shared"` // use Redis when configured
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("server_name", "")
	v.SetDefault("worker_pool_size", 256)
	v.SetDefault("max_connections", 100000)
	v.SetDefault("read_timeout", "10s")
	v.SetDefault("write_timeout", "10s")
	v.SetDefault("mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.sync_interval", "5s")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "pairing")
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("database.url", "")

	v.SetDefault("matching.exact_preference", 10)
	v.SetDefault("matching.everyone_preference", 5)
	v.SetDefault("matching.fallback_preference", 2)
	v.SetDefault("matching.same_region", 10)
	v.SetDefault("matching.wildcard_region", 5)
	v.SetDefault("matching.recency_bonus", 3)
	v.SetDefault("matching.recency_window", "5m")
	v.SetDefault("matching.top_fraction", 0.30)
	v.SetDefault("matching.min_top_slice", 3)
	v.SetDefault("matching.seed", 0)
	v.SetDefault("matching.cleanup_interval", "5s")

	v.SetDefault("ratelimit.limit", 10)
	v.SetDefault("ratelimit.window", "10s")
	v.SetDefault("ratelimit.shared", false)
}

// Load reads configuration. The YAML file named by CONFIG_FILE is optional;
// a missing file is not an error, a malformed one is.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", file, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "pairing-1"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("worker_pool_size must be positive, got %d", c.WorkerPoolSize))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections))
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit needs positive limit and window, got %d/%s",
			c.RateLimit.Limit, c.RateLimit.Window))
	}
	if c.Matching.TopFraction <= 0 || c.Matching.TopFraction > 1 {
		errs = append(errs, fmt.Errorf("matching.top_fraction must be in (0,1], got %v", c.Matching.TopFraction))
	}
	if c.Matching.MinTopSlice <= 0 {
		errs = append(errs, fmt.Errorf("matching.min_top_slice must be positive, got %d", c.Matching.MinTopSlice))
	}
	if c.RateLimit.Shared && c.Redis.Addr == "" {
		errs = append(errs, errors.New("ratelimit.shared requires redis.addr"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
