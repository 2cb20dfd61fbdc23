// Package config loads runtime settings from an optional YAML file and the
// environment. Every key has a default; STORE_TABLE overrides store.table.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"

	LeaseDynamoDB = "dynamodb"
	LeaseRedis    = "redis"
	LeaseMemory   = "memory"
)

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Params    ParamsConfig    `mapstructure:"params"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Poll      PollConfig      `mapstructure:"poll"`
	Turn      TurnConfig      `mapstructure:"turn"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`
}

type StoreConfig struct {
	Backend    string `mapstructure:"backend"`     // "dynamodb" or "sqlite"
	Table      string `mapstructure:"table"`       // DynamoDB table name
	SQLitePath string `mapstructure:"sqlite_path"` // libSQL database file
}

type LeaseConfig struct {
	Backend string        `mapstructure:"backend"` // "dynamodb", "redis" or "memory"
	TTL     time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ParamsConfig struct {
	Prefix   string        `mapstructure:"prefix"`    // SSM path holding open-ai-token
	CacheTTL time.Duration `mapstructure:"cache_ttl"` // 0 disables caching
}

type OpenAIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type BillingConfig struct {
	Model            string `mapstructure:"model"`
	CompletionTokens int    `mapstructure:"completion_tokens"`
	Markup           int    `mapstructure:"markup"`
}

type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
	MaxAttempts int           `mapstructure:"max_attempts"` // 0 means bounded by max_wait only
}

type TurnConfig struct {
	MaxContentLength int `mapstructure:"max_content_length"`
}

type ReconcileConfig struct {
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	Concurrency int           `mapstructure:"concurrency"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", StoreDynamoDB)
	v.SetDefault("store.table", "")
	v.SetDefault("store.sqlite_path", "data/metered-assistant.db")

	v.SetDefault("lease.backend", LeaseDynamoDB)
	v.SetDefault("lease.ttl", "3m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("params.prefix", "")
	v.SetDefault("params.cache_ttl", "5m")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.http_timeout", "30s")

	v.SetDefault("billing.model", "gpt-4o")
	v.SetDefault("billing.completion_tokens", 300)
	v.SetDefault("billing.markup", 10)

	v.SetDefault("poll.interval", "1s")
	v.SetDefault("poll.max_wait", "2m")
	v.SetDefault("poll.max_attempts", 0)

	v.SetDefault("turn.max_content_length", 4000)

	v.SetDefault("reconcile.stale_after", "10m")
	v.SetDefault("reconcile.concurrency", 4)

	v.SetDefault("log.level", "info")
}

// Load reads configPath when given, otherwise an optional ./config.yaml, then
// applies environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Params.Prefix = strings.TrimRight(strings.TrimSpace(cfg.Params.Prefix), "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend choices and the timing relations the orchestrator
// relies on: a lease outlives the poll bound, and the reconciler only picks
// up intents older than any lease.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required for the dynamodb backend"))
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	switch c.Lease.Backend {
	case LeaseDynamoDB:
		if c.Store.Backend != StoreDynamoDB {
			errs = append(errs, errors.New("lease.backend dynamodb needs store.backend dynamodb"))
		}
	case LeaseRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis lease backend"))
		}
	case LeaseMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown lease.backend %q", c.Lease.Backend))
	}

	if c.Params.Prefix == "" {
		errs = append(errs, errors.New("params.prefix is required"))
	}
	if c.OpenAI.BaseURL == "" {
		errs = append(errs, errors.New("openai.base_url is required"))
	}
	if c.Billing.Markup <= 0 || c.Billing.CompletionTokens <= 0 {
		errs = append(errs, errors.New("billing.markup and billing.completion_tokens must be positive"))
	}
	if c.Poll.Interval <= 0 || c.Poll.MaxWait <= 0 {
		errs = append(errs, errors.New("poll.interval and poll.max_wait must be positive"))
	}
	if c.Poll.MaxAttempts < 0 {
		errs = append(errs, errors.New("poll.max_attempts must not be negative"))
	}
	if c.Lease.TTL <= c.Poll.MaxWait {
		errs = append(errs, fmt.Errorf("lease.ttl (%s) must exceed poll.max_wait (%s)", c.Lease.TTL, c.Poll.MaxWait))
	}
	if c.Reconcile.StaleAfter <= c.Lease.TTL {
		errs = append(errs, fmt.Errorf("reconcile.stale_after (%s) must exceed lease.ttl (%s)", c.Reconcile.StaleAfter, c.Lease.TTL))
	}
	if c.Reconcile.Concurrency <= 0 {
		errs = append(errs, errors.New("reconcile.concurrency must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LogLevel returns the configured level, info when unset.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
