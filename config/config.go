/*
Package config loads process configuration.

PURPOSE:
  One Config struct for the server, read from an optional YAML file with
  environment overrides (cleanenv). A .env file in the working directory
  is loaded first when present, so local runs can keep secrets out of the
  YAML.

PRECEDENCE:
  env-default < YAML file < environment variables

USAGE:
  cfg, err := config.Load(path) // path may be ""
  logger := config.NewLogger(cfg.Log, os.Stdout)
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Env    string `yaml:"env" env:"AFFILIATE_ENV" env-default:"local"`
	HTTP   HTTP   `yaml:"http"`
	DB     DB     `yaml:"db"`
	Log    Log    `yaml:"log"`
	Tables Tables `yaml:"tables"`
	Retry  Retry  `yaml:"retry"`
	Reset  Reset  `yaml:"reset"`
	Kafka  Kafka  `yaml:"kafka"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" env:"AFFILIATE_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"AFFILIATE_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"AFFILIATE_HTTP_WRITE_TIMEOUT" env-default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"AFFILIATE_HTTP_SHUTDOWN_TIMEOUT" env-default:"30s"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"AFFILIATE_CORS_ORIGINS" env-separator:"," env-default:"*"`
}

type DB struct {
	Path string `yaml:"path" env:"AFFILIATE_DB_PATH" env-default:"./data/affiliate.db"`
}

type Log struct {
	Level  string `yaml:"level" env:"AFFILIATE_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"AFFILIATE_LOG_FORMAT" env-default:"json"`
}

// Tables points at the rate tables JSON; empty means built-in defaults.
type Tables struct {
	Path string `yaml:"path" env:"AFFILIATE_TABLES_PATH"`
}

type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"AFFILIATE_RETRY_MAX_ATTEMPTS" env-default:"5"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"AFFILIATE_RETRY_INITIAL_INTERVAL" env-default:"10ms"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"AFFILIATE_RETRY_MAX_INTERVAL" env-default:"500ms"`
}

type Reset struct {
	Enabled       bool          `yaml:"enabled" env:"AFFILIATE_RESET_ENABLED" env-default:"true"`
	CheckInterval time.Duration `yaml:"check_interval" env:"AFFILIATE_RESET_CHECK_INTERVAL" env-default:"1h"`
	LeaseTTL      time.Duration `yaml:"lease_ttl" env:"AFFILIATE_RESET_LEASE_TTL" env-default:"30m"`
	Concurrency   int           `yaml:"concurrency" env:"AFFILIATE_RESET_CONCURRENCY" env-default:"8"`
}

type Kafka struct {
	Enabled   bool     `yaml:"enabled" env:"AFFILIATE_KAFKA_ENABLED" env-default:"false"`
	Brokers   []string `yaml:"brokers" env:"AFFILIATE_KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	RankTopic string   `yaml:"rank_topic" env:"AFFILIATE_KAFKA_RANK_TOPIC" env-default:"affiliate.rank-changed"`
	SaleTopic string   `yaml:"sale_topic" env:"AFFILIATE_KAFKA_SALE_TOPIC" env-default:"affiliate.sales"`
	GroupID   string   `yaml:"group_id" env:"AFFILIATE_KAFKA_GROUP_ID" env-default:"affiliate-engine"`

	// DeadLetterTopic receives sale events that could not be applied.
	// Empty disables dead-lettering.
	DeadLetterTopic string `yaml:"dead_letter_topic" env:"AFFILIATE_KAFKA_DEAD_LETTER_TOPIC" env-default:"affiliate.sales-dlq"`
	MaxRetries      int    `yaml:"max_retries" env:"AFFILIATE_KAFKA_MAX_RETRIES" env-default:"8"`
}

// Load reads .env (if present), then path (if non-empty), then the
// environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from env: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Reset.Enabled && c.Reset.CheckInterval <= 0 {
		return fmt.Errorf("reset.check_interval must be positive")
	}
	if c.Reset.Concurrency < 1 {
		return fmt.Errorf("reset.concurrency must be at least 1, got %d", c.Reset.Concurrency)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Kafka.MaxRetries < 0 {
		return fmt.Errorf("kafka.max_retries must not be negative")
	}
	return nil
}
