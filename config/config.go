package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

/* Config é um pacote auxiliar. Poderia ser uma lib externa*/

// EnvConfigFile names the environment variable holding the config file path
const EnvConfigFile = "WEBHOOK_REDRIVE_CONFIG"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Redrive  RedriveConfig  `mapstructure:"redrive"`
	Events   EventsConfig   `mapstructure:"events"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // redis | memory
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

type DispatchConfig struct {
	Workers        int           `mapstructure:"workers"`
	PerOrgLimit    int           `mapstructure:"per_org_limit"`
	Product        string        `mapstructure:"product"`
	MaxBodyExcerpt int           `mapstructure:"max_body_excerpt"`
	ConsumeBlock   time.Duration `mapstructure:"consume_block"`
}

type RetryConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Lease         time.Duration `mapstructure:"lease"`
}

type RedriveConfig struct {
	Parallelism    int           `mapstructure:"parallelism"`
	JobBudget      time.Duration `mapstructure:"job_budget"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	TargetEstimate time.Duration `mapstructure:"target_estimate"`
	JobLease       time.Duration `mapstructure:"job_lease"`
}

type EventsConfig struct {
	Allowed []string `mapstructure:"allowed"`
}

type WebhooksConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "redis")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("dispatch.workers", 16)
	v.SetDefault("dispatch.per_org_limit", 4)
	v.SetDefault("dispatch.product", "webhook-redrive")
	v.SetDefault("dispatch.max_body_excerpt", 4096)
	v.SetDefault("dispatch.consume_block", time.Second)

	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", time.Hour)
	v.SetDefault("retry.sweep_interval", time.Second)
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.lease", 2*time.Minute)

	v.SetDefault("redrive.parallelism", 8)
	v.SetDefault("redrive.job_budget", 5*time.Minute)
	v.SetDefault("redrive.sweep_interval", 10*time.Second)
	v.SetDefault("redrive.target_estimate", 2*time.Second)
	v.SetDefault("redrive.job_lease", time.Minute)

	v.SetDefault("events.allowed", []string{})
	v.SetDefault("webhooks.seed_file", "")
}

// GetConfig loads the configuration from defaults, an optional file and the environment
// path may be empty, in which case WEBHOOK_REDRIVE_CONFIG and then ./config.{toml,yaml} are tried
func GetConfig(path string) (*Config, error) {
	return Load(viper.New(), path)
}

// Load reads the configuration into v
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("parsing config data: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the process cannot run with
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("storage.driver must be redis or memory, got %q", c.Storage.Driver)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if c.Dispatch.PerOrgLimit < 0 {
		return fmt.Errorf("dispatch.per_org_limit cannot be negative")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Retry.BatchSize < 1 {
		return fmt.Errorf("retry.batch_size must be at least 1")
	}
	if c.Redrive.Parallelism < 1 {
		return fmt.Errorf("redrive.parallelism must be at least 1")
	}

	return nil
}

// NewLogger builds the process logger from the logging settings
func (c LoggingConfig) NewLogger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parsing logging.level: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if c.Format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
