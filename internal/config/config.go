// Package config loads the exchange's settings.
//
// Priority, lowest to highest: built-in defaults, the YAML file, a .env file,
// then process environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/atmx/world-exchange/internal/lock"
)

// Config holds every setting of one exchange process.
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"` // empty = in-memory store
	} `yaml:"database"`

	Redis struct {
		URL      string        `yaml:"url"` // empty = in-process locks, no cache
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	NATS struct {
		URL           string `yaml:"url"` // empty = no event stream
		SubjectPrefix string `yaml:"subject_prefix"`
		Buffer        int    `yaml:"buffer"`
	} `yaml:"nats"`

	Lock struct {
		TTL           time.Duration `yaml:"ttl"`
		Timeout       time.Duration `yaml:"timeout"`
		RetryInterval time.Duration `yaml:"retry_interval"`
		MaxAttempts   int           `yaml:"max_attempts"`
		FailurePolicy string        `yaml:"failure_policy"` // open | closed
	} `yaml:"lock"`

	Settlement struct {
		FeeRate  float64       `yaml:"fee_rate"`
		OfferTTL time.Duration `yaml:"offer_ttl"`
	} `yaml:"settlement"`

	Recompute struct {
		Interval     time.Duration      `yaml:"interval"`
		Parallelism  int                `yaml:"parallelism"`
		BaseWorldID  string             `yaml:"base_world_id"`
		VolumeWindow time.Duration      `yaml:"volume_window"`
		Beta         float64            `yaml:"beta"`
		CPIWeights   map[string]float64 `yaml:"cpi_weights"`
		Seed         int64              `yaml:"seed"` // 0 = time-based
	} `yaml:"recompute"`

	Pricing struct {
		Alpha  float64 `yaml:"alpha"`
		Tariff float64 `yaml:"tariff"`
	} `yaml:"pricing"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"` // empty = stdout only
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	var c Config
	c.Server.Port = "8080"
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 5 * time.Second

	c.Redis.CacheTTL = 2 * time.Minute

	c.NATS.SubjectPrefix = "worldx.trades"
	c.NATS.Buffer = 1024

	c.Lock.TTL = 5 * time.Second
	c.Lock.Timeout = 2 * time.Second
	c.Lock.RetryInterval = 100 * time.Millisecond
	c.Lock.MaxAttempts = 20
	c.Lock.FailurePolicy = string(lock.FailOpen)

	c.Settlement.FeeRate = 0.03
	c.Settlement.OfferTTL = 24 * time.Hour

	c.Recompute.Interval = 60 * time.Second
	c.Recompute.Parallelism = 4
	c.Recompute.VolumeWindow = 24 * time.Hour
	c.Recompute.Beta = 0.2

	c.Pricing.Alpha = 0.05
	c.Pricing.Tariff = 0.03

	c.Logging.Level = "info"
	c.Logging.MaxSizeMB = 100
	c.Logging.MaxBackups = 5
	c.Logging.MaxAgeDays = 28
	return &c
}

// Load builds the configuration. path and envPath may be empty; a missing
// .env file is not an error, a missing YAML file named explicitly is.
func Load(path, envPath string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overrideWithEnv applies process environment variables on top of cfg.
func overrideWithEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &cfg.Server.Port)
	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Redis.URL)
	str("NATS_URL", &cfg.NATS.URL)
	str("NATS_SUBJECT_PREFIX", &cfg.NATS.SubjectPrefix)
	str("LOCK_FAILURE_POLICY", &cfg.Lock.FailurePolicy)
	str("BASE_WORLD_ID", &cfg.Recompute.BaseWorldID)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)

	if v := os.Getenv("RECOMPUTE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RECOMPUTE_INTERVAL: %w", err)
		}
		cfg.Recompute.Interval = d
	}
	if v := os.Getenv("LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOCK_TIMEOUT: %w", err)
		}
		cfg.Lock.Timeout = d
	}
	if v := os.Getenv("FEE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("FEE_RATE: %w", err)
		}
		cfg.Settlement.FeeRate = f
	}
	return nil
}

// Validate checks that the settings can run an exchange.
func (c *Config) Validate() error {
	var errs []error

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port <= 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %q", c.Server.Port))
	}
	switch strings.ToLower(c.Lock.FailurePolicy) {
	case string(lock.FailOpen), string(lock.FailClosed):
	default:
		errs = append(errs, fmt.Errorf("lock failure policy must be open or closed, got %q", c.Lock.FailurePolicy))
	}
	if c.Lock.TTL <= 0 || c.Lock.Timeout <= 0 || c.Lock.RetryInterval <= 0 {
		errs = append(errs, errors.New("lock durations must be positive"))
	}
	if c.Lock.MaxAttempts <= 0 {
		errs = append(errs, errors.New("lock max attempts must be positive"))
	}
	if c.Settlement.FeeRate < 0 || c.Settlement.FeeRate >= 1 {
		errs = append(errs, fmt.Errorf("fee rate must be in [0, 1), got %v", c.Settlement.FeeRate))
	}
	if c.Recompute.Interval <= 0 {
		errs = append(errs, errors.New("recompute interval must be positive"))
	}
	if c.Recompute.Parallelism <= 0 {
		errs = append(errs, errors.New("recompute parallelism must be positive"))
	}
	if c.Pricing.Alpha <= 0 || c.Pricing.Alpha > 1 {
		errs = append(errs, fmt.Errorf("pricing alpha must be in (0, 1], got %v", c.Pricing.Alpha))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// LockPolicy returns the parsed lock failure policy.
func (c *Config) LockPolicy() lock.Policy {
	return lock.ParsePolicy(strings.ToLower(c.Lock.FailurePolicy))
}

// LockOptions returns the coordinator settings.
func (c *Config) LockOptions() lock.Options {
	return lock.Options{
		TTL:           c.Lock.TTL,
		Timeout:       c.Lock.Timeout,
		RetryInterval: c.Lock.RetryInterval,
		MaxAttempts:   c.Lock.MaxAttempts,
		Policy:        c.LockPolicy(),
	}
}
