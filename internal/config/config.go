package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/polyrisk/internal/data/validate"
	"github.com/sawpanic/polyrisk/internal/infrastructure/async"
	"github.com/sawpanic/polyrisk/internal/risk"
	"github.com/sawpanic/polyrisk/internal/risk/correlation"
)

// Config is the full service configuration. Components receive their
// section by value at construction.
type Config struct {
	Log         LogConfig               `yaml:"log"`
	Cleaning    validate.CleaningConfig `yaml:"cleaning"`
	Correlation correlation.Config      `yaml:"correlation"`
	Sizing      risk.SizingConfig       `yaml:"sizing"`
	HTTP        HTTPConfig              `yaml:"http"`
	Redis       RedisConfig             `yaml:"redis"`
	Postgres    PostgresConfig          `yaml:"postgres"`
	Scheduler   SchedulerConfig         `yaml:"scheduler"`
	Ingest      IngestConfig            `yaml:"ingest"`
}

// LogConfig selects level and output format (auto, console, json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RedisConfig configures the snapshot store.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// PostgresConfig configures the anomaly audit log.
type PostgresConfig struct {
	Enabled      bool              `yaml:"enabled"`
	DSN          string            `yaml:"dsn"`
	QueryTimeout time.Duration     `yaml:"query_timeout"`
	MaxOpenConns int               `yaml:"max_open_conns"`
	Migrate      bool              `yaml:"migrate"`
	Batch        async.BatchConfig `yaml:"batch"`
}

// SchedulerConfig holds cron specs for background jobs.
type SchedulerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SnapshotSpec string `yaml:"snapshot_spec"`
	EvictSpec    string `yaml:"evict_spec"`
}

// IngestConfig bounds per-market rejection log volume.
type IngestConfig struct {
	LogPerSecond float64 `yaml:"log_per_second"`
	LogBurst     int     `yaml:"log_burst"`
}

// Default returns a configuration that runs without external services.
func Default() Config {
	return Config{
		Log:         LogConfig{Level: "info", Format: "auto"},
		Cleaning:    validate.DefaultCleaningConfig(),
		Correlation: correlation.DefaultConfig(),
		Sizing:      risk.DefaultSizingConfig(),
		HTTP: HTTPConfig{
			Addr:           ":8080",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "polyrisk",
			TTL:    24 * time.Hour,
		},
		Postgres: PostgresConfig{
			QueryTimeout: 5 * time.Second,
			MaxOpenConns: 10,
			Migrate:      true,
			Batch:        async.DefaultBatchConfig(),
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			SnapshotSpec: "@every 1m",
			EvictSpec:    "@every 5m",
		},
		Ingest: IngestConfig{LogPerSecond: 1, LogBurst: 5},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env (%s): %w", path, err)
	}
	return nil
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error

	if err := c.Cleaning.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cleaning: %w", err))
	}
	if err := c.Correlation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("correlation: %w", err))
	}
	if err := c.Sizing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sizing: %w", err))
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http: addr is required"))
	}
	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, errors.New("http: request_timeout must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis: addr is required when enabled"))
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres: dsn is required when enabled"))
	}
	if c.Postgres.Enabled && c.Postgres.QueryTimeout <= 0 {
		errs = append(errs, errors.New("postgres: query_timeout must be positive"))
	}
	if c.Scheduler.Enabled {
		for name, spec := range map[string]string{"snapshot_spec": c.Scheduler.SnapshotSpec, "evict_spec": c.Scheduler.EvictSpec} {
			if _, err := cron.ParseStandard(spec); err != nil {
				errs = append(errs, fmt.Errorf("scheduler: invalid %s %q: %w", name, spec, err))
			}
		}
	}
	if c.Ingest.LogPerSecond <= 0 || c.Ingest.LogBurst <= 0 {
		errs = append(errs, errors.New("ingest: log_per_second and log_burst must be positive"))
	}
	if err := checkLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func checkLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
		return nil
	}
	return fmt.Errorf("log: unknown level %q", level)
}
