package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.True(t, cfg.Cleaning.MaxPrice.Equal(decimal.RequireFromString("0.999")))
	assert.Equal(t, "@every 1m", cfg.Scheduler.SnapshotSpec)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Postgres.Enabled)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeFile(t, "polyrisk.yaml", `
log:
  level: debug
cleaning:
  max_price_change_pct: 15
  min_price: 0.01
  max_data_age_secs: 120
correlation:
  threshold: 0.8
  stale_after: 30m
postgres:
  enabled: true
  dsn: postgres://localhost/polyrisk
  batch:
    max_batch_size: 50
    flush_interval: 2s
scheduler:
  evict_spec: "@every 10m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format, "unset keys keep defaults")
	assert.True(t, cfg.Cleaning.MaxPriceChangePct.Equal(decimal.NewFromInt(15)))
	assert.True(t, cfg.Cleaning.MinPrice.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.Cleaning.MaxPrice.Equal(decimal.RequireFromString("0.999")))
	assert.Equal(t, int64(120), cfg.Cleaning.MaxDataAgeSecs)
	assert.Equal(t, 20, cfg.Cleaning.MAWindowSize)
	assert.True(t, cfg.Correlation.Threshold.Equal(decimal.RequireFromString("0.8")))
	assert.Equal(t, 30*time.Minute, cfg.Correlation.StaleAfter)
	assert.Equal(t, 100, cfg.Correlation.MaxHistory)
	assert.True(t, cfg.Postgres.Enabled)
	assert.Equal(t, 50, cfg.Postgres.Batch.MaxBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Postgres.Batch.FlushInterval)
	assert.Equal(t, "@every 10m", cfg.Scheduler.EvictSpec)
	assert.Equal(t, "@every 1m", cfg.Scheduler.SnapshotSpec)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "cleaning: [1, 2"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad_decimal.yaml", "cleaning:\n  min_price: cheap\n"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSave_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Correlation.Threshold = decimal.RequireFromString("0.65")
	cfg.Redis.Enabled = true

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.Correlation.Threshold.Equal(decimal.RequireFromString("0.65")))
	assert.True(t, loaded.Redis.Enabled)
	assert.True(t, loaded.Cleaning.OutlierStdDevs.Equal(decimal.NewFromInt(3)))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"POLYRISK_HTTP_ADDR":             ":9090",
		"POLYRISK_MAX_DATA_AGE_SECS":     "60",
		"POLYRISK_CORRELATION_THRESHOLD": "0.75",
		"POLYRISK_REDIS_ENABLED":         "true",
		"POLYRISK_LOG_FORMAT":            " ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, int64(60), cfg.Cleaning.MaxDataAgeSecs)
	assert.True(t, cfg.Correlation.Threshold.Equal(decimal.RequireFromString("0.75")))
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "auto", cfg.Log.Format, "blank values are ignored")
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	env := map[string]string{
		"POLYRISK_MA_WINDOW_SIZE": "twenty",
		"POLYRISK_REDIS_ENABLED":  "maybe",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLYRISK_MA_WINDOW_SIZE")
	assert.Contains(t, err.Error(), "POLYRISK_REDIS_ENABLED")
}

func TestApplyEnv_Process(t *testing.T) {
	t.Setenv("POLYRISK_POSTGRES_DSN", "postgres://env/db")
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "postgres://env/db", cfg.Postgres.DSN)
}

func TestFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	defaults := Default()
	defaults.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{"--http-addr=:7070", "--min-price", "0.05", "--correlation-stale-after=1h"}))

	cfg := Default()
	cfg.HTTP.Addr = ":1111"
	cfg.Log.Level = "warn"
	require.NoError(t, cfg.ApplyFlags(fs))

	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, "warn", cfg.Log.Level, "unset flags leave loaded values alone")
	assert.True(t, cfg.Cleaning.MinPrice.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, time.Hour, cfg.Correlation.StaleAfter)

	flag := fs.Lookup("max-price")
	require.NotNil(t, flag)
	assert.Equal(t, "0.999", flag.DefValue)
}

func TestFlags_Invalid(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	defaults := Default()
	defaults.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--max-open-positions=lots"}))

	cfg := Default()
	assert.Error(t, cfg.ApplyFlags(fs))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"cleaning", func(c *Config) { c.Cleaning.MAWindowSize = 0 }, "cleaning"},
		{"correlation", func(c *Config) { c.Correlation.Threshold = decimal.NewFromInt(2) }, "correlation"},
		{"http addr", func(c *Config) { c.HTTP.Addr = "" }, "http"},
		{"redis addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis"},
		{"postgres dsn", func(c *Config) { c.Postgres.Enabled = true }, "postgres"},
		{"cron spec", func(c *Config) { c.Scheduler.SnapshotSpec = "every minute" }, "snapshot_spec"},
		{"ingest", func(c *Config) { c.Ingest.LogBurst = 0 }, "ingest"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(""))
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))

	path := writeFile(t, ".env", "POLYRISK_DOTENV_PROBE=loaded\n")
	t.Cleanup(func() { os.Unsetenv("POLYRISK_DOTENV_PROBE") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("POLYRISK_DOTENV_PROBE"))
}
