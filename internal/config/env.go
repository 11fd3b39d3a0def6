package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLYRISK_"

// binding ties one setting to a flag name and an environment variable.
type binding struct {
	flag  string
	usage string
	get   func(*Config) string
	set   func(*Config, string) error
}

func (b binding) env() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(b.flag, "-", "_"))
}

var bindings = []binding{
	str("log-level", "log level (debug, info, warn, error)", func(c *Config) *string { return &c.Log.Level }),
	str("log-format", "log format (auto, console, json)", func(c *Config) *string { return &c.Log.Format }),
	str("http-addr", "HTTP listen address", func(c *Config) *string { return &c.HTTP.Addr }),
	dur("http-request-timeout", "per-request handler timeout", func(c *Config) *time.Duration { return &c.HTTP.RequestTimeout }),

	dec("max-price-change-pct", "largest accepted single-step price move, percent", func(c *Config) *decimal.Decimal { return &c.Cleaning.MaxPriceChangePct }),
	dec("min-price", "lowest accepted price", func(c *Config) *decimal.Decimal { return &c.Cleaning.MinPrice }),
	dec("max-price", "highest accepted price", func(c *Config) *decimal.Decimal { return &c.Cleaning.MaxPrice }),
	dec("max-spread-pct", "widest accepted bid/ask spread, percent of ask", func(c *Config) *decimal.Decimal { return &c.Cleaning.MaxSpreadPct }),
	integer("ma-window-size", "rolling window for outlier statistics", func(c *Config) *int { return &c.Cleaning.MAWindowSize }),
	dec("outlier-std-devs", "standard deviations beyond which a price is an outlier", func(c *Config) *decimal.Decimal { return &c.Cleaning.OutlierStdDevs }),
	int64Setting("max-data-age-secs", "age in seconds after which a tick is stale", func(c *Config) *int64 { return &c.Cleaning.MaxDataAgeSecs }),

	dec("correlation-threshold", "absolute correlation treated as correlated", func(c *Config) *decimal.Decimal { return &c.Correlation.Threshold }),
	integer("correlation-max-history", "price points kept per market", func(c *Config) *int { return &c.Correlation.MaxHistory }),
	dur("correlation-stale-after", "age after which cached correlations are evicted (0 disables)", func(c *Config) *time.Duration { return &c.Correlation.StaleAfter }),

	integer("max-open-positions", "position count at which sizing blocks", func(c *Config) *int { return &c.Sizing.MaxOpenPositions }),
	dec("max-position-pct", "largest position as a fraction of balance", func(c *Config) *decimal.Decimal { return &c.Sizing.MaxPositionPct }),

	boolean("redis-enabled", "persist snapshots to Redis", func(c *Config) *bool { return &c.Redis.Enabled }),
	str("redis-addr", "Redis address", func(c *Config) *string { return &c.Redis.Addr }),
	str("redis-password", "Redis password", func(c *Config) *string { return &c.Redis.Password }),
	boolean("postgres-enabled", "write anomalies to Postgres", func(c *Config) *bool { return &c.Postgres.Enabled }),
	str("postgres-dsn", "Postgres connection string", func(c *Config) *string { return &c.Postgres.DSN }),
	boolean("scheduler-enabled", "run snapshot and eviction jobs", func(c *Config) *bool { return &c.Scheduler.Enabled }),
}

// ApplyEnv overrides settings from POLYRISK_* variables, e.g.
// POLYRISK_HTTP_ADDR or POLYRISK_MAX_DATA_AGE_SECS.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range bindings {
		v, ok := lookup(b.env())
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.env(), err))
		}
	}
	return errors.Join(errs...)
}

// BindFlags registers one flag per setting, defaulting to the current
// values of c. Call ApplyFlags after parsing to copy explicitly set flags
// over a loaded config.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	for _, b := range bindings {
		fs.String(b.flag, b.get(c), b.usage)
	}
}

// ApplyFlags copies flags that were set on the command line into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		for _, b := range bindings {
			if b.flag != f.Name {
				continue
			}
			if err := b.set(c, f.Value.String()); err != nil {
				errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

func str(flag, usage string, field func(*Config) *string) binding {
	return binding{
		flag: flag, usage: usage,
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func dec(flag, usage string, field func(*Config) *decimal.Decimal) binding {
	return binding{
		flag: flag, usage: usage,
		get: func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return fmt.Errorf("invalid decimal %q", v)
			}
			*field(c) = d
			return nil
		},
	}
}

func integer(flag, usage string, field func(*Config) *int) binding {
	return binding{
		flag: flag, usage: usage,
		get: func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer %q", v)
			}
			*field(c) = n
			return nil
		},
	}
}

func int64Setting(flag, usage string, field func(*Config) *int64) binding {
	return binding{
		flag: flag, usage: usage,
		get: func(c *Config) string { return strconv.FormatInt(*field(c), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer %q", v)
			}
			*field(c) = n
			return nil
		},
	}
}

func dur(flag, usage string, field func(*Config) *time.Duration) binding {
	return binding{
		flag: flag, usage: usage,
		get: func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration %q", v)
			}
			*field(c) = d
			return nil
		},
	}
}

func boolean(flag, usage string, field func(*Config) *bool) binding {
	return binding{
		flag: flag, usage: usage,
		get: func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", v)
			}
			*field(c) = b
			return nil
		},
	}
}
