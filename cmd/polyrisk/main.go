package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/polyrisk/internal/config"
	applog "github.com/sawpanic/polyrisk/internal/log"
)

const appName = "polyrisk"

// version is set at build time with -ldflags "-X main.version=...".
var version = "v0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions carries the configuration resolved before any subcommand runs.
type rootOptions struct {
	configPath string
	envFile    string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Tick data-quality screening and correlation risk for prediction markets",
		Version: version,
		Long: `polyrisk screens prediction-market price ticks for bad data and tracks
rolling correlations between markets, so position sizing can be cut when a
new position would add correlated exposure.`,
		SilenceUsage:      true,
		PersistentPreRunE: opts.load,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before POLYRISK_* overrides")
	defaults := config.Default()
	defaults.BindFlags(pf)

	rootCmd.AddCommand(
		newServeCmd(opts),
		newFilterCmd(opts),
		newReplayCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// load resolves configuration: defaults, then YAML, then the environment
// (including the dotenv file), then explicitly set flags.
func (o *rootOptions) load(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return err
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("flag overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := applog.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	o.cfg = cfg
	log.Debug().Str("config", o.configPath).Msg("Configuration loaded")
	return nil
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			if err := config.Save(opts.cfg, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "destination file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Skip config loading so version works with a broken environment.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
}
