package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sawpanic/polyrisk/internal/data/validate"
)

func newFilterCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "filter [price...]",
		Short: "Drop outliers from a price list by median absolute deviation",
		Long: `Reads prices from the arguments, or one per line from stdin when no
arguments are given, and prints the prices within outlier-std-devs median
absolute deviations of the median, in input order.`,
		Example: "  polyrisk filter 0.50 0.51 0.49 0.95\n  cut -d, -f3 ticks.csv | polyrisk filter --outlier-std-devs 2",
		RunE: func(cmd *cobra.Command, args []string) error {
			prices, err := readPrices(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			kept := validate.FilterOutliers(prices, opts.cfg.Cleaning)
			out := cmd.OutOrStdout()
			for _, p := range kept {
				fmt.Fprintln(out, p.String())
			}

			log.Info().Int("input", len(prices)).Int("kept", len(kept)).Int("removed", len(prices)-len(kept)).Msg("Outlier filter complete")
			return nil
		},
	}
}

// readPrices parses args, or stdin lines when args is empty. Blank lines
// and lines starting with '#' are skipped.
func readPrices(args []string, in io.Reader) ([]decimal.Decimal, error) {
	if len(args) > 0 {
		prices := make([]decimal.Decimal, 0, len(args))
		for _, a := range args {
			p, err := decimal.NewFromString(a)
			if err != nil {
				return nil, fmt.Errorf("invalid price %q: %w", a, err)
			}
			prices = append(prices, p)
		}
		return prices, nil
	}

	var prices []decimal.Decimal
	scanner := bufio.NewScanner(in)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p, err := decimal.NewFromString(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid price %q: %w", line, text, err)
		}
		prices = append(prices, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prices: %w", err)
	}
	return prices, nil
}
