package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sawpanic/polyrisk/internal/config"
	applog "github.com/sawpanic/polyrisk/internal/log"
	"github.com/sawpanic/polyrisk/internal/net/ratelimit"
	"github.com/sawpanic/polyrisk/internal/persistence"
	"github.com/sawpanic/polyrisk/internal/pipeline"
	"github.com/sawpanic/polyrisk/internal/risk/correlation"
)

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON    bool
		anomalies string
	)
	cmd := &cobra.Command{
		Use:   "replay [file.csv]",
		Short: "Run recorded ticks through an offline pipeline",
		Long: `Reads market,unix_ts,price rows (a header row is optional) from a file or
stdin, screens them in file order and prints per-market statistics and the
resulting correlation matrix. The data clock follows the newest timestamp
seen, so rows arriving far behind it are reported as stale.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open replay file: %w", err)
				}
				defer f.Close()
				in = f
			}

			ticks, err := parseTicks(in)
			if err != nil {
				return err
			}

			var sink pipeline.AnomalySink
			if anomalies != "" {
				f, err := os.Create(anomalies)
				if err != nil {
					return fmt.Errorf("create anomaly file: %w", err)
				}
				defer f.Close()
				sink = &jsonlSink{enc: json.NewEncoder(f)}
			}

			var progressOut io.Writer
			if applog.IsTerminal(os.Stderr) {
				progressOut = os.Stderr
			}
			progress := applog.NewProgressIndicator(progressOut, "Replaying", len(ticks), 500)

			report := replay(cmd.Context(), opts.cfg, ticks, sink, progress)
			progress.Finish("done")

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return report.writeText(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().StringVar(&anomalies, "anomalies", "", "write one JSON anomaly record per line to this file")
	return cmd
}

// parseTicks reads market,unix_ts,price rows. A first row starting with
// "market" is treated as a header.
func parseTicks(in io.Reader) ([]pipeline.Tick, error) {
	r := csv.NewReader(in)
	r.Comment = '#'
	r.FieldsPerRecord = 3
	r.TrimLeadingSpace = true

	var ticks []pipeline.Tick
	for row := 1; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse replay csv: %w", err)
		}
		if row == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "market") {
			continue
		}

		market := strings.TrimSpace(rec[0])
		if market == "" {
			return nil, fmt.Errorf("row %d: empty market", row)
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid timestamp %q: %w", row, rec[1], err)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(rec[2]))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid price %q: %w", row, rec[2], err)
		}
		ticks = append(ticks, pipeline.Tick{Market: market, Price: price, Timestamp: time.Unix(secs, 0).UTC()})
	}
	return ticks, nil
}

// replayClock advances to the newest tick timestamp and never goes back.
type replayClock struct {
	now time.Time
}

func (c *replayClock) observe(t time.Time) {
	if t.After(c.now) {
		c.now = t
	}
}

func (c *replayClock) Now() time.Time { return c.now }

type replayReport struct {
	Ticks        int                             `json:"ticks"`
	Accepted     int                             `json:"accepted"`
	Rejected     int                             `json:"rejected"`
	Anomalies    map[string]int                  `json:"anomalies"`
	Markets      []pipeline.MarketStats          `json:"markets"`
	Threshold    decimal.Decimal                 `json:"threshold"`
	Correlations []correlation.MarketCorrelation `json:"correlations"`
}

func replay(ctx context.Context, cfg config.Config, ticks []pipeline.Tick, sink pipeline.AnomalySink, progress *applog.ProgressIndicator) replayReport {
	clock := &replayClock{}
	p := pipeline.New(cfg.Cleaning, cfg.Correlation, pipeline.Options{
		Sink:       sink,
		LogLimiter: ratelimit.NewLimiter(cfg.Ingest.LogPerSecond, cfg.Ingest.LogBurst),
		Clock:      clock.Now,
	})

	report := replayReport{Ticks: len(ticks), Anomalies: make(map[string]int)}
	for _, t := range ticks {
		clock.observe(t.Timestamp)
		out := p.IngestTick(ctx, t)
		if out.Accepted() {
			report.Accepted++
		} else {
			report.Rejected++
			for _, kind := range out.Result.Kinds() {
				report.Anomalies[string(kind)]++
			}
		}
		progress.Increment()
	}

	report.Markets = p.AllStats()
	report.Threshold = p.Threshold()
	report.Correlations = p.Matrix().All()
	log.Debug().Int("ticks", report.Ticks).Int("rejected", report.Rejected).Msg("Replay complete")
	return report
}

func (r replayReport) writeText(out io.Writer) error {
	fmt.Fprintf(out, "Ticks: %d  accepted: %d  rejected: %d\n", r.Ticks, r.Accepted, r.Rejected)
	if len(r.Anomalies) > 0 {
		kinds := make([]string, 0, len(r.Anomalies))
		for k := range r.Anomalies {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(out, "  %-20s %d\n", k, r.Anomalies[k])
		}
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nMARKET\tACCEPTED\tREJECTED\tMEAN\tSTDDEV\tLAST")
	for _, m := range r.Markets {
		last := "-"
		if m.Cleaner.LastPrice != nil {
			last = m.Cleaner.LastPrice.String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n", m.Market, m.Accepted, m.Rejected,
			m.Cleaner.Mean.StringFixed(4), m.Cleaner.StdDev.StringFixed(4), last)
	}

	fmt.Fprintf(tw, "\nPAIR\tCORRELATION\tSAMPLES\tCORRELATED (|r| >= %s)\n", r.Threshold)
	for _, c := range r.Correlations {
		correlated := c.Correlation.Abs().GreaterThanOrEqual(r.Threshold)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", c.Key(), c.Correlation.StringFixed(4), c.SampleCount, correlated)
	}
	return tw.Flush()
}

// jsonlSink writes anomaly records as JSON lines.
type jsonlSink struct {
	enc *json.Encoder
}

func (s *jsonlSink) Submit(_ context.Context, rec persistence.AnomalyRecord) error {
	return s.enc.Encode(rec)
}
