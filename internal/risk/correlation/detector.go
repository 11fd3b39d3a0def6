// Package correlation tracks price histories across markets and maintains
// a pairwise Pearson correlation cache used to dampen position sizes on
// correlated exposure.
package correlation

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Config controls correlation tracking.
type Config struct {
	Threshold  decimal.Decimal `yaml:"threshold" json:"threshold"`
	MaxHistory int             `yaml:"max_history" json:"max_history"`
	MinSamples int             `yaml:"min_samples" json:"min_samples"`
	// StaleAfter bounds the age of cached entries for EvictStale and
	// FreshCorrelation. Zero disables expiry.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:  decimal.RequireFromString("0.7"),
		MaxHistory: 100,
		MinSamples: 5,
	}
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	if c.Threshold.Sign() < 0 || c.Threshold.GreaterThan(one) {
		return fmt.Errorf("threshold must be within [0, 1], got %s", c.Threshold)
	}
	if c.MaxHistory < 2 {
		return fmt.Errorf("max_history must be at least 2, got %d", c.MaxHistory)
	}
	if c.MinSamples < 2 {
		return fmt.Errorf("min_samples must be at least 2, got %d", c.MinSamples)
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("stale_after must not be negative, got %s", c.StaleAfter)
	}
	return nil
}

// PricePoint is one observation in a market's history.
type PricePoint struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the clock used to stamp cache entries.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// Detector is not safe for concurrent use; callers serialise access.
type Detector struct {
	config    Config
	histories map[string][]PricePoint
	matrix    Matrix
	now       func() time.Time
}

// NewDetector creates a detector with the given config.
func NewDetector(config Config, opts ...Option) *Detector {
	d := &Detector{
		config:    config,
		histories: make(map[string][]PricePoint),
		matrix:    newMatrix(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewDefaultDetector creates a detector with DefaultConfig.
func NewDefaultDetector() *Detector {
	return NewDetector(DefaultConfig())
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.config
}

// AddPricePoint appends an observation to the market's history and
// recomputes its correlation against every other tracked market.
func (d *Detector) AddPricePoint(marketID string, price decimal.Decimal, ts time.Time) {
	history := append(d.histories[marketID], PricePoint{Price: price, Timestamp: ts})
	if limit := d.config.MaxHistory; limit > 0 && len(history) > limit {
		n := copy(history, history[len(history)-limit:])
		history = history[:n]
	}
	d.histories[marketID] = history

	d.updateCorrelations(marketID)
}

func (d *Detector) updateCorrelations(marketID string) {
	for other := range d.histories {
		if other == marketID {
			continue
		}
		d.computePair(marketID, other)
	}
}

// computePair intersects the two histories by unix second and caches the
// coefficient. Too few overlapping samples leave any previous entry as is.
func (d *Detector) computePair(a, b string) {
	pricesA := byTimestamp(d.histories[a])
	pricesB := byTimestamp(d.histories[b])

	keys := make([]int64, 0, len(pricesA))
	for ts := range pricesA {
		if _, ok := pricesB[ts]; ok {
			keys = append(keys, ts)
		}
	}
	if len(keys) < d.minSamples() {
		return
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	pairs := make([]pair, len(keys))
	for i, ts := range keys {
		pairs[i] = pair{x: pricesA[ts], y: pricesB[ts]}
	}

	key := MakeKey(a, b)
	d.matrix.correlations[key] = MarketCorrelation{
		MarketA:     key.A,
		MarketB:     key.B,
		Correlation: pearson(pairs),
		SampleCount: len(pairs),
		LastUpdate:  d.now(),
	}
}

func (d *Detector) minSamples() int {
	if d.config.MinSamples > 0 {
		return d.config.MinSamples
	}
	return DefaultConfig().MinSamples
}

// byTimestamp maps unix seconds to price; a later point at the same second
// wins.
func byTimestamp(points []PricePoint) map[int64]decimal.Decimal {
	m := make(map[int64]decimal.Decimal, len(points))
	for _, p := range points {
		m[p.Timestamp.Unix()] = p.Price
	}
	return m
}

// Correlation returns the cached coefficient for a pair in either order.
func (d *Detector) Correlation(a, b string) (decimal.Decimal, bool) {
	mc, ok := d.matrix.Get(a, b)
	if !ok {
		return decimal.Zero, false
	}
	return mc.Correlation, true
}

// FreshCorrelation is Correlation restricted to entries updated within
// StaleAfter of now.
func (d *Detector) FreshCorrelation(a, b string, now time.Time) (decimal.Decimal, bool) {
	mc, ok := d.matrix.Get(a, b)
	if !ok || d.isStale(mc, now) {
		return decimal.Zero, false
	}
	return mc.Correlation, true
}

// AreCorrelated reports |r| >= Threshold. Unknown pairs are uncorrelated.
func (d *Detector) AreCorrelated(a, b string) bool {
	r, ok := d.Correlation(a, b)
	if !ok {
		return false
	}
	return r.Abs().GreaterThanOrEqual(d.config.Threshold)
}

// Penalty returns a size multiplier in [0.5, 1] for opening candidate
// alongside existing positions. The strongest absolute correlation above
// Threshold scales the size down by half of its magnitude.
func (d *Detector) Penalty(candidate string, existing []string) decimal.Decimal {
	if len(existing) == 0 {
		return one
	}

	maxCorr := decimal.Zero
	for _, market := range existing {
		r, _ := d.Correlation(candidate, market)
		if abs := r.Abs(); abs.GreaterThan(maxCorr) {
			maxCorr = abs
		}
	}

	if maxCorr.GreaterThan(d.config.Threshold) {
		return one.Sub(maxCorr.Mul(half))
	}
	return one
}

// CorrelatedMarkets lists cached entries touching marketID with
// |r| >= Threshold, ordered by pair key.
func (d *Detector) CorrelatedMarkets(marketID string) []MarketCorrelation {
	var out []MarketCorrelation
	for key, mc := range d.matrix.correlations {
		if !key.Contains(marketID) {
			continue
		}
		if mc.Correlation.Abs().GreaterThanOrEqual(d.config.Threshold) {
			out = append(out, mc)
		}
	}
	sortEntries(out)
	return out
}

// Matrix returns a copy of the correlation cache.
func (d *Detector) Matrix() Matrix {
	return d.matrix.clone()
}

// PairCount returns the number of cached pairs without copying the matrix.
func (d *Detector) PairCount() int {
	return d.matrix.Len()
}

// Markets returns the tracked market ids in sorted order.
func (d *Detector) Markets() []string {
	out := make([]string, 0, len(d.histories))
	for m := range d.histories {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// HistoryLen returns the number of points held for a market.
func (d *Detector) HistoryLen(marketID string) int {
	return len(d.histories[marketID])
}

// RemoveMarket drops a market's history and every cache entry touching it.
func (d *Detector) RemoveMarket(marketID string) {
	delete(d.histories, marketID)
	for key := range d.matrix.correlations {
		if key.Contains(marketID) {
			delete(d.matrix.correlations, key)
		}
	}
}

// EvictStale drops cache entries older than StaleAfter and returns how many
// were removed. It is a no-op when StaleAfter is zero.
func (d *Detector) EvictStale(now time.Time) int {
	if d.config.StaleAfter <= 0 {
		return 0
	}
	removed := 0
	for key, mc := range d.matrix.correlations {
		if d.isStale(mc, now) {
			delete(d.matrix.correlations, key)
			removed++
		}
	}
	return removed
}

func (d *Detector) isStale(mc MarketCorrelation, now time.Time) bool {
	if d.config.StaleAfter <= 0 {
		return false
	}
	return now.Sub(mc.LastUpdate) > d.config.StaleAfter
}

// Restore loads persisted entries into the cache, canonicalising their
// keys. Existing entries for the same pair are overwritten; histories are
// untouched.
func (d *Detector) Restore(entries []MarketCorrelation) {
	for _, mc := range entries {
		if mc.MarketA == "" || mc.MarketB == "" || mc.MarketA == mc.MarketB {
			continue
		}
		key := MakeKey(mc.MarketA, mc.MarketB)
		mc.MarketA, mc.MarketB = key.A, key.B
		d.matrix.correlations[key] = mc
	}
}
