// Package validate screens incoming price ticks and bid/ask quotes for a
// single stream. A DataCleaner is a synchronous state machine with no locks:
// each instance must have exactly one writer.
package validate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/polyrisk/internal/domain/numeric"
)

var hundred = decimal.NewFromInt(100)

// PricePoint is an accepted price held in the rolling history
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// CleanerStats is a point-in-time snapshot of a cleaner's rolling window
type CleanerStats struct {
	HistorySize int              `json:"history_size"`
	Mean        decimal.Decimal  `json:"mean"`
	StdDev      decimal.Decimal  `json:"std_dev"`
	LastPrice   *decimal.Decimal `json:"last_price,omitempty"`
}

// DataCleaner validates one stream of prices against bounds, spikes,
// rolling statistics and staleness.
type DataCleaner struct {
	config         CleaningConfig
	history        []PricePoint // FIFO, at most config.HistoryCap() entries
	lastValidPrice *decimal.Decimal
	now            func() time.Time
}

// CleanerOption customises a DataCleaner
type CleanerOption func(*DataCleaner)

// WithClock overrides the wall clock used for staleness checks.
func WithClock(now func() time.Time) CleanerOption {
	return func(dc *DataCleaner) {
		if now != nil {
			dc.now = now
		}
	}
}

// NewDataCleaner creates a cleaner with an empty history.
func NewDataCleaner(config CleaningConfig, opts ...CleanerOption) *DataCleaner {
	dc := &DataCleaner{
		config:  config,
		history: make([]PricePoint, 0, config.HistoryCap()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(dc)
	}
	return dc
}

// NewDefaultCleaner creates a cleaner with DefaultCleaningConfig.
func NewDefaultCleaner(opts ...CleanerOption) *DataCleaner {
	return NewDataCleaner(DefaultCleaningConfig(), opts...)
}

// Config returns the cleaner's configuration.
func (dc *DataCleaner) Config() CleaningConfig {
	return dc.config
}

// ValidatePrice screens a single price. Every check runs; anomalies are
// reported in the order bounds, spike, statistical outlier, staleness.
// Only valid prices enter the history.
func (dc *DataCleaner) ValidatePrice(price decimal.Decimal, timestamp time.Time) ValidationResult {
	var anomalies []Anomaly

	if price.LessThan(dc.config.MinPrice) || price.GreaterThan(dc.config.MaxPrice) {
		anomalies = append(anomalies, OutOfBounds{
			Value: price,
			Min:   dc.config.MinPrice,
			Max:   dc.config.MaxPrice,
		})
	}

	if dc.lastValidPrice != nil && dc.lastValidPrice.Sign() > 0 {
		last := *dc.lastValidPrice
		changePct := price.Sub(last).Abs().Div(last).Mul(hundred)
		if changePct.GreaterThan(dc.config.MaxPriceChangePct) {
			anomalies = append(anomalies, PriceSpike{Old: last, New: price, ChangePct: changePct})
		}
	}

	if outlier, ok := dc.checkStatisticalOutlier(price); ok {
		anomalies = append(anomalies, outlier)
	}

	if stale, ok := checkStaleness(timestamp, dc.now(), dc.config.MaxDataAgeSecs); ok {
		anomalies = append(anomalies, stale)
	}

	result := resultFrom(anomalies)
	if result.IsValid {
		dc.updateHistory(price, timestamp)
		return result
	}

	cleaned := dc.suggestCleanedValue(price)
	result.CleanedValue = &cleaned
	return result
}

// ValidateBidAsk screens a quote. It reads configuration only and never
// suggests a cleaned value.
func (dc *DataCleaner) ValidateBidAsk(bid, ask decimal.Decimal, timestamp time.Time) ValidationResult {
	var anomalies []Anomaly

	if bid.Sign() <= 0 {
		anomalies = append(anomalies, InvalidValue{Value: bid, Reason: "bid must be positive"})
	}
	if ask.Sign() <= 0 {
		anomalies = append(anomalies, InvalidValue{Value: ask, Reason: "ask must be positive"})
	}

	if bid.GreaterThanOrEqual(ask) {
		anomalies = append(anomalies, InvalidBidAsk{Bid: bid, Ask: ask})
	}

	if ask.Sign() > 0 {
		spreadPct := ask.Sub(bid).Div(ask).Mul(hundred)
		if spreadPct.GreaterThan(dc.config.MaxSpreadPct) {
			anomalies = append(anomalies, WideSpread{SpreadPct: spreadPct, Threshold: dc.config.MaxSpreadPct})
		}
	}

	for _, v := range []decimal.Decimal{bid, ask} {
		if v.LessThan(dc.config.MinPrice) || v.GreaterThan(dc.config.MaxPrice) {
			anomalies = append(anomalies, OutOfBounds{Value: v, Min: dc.config.MinPrice, Max: dc.config.MaxPrice})
		}
	}

	if stale, ok := checkStaleness(timestamp, dc.now(), dc.config.MaxDataAgeSecs); ok {
		anomalies = append(anomalies, stale)
	}

	return resultFrom(anomalies)
}

// checkStatisticalOutlier only fires once the window is populated and the
// window has non-zero dispersion.
func (dc *DataCleaner) checkStatisticalOutlier(price decimal.Decimal) (StatisticalOutlier, bool) {
	if len(dc.history) < dc.config.MAWindowSize {
		return StatisticalOutlier{}, false
	}

	mean, stdDev := dc.calculateStats()
	if stdDev.Sign() <= 0 {
		return StatisticalOutlier{}, false
	}

	zScore := price.Sub(mean).Abs().Div(stdDev)
	if zScore.GreaterThan(dc.config.OutlierStdDevs) {
		return StatisticalOutlier{Value: price, Mean: mean, StdDev: stdDev}, true
	}
	return StatisticalOutlier{}, false
}

// calculateStats recomputes the population mean and standard deviation of
// the whole history, O(len(history)).
func (dc *DataCleaner) calculateStats() (decimal.Decimal, decimal.Decimal) {
	if len(dc.history) == 0 {
		return decimal.Zero, decimal.Zero
	}
	prices := make([]decimal.Decimal, len(dc.history))
	for i, p := range dc.history {
		prices[i] = p.Price
	}
	mean := numeric.Mean(prices)
	return mean, numeric.PopulationStdDev(prices, mean)
}

func (dc *DataCleaner) updateHistory(price decimal.Decimal, timestamp time.Time) {
	dc.history = append(dc.history, PricePoint{Price: price, Timestamp: timestamp})
	if limit := dc.config.HistoryCap(); len(dc.history) > limit {
		n := copy(dc.history, dc.history[len(dc.history)-limit:])
		dc.history = dc.history[:n]
	}
	p := price
	dc.lastValidPrice = &p
}

// suggestCleanedValue clamps the price into bounds, then prefers the rolling
// mean when the raw price is further from it than the clamp, or whenever the
// window is fully populated.
func (dc *DataCleaner) suggestCleanedValue(price decimal.Decimal) decimal.Decimal {
	clamped := numeric.Clamp(price, dc.config.MinPrice, dc.config.MaxPrice)
	if len(dc.history) == 0 {
		return clamped
	}

	mean, _ := dc.calculateStats()
	if price.Sub(mean).Abs().GreaterThan(clamped.Sub(mean).Abs()) {
		return mean
	}
	if len(dc.history) >= dc.config.MAWindowSize {
		return mean
	}
	return clamped
}

// Reset clears the history and the last valid price, e.g. when the cleaner
// is reassigned to another instrument.
func (dc *DataCleaner) Reset() {
	dc.history = dc.history[:0]
	dc.lastValidPrice = nil
}

// Stats returns a snapshot of the rolling window.
func (dc *DataCleaner) Stats() CleanerStats {
	mean, stdDev := dc.calculateStats()
	stats := CleanerStats{
		HistorySize: len(dc.history),
		Mean:        mean,
		StdDev:      stdDev,
	}
	if dc.lastValidPrice != nil {
		last := *dc.lastValidPrice
		stats.LastPrice = &last
	}
	return stats
}

// HistoryLen returns the number of accepted points currently retained.
func (dc *DataCleaner) HistoryLen() int {
	return len(dc.history)
}

// History returns a copy of the retained points, oldest first.
func (dc *DataCleaner) History() []PricePoint {
	out := make([]PricePoint, len(dc.history))
	copy(out, dc.history)
	return out
}
