// Package pipeline routes market data through per-market cleaners and a
// shared correlation detector, and fans rejected ticks out to metrics, logs
// and the anomaly sink.
package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/polyrisk/internal/data/validate"
	"github.com/sawpanic/polyrisk/internal/metrics"
	"github.com/sawpanic/polyrisk/internal/net/ratelimit"
	"github.com/sawpanic/polyrisk/internal/persistence"
	"github.com/sawpanic/polyrisk/internal/risk/correlation"
)

// Tick is a single traded or mid price observation.
type Tick struct {
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Quote is a top-of-book observation.
type Quote struct {
	Market    string          `json:"market"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Outcome is the result of screening one tick or quote.
type Outcome struct {
	Market string                    `json:"market"`
	Result validate.ValidationResult `json:"result"`
}

// Accepted reports whether the observation passed every check.
func (o Outcome) Accepted() bool {
	return o.Result.IsValid
}

// AnomalySink receives one record per anomaly of a rejected observation.
// Submit must not block on I/O.
type AnomalySink interface {
	Submit(ctx context.Context, rec persistence.AnomalyRecord) error
}

// Options wires optional collaborators. Zero values disable them.
type Options struct {
	Metrics *metrics.Registry
	Sink    AnomalySink
	// LogLimiter bounds rejection warnings per market.
	LogLimiter *ratelimit.Limiter
	Clock      func() time.Time
}

// MarketStats summarises one market's stream.
type MarketStats struct {
	Market         string                `json:"market"`
	Cleaner        validate.CleanerStats `json:"cleaner"`
	Accepted       uint64                `json:"accepted"`
	Rejected       uint64                `json:"rejected"`
	RejectionRate  float64               `json:"rejection_rate"`
	LastRejectedAt *time.Time            `json:"last_rejected_at,omitempty"`
}

type cleanerEntry struct {
	mu           sync.Mutex
	cleaner      *validate.DataCleaner
	accepted     uint64
	rejected     uint64
	lastRejected time.Time
}

func (e *cleanerEntry) stats(market string) MarketStats {
	s := MarketStats{
		Market:   market,
		Cleaner:  e.cleaner.Stats(),
		Accepted: e.accepted,
		Rejected: e.rejected,
	}
	if total := e.accepted + e.rejected; total > 0 {
		s.RejectionRate = float64(e.rejected) / float64(total)
	}
	if !e.lastRejected.IsZero() {
		t := e.lastRejected
		s.LastRejectedAt = &t
	}
	return s
}

// Pipeline is safe for concurrent use. Each market's cleaner has a single
// writer at a time; the detector is shared behind a read/write lock. Lock
// order is cleaner entry before detector.
type Pipeline struct {
	cleaning validate.CleaningConfig

	mu       sync.Mutex
	cleaners map[string]*cleanerEntry

	detMu    sync.RWMutex
	detector *correlation.Detector

	metrics *metrics.Registry
	sink    AnomalySink
	limiter *ratelimit.Limiter
	now     func() time.Time
}

// New creates a pipeline. Cleaners are created lazily per market with
// the shared cleaning config.
func New(cleaning validate.CleaningConfig, corr correlation.Config, opts Options) *Pipeline {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		cleaning: cleaning,
		cleaners: make(map[string]*cleanerEntry),
		detector: correlation.NewDetector(corr, correlation.WithClock(now)),
		metrics:  opts.Metrics,
		sink:     opts.Sink,
		limiter:  opts.LogLimiter,
		now:      now,
	}
}

func (p *Pipeline) entry(market string) *cleanerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.cleaners[market]
	if !ok {
		e = &cleanerEntry{cleaner: validate.NewDataCleaner(p.cleaning, validate.WithClock(p.now))}
		p.cleaners[market] = e
	}
	return e
}

func (p *Pipeline) lookup(market string) (*cleanerEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.cleaners[market]
	return e, ok
}

// IngestTick screens a price tick. Accepted prices feed the correlation
// detector; rejected ones never do.
func (p *Pipeline) IngestTick(ctx context.Context, t Tick) Outcome {
	if t.Market == "" {
		return Outcome{Result: validate.ValidateRequiredFields(validate.Present("market", false))}
	}

	start := time.Now()
	e := p.entry(t.Market)

	e.mu.Lock()
	result := e.cleaner.ValidatePrice(t.Price, t.Timestamp)
	if result.IsValid {
		e.accepted++
		p.detMu.Lock()
		p.detector.AddPricePoint(t.Market, t.Price, t.Timestamp)
		markets, pairs := len(p.detector.Markets()), p.detector.PairCount()
		p.detMu.Unlock()
		p.metrics.SetCorrelationState(markets, pairs)
	} else {
		e.rejected++
		e.lastRejected = p.now()
	}
	e.mu.Unlock()

	p.metrics.RecordTick(result.IsValid, kindNames(result), time.Since(start))
	if !result.IsValid {
		p.reject(ctx, t.Market, t.Price, t.Timestamp, result)
	}
	return Outcome{Market: t.Market, Result: result}
}

// IngestQuote screens a bid/ask pair. Quotes never touch the price history.
func (p *Pipeline) IngestQuote(ctx context.Context, q Quote) Outcome {
	if q.Market == "" {
		return Outcome{Result: validate.ValidateRequiredFields(validate.Present("market", false))}
	}

	e := p.entry(q.Market)
	e.mu.Lock()
	result := e.cleaner.ValidateBidAsk(q.Bid, q.Ask, q.Timestamp)
	e.mu.Unlock()

	p.metrics.RecordQuote(result.IsValid, kindNames(result))
	if !result.IsValid {
		p.reject(ctx, q.Market, q.Bid, q.Timestamp, result)
	}
	return Outcome{Market: q.Market, Result: result}
}

func (p *Pipeline) reject(ctx context.Context, market string, price decimal.Decimal, observedAt time.Time, result validate.ValidationResult) {
	if p.limiter == nil || p.limiter.Allow(market) {
		ev := log.Warn().
			Str("market", market).
			Str("price", price.String()).
			Strs("anomalies", kindNames(result))
		if p.limiter != nil {
			ev = ev.Uint64("suppressed", p.limiter.TakeSuppressed(market))
		}
		ev.Msg("Market data rejected")
	}

	if p.sink == nil {
		return
	}
	for _, rec := range Records(market, price, observedAt, result) {
		if err := p.sink.Submit(ctx, rec); err != nil {
			p.metrics.RecordPersistError("anomaly_sink")
			log.Debug().Err(err).Str("market", market).Msg("Anomaly record dropped")
		}
	}
}

// Records converts a rejected result into audit records, one per anomaly.
func Records(market string, price decimal.Decimal, observedAt time.Time, result validate.ValidationResult) []persistence.AnomalyRecord {
	recs := make([]persistence.AnomalyRecord, 0, len(result.Anomalies))
	for _, a := range result.Anomalies {
		detail, _ := json.Marshal(a)
		recs = append(recs, persistence.AnomalyRecord{
			Market:       market,
			Kind:         string(a.Kind()),
			Detail:       detail,
			Price:        price,
			CleanedValue: result.CleanedValue,
			ObservedAt:   observedAt,
		})
	}
	return recs
}

func kindNames(result validate.ValidationResult) []string {
	kinds := result.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// Stats returns a market's stream statistics.
func (p *Pipeline) Stats(market string) (MarketStats, bool) {
	e, ok := p.lookup(market)
	if !ok {
		return MarketStats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats(market), true
}

// AllStats returns statistics for every market, sorted by market id.
func (p *Pipeline) AllStats() []MarketStats {
	p.mu.Lock()
	entries := make(map[string]*cleanerEntry, len(p.cleaners))
	for m, e := range p.cleaners {
		entries[m] = e
	}
	p.mu.Unlock()

	out := make([]MarketStats, 0, len(entries))
	for m, e := range entries {
		e.mu.Lock()
		out = append(out, e.stats(m))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// CleanerStats returns the cleaner statistics keyed by market, the shape
// persisted by snapshot stores.
func (p *Pipeline) CleanerStats() map[string]validate.CleanerStats {
	all := p.AllStats()
	out := make(map[string]validate.CleanerStats, len(all))
	for _, s := range all {
		out[s.Market] = s.Cleaner
	}
	return out
}

// Correlation returns the cached coefficient for a pair.
func (p *Pipeline) Correlation(a, b string) (decimal.Decimal, bool) {
	p.detMu.RLock()
	defer p.detMu.RUnlock()
	return p.detector.Correlation(a, b)
}

// AreCorrelated reports |r| >= threshold for a cached pair.
func (p *Pipeline) AreCorrelated(a, b string) bool {
	p.detMu.RLock()
	defer p.detMu.RUnlock()
	return p.detector.AreCorrelated(a, b)
}

// Penalty implements risk.Penalizer.
func (p *Pipeline) Penalty(candidate string, existing []string) decimal.Decimal {
	p.detMu.RLock()
	penalty := p.detector.Penalty(candidate, existing)
	p.detMu.RUnlock()

	p.metrics.ObservePenalty(penalty.InexactFloat64())
	return penalty
}

// CorrelatedMarkets lists cached pairs touching market above threshold.
func (p *Pipeline) CorrelatedMarkets(market string) []correlation.MarketCorrelation {
	p.detMu.RLock()
	defer p.detMu.RUnlock()
	return p.detector.CorrelatedMarkets(market)
}

// Matrix returns a snapshot of the correlation cache.
func (p *Pipeline) Matrix() correlation.Matrix {
	p.detMu.RLock()
	defer p.detMu.RUnlock()
	return p.detector.Matrix()
}

// Threshold returns the configured correlation threshold.
func (p *Pipeline) Threshold() decimal.Decimal {
	p.detMu.RLock()
	defer p.detMu.RUnlock()
	return p.detector.Config().Threshold
}

// ResetMarket discards a market's cleaner state, price history and
// correlations, e.g. after a symbol switch. It reports whether the market
// was known.
func (p *Pipeline) ResetMarket(market string) bool {
	p.mu.Lock()
	_, known := p.cleaners[market]
	delete(p.cleaners, market)
	p.mu.Unlock()

	p.detMu.Lock()
	tracked := p.detector.HistoryLen(market) > 0
	p.detector.RemoveMarket(market)
	markets, pairs := len(p.detector.Markets()), p.detector.PairCount()
	p.detMu.Unlock()

	if p.limiter != nil {
		p.limiter.Forget(market)
	}
	p.metrics.SetCorrelationState(markets, pairs)
	return known || tracked
}

// EvictStale drops correlations older than the configured StaleAfter.
func (p *Pipeline) EvictStale(now time.Time) int {
	p.detMu.Lock()
	n := p.detector.EvictStale(now)
	markets, pairs := len(p.detector.Markets()), p.detector.PairCount()
	p.detMu.Unlock()

	p.metrics.SetCorrelationState(markets, pairs)
	return n
}

// RestoreMatrix loads persisted correlations into the detector cache.
func (p *Pipeline) RestoreMatrix(entries []correlation.MarketCorrelation) {
	p.detMu.Lock()
	p.detector.Restore(entries)
	markets, pairs := len(p.detector.Markets()), p.detector.PairCount()
	p.detMu.Unlock()

	p.metrics.SetCorrelationState(markets, pairs)
}

// SnapshotWriter is the write half of a snapshot store.
type SnapshotWriter interface {
	SaveStats(ctx context.Context, stats map[string]validate.CleanerStats) error
	SaveMatrix(ctx context.Context, matrix []correlation.MarketCorrelation) error
}

// SnapshotReader is the read half of a snapshot store.
type SnapshotReader interface {
	LoadMatrix(ctx context.Context) ([]correlation.MarketCorrelation, error)
}

// Snapshot writes cleaner statistics and the correlation matrix to w.
func (p *Pipeline) Snapshot(ctx context.Context, w SnapshotWriter) error {
	if err := w.SaveStats(ctx, p.CleanerStats()); err != nil {
		p.metrics.RecordPersistError("snapshot")
		return err
	}
	if err := w.SaveMatrix(ctx, p.Matrix().All()); err != nil {
		p.metrics.RecordPersistError("snapshot")
		return err
	}
	return nil
}

// Warm restores the correlation matrix from r and returns the number of
// restored pairs.
func (p *Pipeline) Warm(ctx context.Context, r SnapshotReader) (int, error) {
	entries, err := r.LoadMatrix(ctx)
	if err != nil {
		return 0, err
	}
	p.RestoreMatrix(entries)
	return len(entries), nil
}
