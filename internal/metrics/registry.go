package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick and quote results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// Registry holds the service's Prometheus metrics on a private registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	Ticks            *prometheus.CounterVec
	Anomalies        *prometheus.CounterVec
	Quotes           *prometheus.CounterVec
	CorrelationPairs prometheus.Gauge
	TrackedMarkets   prometheus.Gauge
	Penalty          prometheus.Histogram
	ValidateDuration prometheus.Histogram
	PersistErrors    *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
}

// NewRegistry creates and registers all metrics. Process and Go runtime
// collectors are included when withRuntime is set.
func NewRegistry(withRuntime bool) *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyrisk_ticks_total",
				Help: "Price ticks screened, by result",
			},
			[]string{"result"},
		),

		Anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyrisk_anomalies_total",
				Help: "Anomalies detected, by kind",
			},
			[]string{"kind"},
		),

		Quotes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyrisk_quotes_total",
				Help: "Bid/ask quotes screened, by result",
			},
			[]string{"result"},
		),

		CorrelationPairs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyrisk_correlation_pairs",
				Help: "Market pairs with a cached correlation",
			},
		),

		TrackedMarkets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyrisk_tracked_markets",
				Help: "Markets with price history",
			},
		),

		Penalty: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "polyrisk_correlation_penalty",
				Help:    "Correlation penalties handed out to sizing requests",
				Buckets: []float64{0.5, 0.6, 0.7, 0.8, 0.9, 0.99, 1.0},
			},
		),

		ValidateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "polyrisk_validate_duration_seconds",
				Help:    "Time spent validating a tick and updating correlations",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),

		PersistErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyrisk_persist_errors_total",
				Help: "Failed writes to an external sink",
			},
			[]string{"sink"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polyrisk_breaker_open",
				Help: "1 while a sink's circuit breaker is open",
			},
			[]string{"sink"},
		),
	}

	m.reg.MustRegister(
		m.Ticks,
		m.Anomalies,
		m.Quotes,
		m.CorrelationPairs,
		m.TrackedMarkets,
		m.Penalty,
		m.ValidateDuration,
		m.PersistErrors,
		m.BreakerState,
	)
	if withRuntime {
		m.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return m
}

// Gatherer exposes the underlying registry for tests and custom handlers.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RecordTick counts a screened tick and its anomalies.
func (m *Registry) RecordTick(accepted bool, anomalyKinds []string, took time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(result(accepted)).Inc()
	for _, kind := range anomalyKinds {
		m.Anomalies.WithLabelValues(kind).Inc()
	}
	m.ValidateDuration.Observe(took.Seconds())
}

// RecordQuote counts a screened quote and its anomalies.
func (m *Registry) RecordQuote(accepted bool, anomalyKinds []string) {
	if m == nil {
		return
	}
	m.Quotes.WithLabelValues(result(accepted)).Inc()
	for _, kind := range anomalyKinds {
		m.Anomalies.WithLabelValues(kind).Inc()
	}
}

// SetCorrelationState updates the detector gauges.
func (m *Registry) SetCorrelationState(markets, pairs int) {
	if m == nil {
		return
	}
	m.TrackedMarkets.Set(float64(markets))
	m.CorrelationPairs.Set(float64(pairs))
}

func (m *Registry) ObservePenalty(p float64) {
	if m == nil {
		return
	}
	m.Penalty.Observe(p)
}

func (m *Registry) RecordPersistError(sink string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(sink).Inc()
}

// SetBreakerState records a breaker transition; to is the gobreaker state
// name.
func (m *Registry) SetBreakerState(sink, to string) {
	if m == nil {
		return
	}
	v := 0.0
	if to == "open" {
		v = 1
	}
	m.BreakerState.WithLabelValues(sink).Set(v)
}

func result(accepted bool) string {
	if accepted {
		return ResultAccepted
	}
	return ResultRejected
}
