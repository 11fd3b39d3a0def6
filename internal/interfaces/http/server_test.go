package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/polyrisk/internal/config"
	"github.com/sawpanic/polyrisk/internal/data/validate"
	"github.com/sawpanic/polyrisk/internal/interfaces/http/handlers"
	"github.com/sawpanic/polyrisk/internal/metrics"
	"github.com/sawpanic/polyrisk/internal/persistence"
	"github.com/sawpanic/polyrisk/internal/pipeline"
	"github.com/sawpanic/polyrisk/internal/risk"
	"github.com/sawpanic/polyrisk/internal/risk/correlation"
	"github.com/sawpanic/polyrisk/internal/scheduler"
)

var fixedNow = time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC)

type fakeRepo struct {
	records []persistence.AnomalyRecord
	counts  map[string]int64
	err     error

	gotMarket string
	gotRange  persistence.TimeRange
	gotLimit  int
}

func (f *fakeRepo) Insert(context.Context, persistence.AnomalyRecord) error        { return f.err }
func (f *fakeRepo) InsertBatch(context.Context, []persistence.AnomalyRecord) error { return f.err }
func (f *fakeRepo) Ping(context.Context) error                                     { return f.err }

func (f *fakeRepo) ListByMarket(_ context.Context, market string, tr persistence.TimeRange, limit int) ([]persistence.AnomalyRecord, error) {
	f.gotMarket, f.gotRange, f.gotLimit = market, tr, limit
	return f.records, f.err
}

func (f *fakeRepo) CountByKind(_ context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	f.gotRange = tr
	return f.counts, f.err
}

type fakeScheduler struct{}

func (fakeScheduler) GetStatus() scheduler.Status {
	return scheduler.Status{Running: true, Jobs: []scheduler.JobStatus{{Name: scheduler.JobEvict, Schedule: "@every 5m"}}}
}

type testEnv struct {
	server   *Server
	pipeline *pipeline.Pipeline
	metrics  *metrics.Registry
	repo     *fakeRepo
}

func newTestEnv(t *testing.T, checks map[string]handlers.HealthCheck) *testEnv {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	reg := metrics.NewRegistry(false)
	p := pipeline.New(validate.DefaultCleaningConfig(), correlation.DefaultConfig(), pipeline.Options{
		Metrics: reg,
		Clock:   clock,
	})
	repo := &fakeRepo{}

	cfg := config.Default().HTTP
	srv := NewServer(cfg, handlers.Deps{
		Pipeline:  p,
		Sizer:     risk.NewSizer(risk.DefaultSizingConfig(), p),
		Anomalies: repo,
		Scheduler: fakeScheduler{},
		Metrics:   reg,
		Checks:    checks,
		Version:   "test",
		Clock:     clock,
	})
	return &testEnv{server: srv, pipeline: p, metrics: reg, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// feedCorrelated ingests n rising ticks for each market at one-second spacing.
func (e *testEnv) feedCorrelated(t *testing.T, n int, markets ...string) {
	t.Helper()
	for _, m := range markets {
		for i := 0; i < n; i++ {
			ts := fixedNow.Add(time.Duration(i-n) * time.Second)
			price := decimal.RequireFromString("0.50").Add(decimal.New(int64(i), -3))
			out := e.pipeline.IngestTick(context.Background(), pipeline.Tick{Market: m, Price: price, Timestamp: ts})
			require.True(t, out.Accepted())
		}
	}
}

func TestPostTicks_Single(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/ticks", `{"market":"btc-100k","price":"0.55"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	resp := decodeBody[handlers.IngestResponse](t, rr)
	assert.Equal(t, 1, resp.Accepted)
	assert.Zero(t, resp.Rejected)
	require.Len(t, resp.Outcomes, 1)
	assert.True(t, resp.Outcomes[0].Result.IsValid)

	stats, ok := env.pipeline.Stats("btc-100k")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Accepted)
}

func TestPostTicks_BatchWithRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `[
		{"market":"m","price":"0.5","timestamp":"2025-09-07T11:59:59Z"},
		{"market":"m"},
		{"market":"m","price":1.5}
	]`
	rr := env.do(t, http.MethodPost, "/ticks", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decodeBody[handlers.IngestResponse](t, rr)
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 2, resp.Rejected)
	require.Len(t, resp.Outcomes, 3)
	assert.True(t, resp.Outcomes[1].Result.Has(validate.KindMissingField))
	assert.True(t, resp.Outcomes[2].Result.Has(validate.KindOutOfBounds))

	stats, ok := env.pipeline.Stats("m")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Rejected, "missing fields never reach the pipeline")
}

func TestPostTicks_BadBodies(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"market":`, "invalid_json"},
		{"empty array", `[]`, "empty_batch"},
		{"wrong type", `{"market":"m","price":"abc"}`, "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/ticks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.code, decodeBody[handlers.ErrorResponse](t, rr).Code)
		})
	}
}

func TestPostQuotes(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/quotes", `[{"market":"m","bid":"0.48","ask":"0.52"},{"market":"m","bid":"0.6","ask":"0.5"}]`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decodeBody[handlers.IngestResponse](t, rr)
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	assert.True(t, resp.Outcomes[1].Result.Has(validate.KindInvalidBidAsk))
}

func TestMarketEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.feedCorrelated(t, 10, "a", "b")

	rr := env.do(t, http.MethodGet, "/markets", "")
	require.Equal(t, http.StatusOK, rr.Code)
	markets := decodeBody[handlers.MarketsResponse](t, rr)
	assert.Equal(t, 2, markets.Count)
	assert.Equal(t, "a", markets.Markets[0].Market)

	rr = env.do(t, http.MethodGet, "/markets/a/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decodeBody[pipeline.MarketStats](t, rr)
	assert.Equal(t, uint64(10), stats.Accepted)
	assert.Equal(t, 10, stats.Cleaner.HistorySize)

	rr = env.do(t, http.MethodGet, "/markets/zzz/stats", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "market_not_found", decodeBody[handlers.ErrorResponse](t, rr).Code)

	rr = env.do(t, http.MethodGet, "/markets/a/correlated", "")
	require.Equal(t, http.StatusOK, rr.Code)
	correlated := decodeBody[handlers.CorrelatedResponse](t, rr)
	assert.Len(t, correlated.Correlated, 1)
	assert.True(t, correlated.Threshold.Equal(decimal.RequireFromString("0.7")))

	rr = env.do(t, http.MethodDelete, "/markets/a", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	_, ok := env.pipeline.Stats("a")
	assert.False(t, ok)
	assert.Equal(t, 0, env.pipeline.Matrix().Len())

	rr = env.do(t, http.MethodDelete, "/markets/a", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCorrelationEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.feedCorrelated(t, 10, "a", "b")

	rr := env.do(t, http.MethodGet, "/correlations", "")
	require.Equal(t, http.StatusOK, rr.Code)
	matrix := decodeBody[handlers.MatrixResponse](t, rr)
	assert.Equal(t, 1, matrix.Count)
	require.Len(t, matrix.Pairs, 1)
	assert.Equal(t, 10, matrix.Pairs[0].SampleCount)

	rr = env.do(t, http.MethodGet, "/correlations/b/a", "")
	require.Equal(t, http.StatusOK, rr.Code)
	pair := decodeBody[handlers.PairResponse](t, rr)
	assert.True(t, pair.Correlated)
	assert.True(t, pair.Correlation.GreaterThan(decimal.RequireFromString("0.9")))

	rr = env.do(t, http.MethodGet, "/correlations/a/zzz", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPenaltyAndSize(t *testing.T) {
	env := newTestEnv(t, nil)
	env.feedCorrelated(t, 10, "a", "b")

	rr := env.do(t, http.MethodPost, "/penalty", `{"candidate":"a","existing":["b"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	penalty := decodeBody[handlers.PenaltyResponse](t, rr)
	assert.True(t, penalty.Penalty.LessThan(decimal.NewFromInt(1)))
	assert.True(t, penalty.Penalty.GreaterThanOrEqual(decimal.RequireFromString("0.5")))

	rr = env.do(t, http.MethodPost, "/penalty", `{"existing":["b"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPost, "/size", `{"market":"c","base_size":"40","balance":"1000","open_markets":["a"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	decision := decodeBody[risk.SizeDecision](t, rr)
	assert.False(t, decision.Blocked)
	assert.True(t, decision.Size.Equal(decimal.NewFromInt(40)), decision.Size.String())

	rr = env.do(t, http.MethodPost, "/size", `{"market":"c","balance":"1000"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	missing := decodeBody[validate.ValidationResult](t, rr)
	assert.True(t, missing.Has(validate.KindMissingField))
}

func TestAnomalyEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.repo.records = []persistence.AnomalyRecord{{Market: "m", Kind: "price_spike", Price: decimal.RequireFromString("0.9")}}
	env.repo.counts = map[string]int64{"price_spike": 3}

	rr := env.do(t, http.MethodGet, "/markets/m/anomalies?limit=5000&from=2025-09-07T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	records := decodeBody[[]persistence.AnomalyRecord](t, rr)
	assert.Len(t, records, 1)
	assert.Equal(t, "m", env.repo.gotMarket)
	assert.Equal(t, 1000, env.repo.gotLimit)
	assert.Equal(t, time.Date(2025, 9, 7, 0, 0, 0, 0, time.UTC), env.repo.gotRange.From)
	assert.Equal(t, fixedNow, env.repo.gotRange.To)

	rr = env.do(t, http.MethodGet, "/markets/m/anomalies?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/anomalies/counts?from=2025-09-08T00:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code, "from after to")

	rr = env.do(t, http.MethodGet, "/anomalies/counts", "")
	require.Equal(t, http.StatusOK, rr.Code)
	counts := decodeBody[handlers.AnomalyCountsResponse](t, rr)
	assert.Equal(t, int64(3), counts.Counts["price_spike"])
	assert.Equal(t, fixedNow.Add(-24*time.Hour), counts.From)

	env.repo.err = errors.New("connection refused")
	rr = env.do(t, http.MethodGet, "/anomalies/counts", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]handlers.HealthCheck{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return fmt.Errorf("dial tcp: refused") },
	})

	rr := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	health := decodeBody[handlers.HealthResponse](t, rr)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "pass", health.Checks["redis"].Status)
	assert.Equal(t, "fail", health.Checks["postgres"].Status)
	assert.NotEmpty(t, health.System.GoVersion)

	healthy := newTestEnv(t, nil)
	rr = healthy.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, "healthy", decodeBody[handlers.HealthResponse](t, rr).Status)
}

func TestMetricsAndScheduler(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/ticks", `{"market":"m","price":"0.5"}`)

	rr := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rr.Body.String(), `polyrisk_ticks_total{result="accepted"} 1`)

	rr = env.do(t, http.MethodGet, "/scheduler", "")
	require.Equal(t, http.StatusOK, rr.Code)
	status := decodeBody[scheduler.Status](t, rr)
	assert.True(t, status.Running)
	assert.Len(t, status.Jobs, 1)
}

func TestRoutingErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "endpoint_not_found", decodeBody[handlers.ErrorResponse](t, rr).Code)

	rr = env.do(t, http.MethodGet, "/ticks", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/markets/zzz/stats", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, "abc123", rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "abc123", decodeBody[handlers.ErrorResponse](t, rr).RequestID)
}
