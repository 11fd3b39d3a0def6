package correlation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func at(i int) time.Time {
	return baseTime.Add(time.Duration(i) * time.Second)
}

// feed adds n points to market with price f(i) at baseTime+i seconds.
func feed(det *Detector, market string, n int, f func(i int) decimal.Decimal) {
	for i := 0; i < n; i++ {
		det.AddPricePoint(market, f(i), at(i))
	}
}

func rising(i int) decimal.Decimal {
	return d("0.50").Add(decimal.New(int64(i), -2))
}

func falling(i int) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(rising(i))
}

func flat(int) decimal.Decimal {
	return d("0.5")
}

func TestMakeKey_Canonical(t *testing.T) {
	assert.Equal(t, PairKey{A: "a", B: "b"}, MakeKey("a", "b"))
	assert.Equal(t, MakeKey("a", "b"), MakeKey("b", "a"))
	assert.Equal(t, "a|b", MakeKey("b", "a").String())
	assert.True(t, MakeKey("x", "y").Contains("y"))
	assert.False(t, MakeKey("x", "y").Contains("z"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Threshold.Equal(d("0.7")))
	assert.Equal(t, 100, cfg.MaxHistory)
	assert.Equal(t, 5, cfg.MinSamples)
	assert.Zero(t, cfg.StaleAfter)
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.Threshold = d("1.5")
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxHistory = 1
	assert.Error(t, bad.Validate())
}

func TestCorrelation_IdenticalSeries(t *testing.T) {
	det := NewDefaultDetector()
	feed(det, "market1", 10, rising)
	feed(det, "market2", 10, rising)

	r, ok := det.Correlation("market1", "market2")
	require.True(t, ok)
	assert.True(t, r.GreaterThan(d("0.9")), "r = %s", r)
	assert.True(t, r.LessThanOrEqual(decimal.NewFromInt(1)))

	reversed, ok := det.Correlation("market2", "market1")
	require.True(t, ok)
	assert.True(t, r.Equal(reversed))

	mc, ok := det.Matrix().Get("market2", "market1")
	require.True(t, ok)
	assert.Equal(t, "market1", mc.MarketA)
	assert.Equal(t, 10, mc.SampleCount)
}

func TestCorrelation_InverseSeries(t *testing.T) {
	det := NewDefaultDetector()
	feed(det, "market1", 10, rising)
	feed(det, "market2", 10, falling)

	r, ok := det.Correlation("market1", "market2")
	require.True(t, ok)
	assert.True(t, r.LessThan(d("-0.9")), "r = %s", r)
	assert.True(t, r.GreaterThanOrEqual(decimal.NewFromInt(-1)))
	assert.True(t, det.AreCorrelated("market1", "market2"))
}

func TestCorrelation_RequiresMinimumOverlap(t *testing.T) {
	det := NewDefaultDetector()
	feed(det, "market1", 4, rising)
	feed(det, "market2", 4, rising)

	_, ok := det.Correlation("market1", "market2")
	assert.False(t, ok)
	assert.True(t, det.Matrix().IsEmpty())
	assert.False(t, det.AreCorrelated("market1", "market2"))
}

func TestCorrelation_DisjointTimestampsLeaveCacheUntouched(t *testing.T) {
	det := NewDefaultDetector()
	feed(det, "market1", 10, rising)
	for i := 0; i < 10; i++ {
		det.AddPricePoint("market2", rising(i), at(1000+i))
	}
	assert.Equal(t, 0, det.Matrix().Len())
}

func TestCorrelation_ConstantSeriesIsZero(t *testing.T) {
	det := NewDefaultDetector()
	feed(det, "market1", 10, rising)
	feed(det, "market3", 10, flat)

	r, ok := det.Correlation("market1", "market3")
	require.True(t, ok)
	assert.True(t, r.IsZero())
	assert.False(t, det.AreCorrelated("market1", "market3"))
}

func TestAreCorrelated_UnknownPair(t *testing.T) {
	det := NewDefaultDetector()
	assert.False(t, det.AreCorrelated("nope", "never"))
}

func TestPenalty(t *testing.T) {
	det := NewDefaultDetector()
	feed(det, "market1", 10, rising)
	feed(det, "market2", 10, rising)
	feed(det, "market3", 10, flat)

	t.Run("no existing positions", func(t *testing.T) {
		assert.True(t, det.Penalty("market1", nil).Equal(decimal.NewFromInt(1)))
	})

	t.Run("correlated position", func(t *testing.T) {
		p := det.Penalty("market1", []string{"market2"})
		assert.True(t, p.GreaterThanOrEqual(d("0.5")), "penalty = %s", p)
		assert.True(t, p.LessThan(decimal.NewFromInt(1)), "penalty = %s", p)
	})

	t.Run("uncorrelated position", func(t *testing.T) {
		assert.True(t, det.Penalty("market1", []string{"market3"}).Equal(decimal.NewFromInt(1)))
	})

	t.Run("unknown markets count as zero", func(t *testing.T) {
		assert.True(t, det.Penalty("market1", []string{"unknown"}).Equal(decimal.NewFromInt(1)))
	})

	t.Run("strongest correlation wins", func(t *testing.T) {
		mixed := det.Penalty("market1", []string{"market3", "market2", "unknown"})
		assert.True(t, mixed.Equal(det.Penalty("market1", []string{"market2"})))
	})
}

func TestPenalty_AtThresholdIsNotPenalised(t *testing.T) {
	det := NewDefaultDetector()
	det.Restore([]MarketCorrelation{
		{MarketA: "a", MarketB: "b", Correlation: d("0.7"), SampleCount: 10, LastUpdate: baseTime},
		{MarketA: "a", MarketB: "c", Correlation: d("-0.8"), SampleCount: 10, LastUpdate: baseTime},
	})

	assert.True(t, det.AreCorrelated("a", "b"))
	assert.True(t, det.Penalty("a", []string{"b"}).Equal(decimal.NewFromInt(1)))
	assert.True(t, det.Penalty("a", []string{"c"}).Equal(d("0.6")))
}

func TestCorrelatedMarkets(t *testing.T) {
	det := NewDefaultDetector()
	feed(det, "market1", 10, rising)
	feed(det, "market2", 10, rising)
	feed(det, "market3", 10, flat)

	got := det.CorrelatedMarkets("market1")
	require.Len(t, got, 1)
	assert.Equal(t, MakeKey("market1", "market2"), got[0].Key())

	assert.Empty(t, det.CorrelatedMarkets("market3"))
	assert.Equal(t, []string{"market1", "market2", "market3"}, det.Markets())
	assert.Equal(t, 3, det.Matrix().Len())
	assert.Equal(t, 3, det.PairCount())
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistory = 10
	det := NewDetector(cfg)

	feed(det, "market1", 25, rising)
	assert.Equal(t, 10, det.HistoryLen("market1"))
	assert.Equal(t, 0, det.HistoryLen("missing"))

	// Only the last ten timestamps survive, so an early-window partner
	// has no overlap with market1.
	feed(det, "market2", 10, rising)
	_, ok := det.Correlation("market1", "market2")
	assert.False(t, ok)
}

func TestMatrix_SnapshotIsCopy(t *testing.T) {
	det := NewDefaultDetector()
	feed(det, "market1", 10, rising)
	feed(det, "market2", 10, rising)

	snap := det.Matrix()
	det.RemoveMarket("market2")

	assert.Equal(t, 1, snap.Len())
	assert.True(t, det.Matrix().IsEmpty())
	assert.Equal(t, []string{"market1"}, det.Markets())
}

func TestEvictStale(t *testing.T) {
	now := baseTime
	cfg := DefaultConfig()
	cfg.StaleAfter = time.Hour
	det := NewDetector(cfg, WithClock(func() time.Time { return now }))

	feed(det, "market1", 10, rising)
	feed(det, "market2", 10, rising)
	require.Equal(t, 1, det.Matrix().Len())

	_, ok := det.FreshCorrelation("market1", "market2", baseTime.Add(30*time.Minute))
	assert.True(t, ok)
	_, ok = det.FreshCorrelation("market1", "market2", baseTime.Add(2*time.Hour))
	assert.False(t, ok)

	assert.Equal(t, 0, det.EvictStale(baseTime.Add(time.Hour)))
	assert.Equal(t, 1, det.EvictStale(baseTime.Add(time.Hour+time.Second)))
	assert.True(t, det.Matrix().IsEmpty())
}

func TestEvictStale_DisabledByDefault(t *testing.T) {
	det := NewDefaultDetector()
	det.Restore([]MarketCorrelation{{MarketA: "a", MarketB: "b", Correlation: d("0.9"), LastUpdate: baseTime}})

	assert.Equal(t, 0, det.EvictStale(baseTime.Add(24*365*time.Hour)))
	_, ok := det.FreshCorrelation("a", "b", baseTime.Add(24*365*time.Hour))
	assert.True(t, ok)
}

func TestRestore_CanonicalisesKeys(t *testing.T) {
	det := NewDefaultDetector()
	det.Restore([]MarketCorrelation{
		{MarketA: "zeta", MarketB: "alpha", Correlation: d("0.95"), SampleCount: 12, LastUpdate: baseTime},
		{MarketA: "same", MarketB: "same", Correlation: d("1")},
		{MarketA: "", MarketB: "x", Correlation: d("1")},
	})

	all := det.Matrix().All()
	require.Len(t, all, 1)
	assert.Equal(t, "alpha", all[0].MarketA)
	assert.Equal(t, "zeta", all[0].MarketB)
	assert.True(t, det.AreCorrelated("zeta", "alpha"))
}
