package correlation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PairKey identifies an unordered market pair. A is always the
// lexicographically smaller id.
type PairKey struct {
	A string
	B string
}

// MakeKey returns the canonical key for a pair, so (a, b) and (b, a) map
// to the same cache entry.
func MakeKey(a, b string) PairKey {
	if a < b {
		return PairKey{A: a, B: b}
	}
	return PairKey{A: b, B: a}
}

// String renders the key as "a|b".
func (k PairKey) String() string {
	return k.A + "|" + k.B
}

// Contains reports whether market is one side of the pair.
func (k PairKey) Contains(market string) bool {
	return k.A == market || k.B == market
}

// MarketCorrelation is a cached Pearson coefficient between two markets.
type MarketCorrelation struct {
	MarketA     string          `json:"market_a"`
	MarketB     string          `json:"market_b"`
	Correlation decimal.Decimal `json:"correlation"`
	SampleCount int             `json:"sample_count"`
	LastUpdate  time.Time       `json:"last_update"`
}

// Key returns the canonical pair key of the entry.
func (mc MarketCorrelation) Key() PairKey {
	return MakeKey(mc.MarketA, mc.MarketB)
}

// Matrix caches pairwise correlations keyed by canonical pair.
type Matrix struct {
	correlations map[PairKey]MarketCorrelation
}

func newMatrix() Matrix {
	return Matrix{correlations: make(map[PairKey]MarketCorrelation)}
}

// Len returns the number of cached pairs.
func (m Matrix) Len() int {
	return len(m.correlations)
}

// IsEmpty reports whether no pair has been computed yet.
func (m Matrix) IsEmpty() bool {
	return len(m.correlations) == 0
}

// Get looks up a pair in either order.
func (m Matrix) Get(a, b string) (MarketCorrelation, bool) {
	mc, ok := m.correlations[MakeKey(a, b)]
	return mc, ok
}

// All returns every entry ordered by pair key.
func (m Matrix) All() []MarketCorrelation {
	out := make([]MarketCorrelation, 0, len(m.correlations))
	for _, mc := range m.correlations {
		out = append(out, mc)
	}
	sortEntries(out)
	return out
}

func (m Matrix) clone() Matrix {
	c := Matrix{correlations: make(map[PairKey]MarketCorrelation, len(m.correlations))}
	for k, v := range m.correlations {
		c.correlations[k] = v
	}
	return c
}

func sortEntries(entries []MarketCorrelation) {
	sort.Slice(entries, func(i, j int) bool {
		ki, kj := entries[i].Key(), entries[j].Key()
		if ki.A != kj.A {
			return ki.A < kj.A
		}
		return ki.B < kj.B
	})
}
