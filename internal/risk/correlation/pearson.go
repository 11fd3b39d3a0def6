package correlation

import (
	"github.com/shopspring/decimal"

	"github.com/sawpanic/polyrisk/internal/domain/numeric"
)

var (
	one    = decimal.NewFromInt(1)
	negOne = decimal.NewFromInt(-1)
	half   = decimal.RequireFromString("0.5")
)

type pair struct {
	x decimal.Decimal
	y decimal.Decimal
}

// pearson computes r = (nΣxy − ΣxΣy) / sqrt((nΣx² − (Σx)²)(nΣy² − (Σy)²)).
// A non-positive pre-root product yields zero. The result is clamped to
// [-1, 1] to absorb square-root approximation error.
func pearson(pairs []pair) decimal.Decimal {
	if len(pairs) == 0 {
		return decimal.Zero
	}

	n := decimal.NewFromInt(int64(len(pairs)))
	sumX, sumY := decimal.Zero, decimal.Zero
	sumXY, sumX2, sumY2 := decimal.Zero, decimal.Zero, decimal.Zero
	for _, p := range pairs {
		sumX = sumX.Add(p.x)
		sumY = sumY.Add(p.y)
		sumXY = sumXY.Add(p.x.Mul(p.y))
		sumX2 = sumX2.Add(p.x.Mul(p.x))
		sumY2 = sumY2.Add(p.y.Mul(p.y))
	}

	numerator := n.Mul(sumXY).Sub(sumX.Mul(sumY))
	varX := n.Mul(sumX2).Sub(sumX.Mul(sumX))
	varY := n.Mul(sumY2).Sub(sumY.Mul(sumY))
	denominatorSq := varX.Mul(varY)
	if denominatorSq.Sign() <= 0 {
		return decimal.Zero
	}

	denominator := numeric.Sqrt(denominatorSq)
	if denominator.IsZero() {
		return decimal.Zero
	}

	r := numerator.Div(denominator)
	if r.GreaterThan(one) {
		return one
	}
	if r.LessThan(negOne) {
		return negOne
	}
	return r
}
