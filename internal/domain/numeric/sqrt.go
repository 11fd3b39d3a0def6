// Package numeric holds the decimal helpers shared by the cleaning and
// correlation engines. shopspring/decimal has no native root operation, so the
// square root is computed with a bounded Newton iteration.
package numeric

import (
	"sort"

	"github.com/shopspring/decimal"
)

const (
	// MaxIterations caps the Newton iteration count.
	MaxIterations = 20
)

var (
	// DefaultTolerance is the absolute convergence tolerance used by both
	// the outlier statistics and the Pearson denominator.
	DefaultTolerance = decimal.New(1, -7)

	two = decimal.NewFromInt(2)
)

// Sqrt returns the square root of x using DefaultTolerance and MaxIterations.
// Non-positive input returns zero.
func Sqrt(x decimal.Decimal) decimal.Decimal {
	return SqrtWith(x, DefaultTolerance, MaxIterations)
}

// SqrtWith runs Newton's method starting from x itself and stops once two
// consecutive estimates differ by less than tolerance, or after maxIter steps.
func SqrtWith(x, tolerance decimal.Decimal, maxIter int) decimal.Decimal {
	if x.Sign() <= 0 {
		return decimal.Zero
	}
	if maxIter <= 0 {
		maxIter = MaxIterations
	}

	guess := x
	for i := 0; i < maxIter; i++ {
		next := guess.Add(x.Div(guess)).Div(two)
		if next.Sub(guess).Abs().LessThan(tolerance) {
			return next
		}
		guess = next
	}
	return guess
}

// Mean returns the arithmetic mean, or zero for an empty slice.
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// PopulationStdDev returns sqrt(sum((v-mean)^2)/n).
func PopulationStdDev(values []decimal.Decimal, mean decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	variance := decimal.Zero
	for _, v := range values {
		d := v.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(decimal.NewFromInt(int64(len(values))))
	return Sqrt(variance)
}

// Median returns the upper median (sorted[n/2]) of values without modifying
// the input. An empty slice yields zero.
func Median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	return sorted[len(sorted)/2]
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
