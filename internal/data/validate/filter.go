package validate

import (
	"github.com/shopspring/decimal"

	"github.com/sawpanic/polyrisk/internal/domain/numeric"
)

// FilterOutliers drops prices whose absolute deviation from the median
// exceeds MAD × OutlierStdDevs. It is stateless and keeps the input order.
func FilterOutliers(prices []decimal.Decimal, config CleaningConfig) []decimal.Decimal {
	if len(prices) == 0 {
		return []decimal.Decimal{}
	}

	median := numeric.Median(prices)

	deviations := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		deviations[i] = p.Sub(median).Abs()
	}
	mad := numeric.Median(deviations)
	threshold := mad.Mul(config.OutlierStdDevs)

	filtered := make([]decimal.Decimal, 0, len(prices))
	for i, p := range prices {
		if deviations[i].LessThanOrEqual(threshold) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}
