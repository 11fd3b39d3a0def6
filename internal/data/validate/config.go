package validate

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CleaningConfig holds the thresholds a DataCleaner screens ticks against.
// It is copied into the cleaner at construction and never mutated.
type CleaningConfig struct {
	MaxPriceChangePct decimal.Decimal `yaml:"max_price_change_pct" json:"max_price_change_pct"` // Max single-step move, percent
	MinPrice          decimal.Decimal `yaml:"min_price" json:"min_price"`
	MaxPrice          decimal.Decimal `yaml:"max_price" json:"max_price"`
	MaxSpreadPct      decimal.Decimal `yaml:"max_spread_pct" json:"max_spread_pct"` // (ask-bid)/ask, percent
	MAWindowSize      int             `yaml:"ma_window_size" json:"ma_window_size"`
	OutlierStdDevs    decimal.Decimal `yaml:"outlier_std_devs" json:"outlier_std_devs"`
	MaxDataAgeSecs    int64           `yaml:"max_data_age_secs" json:"max_data_age_secs"`
}

// DefaultCleaningConfig returns thresholds suited to binary prediction
// markets, where every outcome token trades strictly inside (0, 1).
func DefaultCleaningConfig() CleaningConfig {
	return CleaningConfig{
		MaxPriceChangePct: decimal.NewFromInt(20),
		MinPrice:          decimal.RequireFromString("0.001"),
		MaxPrice:          decimal.RequireFromString("0.999"),
		MaxSpreadPct:      decimal.NewFromInt(50),
		MAWindowSize:      20,
		OutlierStdDevs:    decimal.NewFromInt(3),
		MaxDataAgeSecs:    300,
	}
}

// Validate reports configuration that would make the cleaner meaningless.
func (c CleaningConfig) Validate() error {
	if c.MinPrice.GreaterThan(c.MaxPrice) {
		return fmt.Errorf("min price %s exceeds max price %s", c.MinPrice, c.MaxPrice)
	}
	if c.MaxPriceChangePct.Sign() <= 0 {
		return fmt.Errorf("max price change pct must be > 0")
	}
	if c.MaxSpreadPct.Sign() <= 0 {
		return fmt.Errorf("max spread pct must be > 0")
	}
	if c.MAWindowSize <= 0 {
		return fmt.Errorf("ma window size must be > 0")
	}
	if c.OutlierStdDevs.Sign() <= 0 {
		return fmt.Errorf("outlier std devs must be > 0")
	}
	if c.MaxDataAgeSecs <= 0 {
		return fmt.Errorf("max data age must be > 0")
	}
	return nil
}

// HistoryCap is the number of accepted points retained by a cleaner.
func (c CleaningConfig) HistoryCap() int {
	return 2 * c.MAWindowSize
}
