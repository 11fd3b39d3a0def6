// Package risk turns correlation penalties into position sizes.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Penalizer returns a size multiplier for opening candidate next to the
// existing markets.
type Penalizer interface {
	Penalty(candidate string, existing []string) decimal.Decimal
}

// SizingConfig bounds the size of a single position.
type SizingConfig struct {
	MaxOpenPositions int `yaml:"max_open_positions" json:"max_open_positions"`
	// MaxPositionPct caps a position as a fraction of balance, e.g. 0.05.
	MaxPositionPct decimal.Decimal `yaml:"max_position_pct" json:"max_position_pct"`
	// MinSize is the smallest order worth sending, in USDC.
	MinSize decimal.Decimal `yaml:"min_size" json:"min_size"`
}

// DefaultSizingConfig returns conservative defaults.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		MaxOpenPositions: 10,
		MaxPositionPct:   decimal.RequireFromString("0.05"),
		MinSize:          decimal.NewFromInt(1),
	}
}

// Validate checks the config for usable values.
func (c SizingConfig) Validate() error {
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions must be positive, got %d", c.MaxOpenPositions)
	}
	if c.MaxPositionPct.Sign() <= 0 || c.MaxPositionPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max_position_pct must be within (0, 1], got %s", c.MaxPositionPct)
	}
	if c.MinSize.Sign() < 0 {
		return fmt.Errorf("min_size must not be negative, got %s", c.MinSize)
	}
	return nil
}

// SizeRequest describes a prospective position.
type SizeRequest struct {
	Market   string          `json:"market"`
	BaseSize decimal.Decimal `json:"base_size"`
	Balance  decimal.Decimal `json:"balance"`
	// OpenMarkets lists markets with an existing position.
	OpenMarkets []string `json:"open_markets"`
}

// SizeDecision is the sizing outcome. Blocked decisions carry a zero size
// and a reason.
type SizeDecision struct {
	Size    decimal.Decimal `json:"size"`
	Penalty decimal.Decimal `json:"penalty"`
	Blocked bool            `json:"blocked"`
	Reason  string          `json:"reason,omitempty"`
}

// Block reasons.
const (
	ReasonMaxPositions = "max open positions reached"
	ReasonBelowMinimum = "size below minimum"
	ReasonInvalidInput = "invalid request"
)

// Sizer scales base sizes by the correlation penalty.
type Sizer struct {
	config    SizingConfig
	penalizer Penalizer
}

// NewSizer creates a sizer backed by penalizer.
func NewSizer(config SizingConfig, penalizer Penalizer) *Sizer {
	return &Sizer{config: config, penalizer: penalizer}
}

// Size applies, in order: the open position limit, the balance cap, the
// correlation penalty and the minimum viable size.
func (s *Sizer) Size(req SizeRequest) SizeDecision {
	if req.Market == "" || req.BaseSize.Sign() <= 0 || req.Balance.Sign() < 0 {
		return blocked(ReasonInvalidInput, decimal.Zero)
	}
	if len(req.OpenMarkets) >= s.config.MaxOpenPositions {
		return blocked(ReasonMaxPositions, decimal.Zero)
	}

	size := req.BaseSize
	if limit := req.Balance.Mul(s.config.MaxPositionPct); size.GreaterThan(limit) {
		size = limit
	}

	penalty := s.penalizer.Penalty(req.Market, req.OpenMarkets)
	size = size.Mul(penalty)

	if size.LessThan(s.config.MinSize) {
		return blocked(ReasonBelowMinimum, penalty)
	}
	return SizeDecision{Size: size, Penalty: penalty}
}

func blocked(reason string, penalty decimal.Decimal) SizeDecision {
	return SizeDecision{Size: decimal.Zero, Penalty: penalty, Blocked: true, Reason: reason}
}
