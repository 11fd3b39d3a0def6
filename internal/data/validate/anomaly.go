package validate

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// AnomalyKind names an anomaly variant
type AnomalyKind string

const (
	KindOutOfBounds        AnomalyKind = "out_of_bounds"
	KindPriceSpike         AnomalyKind = "price_spike"
	KindWideSpread         AnomalyKind = "wide_spread"
	KindStatisticalOutlier AnomalyKind = "statistical_outlier"
	KindStaleData          AnomalyKind = "stale_data"
	KindInvalidBidAsk      AnomalyKind = "invalid_bid_ask"
	KindInvalidValue       AnomalyKind = "invalid_value"
	KindMissingField       AnomalyKind = "missing_field"
)

// Anomaly is one finding produced while screening a tick. The concrete types
// below are the complete set of variants.
type Anomaly interface {
	Kind() AnomalyKind
	String() string
}

// OutOfBounds: value outside [Min, Max].
type OutOfBounds struct {
	Value decimal.Decimal `json:"value"`
	Min   decimal.Decimal `json:"min"`
	Max   decimal.Decimal `json:"max"`
}

// PriceSpike: single-step change above the configured percentage.
type PriceSpike struct {
	Old       decimal.Decimal `json:"old"`
	New       decimal.Decimal `json:"new"`
	ChangePct decimal.Decimal `json:"change_pct"`
}

// WideSpread: bid/ask spread percentage above threshold.
type WideSpread struct {
	SpreadPct decimal.Decimal `json:"spread_pct"`
	Threshold decimal.Decimal `json:"threshold"`
}

// StatisticalOutlier: value further than N standard deviations from the rolling mean.
type StatisticalOutlier struct {
	Value  decimal.Decimal `json:"value"`
	Mean   decimal.Decimal `json:"mean"`
	StdDev decimal.Decimal `json:"std_dev"`
}

// StaleData: observation older than the freshness window.
type StaleData struct {
	AgeSecs int64 `json:"age_secs"`
	MaxAge  int64 `json:"max_age"`
}

// InvalidBidAsk: bid not strictly below ask.
type InvalidBidAsk struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// InvalidValue: zero or negative value.
type InvalidValue struct {
	Value  decimal.Decimal `json:"value"`
	Reason string          `json:"reason"`
}

// MissingField: required field absent.
type MissingField struct {
	Field string `json:"field"`
}

func (OutOfBounds) Kind() AnomalyKind        { return KindOutOfBounds }
func (PriceSpike) Kind() AnomalyKind         { return KindPriceSpike }
func (WideSpread) Kind() AnomalyKind         { return KindWideSpread }
func (StatisticalOutlier) Kind() AnomalyKind { return KindStatisticalOutlier }
func (StaleData) Kind() AnomalyKind          { return KindStaleData }
func (InvalidBidAsk) Kind() AnomalyKind      { return KindInvalidBidAsk }
func (InvalidValue) Kind() AnomalyKind       { return KindInvalidValue }
func (MissingField) Kind() AnomalyKind       { return KindMissingField }

func (a OutOfBounds) String() string {
	return fmt.Sprintf("value %s outside [%s, %s]", a.Value, a.Min, a.Max)
}

func (a PriceSpike) String() string {
	return fmt.Sprintf("price moved %s -> %s (%s%%)", a.Old, a.New, a.ChangePct.StringFixed(2))
}

func (a WideSpread) String() string {
	return fmt.Sprintf("spread %s%% exceeds %s%%", a.SpreadPct.StringFixed(2), a.Threshold)
}

func (a StatisticalOutlier) String() string {
	return fmt.Sprintf("value %s deviates from mean %s (std %s)", a.Value, a.Mean.StringFixed(6), a.StdDev.StringFixed(6))
}

func (a StaleData) String() string {
	return fmt.Sprintf("data is %ds old (max %ds)", a.AgeSecs, a.MaxAge)
}

func (a InvalidBidAsk) String() string {
	return fmt.Sprintf("bid %s is not below ask %s", a.Bid, a.Ask)
}

func (a InvalidValue) String() string {
	return fmt.Sprintf("invalid value %s: %s", a.Value, a.Reason)
}

func (a MissingField) String() string {
	return fmt.Sprintf("missing required field %q", a.Field)
}

// MarshalAnomaly encodes an anomaly as {"kind": ..., "detail": {...}}.
func MarshalAnomaly(a Anomaly) ([]byte, error) {
	detail, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal %s detail: %w", a.Kind(), err)
	}
	return json.Marshal(anomalyEnvelope{Kind: a.Kind(), Detail: detail})
}

// UnmarshalAnomaly decodes the envelope written by MarshalAnomaly.
func UnmarshalAnomaly(data []byte) (Anomaly, error) {
	var env anomalyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal anomaly envelope: %w", err)
	}

	switch env.Kind {
	case KindOutOfBounds:
		return decodeDetail[OutOfBounds](env)
	case KindPriceSpike:
		return decodeDetail[PriceSpike](env)
	case KindWideSpread:
		return decodeDetail[WideSpread](env)
	case KindStatisticalOutlier:
		return decodeDetail[StatisticalOutlier](env)
	case KindStaleData:
		return decodeDetail[StaleData](env)
	case KindInvalidBidAsk:
		return decodeDetail[InvalidBidAsk](env)
	case KindInvalidValue:
		return decodeDetail[InvalidValue](env)
	case KindMissingField:
		return decodeDetail[MissingField](env)
	default:
		return nil, fmt.Errorf("unknown anomaly kind %q", env.Kind)
	}
}

func decodeDetail[T Anomaly](env anomalyEnvelope) (Anomaly, error) {
	var v T
	if err := json.Unmarshal(env.Detail, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s detail: %w", env.Kind, err)
	}
	return v, nil
}

type anomalyEnvelope struct {
	Kind   AnomalyKind     `json:"kind"`
	Detail json.RawMessage `json:"detail"`
}
