package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/polyrisk/internal/pipeline"
	"github.com/sawpanic/polyrisk/internal/risk/correlation"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TickRequest is one price observation. Timestamp defaults to the
// server's clock when omitted.
type TickRequest struct {
	Market    string           `json:"market"`
	Price     *decimal.Decimal `json:"price"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
}

// QuoteRequest is one top-of-book observation.
type QuoteRequest struct {
	Market    string           `json:"market"`
	Bid       *decimal.Decimal `json:"bid"`
	Ask       *decimal.Decimal `json:"ask"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
}

// IngestResponse reports per-observation outcomes in request order.
type IngestResponse struct {
	Accepted int                `json:"accepted"`
	Rejected int                `json:"rejected"`
	Outcomes []pipeline.Outcome `json:"outcomes"`
}

// MatrixResponse is the full correlation cache.
type MatrixResponse struct {
	Threshold decimal.Decimal                 `json:"threshold"`
	Count     int                             `json:"count"`
	Pairs     []correlation.MarketCorrelation `json:"pairs"`
}

// PairResponse is one cached correlation.
type PairResponse struct {
	correlation.MarketCorrelation
	Correlated bool `json:"correlated"`
}

// CorrelatedResponse lists markets correlated with Market.
type CorrelatedResponse struct {
	Market     string                          `json:"market"`
	Threshold  decimal.Decimal                 `json:"threshold"`
	Correlated []correlation.MarketCorrelation `json:"correlated"`
}

// PenaltyRequest asks for the size multiplier of a new position.
type PenaltyRequest struct {
	Candidate string   `json:"candidate"`
	Existing  []string `json:"existing"`
}

// PenaltyResponse carries the multiplier in [0.5, 1].
type PenaltyResponse struct {
	Candidate string          `json:"candidate"`
	Penalty   decimal.Decimal `json:"penalty"`
}

// SizeRequest is a sizing query. Pointer fields are required.
type SizeRequest struct {
	Market      string           `json:"market"`
	BaseSize    *decimal.Decimal `json:"base_size"`
	Balance     *decimal.Decimal `json:"balance"`
	OpenMarkets []string         `json:"open_markets"`
}

// MarketsResponse lists every tracked stream.
type MarketsResponse struct {
	Count   int                    `json:"count"`
	Markets []pipeline.MarketStats `json:"markets"`
}

// AnomalyCountsResponse aggregates audit records by kind.
type AnomalyCountsResponse struct {
	From   time.Time        `json:"from"`
	To     time.Time        `json:"to"`
	Counts map[string]int64 `json:"counts"`
}
