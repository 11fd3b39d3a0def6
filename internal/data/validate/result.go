package validate

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationResult is the outcome of screening one tick or quote.
type ValidationResult struct {
	IsValid      bool
	Anomalies    []Anomaly
	CleanedValue *decimal.Decimal
}

func validResult() ValidationResult {
	return ValidationResult{IsValid: true}
}

func resultFrom(anomalies []Anomaly) ValidationResult {
	if len(anomalies) == 0 {
		return validResult()
	}
	return ValidationResult{IsValid: false, Anomalies: anomalies}
}

// Has reports whether an anomaly of the given kind was detected.
func (r ValidationResult) Has(kind AnomalyKind) bool {
	for _, a := range r.Anomalies {
		if a.Kind() == kind {
			return true
		}
	}
	return false
}

// Kinds lists detected anomaly kinds in detection order.
func (r ValidationResult) Kinds() []AnomalyKind {
	kinds := make([]AnomalyKind, 0, len(r.Anomalies))
	for _, a := range r.Anomalies {
		kinds = append(kinds, a.Kind())
	}
	return kinds
}

// MarshalJSON renders anomalies as kind-tagged envelopes.
func (r ValidationResult) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		IsValid:      r.IsValid,
		Anomalies:    make([]json.RawMessage, 0, len(r.Anomalies)),
		CleanedValue: r.CleanedValue,
	}
	for _, a := range r.Anomalies {
		raw, err := MarshalAnomaly(a)
		if err != nil {
			return nil, err
		}
		out.Anomalies = append(out.Anomalies, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *ValidationResult) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("unmarshal validation result: %w", err)
	}
	r.IsValid = in.IsValid
	r.CleanedValue = in.CleanedValue
	r.Anomalies = nil
	for _, raw := range in.Anomalies {
		a, err := UnmarshalAnomaly(raw)
		if err != nil {
			return err
		}
		r.Anomalies = append(r.Anomalies, a)
	}
	return nil
}

type resultJSON struct {
	IsValid      bool              `json:"is_valid"`
	Anomalies    []json.RawMessage `json:"anomalies"`
	CleanedValue *decimal.Decimal  `json:"cleaned_value,omitempty"`
}
