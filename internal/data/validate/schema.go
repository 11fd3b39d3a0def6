package validate

// FieldCheck pairs a field name with whether the field was present.
type FieldCheck struct {
	Field   string
	Present bool
}

// Present builds a FieldCheck.
func Present(field string, present bool) FieldCheck {
	return FieldCheck{Field: field, Present: present}
}

// ValidateRequiredFields produces a MissingField anomaly for every absent
// field, in the order given.
func ValidateRequiredFields(checks ...FieldCheck) ValidationResult {
	var anomalies []Anomaly
	for _, c := range checks {
		if !c.Present {
			anomalies = append(anomalies, MissingField{Field: c.Field})
		}
	}
	return resultFrom(anomalies)
}
