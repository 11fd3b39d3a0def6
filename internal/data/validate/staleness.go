package validate

import "time"

// ageSeconds returns whole seconds elapsed between ts and now. Timestamps in
// the future produce a negative age and are never considered stale.
func ageSeconds(ts, now time.Time) int64 {
	return int64(now.Sub(ts) / time.Second)
}

// checkStaleness judges ts against the evaluation time now, not against the
// time the tick was ingested.
func checkStaleness(ts, now time.Time, maxAgeSecs int64) (StaleData, bool) {
	age := ageSeconds(ts, now)
	if age > maxAgeSecs {
		return StaleData{AgeSecs: age, MaxAge: maxAgeSecs}, true
	}
	return StaleData{}, false
}
