package domain

import "time"

// DaysSince returns fractional days elapsed since t.
func DaysSince(t time.Time, now time.Time) float64 {
	return now.Sub(t).Hours() / 24
}

// SkipForFreshness reports whether cached data is fresh enough to skip a
// refetch. Data is skipped when it is younger than the refresh interval, or
// when a max age is set and the data is younger than it. A nil lastSynced
// (never fetched) is never skipped; a nil maxAgeDays means always refresh
// unless the refresh interval still holds the data back.
func SkipForFreshness(lastSynced *time.Time, maxAgeDays, refreshIntervalDays *int, now time.Time) bool {
	if lastSynced == nil {
		return false
	}
	days := DaysSince(*lastSynced, now)
	if refreshIntervalDays != nil && days < float64(*refreshIntervalDays) {
		return true
	}
	if maxAgeDays != nil && days < float64(*maxAgeDays) {
		return true
	}
	return false
}

// ShouldRefresh reports whether cached data has aged out. A nil maxAgeDays
// means always refresh.
func ShouldRefresh(lastSynced *time.Time, maxAgeDays *int, now time.Time) bool {
	if lastSynced == nil || maxAgeDays == nil {
		return true
	}
	return DaysSince(*lastSynced, now) >= float64(*maxAgeDays)
}
