// Package capacity holds the pure power-ceiling arithmetic: the daily-usage
// soft limit and headroom against the subscribed capacity step.
package capacity

import "time"

// MinRemaining is the floor applied to the remaining bucket time so the
// allowed rate does not diverge as the bucket nears its end.
const MinRemaining = 10 * time.Minute

// SoftLimitInput describes one soft-limit evaluation.
type SoftLimitInput struct {
	PlannedKWh  float64
	UsedKWh     float64
	BucketStart time.Time
	BucketEnd   time.Time
	Now         time.Time
}

// ComputeDailyUsageSoftLimit returns the instantaneous power rate in kW that
// keeps the remaining budget consumable in the remaining bucket time.
//
// No end-of-bucket rate capping is applied: near the end of a bucket this
// legitimately returns a large burst rate, because the remaining energy must
// be consumable in the remaining (floored) time. A zero planned budget
// always yields zero.
func ComputeDailyUsageSoftLimit(in SoftLimitInput) float64 {
	if in.PlannedKWh <= 0 {
		return 0
	}
	remainingKWh := in.PlannedKWh - in.UsedKWh
	if remainingKWh < 0 {
		remainingKWh = 0
	}
	remainingHours := in.BucketEnd.Sub(in.Now).Hours()
	if floor := MinRemaining.Hours(); remainingHours < floor {
		remainingHours = floor
	}
	return remainingKWh / remainingHours
}

// SoftLimitKw derives the operating ceiling from the subscribed capacity
// limit and the configured safety margin.
func SoftLimitKw(limitKw, marginKw float64) float64 {
	return limitKw - marginKw
}

// HeadroomKw is the margin between the current draw and the operating
// ceiling. Negative headroom means the ceiling is already exceeded.
func HeadroomKw(limitKw, marginKw, currentPowerW float64) float64 {
	return SoftLimitKw(limitKw, marginKw) - currentPowerW/1000
}

// DayWindow returns the UTC day bucket containing t.
func DayWindow(t time.Time) (start, end time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
