package ledger

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// TypicalKWh forecasts typical usage for the day-of-week/hour-of-day slot of
// t from the running averages. It returns false when no history exists for
// that slot.
func TypicalKWh(st State, t time.Time) (float64, bool) {
	acc, ok := st.HourlyAverages[AverageKey(t)]
	if !ok || acc.Count == 0 {
		return 0, false
	}
	return acc.Mean(), true
}

// TypicalDayKWh is the mean of all recorded daily totals, a static fallback
// budget when no weather-driven estimate is available.
func TypicalDayKWh(st State) (float64, bool) {
	totals := dailyValues(st)
	if len(totals) == 0 {
		return 0, false
	}
	return stat.Mean(totals, nil), true
}

// DailyQuantile returns the q quantile (0..1) of recorded daily totals,
// used for capacity diagnostics.
func DailyQuantile(st State, q float64) (float64, bool) {
	totals := dailyValues(st)
	if len(totals) == 0 {
		return 0, false
	}
	sort.Float64s(totals)
	return stat.Quantile(q, stat.Empirical, totals, nil), true
}

func dailyValues(st State) []float64 {
	vals := make([]float64, 0, len(st.DailyTotals))
	for _, v := range st.DailyTotals {
		vals = append(vals, v)
	}
	return vals
}
