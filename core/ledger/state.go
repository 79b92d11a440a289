package ledger

import (
	"fmt"
	"time"
)

// Accumulator is a running mean accumulator for one day-of-week/hour slot.
type Accumulator struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

// Mean returns the accumulated average, or zero when empty.
func (a Accumulator) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// State is the persisted ledger snapshot. All mutation happens through
// state replacement: Ledger methods return a fresh value and never alias
// the maps of their input.
type State struct {
	Buckets         map[string]float64     `json:"buckets"`
	DailyTotals     map[string]float64     `json:"dailyTotals"`
	HourlyAverages  map[string]Accumulator `json:"hourlyAverages"`
	DailyBudgetCaps map[string]float64     `json:"dailyBudgetCaps"`
	LastPowerW      float64                `json:"lastPowerW"`
	LastTimestamp   int64                  `json:"lastTimestamp"` // unix milliseconds
}

// NewState returns an empty ledger state.
func NewState() State {
	return State{
		Buckets:         map[string]float64{},
		DailyTotals:     map[string]float64{},
		HourlyAverages:  map[string]Accumulator{},
		DailyBudgetCaps: map[string]float64{},
	}
}

// Normalize replaces nil maps with empty ones so a snapshot loaded from a
// partial or malformed file behaves like an empty ledger.
func (s State) Normalize() State {
	if s.Buckets == nil {
		s.Buckets = map[string]float64{}
	}
	if s.DailyTotals == nil {
		s.DailyTotals = map[string]float64{}
	}
	if s.HourlyAverages == nil {
		s.HourlyAverages = map[string]Accumulator{}
	}
	if s.DailyBudgetCaps == nil {
		s.DailyBudgetCaps = map[string]float64{}
	}
	return s
}

func (s State) clone() State {
	ns := State{
		Buckets:         make(map[string]float64, len(s.Buckets)+1),
		DailyTotals:     make(map[string]float64, len(s.DailyTotals)+1),
		HourlyAverages:  make(map[string]Accumulator, len(s.HourlyAverages)+1),
		DailyBudgetCaps: make(map[string]float64, len(s.DailyBudgetCaps)),
		LastPowerW:      s.LastPowerW,
		LastTimestamp:   s.LastTimestamp,
	}
	for k, v := range s.Buckets {
		ns.Buckets[k] = v
	}
	for k, v := range s.DailyTotals {
		ns.DailyTotals[k] = v
	}
	for k, v := range s.HourlyAverages {
		ns.HourlyAverages[k] = v
	}
	for k, v := range s.DailyBudgetCaps {
		ns.DailyBudgetCaps[k] = v
	}
	return ns
}

// Store persists ledger snapshots. Implementations must tolerate malformed
// content on load and return an empty state instead of failing.
type Store interface {
	Save(State) error
	Load() (State, error)
}

// BucketKey returns the hour-aligned UTC key for t.
func BucketKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(time.RFC3339)
}

// DateKey returns the YYYY-MM-DD key for t in UTC.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// AverageKey returns the day-of-week/hour-of-day slot key for t.
func AverageKey(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%d_%d", int(u.Weekday()), u.Hour())
}
