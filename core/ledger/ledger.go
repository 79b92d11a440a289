// Package ledger keeps the rolling hour-bucketed usage accounting that feeds
// the soft-limit calculation and the daily budget planner.
package ledger

import (
	"math"
	"time"

	"github.com/evjund/capguard/core/logger"
	"github.com/evjund/capguard/core/model"
)

// DefaultMaxGap caps the duration integrated between two samples so one
// corrupt timestamp cannot inflate history arbitrarily.
const DefaultMaxGap = 15 * time.Minute

// Config tunes ledger behavior.
type Config struct {
	MaxGap time.Duration `json:"max_gap"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.MaxGap <= 0 {
		c.MaxGap = DefaultMaxGap
	}
}

// Ledger performs time-weighted integration of power samples into the
// bucketed state. It holds no state of its own and does no I/O; persistence
// belongs to the caller.
type Ledger struct {
	cfg Config
	log logger.Logger
}

// New creates a Ledger.
func New(cfg Config, log logger.Logger) *Ledger {
	cfg.SetDefaults()
	return &Ledger{cfg: cfg, log: log}
}

// RecordSample integrates the elapsed time since the previous sample at the
// previous power value into the current hour's bucket and returns the new
// state. The boolean reports whether the state changed. Samples that do not
// advance time are ignored.
func (l *Ledger) RecordSample(st State, s model.PowerSample) (State, bool) {
	if s.At.IsZero() || !isFinite(s.TotalPowerW) {
		return st, false
	}
	now := s.At.UTC()

	if st.LastTimestamp == 0 {
		ns := st.clone()
		ns.Buckets[BucketKey(now)] += 0 // open the current bucket
		ns.LastPowerW = s.TotalPowerW
		ns.LastTimestamp = now.UnixMilli()
		return ns, true
	}

	last := time.UnixMilli(st.LastTimestamp).UTC()
	if !now.After(last) {
		return st, false
	}

	// Integration window, capped against corrupt clocks. Hour boundaries
	// crossed outside the window still finalize their (possibly empty)
	// buckets so daily totals stay consistent.
	effStart := last
	if gap := now.Sub(last); gap > l.cfg.MaxGap {
		l.log.Warnf("ledger: %s gap since last sample, capping integration at %s", gap, l.cfg.MaxGap)
		effStart = now.Add(-l.cfg.MaxGap)
	}

	ns := st.clone()
	powerKw := st.LastPowerW / 1000

	cur := last
	for cur.Before(now) {
		hourEnd := cur.Truncate(time.Hour).Add(time.Hour)
		segEnd := hourEnd
		if now.Before(segEnd) {
			segEnd = now
		}
		from := cur
		if from.Before(effStart) {
			from = effStart
		}
		key := BucketKey(cur)
		if segEnd.After(from) {
			ns.Buckets[key] += powerKw * segEnd.Sub(from).Hours()
		} else {
			ns.Buckets[key] += 0
		}
		if !hourEnd.After(now) {
			l.finalize(&ns, cur.Truncate(time.Hour), ns.Buckets[key])
		}
		cur = segEnd
	}

	ns.LastPowerW = s.TotalPowerW
	ns.LastTimestamp = now.UnixMilli()
	return ns, true
}

// finalize folds a completed hour bucket into the daily total and the
// day-of-week/hour-of-day running average.
func (l *Ledger) finalize(ns *State, hourStart time.Time, kwh float64) {
	ns.DailyTotals[DateKey(hourStart)] += kwh
	acc := ns.HourlyAverages[AverageKey(hourStart)]
	acc.Sum += kwh
	acc.Count++
	ns.HourlyAverages[AverageKey(hourStart)] = acc
}

// SetBudgetCap writes the planned kWh ceiling overlay for the hour
// containing t.
func (l *Ledger) SetBudgetCap(st State, t time.Time, plannedKWh float64) State {
	ns := st.clone()
	ns.DailyBudgetCaps[BucketKey(t)] = plannedKWh
	return ns
}

// UsedToday returns the energy consumed so far on the day containing now:
// the finalized daily total plus the still-open current bucket.
func (l *Ledger) UsedToday(st State, now time.Time) float64 {
	return st.DailyTotals[DateKey(now)] + st.Buckets[BucketKey(now)]
}

// Prune drops bucket and budget-cap keys older than keep, returning the
// trimmed state. Daily totals and hourly averages are retained.
func (l *Ledger) Prune(st State, now time.Time, keep time.Duration) State {
	cutoff := now.UTC().Add(-keep)
	ns := st.clone()
	for key := range ns.Buckets {
		t, err := time.Parse(time.RFC3339, key)
		if err != nil || t.Before(cutoff) {
			delete(ns.Buckets, key)
		}
	}
	for key := range ns.DailyBudgetCaps {
		t, err := time.Parse(time.RFC3339, key)
		if err != nil || t.Before(cutoff) {
			delete(ns.DailyBudgetCaps, key)
		}
	}
	return ns
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
