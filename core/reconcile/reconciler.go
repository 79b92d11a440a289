// Package reconcile fuses noisy, multi-sourced per-device power telemetry
// into one trustworthy reading per device.
package reconcile

import (
	"math"
	"sync"
	"time"

	"github.com/evjund/capguard/core/logger"
	"github.com/evjund/capguard/core/model"
)

// ExpectedSource identifies which channel an expected-power figure came from.
type ExpectedSource string

const (
	SourceMeasured ExpectedSource = "measured"
	SourceLoad     ExpectedSource = "load"
	SourceDefault  ExpectedSource = "default"
)

// Result is the fused power view of one device for one callback turn.
type Result struct {
	MeasuredKw   float64
	HasMeasured  bool
	ExpectedKw   float64
	HasExpected  bool
	Source       ExpectedSource
	PowerCapable bool
}

type measurement struct {
	Kw float64
	At time.Time
}

type meterPoint struct {
	KWh float64
	At  time.Time
}

// deviceState is owned exclusively by the reconciler and mutated only on
// new samples.
type deviceState struct {
	lastMeasured *measurement
	lastMeter    *meterPoint
	lastKnownKw  float64 // monotonic peak, never decreases
}

// Reconciler resolves raw per-device readings in a fixed preference order:
// self-reported channels (instant power, cumulative meter) are authoritative,
// the platform-wide live report is a fallback when the device reports
// neither, and the configured nameplate load only informs the expected-power
// estimate.
type Reconciler struct {
	mu      sync.Mutex
	devices map[string]*deviceState
	log     logger.Logger
}

// New creates a Reconciler.
func New(log logger.Logger) *Reconciler {
	return &Reconciler{devices: make(map[string]*deviceState), log: log}
}

// Resolve fuses the readings observed for one device into a Result and
// updates the device's tracked state. Non-finite raw values degrade to "no
// data" for their channel.
func (r *Reconciler) Resolve(dr model.DeviceReadings) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.devices[dr.DeviceID]
	if st == nil {
		st = &deviceState{}
		r.devices[dr.DeviceID] = st
	}

	var (
		instant      *model.Reading
		meter        *model.Reading
		platform     *model.Reading
		selfReported bool
	)
	loadW := dr.Profile.NameplateLoadW
	for i := range dr.Readings {
		rd := &dr.Readings[i]
		if !isFinite(rd.Value) {
			r.log.Debugf("device %s: dropping non-finite %s reading", dr.DeviceID, rd.Kind)
			continue
		}
		switch rd.Kind {
		case model.KindInstant:
			instant = rd
		case model.KindCumulativeMeter:
			meter = rd
		case model.KindPlatformReport:
			platform = rd
		case model.KindNameplateLoad:
			loadW = rd.Value
		}
	}
	// A self-reported channel counts even when its value is exactly zero.
	selfReported = instant != nil || meter != nil

	res := Result{Source: SourceDefault}
	switch {
	case instant != nil:
		res.MeasuredKw = instant.Value / 1000
		res.HasMeasured = true
		st.lastMeasured = &measurement{Kw: res.MeasuredKw, At: instant.At}
	case meter != nil:
		if kw, ok := r.meterDelta(dr.DeviceID, st, meter); ok {
			res.MeasuredKw = kw
			res.HasMeasured = true
			st.lastMeasured = &measurement{Kw: kw, At: meter.At}
		}
	case platform != nil && !selfReported:
		res.MeasuredKw = platform.Value / 1000
		res.HasMeasured = true
		st.lastMeasured = &measurement{Kw: res.MeasuredKw, At: platform.At}
	}
	if meter != nil && instant != nil {
		// Instant wins, but the meter baseline still advances so the next
		// delta is computed against the latest counter value.
		r.advanceMeter(st, meter)
	}

	if res.HasMeasured && res.MeasuredKw > st.lastKnownKw {
		st.lastKnownKw = res.MeasuredKw
	}

	switch {
	case res.HasMeasured:
		res.Source = SourceMeasured
		res.ExpectedKw = res.MeasuredKw
		res.HasExpected = true
	case loadW > 0:
		// A configured load of exactly zero means "not configured".
		res.Source = SourceLoad
		res.ExpectedKw = loadW / 1000
		res.HasExpected = true
	default:
		res.Source = SourceDefault
		if st.lastKnownKw > 0 {
			res.ExpectedKw = st.lastKnownKw
			res.HasExpected = true
		}
	}

	res.PowerCapable = dr.Profile.HasPowerCapability ||
		loadW > 0 ||
		res.HasMeasured ||
		dr.Profile.OnOffDeltaW > 0

	return res
}

// meterDelta derives average power from two cumulative meter readings. A
// decreasing counter is a meter reset: the baseline is re-armed and no
// measured value is produced.
func (r *Reconciler) meterDelta(id string, st *deviceState, rd *model.Reading) (float64, bool) {
	prev := st.lastMeter
	if prev == nil {
		st.lastMeter = &meterPoint{KWh: rd.Value, At: rd.At}
		return 0, false
	}
	if !rd.At.After(prev.At) {
		return 0, false
	}
	delta := rd.Value - prev.KWh
	if delta < 0 {
		r.log.Warnf("device %s: cumulative meter decreased (%.3f -> %.3f), treating as reset", id, prev.KWh, rd.Value)
		st.lastMeter = &meterPoint{KWh: rd.Value, At: rd.At}
		return 0, false
	}
	hours := rd.At.Sub(prev.At).Hours()
	st.lastMeter = &meterPoint{KWh: rd.Value, At: rd.At}
	if hours <= 0 {
		return 0, false
	}
	return delta / hours, true
}

func (r *Reconciler) advanceMeter(st *deviceState, rd *model.Reading) {
	if st.lastMeter == nil || rd.At.After(st.lastMeter.At) {
		if st.lastMeter != nil && rd.Value < st.lastMeter.KWh {
			// Reset while the instant channel was authoritative.
			st.lastMeter = &meterPoint{KWh: rd.Value, At: rd.At}
			return
		}
		st.lastMeter = &meterPoint{KWh: rd.Value, At: rd.At}
	}
}

// LastKnownKw returns the monotonic per-device peak used as the
// expected-power fallback.
func (r *Reconciler) LastKnownKw(deviceID string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[deviceID]
	if !ok || st.lastKnownKw == 0 {
		return 0, false
	}
	return st.lastKnownKw, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
