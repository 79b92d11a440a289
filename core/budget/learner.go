// Package budget estimates the day's total energy budget from a weather
// forecast and learns per-device heating coefficients from observed
// comfort failures.
package budget

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/evjund/capguard/core/logger"
	"github.com/evjund/capguard/core/model"
)

// ForecastHour is one hour of the outdoor temperature forecast.
type ForecastHour struct {
	Time           time.Time `json:"time"`
	AirTemperature float64   `json:"air_temperature"`
}

// ForecastProvider supplies the outdoor temperature forecast. Providers
// degrade to an error on any failure; the learner fails soft.
type ForecastProvider interface {
	Hourly(ctx context.Context, hours int) ([]ForecastHour, error)
}

// CoefficientStore persists the learned coefficient table.
type CoefficientStore interface {
	Save(map[string]float64) error
	Load() (map[string]float64, error)
}

// Config tunes the budget estimate and the learning loop.
type Config struct {
	BaseFloorKWh        float64 `json:"base_floor_kwh"`
	UncontrolledLoadKWh float64 `json:"uncontrolled_load_kwh"`
	// DefaultCoefficient is the kWh-per-degree-hour assumed for a heating
	// device before anything has been learned about it.
	DefaultCoefficient float64 `json:"default_coefficient"`
	MaxCoefficient     float64 `json:"max_coefficient"`
	// GrowthFactor is the multiplicative step applied on a comfort failure.
	GrowthFactor float64 `json:"growth_factor"`
	// ComfortDeficitC is how far below setpoint counts as a failure.
	ComfortDeficitC float64 `json:"comfort_deficit_c"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.DefaultCoefficient <= 0 {
		c.DefaultCoefficient = 0.02
	}
	if c.MaxCoefficient <= 0 {
		c.MaxCoefficient = 0.5
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = 1.05
	}
	if c.ComfortDeficitC <= 0 {
		c.ComfortDeficitC = 1.0
	}
}

// Learner owns the coefficient table and the daily budget estimate.
// Coefficients only ever increase, by the configured factor, capped, and at
// most once per device per calendar day.
type Learner struct {
	cfg      Config
	store    CoefficientStore
	forecast ForecastProvider
	log      logger.Logger
	notify   func(deviceID string, old, next float64)
	now      func() time.Time

	mu             sync.Mutex
	coefficients   map[string]float64
	lastFailureDay map[string]string
}

// NewLearner creates a Learner and loads persisted coefficients. Entries
// that are non-finite or non-positive are dropped individually; a broken
// store never fails construction.
func NewLearner(cfg Config, store CoefficientStore, forecast ForecastProvider, log logger.Logger) *Learner {
	cfg.SetDefaults()
	l := &Learner{
		cfg:            cfg,
		store:          store,
		forecast:       forecast,
		log:            log,
		now:            time.Now,
		coefficients:   map[string]float64{},
		lastFailureDay: map[string]string{},
	}
	if store == nil {
		return l
	}
	loaded, err := store.Load()
	if err != nil {
		log.Warnf("coefficient load failed, starting empty: %v", err)
		return l
	}
	for id, v := range loaded {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			log.Warnf("dropping invalid persisted coefficient for %s: %v", id, v)
			continue
		}
		if v > cfg.MaxCoefficient {
			v = cfg.MaxCoefficient
		}
		l.coefficients[id] = v
	}
	return l
}

// SetNotify installs an observer called after every coefficient raise.
func (l *Learner) SetNotify(fn func(deviceID string, old, next float64)) {
	l.mu.Lock()
	l.notify = fn
	l.mu.Unlock()
}

// Coefficient returns the learned coefficient for the device, or the
// configured default when unlearned.
func (l *Learner) Coefficient(deviceID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.coefficientLocked(deviceID)
}

func (l *Learner) coefficientLocked(deviceID string) float64 {
	if v, ok := l.coefficients[deviceID]; ok {
		return v
	}
	return l.cfg.DefaultCoefficient
}

// CalculateDailyBudget predicts the day's total energy need in kWh: heating
// need per forecast hour and device, plus the base floor and the
// uncontrolled load. When the forecast is unavailable it fails soft,
// returning false so the caller keeps its prior budget.
func (l *Learner) CalculateDailyBudget(ctx context.Context, devices []model.Device) (float64, bool) {
	forecast, err := l.forecastHours(ctx)
	if err != nil {
		l.log.Warnf("no forecast, keeping prior budget: %v", err)
		return 0, false
	}
	if len(forecast) == 0 {
		l.log.Warnf("empty forecast, keeping prior budget")
		return 0, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.cfg.BaseFloorKWh + l.cfg.UncontrolledLoadKWh
	for _, d := range devices {
		if !d.Heating {
			continue
		}
		coeff := l.coefficientLocked(d.ID)
		for _, h := range forecast {
			need := d.TargetTempC - h.AirTemperature
			if need <= 0 {
				continue
			}
			total += need * coeff
		}
	}
	return total, true
}

func (l *Learner) forecastHours(ctx context.Context) ([]ForecastHour, error) {
	if l.forecast == nil {
		return nil, errNoProvider
	}
	hours, err := l.forecast.Hourly(ctx, 24)
	if err != nil {
		return nil, err
	}
	if len(hours) > 24 {
		hours = hours[:24]
	}
	return hours, nil
}

// UpdateFeedback inspects current temperatures and raises the coefficient
// of each device sitting more than the comfort deficit below its setpoint,
// at most once per device per calendar day.
func (l *Learner) UpdateFeedback(devices []model.Device) {
	today := DateKey(l.now())
	for _, d := range devices {
		if !d.Heating || d.ComfortDeficit() <= l.cfg.ComfortDeficitC {
			continue
		}
		l.mu.Lock()
		already := l.lastFailureDay[d.ID] == today
		l.mu.Unlock()
		if already {
			continue
		}
		l.RecordDailyFailure(d.ID)
	}
}

// RecordDailyFailure applies one multiplicative coefficient increase for the
// device, capped at the configured maximum, persists the table and stamps
// today as the device's last failure day. Coefficients never decrease.
func (l *Learner) RecordDailyFailure(deviceID string) {
	l.mu.Lock()
	old := l.coefficientLocked(deviceID)
	next := old * l.cfg.GrowthFactor
	if next > l.cfg.MaxCoefficient {
		next = l.cfg.MaxCoefficient
	}
	l.coefficients[deviceID] = next
	l.lastFailureDay[deviceID] = DateKey(l.now())
	snapshot := make(map[string]float64, len(l.coefficients))
	for k, v := range l.coefficients {
		snapshot[k] = v
	}
	notify := l.notify
	l.mu.Unlock()

	l.log.Infof("heating coefficient for %s raised %.4f -> %.4f", deviceID, old, next)
	if notify != nil && next > old {
		notify(deviceID, old, next)
	}
	if l.store != nil {
		if err := l.store.Save(snapshot); err != nil {
			l.log.Errorf("coefficient save failed: %v", err)
		}
	}
}

// Coefficients returns a copy of the learned table.
func (l *Learner) Coefficients() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.coefficients))
	for k, v := range l.coefficients {
		out[k] = v
	}
	return out
}

// DateKey returns the YYYY-MM-DD calendar key for t in UTC.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
