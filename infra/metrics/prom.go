package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/evjund/capguard/core/metrics"
)

// PromSink exposes control-loop observations as Prometheus metrics.
type PromSink struct {
	currentPower   prometheus.Gauge
	softLimit      prometheus.Gauge
	headroom       prometheus.Gauge
	usedToday      prometheus.Gauge
	dailyBudget    prometheus.Gauge
	coefficient    *prometheus.GaugeVec
	rebuilds       *prometheus.CounterVec
	coalesced      prometheus.Counter
	droppedSamples *prometheus.CounterVec
	rebuildTime    prometheus.Histogram
}

// NewPromSink registers the capacity metrics on the default Prometheus
// registerer. The metrics server should be started separately.
func NewPromSink(cfg coremetrics.Config) (coremetrics.Sink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global one. Collectors that are already
// registered are reused, so repeated construction is safe.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (coremetrics.Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		currentPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capguard_current_power_watts",
			Help: "Most recent total household power draw",
		}),
		softLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capguard_soft_limit_kw",
			Help: "Allowed instantaneous rate keeping the daily budget on pace",
		}),
		headroom: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capguard_headroom_kw",
			Help: "Margin between current draw and the operating ceiling",
		}),
		usedToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capguard_used_today_kwh",
			Help: "Energy consumed so far today",
		}),
		dailyBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capguard_daily_budget_kwh",
			Help: "Planned energy budget for the current day",
		}),
		coefficient: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capguard_heating_coefficient",
			Help: "Learned heating coefficient per device in kWh per degree-hour",
		}, []string{"device"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capguard_plan_rebuilds_total",
			Help: "Shed-plan rebuild invocations",
		}, []string{"reason", "failed"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capguard_coalesced_calls_total",
			Help: "Triggers merged into an already scheduled rebuild",
		}),
		droppedSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capguard_dropped_samples_total",
			Help: "Power samples rejected before reaching the ledger",
		}, []string{"reason"}),
		rebuildTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capguard_plan_rebuild_seconds",
			Help:    "Duration of shed-plan rebuild invocations",
			Buckets: prometheus.DefBuckets,
		}),
	}

	var err error
	if s.currentPower, err = register(reg, s.currentPower); err != nil {
		return nil, err
	}
	if s.softLimit, err = register(reg, s.softLimit); err != nil {
		return nil, err
	}
	if s.headroom, err = register(reg, s.headroom); err != nil {
		return nil, err
	}
	if s.usedToday, err = register(reg, s.usedToday); err != nil {
		return nil, err
	}
	if s.dailyBudget, err = register(reg, s.dailyBudget); err != nil {
		return nil, err
	}
	if s.coefficient, err = register(reg, s.coefficient); err != nil {
		return nil, err
	}
	if s.rebuilds, err = register(reg, s.rebuilds); err != nil {
		return nil, err
	}
	if s.coalesced, err = register(reg, s.coalesced); err != nil {
		return nil, err
	}
	if s.droppedSamples, err = register(reg, s.droppedSamples); err != nil {
		return nil, err
	}
	if s.rebuildTime, err = register(reg, s.rebuildTime); err != nil {
		return nil, err
	}
	return s, nil
}

// register keeps the already-registered collector when one exists so
// repeated sink construction shares the same series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(T), nil
		}
		return c, err
	}
	return c, nil
}

// RecordSample updates the live gauges.
func (s *PromSink) RecordSample(rec coremetrics.SampleRecord) error {
	s.currentPower.Set(rec.TotalPowerW)
	s.softLimit.Set(rec.SoftLimitKw)
	s.headroom.Set(rec.HeadroomKw)
	s.usedToday.Set(rec.UsedTodayKWh)
	return nil
}

// RecordRebuild counts the invocation and observes its duration.
func (s *PromSink) RecordRebuild(rec coremetrics.RebuildRecord) error {
	s.rebuilds.WithLabelValues(rec.Reason, strconv.FormatBool(rec.Failed)).Inc()
	s.rebuildTime.Observe(rec.Duration.Seconds())
	return nil
}

// RecordBudget updates the planned budget gauge.
func (s *PromSink) RecordBudget(rec coremetrics.BudgetRecord) error {
	s.dailyBudget.Set(rec.PlannedKWh)
	return nil
}

// RecordCoefficient updates the per-device coefficient gauge.
func (s *PromSink) RecordCoefficient(rec coremetrics.CoefficientRecord) error {
	s.coefficient.WithLabelValues(rec.DeviceID).Set(rec.New)
	return nil
}

// RecordCoalesced counts one merged trigger.
func (s *PromSink) RecordCoalesced() error {
	s.coalesced.Inc()
	return nil
}

// RecordDroppedSample counts one rejected sample.
func (s *PromSink) RecordDroppedSample(reason string) error {
	s.droppedSamples.WithLabelValues(reason).Inc()
	return nil
}
