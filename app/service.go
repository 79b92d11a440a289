package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evjund/capguard/config"
	"github.com/evjund/capguard/core/budget"
	"github.com/evjund/capguard/core/controller"
	"github.com/evjund/capguard/core/events"
	"github.com/evjund/capguard/core/ledger"
	coremetrics "github.com/evjund/capguard/core/metrics"
	"github.com/evjund/capguard/core/model"
	"github.com/evjund/capguard/core/telemetry"
	"github.com/evjund/capguard/infra/logger"
	"github.com/evjund/capguard/infra/metrics"
	"github.com/evjund/capguard/infra/mqtt"
	"github.com/evjund/capguard/infra/store"
	"github.com/evjund/capguard/infra/weather"
	"github.com/evjund/capguard/internal/eventbus"
)

const feedbackInterval = 10 * time.Minute

// Service wires the telemetry source, the capacity controller and the
// metrics pipeline together.
type Service struct {
	Controller *controller.Controller

	cfg    *config.Config
	source telemetry.Source
	bus    eventbus.EventBus
	sink   coremetrics.Sink
	log    logger.Logger

	mu      sync.Mutex
	devices []model.Device
	temps   map[string]float64
}

// New creates a Service from the configuration. The source is optional; when
// nil an MQTT source is built from the config (tests and the replay command
// inject their own).
func New(cfg *config.Config, source telemetry.Source) (*Service, error) {
	logg := logger.New("service")

	if source == nil {
		src, err := mqtt.NewPahoSource(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt source: %w", err)
		}
		source = src
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sink := metrics.NewInfluxSinkWithFallback(cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket)
		sinks = append(sinks, sink)
	}
	var sink coremetrics.Sink
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	ledStore := store.NewLedgerFile(cfg.Ledger.StatePath, logger.New("ledger-store"))
	coefStore := store.NewCoefficientFile(cfg.Ledger.CoefficientPath, logger.New("coefficient-store"))

	var forecast budget.ForecastProvider
	if cfg.Weather.Enabled {
		forecast = weather.New(cfg.Weather.ClientConfig(), logger.New("weather"))
	}
	learner := budget.NewLearner(cfg.Budget, coefStore, forecast, logger.New("budget"))

	bus := eventbus.New()
	learner.SetNotify(func(deviceID string, old, next float64) {
		bus.Publish(events.CoefficientEvent{DeviceID: deviceID, Old: old, New: next})
	})

	rebuildPlan := func(ctx context.Context) error {
		if req, ok := source.(telemetry.RebuildRequester); ok {
			return req.RequestRebuild(ctx, "capacity_change")
		}
		return nil
	}

	ctrl := controller.New(
		cfg.Capacity,
		ledger.New(cfg.Ledger.LedgerConfig(), logger.New("ledger")),
		cfg.Rebuild,
		rebuildPlan,
		learner,
		ledStore,
		bus,
		logger.New("controller"),
	)

	devices := make([]model.Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, d.Device())
	}

	return &Service{
		Controller: ctrl,
		cfg:        cfg,
		source:     source,
		bus:        bus,
		sink:       sink,
		log:        logg,
		devices:    devices,
		temps:      make(map[string]float64),
	}, nil
}

// Run starts the control loop and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.sink != nil {
		metrics.StartEventCollector(ctx, s.bus, s.sink)
	}
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	go func() {
		if err := s.source.Start(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorf("telemetry source: %v", err)
		}
	}()

	s.Controller.RecalculateBudget(ctx, s.currentDevices())

	midnight := time.NewTimer(untilNextMidnight(time.Now()))
	defer midnight.Stop()
	feedback := time.NewTicker(feedbackInterval)
	defer feedback.Stop()

	samples := s.source.Samples()
	readings := s.source.DeviceReadings()

	for {
		select {
		case sample, ok := <-samples:
			if !ok {
				samples = nil
				if readings == nil {
					return nil
				}
				continue
			}
			s.Controller.HandleSample(ctx, sample)
		case dr, ok := <-readings:
			if !ok {
				readings = nil
				if samples == nil {
					return nil
				}
				continue
			}
			s.observeTemp(dr)
			s.Controller.HandleDeviceReadings(dr)
		case <-feedback.C:
			s.Controller.UpdateFeedback(s.currentDevices())
		case <-midnight.C:
			devices := s.currentDevices()
			s.Controller.RecalculateBudget(ctx, devices)
			s.Controller.Prune(time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour)
			midnight.Reset(untilNextMidnight(time.Now()))
		case <-ctx.Done():
			return nil
		}
	}
}

// observeTemp keeps the latest reported room temperature per device for
// comfort feedback.
func (s *Service) observeTemp(dr model.DeviceReadings) {
	if dr.TempC == nil {
		return
	}
	s.mu.Lock()
	s.temps[dr.DeviceID] = *dr.TempC
	s.mu.Unlock()
}

// currentDevices returns the configured devices with their last observed
// temperatures filled in.
func (s *Service) currentDevices() []model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Device, len(s.devices))
	copy(out, s.devices)
	for i := range out {
		if temp, ok := s.temps[out[i].ID]; ok {
			out[i].CurrentTempC = temp
		} else {
			// Unknown temperature must not look like a comfort failure.
			out[i].CurrentTempC = out[i].TargetTempC
		}
	}
	return out
}

func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.Controller.Scheduler().Stop()
	s.bus.Close()
	return s.source.Close()
}
