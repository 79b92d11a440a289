// Package controller wires the reconciler, ledger, scheduler and budget
// learner into the capacity control loop: every sample updates the ledger,
// refreshes the soft limit and lets the scheduler decide whether the
// external shed plan must be recomputed.
package controller

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evjund/capguard/core/capacity"
	"github.com/evjund/capguard/core/events"
	"github.com/evjund/capguard/core/ledger"
	"github.com/evjund/capguard/core/logger"
	"github.com/evjund/capguard/core/model"
	"github.com/evjund/capguard/core/rebuild"
	"github.com/evjund/capguard/core/reconcile"
	"github.com/evjund/capguard/internal/eventbus"
)

// CapacityConfig is the subscribed capacity step and safety margin.
type CapacityConfig struct {
	LimitKw  float64 `json:"limit_kw"`
	MarginKw float64 `json:"margin_kw"`
	// StaticBudgetKWh is the planned daily energy when no dynamic estimate
	// is available.
	StaticBudgetKWh float64 `json:"static_budget_kwh"`
}

// BudgetCalculator is the slice of the learner the controller needs.
type BudgetCalculator interface {
	CalculateDailyBudget(ctx context.Context, devices []model.Device) (float64, bool)
	UpdateFeedback(devices []model.Device)
}

// Controller owns the process-wide control-loop state. Samples from every
// telemetry source funnel through HandleSample; ordering across sources is
// guaranteed only by the scheduler's debounce contract.
type Controller struct {
	cfg     CapacityConfig
	rec     *reconcile.Reconciler
	led     *ledger.Ledger
	sched   *rebuild.Scheduler
	budget  BudgetCalculator
	store   ledger.Store
	bus     eventbus.EventBus
	log     logger.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      ledger.State
	plannedKWh float64
}

// New creates a Controller. The ledger snapshot is loaded from the store;
// malformed or missing snapshots start empty. rebuildPlan is the opaque
// callback into the external planner.
func New(
	cfg CapacityConfig,
	led *ledger.Ledger,
	schedCfg rebuild.Config,
	rebuildPlan rebuild.RebuildFunc,
	budget BudgetCalculator,
	store ledger.Store,
	bus eventbus.EventBus,
	log logger.Logger,
) *Controller {
	st := ledger.NewState()
	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			log.Warnf("ledger snapshot load failed, starting empty: %v", err)
		} else {
			st = loaded.Normalize()
		}
	}
	c := &Controller{
		cfg:        cfg,
		rec:        reconcile.New(log),
		led:        led,
		budget:     budget,
		store:      store,
		bus:        bus,
		log:        log,
		now:        time.Now,
		state:      st,
		plannedKWh: cfg.StaticBudgetKWh,
	}
	c.sched = rebuild.New(schedCfg, rebuildPlan, log)
	c.sched.SetNotify(c.onRebuild)
	c.sched.SetOnCoalesce(func(t rebuild.Trigger) {
		if c.bus != nil {
			c.bus.Publish(events.CoalescedEvent{PowerW: t.PowerW})
		}
	})
	return c
}

// Scheduler exposes the rebuild scheduler, mainly for shutdown.
func (c *Controller) Scheduler() *rebuild.Scheduler { return c.sched }

// State returns the current ledger snapshot.
func (c *Controller) State() ledger.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PlannedKWh returns today's planned budget.
func (c *Controller) PlannedKWh() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plannedKWh
}

// HandleSample runs the full control loop for one site-level power sample.
// Invalid telemetry is dropped; the ledger and scheduler state stay
// unchanged. The returned channel settles when the scheduling decision does.
func (c *Controller) HandleSample(ctx context.Context, s model.PowerSample) <-chan struct{} {
	if math.IsNaN(s.TotalPowerW) || math.IsInf(s.TotalPowerW, 0) {
		c.log.Warnf("dropping non-finite power sample")
		if c.bus != nil {
			c.bus.Publish(events.SampleDroppedEvent{Reason: "non_finite"})
		}
		return closed
	}
	now := s.At
	if now.IsZero() {
		now = c.now()
		s.At = now
	}

	c.mu.Lock()
	next, changed := c.led.RecordSample(c.state, s)
	if changed {
		c.state = next
	}
	used := c.led.UsedToday(c.state, now)
	planned := c.plannedKWh
	c.mu.Unlock()

	if !changed && c.bus != nil {
		c.bus.Publish(events.SampleDroppedEvent{Reason: "out_of_order"})
	}

	if changed && c.store != nil {
		// Persistence is fire-and-forget: a failing store must not stall
		// the sample path.
		if err := c.store.Save(next); err != nil {
			c.log.Errorf("ledger snapshot save failed: %v", err)
		}
	}

	dayStart, dayEnd := capacity.DayWindow(now)
	softLimitKw := capacity.ComputeDailyUsageSoftLimit(capacity.SoftLimitInput{
		PlannedKWh:  planned,
		UsedKWh:     used,
		BucketStart: dayStart,
		BucketEnd:   dayEnd,
		Now:         now,
	})
	headroomKw := capacity.HeadroomKw(c.cfg.LimitKw, c.cfg.MarginKw, s.TotalPowerW)

	if c.bus != nil {
		c.bus.Publish(events.SampleEvent{
			Sample:       s,
			SoftLimitKw:  softLimitKw,
			HeadroomKw:   headroomKw,
			UsedTodayKWh: used,
		})
	}

	return c.sched.Schedule(ctx, rebuild.Trigger{
		PowerW:      s.TotalPowerW,
		SoftLimitKw: softLimitKw,
		HeadroomKw:  headroomKw,
	})
}

// HandleDeviceReadings fuses one device's raw channels and returns the
// reconciled view. Resolution side effects (peak tracking, meter baselines)
// persist inside the reconciler.
func (c *Controller) HandleDeviceReadings(dr model.DeviceReadings) reconcile.Result {
	return c.rec.Resolve(dr)
}

// RecalculateBudget asks the learner for a fresh daily estimate. On
// success the budget replaces today's plan and the per-hour cap overlay is
// rewritten; on forecast failure the prior budget is retained. A typical-
// usage fallback from ledger history fills in when neither a dynamic nor a
// static budget exists.
func (c *Controller) RecalculateBudget(ctx context.Context, devices []model.Device) float64 {
	now := c.now()
	planned, dynamic := 0.0, false
	if c.budget != nil {
		planned, dynamic = c.budget.CalculateDailyBudget(ctx, devices)
	}
	c.mu.Lock()
	if dynamic {
		c.plannedKWh = planned
	} else if c.plannedKWh <= 0 {
		if typical, ok := ledger.TypicalDayKWh(c.state); ok {
			c.plannedKWh = typical
		}
	}
	planned = c.plannedKWh
	if dynamic && planned > 0 {
		perHour := planned / 24
		dayStart, _ := capacity.DayWindow(now)
		st := c.state
		for h := 0; h < 24; h++ {
			st = c.led.SetBudgetCap(st, dayStart.Add(time.Duration(h)*time.Hour), perHour)
		}
		c.state = st
	}
	st := c.state
	c.mu.Unlock()

	if dynamic && c.store != nil {
		if err := c.store.Save(st); err != nil {
			c.log.Errorf("ledger snapshot save failed: %v", err)
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.BudgetEvent{Date: ledger.DateKey(now), PlannedKWh: planned, Dynamic: dynamic})
	}
	c.log.Infof("daily budget for %s: %.2f kWh (dynamic=%v)", ledger.DateKey(now), planned, dynamic)
	return planned
}

// UpdateFeedback forwards current device temperatures to the learning loop.
func (c *Controller) UpdateFeedback(devices []model.Device) {
	if c.budget != nil {
		c.budget.UpdateFeedback(devices)
	}
}

// Prune trims aged bucket keys from the ledger snapshot.
func (c *Controller) Prune(keep time.Duration) {
	c.mu.Lock()
	c.state = c.led.Prune(c.state, c.now(), keep)
	st := c.state
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Save(st); err != nil {
			c.log.Errorf("ledger snapshot save failed: %v", err)
		}
	}
}

// onRebuild relays scheduler outcomes onto the event bus with a fresh
// correlation id.
func (c *Controller) onRebuild(reason string, t rebuild.Trigger, err error, dur time.Duration) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.RebuildEvent{
		ID:          uuid.NewString(),
		Reason:      reason,
		PowerW:      t.PowerW,
		SoftLimitKw: t.SoftLimitKw,
		Err:         err,
		Duration:    dur,
	})
}

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
