// Package rebuild decides when the external shed-plan rebuild is invoked.
// It debounces noisy triggers, coalesces near-simultaneous ones into a
// single deferred invocation, and guarantees at most one rebuild is in
// flight at any time.
package rebuild

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/evjund/capguard/core/logger"
)

// RebuildFunc invokes the external planner. The scheduler only decides when
// to call it, never what it does.
type RebuildFunc func(ctx context.Context) error

// Rebuild reasons reported to the notify hook.
const (
	ReasonMaxInterval    = "max_interval"
	ReasonDangerZone     = "danger_zone"
	ReasonPowerDelta     = "power_delta"
	ReasonSoftLimitDelta = "soft_limit_delta"
	ReasonCoalesced      = "coalesced"
)

// Config tunes the scheduling thresholds. The delta thresholds were
// calibrated against noisy household meters; all of them are exposed in the
// configuration file.
type Config struct {
	MinIntervalSeconds int     `json:"min_interval_seconds"`
	MaxIntervalSeconds int     `json:"max_interval_seconds"`
	PowerDeltaW        float64 `json:"power_delta_w"`
	SoftLimitDeltaKw   float64 `json:"soft_limit_delta_kw"`
	DangerZoneKw       float64 `json:"danger_zone_kw"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.MinIntervalSeconds <= 0 {
		c.MinIntervalSeconds = 30
	}
	if c.MaxIntervalSeconds <= 0 {
		c.MaxIntervalSeconds = 600
	}
	if c.PowerDeltaW <= 0 {
		c.PowerDeltaW = 200
	}
	if c.SoftLimitDeltaKw <= 0 {
		c.SoftLimitDeltaKw = 0.5
	}
	if c.DangerZoneKw <= 0 {
		c.DangerZoneKw = 1.0
	}
}

// MinInterval returns the debounce window.
func (c Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// MaxInterval returns the starvation guard: a rebuild is forced once this
// much time has passed, even with no qualifying deltas.
func (c Config) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalSeconds) * time.Second
}

// Trigger carries the signal values of one scheduling call.
type Trigger struct {
	PowerW      float64
	SoftLimitKw float64
	HeadroomKw  float64
}

// NotifyFunc observes every planner invocation, for metrics and events.
type NotifyFunc func(reason string, t Trigger, err error, dur time.Duration)

// pendingRebuild is the Pending state of the scheduler: one timer, the
// latest coalesced trigger, and the settlement channel shared by every
// caller that coalesced into it. expired marks a pending whose debounce
// window has passed while a rebuild was in flight; it drains as soon as
// that run settles. The timer is nil when the window had already passed at
// creation time.
type pendingRebuild struct {
	timer   *time.Timer
	trigger Trigger
	done    chan struct{}
	expired bool
}

// Scheduler is the process-wide rebuild coordination point.
type Scheduler struct {
	cfg        Config
	rebuild    RebuildFunc
	log        logger.Logger
	notify     NotifyFunc
	onCoalesce func(Trigger)
	now        func() time.Time

	mu              sync.Mutex
	lastAt          time.Time
	lastPowerW      float64
	lastSoftLimitKw float64
	pending         *pendingRebuild
	inFlight        bool
}

// New creates a Scheduler around the given planner callback.
func New(cfg Config, rebuild RebuildFunc, log logger.Logger) *Scheduler {
	cfg.SetDefaults()
	return &Scheduler{cfg: cfg, rebuild: rebuild, log: log, now: time.Now}
}

// SetNotify installs an observer for planner invocations.
func (s *Scheduler) SetNotify(fn NotifyFunc) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// SetOnCoalesce installs an observer for triggers that merged into an
// already pending rebuild.
func (s *Scheduler) SetOnCoalesce(fn func(Trigger)) {
	s.mu.Lock()
	s.onCoalesce = fn
	s.mu.Unlock()
}

// settled is returned to callers whose trigger was judged insignificant.
var settled = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Schedule evaluates the trigger and either starts a rebuild, defers one
// until the debounce window has elapsed, coalesces into an already pending
// one, or does nothing. The planner runs on its own goroutine; the returned
// channel closes when the decision settles, and every coalesced caller
// receives the same channel. While a rebuild is in flight every trigger
// coalesces into the pending slot, which drains once the run settles.
// Planner failures are logged, never returned.
func (s *Scheduler) Schedule(ctx context.Context, t Trigger) <-chan struct{} {
	s.mu.Lock()
	now := s.now()
	elapsed := now.Sub(s.lastAt)

	if p := s.pending; p != nil {
		// Last write wins: the deferred rebuild uses the newest values.
		p.trigger = t
		coalesced := s.onCoalesce
		if elapsed >= s.cfg.MinInterval() {
			if s.inFlight {
				// Window passed but a run is executing: drain at settle.
				p.expired = true
				s.mu.Unlock()
				if coalesced != nil {
					coalesced(t)
				}
				return p.done
			}
			// The debounce window already passed (lastAt was advanced
			// externally or the timer is late): supersede the timer and
			// rebuild right away, settling the shared channel.
			if p.timer != nil {
				p.timer.Stop()
			}
			s.pending = nil
			s.commitLocked(t, now)
			s.inFlight = true
			s.mu.Unlock()
			if coalesced != nil {
				coalesced(t)
			}
			go s.run(ctx, t, ReasonCoalesced, p.done)
			return p.done
		}
		s.mu.Unlock()
		if coalesced != nil {
			coalesced(t)
		}
		return p.done
	}

	if s.inFlight {
		// A rebuild is executing: park the trigger in the pending slot so
		// at most one planner call is ever in flight.
		p := &pendingRebuild{trigger: t, done: make(chan struct{})}
		if wait := s.cfg.MinInterval() - elapsed; wait > 0 {
			p.timer = time.AfterFunc(wait, func() { s.firePending(p) })
		} else {
			p.expired = true
		}
		s.pending = p
		s.mu.Unlock()
		return p.done
	}

	if elapsed >= s.cfg.MinInterval() {
		reason, significant := s.fireReason(t, elapsed)
		if !significant {
			// Sensor noise: no rebuild, no state change.
			s.mu.Unlock()
			return settled
		}
		done := make(chan struct{})
		s.commitLocked(t, now)
		s.inFlight = true
		s.mu.Unlock()
		go s.run(ctx, t, reason, done)
		return done
	}

	// Inside the debounce window with nothing pending: defer.
	p := &pendingRebuild{trigger: t, done: make(chan struct{})}
	p.timer = time.AfterFunc(s.cfg.MinInterval()-elapsed, func() { s.firePending(p) })
	s.pending = p
	s.mu.Unlock()
	return p.done
}

// fireReason decides whether an eligible trigger is significant enough to
// rebuild, and why. Headroom exhaustion always fires: it is safety-critical
// and must never be debounced away.
func (s *Scheduler) fireReason(t Trigger, elapsed time.Duration) (string, bool) {
	switch {
	case elapsed >= s.cfg.MaxInterval():
		return ReasonMaxInterval, true
	case t.HeadroomKw <= s.cfg.DangerZoneKw:
		return ReasonDangerZone, true
	case math.Abs(t.PowerW-s.lastPowerW) > s.cfg.PowerDeltaW:
		return ReasonPowerDelta, true
	case math.Abs(t.SoftLimitKw-s.lastSoftLimitKw) > s.cfg.SoftLimitDeltaKw:
		return ReasonSoftLimitDelta, true
	default:
		return "", false
	}
}

// firePending runs when the debounce timer expires. If the pending slot was
// superseded in the meantime the shared channel has already been settled by
// whoever superseded it. If a rebuild is still executing the pending is
// only marked expired; the run's settlement drains it.
func (s *Scheduler) firePending(p *pendingRebuild) {
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		p.expired = true
		s.mu.Unlock()
		return
	}
	s.pending = nil
	t := p.trigger
	s.commitLocked(t, s.now())
	s.inFlight = true
	s.mu.Unlock()
	s.run(context.Background(), t, ReasonCoalesced, p.done)
}

func (s *Scheduler) commitLocked(t Trigger, now time.Time) {
	s.lastAt = now
	s.lastPowerW = t.PowerW
	s.lastSoftLimitKw = t.SoftLimitKw
}

// run invokes the planner and settles the given channel. Exactly one run is
// in flight at any time: inFlight is set before the lock is released, which
// forces every concurrent trigger onto the pending path, and an expired
// pending is drained here once the planner returns.
func (s *Scheduler) run(ctx context.Context, t Trigger, reason string, done chan struct{}) {
	start := time.Now()
	err := s.rebuild(ctx)
	if err != nil {
		s.log.Errorf("plan rebuild (%s) failed: %v", reason, err)
	}
	s.mu.Lock()
	notify := s.notify
	s.inFlight = false
	var next *pendingRebuild
	if p := s.pending; p != nil && p.expired {
		s.pending = nil
		next = p
		s.commitLocked(p.trigger, s.now())
		s.inFlight = true
	}
	s.mu.Unlock()
	if notify != nil {
		notify(reason, t, err, time.Since(start))
	}
	close(done)
	if next != nil {
		go s.run(context.Background(), next.trigger, ReasonCoalesced, next.done)
	}
}

// Advance moves the last-rebuild clock, used when an external actor rebuilt
// the plan out of band.
func (s *Scheduler) Advance(to time.Time, powerW, softLimitKw float64) {
	s.mu.Lock()
	s.lastAt = to
	s.lastPowerW = powerW
	s.lastSoftLimitKw = softLimitKw
	s.mu.Unlock()
}

// Stop cancels a pending rebuild without running it. The shared channel is
// settled so no waiter hangs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p != nil {
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
	}
}
