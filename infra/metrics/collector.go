package metrics

import (
	"context"
	"time"

	"github.com/evjund/capguard/core/events"
	coremetrics "github.com/evjund/capguard/core/metrics"
	"github.com/evjund/capguard/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records metrics for
// control-loop events. It stops when the context is canceled.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.Sink) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				switch e := ev.(type) {
				case events.SampleEvent:
					_ = sink.RecordSample(coremetrics.SampleRecord{
						At:           e.Sample.At,
						TotalPowerW:  e.Sample.TotalPowerW,
						SoftLimitKw:  e.SoftLimitKw,
						HeadroomKw:   e.HeadroomKw,
						UsedTodayKWh: e.UsedTodayKWh,
					})
				case events.RebuildEvent:
					_ = sink.RecordRebuild(coremetrics.RebuildRecord{
						ID:          e.ID,
						Reason:      e.Reason,
						PowerW:      e.PowerW,
						SoftLimitKw: e.SoftLimitKw,
						Failed:      e.Err != nil,
						Duration:    e.Duration,
						At:          time.Now(),
					})
				case events.BudgetEvent:
					_ = sink.RecordBudget(coremetrics.BudgetRecord{
						Date:       e.Date,
						PlannedKWh: e.PlannedKWh,
						Dynamic:    e.Dynamic,
						At:         time.Now(),
					})
				case events.CoefficientEvent:
					_ = sink.RecordCoefficient(coremetrics.CoefficientRecord{
						DeviceID: e.DeviceID,
						Old:      e.Old,
						New:      e.New,
						At:       time.Now(),
					})
				case events.CoalescedEvent:
					_ = sink.RecordCoalesced()
				case events.SampleDroppedEvent:
					_ = sink.RecordDroppedSample(e.Reason)
				}
			}
		}
	}()
}
