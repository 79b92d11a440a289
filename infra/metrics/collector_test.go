package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evjund/capguard/core/events"
	coremetrics "github.com/evjund/capguard/core/metrics"
	"github.com/evjund/capguard/core/model"
	"github.com/evjund/capguard/internal/eventbus"
)

type captureSink struct {
	mu           sync.Mutex
	samples      []coremetrics.SampleRecord
	rebuilds     []coremetrics.RebuildRecord
	budgets      []coremetrics.BudgetRecord
	coefficients []coremetrics.CoefficientRecord
	coalesced    int
	dropped      []string
}

func (s *captureSink) RecordSample(r coremetrics.SampleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, r)
	return nil
}

func (s *captureSink) RecordRebuild(r coremetrics.RebuildRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuilds = append(s.rebuilds, r)
	return nil
}

func (s *captureSink) RecordBudget(r coremetrics.BudgetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets = append(s.budgets, r)
	return nil
}

func (s *captureSink) RecordCoefficient(r coremetrics.CoefficientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coefficients = append(s.coefficients, r)
	return nil
}

func (s *captureSink) RecordCoalesced() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coalesced++
	return nil
}

func (s *captureSink) RecordDroppedSample(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, reason)
	return nil
}

func (s *captureSink) counts() (int, int, int, int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples), len(s.rebuilds), len(s.budgets), len(s.coefficients), s.coalesced, len(s.dropped)
}

func TestEventCollectorRecordsEvents(t *testing.T) {
	bus := eventbus.New()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartEventCollector(ctx, bus, sink)

	bus.Publish(events.SampleEvent{
		Sample:      model.PowerSample{TotalPowerW: 3000, At: time.Now()},
		SoftLimitKw: 4, HeadroomKw: 2,
	})
	bus.Publish(events.RebuildEvent{ID: "r1", Reason: "danger_zone"})
	bus.Publish(events.BudgetEvent{Date: "2026-03-02", PlannedKWh: 30, Dynamic: true})
	bus.Publish(events.CoefficientEvent{DeviceID: "heater-1", Old: 0.02, New: 0.021})
	bus.Publish(events.CoalescedEvent{PowerW: 5000})
	bus.Publish(events.SampleDroppedEvent{Reason: "non_finite"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, r, b, c, co, d := sink.counts()
		if s == 1 && r == 1 && b == 1 && c == 1 && co == 1 && d == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("collector missed events: samples=%d rebuilds=%d budgets=%d coefficients=%d coalesced=%d dropped=%d",
				s, r, b, c, co, d)
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.coefficients[0].DeviceID != "heater-1" || sink.coefficients[0].New != 0.021 {
		t.Fatalf("coefficient record wrong: %+v", sink.coefficients[0])
	}
	if sink.dropped[0] != "non_finite" {
		t.Fatalf("dropped reason wrong: %q", sink.dropped[0])
	}
}
