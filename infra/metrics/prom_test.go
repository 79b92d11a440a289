package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremetrics "github.com/evjund/capguard/core/metrics"
)

func TestPromSinkRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	ps := sink.(*PromSink)

	if err := sink.RecordSample(coremetrics.SampleRecord{
		At: time.Now(), TotalPowerW: 4200, SoftLimitKw: 5.5, HeadroomKw: 2.1, UsedTodayKWh: 7,
	}); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if got := testutil.ToFloat64(ps.currentPower); got != 4200 {
		t.Fatalf("current power gauge = %v", got)
	}
	if got := testutil.ToFloat64(ps.headroom); got != 2.1 {
		t.Fatalf("headroom gauge = %v", got)
	}

	if err := sink.RecordRebuild(coremetrics.RebuildRecord{
		Reason: "power_delta", Duration: 20 * time.Millisecond,
	}); err != nil {
		t.Fatalf("record rebuild: %v", err)
	}
	if got := testutil.ToFloat64(ps.rebuilds.WithLabelValues("power_delta", "false")); got != 1 {
		t.Fatalf("rebuild counter = %v", got)
	}

	if err := sink.RecordBudget(coremetrics.BudgetRecord{PlannedKWh: 42}); err != nil {
		t.Fatalf("record budget: %v", err)
	}
	if got := testutil.ToFloat64(ps.dailyBudget); got != 42 {
		t.Fatalf("budget gauge = %v", got)
	}

	if err := sink.RecordCoefficient(coremetrics.CoefficientRecord{DeviceID: "heater-1", Old: 0.02, New: 0.021}); err != nil {
		t.Fatalf("record coefficient: %v", err)
	}
	if got := testutil.ToFloat64(ps.coefficient.WithLabelValues("heater-1")); got != 0.021 {
		t.Fatalf("coefficient gauge = %v", got)
	}

	if err := sink.RecordCoalesced(); err != nil {
		t.Fatalf("record coalesced: %v", err)
	}
	if got := testutil.ToFloat64(ps.coalesced); got != 1 {
		t.Fatalf("coalesced counter = %v", got)
	}

	if err := sink.RecordDroppedSample("non_finite"); err != nil {
		t.Fatalf("record dropped: %v", err)
	}
	if got := testutil.ToFloat64(ps.droppedSamples.WithLabelValues("non_finite")); got != 1 {
		t.Fatalf("dropped counter = %v", got)
	}
}

func TestPromSinkDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("second registration must reuse collectors: %v", err)
	}
}

func TestMultiSinkForwards(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	multi := NewMultiSink(coremetrics.NopSink{}, sink)
	if err := multi.RecordSample(coremetrics.SampleRecord{TotalPowerW: 100}); err != nil {
		t.Fatalf("multi record: %v", err)
	}
	if got := testutil.ToFloat64(sink.(*PromSink).currentPower); got != 100 {
		t.Fatalf("multi did not forward, gauge = %v", got)
	}
}
