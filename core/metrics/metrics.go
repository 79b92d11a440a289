// Package metrics defines the sink interfaces used to record control-loop
// observations. Implementations live in infra/metrics and can be combined
// with NewMultiSink.
package metrics

import "time"

// SampleRecord captures one accepted power sample and the derived figures.
type SampleRecord struct {
	At           time.Time
	TotalPowerW  float64
	SoftLimitKw  float64
	HeadroomKw   float64
	UsedTodayKWh float64
}

// RebuildRecord captures one planner invocation.
type RebuildRecord struct {
	ID          string
	Reason      string
	PowerW      float64
	SoftLimitKw float64
	Failed      bool
	Duration    time.Duration
	At          time.Time
}

// BudgetRecord captures one daily budget recalculation.
type BudgetRecord struct {
	Date       string
	PlannedKWh float64
	Dynamic    bool
	At         time.Time
}

// CoefficientRecord captures one heating coefficient raise.
type CoefficientRecord struct {
	DeviceID string
	Old      float64
	New      float64
	At       time.Time
}

// Sink records control-loop observations. Recording failures are reported
// to the caller but never interrupt the control loop.
type Sink interface {
	RecordSample(SampleRecord) error
	RecordRebuild(RebuildRecord) error
	RecordBudget(BudgetRecord) error
	RecordCoefficient(CoefficientRecord) error
	// RecordCoalesced counts one trigger that merged into an already
	// scheduled rebuild instead of starting its own.
	RecordCoalesced() error
	// RecordDroppedSample counts one rejected power sample by reason.
	RecordDroppedSample(reason string) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordSample(SampleRecord) error           { return nil }
func (NopSink) RecordRebuild(RebuildRecord) error         { return nil }
func (NopSink) RecordBudget(BudgetRecord) error           { return nil }
func (NopSink) RecordCoefficient(CoefficientRecord) error { return nil }
func (NopSink) RecordCoalesced() error                    { return nil }
func (NopSink) RecordDroppedSample(string) error          { return nil }

// Config defines settings for metrics sinks.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}
