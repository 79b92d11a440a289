// Package events defines the event types published on the internal event bus.
package events

import (
	"time"

	"github.com/evjund/capguard/core/model"
)

// SampleEvent is published after every accepted power sample.
type SampleEvent struct {
	Sample       model.PowerSample
	SoftLimitKw  float64
	HeadroomKw   float64
	UsedTodayKWh float64
}

// SampleDroppedEvent is published when a power sample is rejected before it
// reaches the ledger.
type SampleDroppedEvent struct {
	Reason string
}

// CoalescedEvent is published when a trigger merged into an already
// scheduled rebuild instead of starting its own.
type CoalescedEvent struct {
	PowerW float64
}

// RebuildEvent is published when the scheduler invokes the external planner.
type RebuildEvent struct {
	ID          string
	Reason      string
	PowerW      float64
	SoftLimitKw float64
	Err         error
	Duration    time.Duration
}

// BudgetEvent is published when the daily budget is recalculated.
type BudgetEvent struct {
	Date       string
	PlannedKWh float64
	// Dynamic is false when the forecast was unavailable and the prior
	// budget was retained.
	Dynamic bool
}

// CoefficientEvent is published when a device's heating coefficient is raised.
type CoefficientEvent struct {
	DeviceID string
	Old      float64
	New      float64
}
