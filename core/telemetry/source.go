// Package telemetry defines how power samples reach the controller.
package telemetry

import (
	"context"

	"github.com/evjund/capguard/core/model"
)

// Source delivers site-level power samples and per-device readings from an
// external telemetry collaborator. Both channels close when the source
// stops.
type Source interface {
	// Start begins delivery and blocks until the context is canceled.
	Start(ctx context.Context) error
	// Samples is the site-level sample stream.
	Samples() <-chan model.PowerSample
	// DeviceReadings is the per-device raw channel stream.
	DeviceReadings() <-chan model.DeviceReadings
	Close() error
}

// RebuildRequester publishes a shed-plan rebuild request to the external
// planner.
type RebuildRequester interface {
	RequestRebuild(ctx context.Context, reason string) error
}
