package model

import "time"

// PowerSample is one site-level telemetry observation: the total household
// draw and the share of it belonging to controlled devices.
type PowerSample struct {
	TotalPowerW      float64   `json:"total_power_w"`
	ControlledPowerW float64   `json:"controlled_power_w"`
	At               time.Time `json:"at"`
}

// ReadingKind discriminates the telemetry channels a device power reading
// can come from. Resolution order is the declaration order: self-reported
// channels first, then the platform-wide report, then static configuration.
type ReadingKind int

const (
	// KindInstant is a self-reported instantaneous power value in watts.
	KindInstant ReadingKind = iota
	// KindCumulativeMeter is a self-reported cumulative energy counter in kWh.
	KindCumulativeMeter
	// KindPlatformReport is the platform-wide live energy report in watts,
	// present only for devices that do not self-report.
	KindPlatformReport
	// KindNameplateLoad is the configured nameplate load in watts.
	KindNameplateLoad
)

// String returns the reading kind label used in logs and metrics.
func (k ReadingKind) String() string {
	switch k {
	case KindInstant:
		return "instant"
	case KindCumulativeMeter:
		return "cumulative_meter"
	case KindPlatformReport:
		return "platform_report"
	case KindNameplateLoad:
		return "nameplate_load"
	default:
		return "unknown"
	}
}

// Reading is a single raw value on one telemetry channel.
type Reading struct {
	Kind ReadingKind
	// Value carries watts for Instant, PlatformReport and NameplateLoad
	// readings and cumulative kWh for CumulativeMeter readings.
	Value float64
	At    time.Time
}

// DeviceReadings groups the raw channels observed for one device in a
// single callback turn. Absent channels are nil.
type DeviceReadings struct {
	DeviceID string
	Readings []Reading
	Profile  DeviceProfile
	// TempC is the measured room temperature, when the device reports one.
	TempC *float64
}
