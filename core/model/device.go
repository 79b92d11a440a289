package model

// DeviceProfile carries the static description of a device relevant to
// power accounting.
type DeviceProfile struct {
	// HasPowerCapability is true when the device exposes a power or meter
	// capability, even if no reading has arrived yet.
	HasPowerCapability bool
	// NameplateLoadW is the configured load in watts. Zero means "not
	// configured", not "zero watts".
	NameplateLoadW float64
	// OnOffDeltaW is the usable on/off power delta from the device's energy
	// profile, available even without a live reading.
	OnOffDeltaW float64
}

// Device represents a controllable appliance participating in capacity
// control. Temperature fields are only meaningful for heating devices.
type Device struct {
	ID          string
	Name        string
	Controlled  bool    // participates in shedding plans
	Heating     bool    // thermostat-driven, budgeted against outdoor temperature
	TargetTempC float64 // thermostat setpoint
	CurrentTempC float64
	Profile     DeviceProfile
}

// ComfortDeficit returns how far the device currently sits below its
// setpoint. Non-heating devices always report zero.
func (d Device) ComfortDeficit() float64 {
	if !d.Heating {
		return 0
	}
	if deficit := d.TargetTempC - d.CurrentTempC; deficit > 0 {
		return deficit
	}
	return 0
}
