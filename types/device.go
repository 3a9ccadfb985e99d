package types

import "time"

// DeviceType distinguishes telemetry sources from controllable endpoints.
type DeviceType string

// Device types
const (
	DeviceSensor   DeviceType = "sensor"
	DeviceActuator DeviceType = "actuator"
)

// DeviceStatus is the liveness state maintained by the registry.
type DeviceStatus string

// Device liveness states
const (
	StatusOnline     DeviceStatus = "online"
	StatusOffline    DeviceStatus = "offline"
	StatusError      DeviceStatus = "error"
	StatusLowBattery DeviceStatus = "low_battery"
)

// Device is the registry record for a single device. The registry owns
// these records exclusively; callers receive copies.
type Device struct {
	DeviceID           string       `json:"device_id"`
	TenantID           string       `json:"tenant_id,omitempty"`
	FieldID            string       `json:"field_id,omitempty"`
	Type               DeviceType   `json:"type"`
	DeclaredSensorType SensorType   `json:"declared_sensor_type,omitempty"`
	Status             DeviceStatus `json:"status"`
	FirstSeen          time.Time    `json:"first_seen"`
	LastSeen           time.Time    `json:"last_seen"`
	BatteryPct         *float64     `json:"battery_pct,omitempty"`
	SignalDBM          *float64     `json:"signal_dbm,omitempty"`
	LastReadingRef     string       `json:"last_reading_ref,omitempty"`
}

// DeviceEvent is the payload published on iot.device.* subjects when the
// registry transitions a device between liveness states.
type DeviceEvent struct {
	DeviceID       string       `json:"device_id"`
	TenantID       string       `json:"tenant_id,omitempty"`
	FieldID        string       `json:"field_id,omitempty"`
	PreviousStatus DeviceStatus `json:"previous_status"`
	CurrentStatus  DeviceStatus `json:"current_status"`
	Timestamp      time.Time    `json:"timestamp"`
}
