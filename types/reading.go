// Package types defines the canonical data model shared across the
// pipeline: sensor readings, devices, and the event payloads published
// on the internal bus. Components exchange these records by value;
// cross-references use string identifiers, never pointers.
package types

import (
	"math"
	"time"
)

// SensorType is the closed enumeration of supported sensor kinds.
type SensorType string

// Supported sensor types
const (
	SensorSoilMoisture    SensorType = "soil_moisture"
	SensorSoilTemperature SensorType = "soil_temperature"
	SensorAirTemperature  SensorType = "air_temperature"
	SensorAirHumidity     SensorType = "air_humidity"
	SensorLightIntensity  SensorType = "light_intensity"
	SensorWaterLevel      SensorType = "water_level"
	SensorWaterFlow       SensorType = "water_flow"
	SensorPHLevel         SensorType = "ph_level"
	SensorECLevel         SensorType = "ec_level"
	SensorWindSpeed       SensorType = "wind_speed"
	SensorRainfall        SensorType = "rainfall"
	SensorRSSI            SensorType = "rssi"
	SensorBattery         SensorType = "battery"
)

// AllSensorTypes lists every member of the closed enumeration.
func AllSensorTypes() []SensorType {
	return []SensorType{
		SensorSoilMoisture, SensorSoilTemperature, SensorAirTemperature,
		SensorAirHumidity, SensorLightIntensity, SensorWaterLevel,
		SensorWaterFlow, SensorPHLevel, SensorECLevel, SensorWindSpeed,
		SensorRainfall, SensorRSSI, SensorBattery,
	}
}

// Valid reports whether st is a member of the closed enumeration.
func (st SensorType) Valid() bool {
	switch st {
	case SensorSoilMoisture, SensorSoilTemperature, SensorAirTemperature,
		SensorAirHumidity, SensorLightIntensity, SensorWaterLevel,
		SensorWaterFlow, SensorPHLevel, SensorECLevel, SensorWindSpeed,
		SensorRainfall, SensorRSSI, SensorBattery:
		return true
	}
	return false
}

// Quality classifies a reading relative to the threshold table.
type Quality string

// Reading quality levels
const (
	QualityGood    Quality = "good"
	QualityWarning Quality = "warning"
	QualityError   Quality = "error"
)

// Metadata carries optional per-reading context extracted from the payload.
type Metadata struct {
	Battery         *float64 `json:"battery,omitempty"`
	RSSI            *float64 `json:"rssi,omitempty"`
	RawTopic        string   `json:"raw_topic,omitempty"`
	OutlierStrategy string   `json:"outlier_strategy,omitempty"`
}

// Reading is a single canonicalized sensor sample. A Reading is immutable
// once emitted on the bus; the aggregator annotates its own copy with
// outlier and quality-score results.
type Reading struct {
	DeviceID     string     `json:"device_id"`
	TenantID     string     `json:"tenant_id,omitempty"`
	FieldID      string     `json:"field_id,omitempty"`
	SensorType   SensorType `json:"sensor_type"`
	Value        float64    `json:"value"`
	Unit         string     `json:"unit"`
	Timestamp    time.Time  `json:"timestamp"`
	Quality      Quality    `json:"quality"`
	Metadata     Metadata   `json:"metadata,omitempty"`
	OutlierFlag  bool       `json:"outlier_flag"`
	QualityScore *float64   `json:"quality_score,omitempty"`
}

// Finite reports whether the reading's value is a usable IEEE-754 double.
func (r Reading) Finite() bool {
	return !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0)
}

// Float64Ptr is a convenience helper for optional numeric fields.
func Float64Ptr(v float64) *float64 {
	return &v
}
