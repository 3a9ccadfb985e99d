// Package thresholds carries the static per-sensor-type threshold table
// used for quality classification, the threshold outlier strategy, and
// alert evaluation. Where the source services disagreed on a bound, the
// stricter one was kept; the table below is the consolidated result.
package thresholds

import (
	"math"

	"github.com/kafaat/sahool-iot-pipeline/types"
)

// Limits holds the warning and critical bounds for one sensor type.
// Unbounded sides are ±Inf.
type Limits struct {
	WarnLow  float64 `json:"warn_low"`
	WarnHigh float64 `json:"warn_high"`
	CritLow  float64 `json:"crit_low"`
	CritHigh float64 `json:"crit_high"`
	Unit     string  `json:"unit"`
}

// Breach identifies which bound a value crossed, if any.
type Breach int

// Breach kinds
const (
	BreachNone Breach = iota
	BreachWarnLow
	BreachWarnHigh
	BreachCritLow
	BreachCritHigh
)

// Low reports whether the breach is on the low side.
func (b Breach) Low() bool {
	return b == BreachWarnLow || b == BreachCritLow
}

// Critical reports whether the breach crossed a critical bound.
func (b Breach) Critical() bool {
	return b == BreachCritLow || b == BreachCritHigh
}

var negInf = math.Inf(-1)
var posInf = math.Inf(1)

// table is the consolidated per-sensor-type threshold table.
var table = map[types.SensorType]Limits{
	types.SensorSoilMoisture:    {WarnLow: 20, WarnHigh: 80, CritLow: 10, CritHigh: 90, Unit: "%"},
	types.SensorSoilTemperature: {WarnLow: 10, WarnHigh: 35, CritLow: 5, CritHigh: 40, Unit: "°C"},
	types.SensorAirTemperature:  {WarnLow: 5, WarnHigh: 38, CritLow: 0, CritHigh: 45, Unit: "°C"},
	types.SensorAirHumidity:     {WarnLow: 30, WarnHigh: 85, CritLow: 15, CritHigh: 95, Unit: "%"},
	types.SensorLightIntensity:  {WarnLow: negInf, WarnHigh: 90000, CritLow: negInf, CritHigh: 120000, Unit: "lux"},
	types.SensorWaterLevel:      {WarnLow: 10, WarnHigh: 80, CritLow: 5, CritHigh: 95, Unit: "cm"},
	types.SensorWaterFlow:       {WarnLow: negInf, WarnHigh: 40, CritLow: negInf, CritHigh: 60, Unit: "L/min"},
	types.SensorPHLevel:         {WarnLow: 5.5, WarnHigh: 7.5, CritLow: 4.5, CritHigh: 8.5, Unit: "pH"},
	types.SensorECLevel:         {WarnLow: 0.5, WarnHigh: 3.0, CritLow: 0.2, CritHigh: 4.0, Unit: "mS/cm"},
	types.SensorWindSpeed:       {WarnLow: negInf, WarnHigh: 10, CritLow: negInf, CritHigh: 15, Unit: "m/s"},
	types.SensorRainfall:        {WarnLow: negInf, WarnHigh: 50, CritLow: negInf, CritHigh: 100, Unit: "mm"},
	types.SensorRSSI:            {WarnLow: -85, WarnHigh: posInf, CritLow: -100, CritHigh: posInf, Unit: "dBm"},
	types.SensorBattery:         {WarnLow: 20, WarnHigh: posInf, CritLow: 5, CritHigh: posInf, Unit: "%"},
}

// Lookup returns the limits for a sensor type. Unknown sensor types fall
// through with ok=false: no quality classification, no alerting.
func Lookup(st types.SensorType) (Limits, bool) {
	l, ok := table[st]
	return l, ok
}

// DefaultUnit returns the canonical unit for a sensor type, or "" when
// the type is not in the table.
func DefaultUnit(st types.SensorType) string {
	if l, ok := table[st]; ok {
		return l.Unit
	}
	return ""
}

// Evaluate classifies a value against the table. Critical bounds win
// over warning bounds when both are crossed.
func Evaluate(st types.SensorType, value float64) Breach {
	l, ok := table[st]
	if !ok {
		return BreachNone
	}
	switch {
	case value < l.CritLow:
		return BreachCritLow
	case value > l.CritHigh:
		return BreachCritHigh
	case value < l.WarnLow:
		return BreachWarnLow
	case value > l.WarnHigh:
		return BreachWarnHigh
	}
	return BreachNone
}

// Quality maps a breach onto the reading quality enumeration.
func (b Breach) Quality() types.Quality {
	switch b {
	case BreachCritLow, BreachCritHigh:
		return types.QualityError
	case BreachWarnLow, BreachWarnHigh:
		return types.QualityWarning
	default:
		return types.QualityGood
	}
}

// Bound returns the threshold value that was crossed, or NaN for BreachNone.
func (b Breach) Bound(st types.SensorType) float64 {
	l, ok := table[st]
	if !ok {
		return math.NaN()
	}
	switch b {
	case BreachWarnLow:
		return l.WarnLow
	case BreachWarnHigh:
		return l.WarnHigh
	case BreachCritLow:
		return l.CritLow
	case BreachCritHigh:
		return l.CritHigh
	default:
		return math.NaN()
	}
}

// HealthySpan returns the width of the warning band for a sensor type.
// Drift detection defaults its threshold to 10% of this span. For types
// with an unbounded warning band the span falls back to the critical
// band, then to a fixed default.
func HealthySpan(st types.SensorType) float64 {
	l, ok := table[st]
	if !ok {
		return 0
	}
	if !math.IsInf(l.WarnLow, 0) && !math.IsInf(l.WarnHigh, 0) {
		return l.WarnHigh - l.WarnLow
	}
	if !math.IsInf(l.CritLow, 0) && !math.IsInf(l.CritHigh, 0) {
		return l.CritHigh - l.CritLow
	}
	const fallbackSpan = 100
	return fallbackSpan
}
