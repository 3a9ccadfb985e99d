package normalize

import (
	"strings"

	"github.com/kafaat/sahool-iot-pipeline/types"
)

// sensorAliases maps the payload shapes seen across device firmwares onto
// the canonical enumeration. Lookup is case-insensitive. Temperature
// aliases default to air_temperature unless a soil qualifier appears.
var sensorAliases = map[string]types.SensorType{
	// moisture family
	"soil_moisture": types.SensorSoilMoisture,
	"soilmoisture":  types.SensorSoilMoisture,
	"moisture":      types.SensorSoilMoisture,
	"sm":            types.SensorSoilMoisture,

	// temperature family
	"temperature":      types.SensorAirTemperature,
	"temp":             types.SensorAirTemperature,
	"air_temperature":  types.SensorAirTemperature,
	"air_temp":         types.SensorAirTemperature,
	"soil_temperature": types.SensorSoilTemperature,
	"soil_temp":        types.SensorSoilTemperature,

	// humidity family
	"humidity":     types.SensorAirHumidity,
	"air_humidity": types.SensorAirHumidity,
	"hum":          types.SensorAirHumidity,
	"rh":           types.SensorAirHumidity,

	// EC / salinity family
	"ec":           types.SensorECLevel,
	"ec_level":     types.SensorECLevel,
	"salinity":     types.SensorECLevel,
	"conductivity": types.SensorECLevel,

	// pH
	"ph":       types.SensorPHLevel,
	"ph_level": types.SensorPHLevel,
	"acidity":  types.SensorPHLevel,

	// rainfall
	"rainfall":      types.SensorRainfall,
	"rain":          types.SensorRainfall,
	"precip":        types.SensorRainfall,
	"precipitation": types.SensorRainfall,

	// wind
	"wind_speed": types.SensorWindSpeed,
	"windspeed":  types.SensorWindSpeed,
	"wind":       types.SensorWindSpeed,

	// light
	"light_intensity": types.SensorLightIntensity,
	"light":           types.SensorLightIntensity,
	"lux":             types.SensorLightIntensity,
	"illuminance":     types.SensorLightIntensity,

	// water
	"water_level": types.SensorWaterLevel,
	"level":       types.SensorWaterLevel,
	"water_flow":  types.SensorWaterFlow,
	"flow":        types.SensorWaterFlow,
	"flow_rate":   types.SensorWaterFlow,

	// radio / power telemetry
	"rssi":          types.SensorRSSI,
	"signal":        types.SensorRSSI,
	"battery":       types.SensorBattery,
	"batt":          types.SensorBattery,
	"battery_level": types.SensorBattery,
}

// unitAliases maps unit spellings onto canonical units.
var unitAliases = map[string]string{
	"%":       "%",
	"pct":     "%",
	"percent": "%",

	"°c":      "°C",
	"c":       "°C",
	"celsius": "°C",
	"degc":    "°C",

	"ms/cm":               "mS/cm",
	"millisiemens_per_cm": "mS/cm",
	"msiemens/cm":         "mS/cm",

	"mm":          "mm",
	"millimeters": "mm",
	"millimetres": "mm",

	"m/s": "m/s",
	"mps": "m/s",

	"lux": "lux",
	"lx":  "lux",

	"ph": "pH",

	"dbm": "dBm",

	"cm": "cm",

	"l/min": "L/min",
	"lpm":   "L/min",
}

// ResolveSensorType maps a raw sensor type string to the canonical
// enumeration. The soil qualifier check catches spellings not present in
// the alias table, e.g. "soil-temperature".
func ResolveSensorType(raw string) (types.SensorType, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if st, ok := sensorAliases[key]; ok {
		return st, true
	}
	if strings.Contains(key, "temp") && strings.Contains(key, "soil") {
		return types.SensorSoilTemperature, true
	}
	if st := types.SensorType(key); st.Valid() {
		return st, true
	}
	return "", false
}

// ResolveUnit maps a unit spelling to its canonical form. Unknown units
// are passed through unchanged so devices with exotic units are not dropped.
func ResolveUnit(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if u, ok := unitAliases[key]; ok {
		return u
	}
	return strings.TrimSpace(raw)
}
