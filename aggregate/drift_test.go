package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kafaat/sahool-iot-pipeline/types"
)

func TestDriftThresholdFromHealthySpan(t *testing.T) {
	// soil_temperature warning band is 10..35 → span 25 → threshold 2.5
	assert.InDelta(t, 2.5, DriftThreshold(types.SensorSoilTemperature), 1e-9)
	// soil_moisture band 20..80 → threshold 6
	assert.InDelta(t, 6.0, DriftThreshold(types.SensorSoilMoisture), 1e-9)
}

func TestDetectDriftShiftedMean(t *testing.T) {
	// ten samples around 20, then ten around 25: a sensor recalibration
	// gone wrong
	values := []float64{20, 20.1, 19.9, 20, 20.2, 19.8, 20, 20.1, 19.9, 20,
		25, 25.1, 24.9, 25, 25.2, 24.8, 25, 25.1, 24.9, 25}

	res := DetectDrift(values, 10, 2.5)

	require.True(t, res.Detected)
	assert.InDelta(t, 5.0, res.Magnitude, 0.1)
	assert.InDelta(t, 20.0, res.Prior, 0.1)
	assert.InDelta(t, 25.0, res.Recent, 0.1)
	assert.Equal(t, 2.5, res.Threshold)
}

func TestDetectDriftStableSeries(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = 20 + float64(i%2)*0.2
	}

	res := DetectDrift(values, 10, 2.5)
	assert.False(t, res.Detected)
}

func TestDetectDriftNegativeShift(t *testing.T) {
	values := append(steady(10, 30), steady(10, 22)...)

	res := DetectDrift(values, 10, 2.5)
	require.True(t, res.Detected)
	assert.Less(t, res.Magnitude, 0.0)
}

func TestDetectDriftInsufficientData(t *testing.T) {
	res := DetectDrift(steady(15, 20), 10, 2.5)
	assert.False(t, res.Detected, "needs two full windows")

	res = DetectDrift(steady(20, 20), 0, 2.5)
	assert.False(t, res.Detected)
}
