package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kafaat/sahool-iot-pipeline/types"
)

func steady(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v + float64(i%3)*0.5 // small wobble so std is nonzero
	}
	return out
}

func TestZScoreOutlier(t *testing.T) {
	population := steady(20, 25)

	assert.True(t, zScoreOutlier(80, population, 3))
	assert.False(t, zScoreOutlier(25.5, population, 3))
}

func TestZScoreSmallPopulation(t *testing.T) {
	assert.False(t, zScoreOutlier(1000, steady(minSamples-1, 25), 3),
		"below the minimum population no statistical flagging happens")
}

func TestZScoreZeroStd(t *testing.T) {
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 10
	}
	assert.False(t, zScoreOutlier(1000, flat, 3))
}

func TestIQROutlier(t *testing.T) {
	population := []float64{10, 11, 12, 12, 13, 13, 14, 15}

	assert.True(t, iqrOutlier(40, population, 1.5))
	assert.True(t, iqrOutlier(-20, population, 1.5))
	assert.False(t, iqrOutlier(12.5, population, 1.5))
	assert.False(t, iqrOutlier(40, population[:minSamples-1], 1.5))
}

func TestDetectFlagsAndRecordsStrategy(t *testing.T) {
	r := types.Reading{
		SensorType: types.SensorSoilMoisture,
		Value:      75, // far from the population but inside thresholds
		Quality:    types.QualityGood,
	}
	Detect(&r, steady(20, 25), DefaultOutlierConfig())

	assert.True(t, r.OutlierFlag)
	assert.Equal(t, string(StrategyZScore), r.Metadata.OutlierStrategy)
	assert.Equal(t, types.QualityGood, r.Quality, "in-range value keeps good quality")
}

func TestDetectThresholdStrategySetsQuality(t *testing.T) {
	r := types.Reading{
		SensorType: types.SensorSoilMoisture,
		Value:      18, // warn breach, no statistical population
		Quality:    types.QualityGood,
	}
	Detect(&r, nil, DefaultOutlierConfig())

	assert.Equal(t, types.QualityWarning, r.Quality)
	assert.False(t, r.OutlierFlag, "warning breaches do not flag outliers")

	crit := types.Reading{
		SensorType: types.SensorSoilMoisture,
		Value:      95,
		Quality:    types.QualityGood,
	}
	Detect(&crit, nil, DefaultOutlierConfig())

	assert.Equal(t, types.QualityError, crit.Quality)
	assert.True(t, crit.OutlierFlag, "critical breaches flag outliers")
	assert.Equal(t, string(StrategyThreshold), crit.Metadata.OutlierStrategy)
}

func TestDetectInRangeCleanReading(t *testing.T) {
	r := types.Reading{
		SensorType: types.SensorSoilMoisture,
		Value:      25.5,
		Quality:    types.QualityGood,
	}
	Detect(&r, steady(20, 25), DefaultOutlierConfig())

	assert.False(t, r.OutlierFlag)
	assert.Empty(t, r.Metadata.OutlierStrategy)
	assert.Equal(t, types.QualityGood, r.Quality)
}

func TestClassifyThreshold(t *testing.T) {
	r := types.Reading{SensorType: types.SensorAirTemperature, Value: 48}
	breach := ClassifyThreshold(&r)

	require.True(t, breach.Critical())
	assert.Equal(t, types.QualityError, r.Quality)
	assert.False(t, r.OutlierFlag, "classification does not touch outlier state")

	ok := types.Reading{SensorType: types.SensorAirTemperature, Value: 21}
	ClassifyThreshold(&ok)
	assert.Equal(t, types.QualityGood, ok.Quality)
}
