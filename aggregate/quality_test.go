package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kafaat/sahool-iot-pipeline/types"
)

func TestQualityScorePerfect(t *testing.T) {
	score := QualityScore(QualityInputs{Observed: 60, Expected: 60})
	assert.InDelta(t, 100, score, 1e-9)
}

func TestQualityScoreNoData(t *testing.T) {
	// zero observed against an expectation loses only the completeness
	// weight; the other terms have no evidence against them
	score := QualityScore(QualityInputs{Observed: 0, Expected: 60})
	assert.InDelta(t, 60, score, 1e-9)
}

func TestQualityScoreCompletenessWeight(t *testing.T) {
	full := QualityScore(QualityInputs{Observed: 60, Expected: 60})
	half := QualityScore(QualityInputs{Observed: 30, Expected: 60})
	assert.InDelta(t, 20, full-half, 1e-9, "half completeness costs half the 40%% weight")
}

func TestQualityScoreOutlierPenalty(t *testing.T) {
	clean := QualityScore(QualityInputs{Observed: 60, Expected: 60})
	noisy := QualityScore(QualityInputs{Observed: 60, Expected: 60, OutlierCount: 30})
	assert.InDelta(t, 15, clean-noisy, 1e-9, "half outliers cost half the 30%% weight")
}

func TestQualityScoreDriftPenalty(t *testing.T) {
	base := QualityInputs{Observed: 60, Expected: 60}

	mild := base
	mild.DriftDetected = true
	mild.DriftMagnitude = 3.0
	mild.DriftThreshold = 2.5

	severe := base
	severe.DriftDetected = true
	severe.DriftMagnitude = 5.0 // twice the threshold zeroes the term
	severe.DriftThreshold = 2.5

	assert.Greater(t, QualityScore(mild), QualityScore(severe))
	assert.InDelta(t, 80, QualityScore(severe), 1e-9)
}

func TestQualityScoreSignal(t *testing.T) {
	strong := QualityScore(QualityInputs{
		Observed: 60, Expected: 60, SignalDBM: types.Float64Ptr(-50),
	})
	weak := QualityScore(QualityInputs{
		Observed: 60, Expected: 60, SignalDBM: types.Float64Ptr(-100),
	})
	missing := QualityScore(QualityInputs{Observed: 60, Expected: 60})

	assert.InDelta(t, 100, strong, 1e-9)
	assert.InDelta(t, 90, weak, 1e-9)
	assert.InDelta(t, 100, missing, 1e-9, "absent RSSI is not penalized")
}

func TestQualityScoreBounds(t *testing.T) {
	worst := QualityScore(QualityInputs{
		Observed: 10, Expected: 100, OutlierCount: 10,
		DriftDetected: true, DriftMagnitude: 100, DriftThreshold: 1,
		SignalDBM: types.Float64Ptr(-120),
	})
	assert.GreaterOrEqual(t, worst, 0.0)
	assert.LessOrEqual(t, worst, 100.0)
}
