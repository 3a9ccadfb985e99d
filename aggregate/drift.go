package aggregate

import (
	"math"

	"github.com/kafaat/sahool-iot-pipeline/thresholds"
	"github.com/kafaat/sahool-iot-pipeline/types"
)

// DriftResult reports a sustained change in a series' mean between two
// consecutive windows.
type DriftResult struct {
	Detected  bool    `json:"detected"`
	Magnitude float64 `json:"magnitude"`
	Threshold float64 `json:"threshold"`
	Recent    float64 `json:"recent_mean"`
	Prior     float64 `json:"prior_mean"`
}

// DriftThreshold returns the per-sensor-type drift threshold: 10% of the
// sensor's healthy span.
func DriftThreshold(st types.SensorType) float64 {
	return 0.1 * thresholds.HealthySpan(st)
}

// DetectDrift compares the mean of the last window values against the
// mean of the prior window values. The series must hold at least 2*window
// points; otherwise no drift is reported.
func DetectDrift(values []float64, window int, threshold float64) DriftResult {
	res := DriftResult{Threshold: threshold}
	if window < 1 || len(values) < 2*window {
		return res
	}

	recent := values[len(values)-window:]
	prior := values[len(values)-2*window : len(values)-window]

	recentMean := CumulativeSum(recent) / float64(window)
	priorMean := CumulativeSum(prior) / float64(window)

	res.Recent = recentMean
	res.Prior = priorMean
	res.Magnitude = recentMean - priorMean
	res.Detected = math.Abs(res.Magnitude) > threshold
	return res
}
