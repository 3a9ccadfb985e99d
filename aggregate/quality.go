package aggregate

import "math"

// Quality score weights: completeness 40%, outlier fraction 30%, drift
// penalty 20%, signal strength 10%.
const (
	weightCompleteness = 0.40
	weightOutliers     = 0.30
	weightDrift        = 0.20
	weightSignal       = 0.10
)

// QualityInputs collects the evidence behind a device quality score.
type QualityInputs struct {
	Observed       int     // readings seen in the window
	Expected       int     // readings the sampling cadence predicts
	OutlierCount   int     // readings flagged as outliers
	DriftDetected  bool
	DriftMagnitude float64
	DriftThreshold float64
	SignalDBM      *float64 // nil when the device reports no RSSI
}

// QualityScore combines the inputs into a 0-100 score.
func QualityScore(in QualityInputs) float64 {
	completeness := 1.0
	if in.Expected > 0 {
		completeness = clamp01(float64(in.Observed) / float64(in.Expected))
	}

	outlierOK := 1.0
	if in.Observed > 0 {
		outlierOK = clamp01(1 - float64(in.OutlierCount)/float64(in.Observed))
	}

	driftOK := 1.0
	if in.DriftDetected && in.DriftThreshold > 0 {
		// Penalty grows with how far past the threshold the drift went;
		// twice the threshold zeroes the term.
		excess := math.Abs(in.DriftMagnitude)/in.DriftThreshold - 1
		driftOK = clamp01(1 - excess)
	}

	signal := signalScore(in.SignalDBM)

	score := 100 * (weightCompleteness*completeness +
		weightOutliers*outlierOK +
		weightDrift*driftOK +
		weightSignal*signal)
	return math.Min(100, math.Max(0, score))
}

// signalScore maps RSSI onto [0,1]: -50 dBm or better is full strength,
// -100 dBm or worse is zero. Devices without RSSI get full credit rather
// than a penalty for missing telemetry.
func signalScore(dbm *float64) float64 {
	if dbm == nil {
		return 1.0
	}
	return clamp01((*dbm + 100) / 50)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
