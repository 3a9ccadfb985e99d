package aggregate

import (
	"math"

	"github.com/kafaat/sahool-iot-pipeline/thresholds"
	"github.com/kafaat/sahool-iot-pipeline/types"
)

// Strategy selects an outlier detection method.
type Strategy string

// Outlier strategies
const (
	StrategyZScore    Strategy = "zscore"
	StrategyIQR       Strategy = "iqr"
	StrategyThreshold Strategy = "threshold"
)

// minSamples is the smallest population the statistical strategies accept.
const minSamples = 8

// OutlierConfig tunes the detection strategies.
type OutlierConfig struct {
	ZK      float64 // z-score multiplier, default 3.0
	IQRM    float64 // IQR multiplier, default 1.5
	Enabled []Strategy
}

// DefaultOutlierConfig enables all three strategies with their standard parameters.
func DefaultOutlierConfig() OutlierConfig {
	return OutlierConfig{
		ZK:      3.0,
		IQRM:    1.5,
		Enabled: []Strategy{StrategyZScore, StrategyIQR, StrategyThreshold},
	}
}

// zScoreOutlier marks |v-mean| > k*std against the population. Requires
// at least minSamples values.
func zScoreOutlier(v float64, population []float64, k float64) bool {
	if len(population) < minSamples {
		return false
	}
	s := Compute(population)
	if s.Std == nil || *s.Std == 0 {
		return false
	}
	return math.Abs(v-*s.Mean) > k*(*s.Std)
}

// iqrOutlier marks values outside [p25 - m*iqr, p75 + m*iqr]. Requires at
// least minSamples values.
func iqrOutlier(v float64, population []float64, m float64) bool {
	if len(population) < minSamples {
		return false
	}
	s := Compute(population)
	if s.P25 == nil || s.P75 == nil {
		return false
	}
	iqr := *s.P75 - *s.P25
	return v < *s.P25-m*iqr || v > *s.P75+m*iqr
}

// Detect evaluates the enabled strategies for a reading against its
// population. The reading is flagged when any strategy flags it; the
// first flagging strategy is recorded in metadata.
func Detect(r *types.Reading, population []float64, cfg OutlierConfig) {
	for _, strategy := range cfg.Enabled {
		flagged := false
		switch strategy {
		case StrategyZScore:
			flagged = zScoreOutlier(r.Value, population, cfg.ZK)
		case StrategyIQR:
			flagged = iqrOutlier(r.Value, population, cfg.IQRM)
		case StrategyThreshold:
			breach := thresholds.Evaluate(r.SensorType, r.Value)
			if q := breach.Quality(); q != types.QualityGood {
				r.Quality = q
			}
			flagged = breach.Critical()
		}
		if flagged && !r.OutlierFlag {
			r.OutlierFlag = true
			r.Metadata.OutlierStrategy = string(strategy)
		}
	}
}

// ClassifyThreshold sets a reading's quality from the threshold table
// without touching outlier state. The bridge applies this before
// publishing so registry error transitions see the classification.
func ClassifyThreshold(r *types.Reading) thresholds.Breach {
	breach := thresholds.Evaluate(r.SensorType, r.Value)
	r.Quality = breach.Quality()
	return breach
}
