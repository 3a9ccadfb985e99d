package aggregate

import (
	"time"

	"github.com/kafaat/sahool-iot-pipeline/types"
)

// Granularity selects the wall-clock alignment of an aggregation window.
type Granularity string

// Aggregation granularities
const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// Scope selects the grouping key of an aggregate.
type Scope string

// Aggregation scopes
const (
	ScopeDevice     Scope = "device"
	ScopeField      Scope = "field"
	ScopeSensorType Scope = "sensor_type"
)

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Hours returns the window extent in hours.
func (w Window) Hours() float64 {
	return w.End.Sub(w.Start).Hours()
}

// WindowFor returns the aligned window containing t. Hours align to the
// wall-clock UTC hour, days to UTC midnight, weeks to the ISO week
// (Monday), months to the calendar month.
func WindowFor(t time.Time, g Granularity) Window {
	t = t.UTC()
	switch g {
	case GranularityHour:
		start := t.Truncate(time.Hour)
		return Window{Start: start, End: start.Add(time.Hour)}
	case GranularityDay:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 0, 1)}
	case GranularityWeek:
		// ISO weeks start on Monday
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).
			AddDate(0, 0, -(weekday - 1))
		return Window{Start: start, End: start.AddDate(0, 0, 7)}
	case GranularityMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 1, 0)}
	default:
		start := t.Truncate(time.Hour)
		return Window{Start: start, End: start.Add(time.Hour)}
	}
}

// Aggregate is a derived statistic over a window of readings.
type Aggregate struct {
	Scope       Scope            `json:"scope"`
	ScopeKey    string           `json:"scope_key"`
	SensorType  types.SensorType `json:"sensor_type"`
	Window      Window           `json:"window"`
	Granularity Granularity      `json:"granularity"`
	Partial     bool             `json:"partial"`

	Stats
	RateOfChange  *float64 `json:"rate_of_change,omitempty"`
	CumulativeSum *float64 `json:"cumulative_sum,omitempty"`
	OutlierCount  int      `json:"outlier_count"`
	QualityScore  *float64 `json:"quality_score,omitempty"`
	Devices       []string `json:"devices"`
}
