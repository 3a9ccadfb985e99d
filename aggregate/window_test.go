package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowForHour(t *testing.T) {
	at := time.Date(2026, 8, 31, 14, 37, 12, 0, time.UTC)
	w := WindowFor(at, GranularityHour)

	assert.Equal(t, time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC), w.End)
	assert.InDelta(t, 1.0, w.Hours(), 1e-9)
}

func TestWindowForDay(t *testing.T) {
	at := time.Date(2026, 8, 31, 14, 37, 0, 0, time.UTC)
	w := WindowFor(at, GranularityDay)

	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), w.End)
}

func TestWindowForWeekStartsMonday(t *testing.T) {
	// 2026-08-31 is a Monday
	monday := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	w := WindowFor(monday, GranularityWeek)
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), w.Start)

	// the following Sunday still belongs to the same week
	sunday := time.Date(2026, 9, 6, 23, 0, 0, 0, time.UTC)
	w2 := WindowFor(sunday, GranularityWeek)
	assert.Equal(t, w.Start, w2.Start)
	assert.Equal(t, w.Start.AddDate(0, 0, 7), w2.End)
}

func TestWindowForMonth(t *testing.T) {
	at := time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC)
	w := WindowFor(at, GranularityMonth)

	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), w.End)
}

func TestWindowContainsHalfOpen(t *testing.T) {
	w := WindowFor(time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC), GranularityHour)

	assert.True(t, w.Contains(w.Start))
	assert.True(t, w.Contains(w.End.Add(-time.Nanosecond)))
	assert.False(t, w.Contains(w.End), "end is exclusive")
	assert.False(t, w.Contains(w.Start.Add(-time.Nanosecond)))
}

func TestWindowForNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("GST", 4*3600)
	at := time.Date(2026, 8, 31, 2, 30, 0, 0, loc) // 2026-08-30 22:30 UTC
	w := WindowFor(at, GranularityDay)

	assert.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), w.Start)
}
