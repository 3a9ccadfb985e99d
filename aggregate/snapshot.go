package aggregate

import (
	"time"

	"github.com/kafaat/sahool-iot-pipeline/types"
)

// HealthSnapshot is the per-device health view served over the gateway.
type HealthSnapshot struct {
	DeviceID     string             `json:"device_id"`
	Status       types.DeviceStatus `json:"status"`
	QualityScore float64            `json:"quality_score"`
	UptimePct    float64            `json:"uptime_pct"`
	OutlierPct   float64            `json:"outlier_pct"`

	DriftDetected  bool     `json:"drift_detected"`
	DriftMagnitude *float64 `json:"drift_magnitude,omitempty"`

	BatteryPct *float64 `json:"battery_pct,omitempty"`
	SignalDBM  *float64 `json:"signal_dbm,omitempty"`

	ReadingsObserved int       `json:"readings_observed"`
	ReadingsExpected int       `json:"readings_expected"`
	LastSeen         time.Time `json:"last_seen,omitempty"`

	ActiveAlerts    []string `json:"active_alerts,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Snapshot assembles the health view for one device over the current
// day window, combining registry state, ring statistics, drift state and
// active alerts.
func (a *Aggregator) Snapshot(deviceID string, now time.Time) HealthSnapshot {
	snap := HealthSnapshot{DeviceID: deviceID, Status: types.StatusOffline}

	var dev types.Device
	var known bool
	if a.devices != nil {
		dev, known = a.devices.Get(deviceID)
	}
	if known {
		snap.Status = dev.Status
		snap.BatteryPct = dev.BatteryPct
		snap.SignalDBM = dev.SignalDBM
		snap.LastSeen = dev.LastSeen
	}

	window := WindowFor(now, GranularityDay)

	a.mu.RLock()
	var states []*seriesState
	for key, state := range a.series {
		if key.deviceID == deviceID {
			states = append(states, state)
		}
	}
	a.mu.RUnlock()

	var observed, outliers int
	var worstDrift DriftResult
	driftActive := false
	for _, state := range states {
		readings := state.ring.Filter(func(r types.Reading) bool {
			return window.Contains(r.Timestamp)
		})
		observed += len(readings)
		for _, r := range readings {
			if r.OutlierFlag {
				outliers++
			}
		}

		vals := values(state.ring.Snapshot())
		if len(vals) > 0 {
			drift := DetectDrift(vals, a.cfg.DriftWindow,
				DriftThreshold(readingType(state)))
			if drift.Detected && abs(drift.Magnitude) > abs(worstDrift.Magnitude) {
				worstDrift = drift
				driftActive = true
			}
		}
	}

	expected := a.expectedReadings(window, now) * len(states)
	snap.ReadingsObserved = observed
	snap.ReadingsExpected = expected
	if expected > 0 {
		snap.UptimePct = 100 * clamp01(float64(observed)/float64(expected))
	}
	if observed > 0 {
		snap.OutlierPct = 100 * float64(outliers) / float64(observed)
	}

	snap.DriftDetected = driftActive
	if driftActive {
		m := worstDrift.Magnitude
		snap.DriftMagnitude = &m
	}

	snap.QualityScore = QualityScore(QualityInputs{
		Observed:       observed,
		Expected:       expected,
		OutlierCount:   outliers,
		DriftDetected:  driftActive,
		DriftMagnitude: worstDrift.Magnitude,
		DriftThreshold: worstDrift.Threshold,
		SignalDBM:      snap.SignalDBM,
	})

	a.listenersMu.RLock()
	alerts := a.alerts
	a.listenersMu.RUnlock()
	if alerts != nil {
		snap.ActiveAlerts = alerts.ActiveAlertSummaries(deviceID)
	}

	snap.Recommendations = recommend(snap)
	return snap
}

// readingType returns the sensor type of the series by peeking its newest
// reading. Empty series fall back to the unbounded default thresholds.
func readingType(state *seriesState) types.SensorType {
	last := state.ring.Last(1)
	if len(last) == 0 {
		return ""
	}
	return last[0].SensorType
}

func recommend(snap HealthSnapshot) []string {
	var recs []string
	if snap.Status == types.StatusOffline {
		recs = append(recs, "check device power and connectivity")
	}
	if snap.BatteryPct != nil && *snap.BatteryPct < 20 {
		recs = append(recs, "replace or recharge battery")
	}
	if snap.DriftDetected {
		recs = append(recs, "recalibrate sensor")
	}
	if snap.OutlierPct > 30 {
		recs = append(recs, "inspect sensor for damage or interference")
	}
	if snap.SignalDBM != nil && *snap.SignalDBM < -90 {
		recs = append(recs, "relocate device closer to the gateway")
	}
	return recs
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
