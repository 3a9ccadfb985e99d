package aggregate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kafaat/sahool-iot-pipeline/testutil"
	"github.com/kafaat/sahool-iot-pipeline/types"
)

type stubDevices struct {
	devices map[string]types.Device
}

func (s *stubDevices) Get(deviceID string) (types.Device, bool) {
	d, ok := s.devices[deviceID]
	return d, ok
}

type recordingListener struct {
	drifts    []string
	anomalies []string
}

func (l *recordingListener) OnDrift(deviceID string, st types.SensorType, _ DriftResult) {
	l.drifts = append(l.drifts, deviceID+"/"+string(st))
}

func (l *recordingListener) OnAnomaly(deviceID string, st types.SensorType, _ float64) {
	l.anomalies = append(l.anomalies, deviceID+"/"+string(st))
}

func testAggregator(t *testing.T, bus *testutil.MockBus, cfg Config) *Aggregator {
	t.Helper()
	if bus == nil {
		bus = testutil.NewMockBus()
	}
	return New(Deps{
		Name:    "aggregator",
		Config:  cfg,
		Bus:     bus,
		Devices: &stubDevices{devices: map[string]types.Device{}},
	})
}

func reading(deviceID string, st types.SensorType, value float64, at time.Time) types.Reading {
	return types.Reading{
		DeviceID:   deviceID,
		FieldID:    "field-1",
		SensorType: st,
		Value:      value,
		Timestamp:  at,
		Quality:    types.QualityGood,
	}
}

func TestDeviceAggregateStatsInvariant(t *testing.T) {
	a := testAggregator(t, nil, Config{SampleInterval: time.Minute})
	now := time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC)

	values := []float64{31, 25, 28, 22, 35, 27, 30, 24, 29, 26, 33, 23}
	for i, v := range values {
		a.Ingest(context.Background(),
			reading("dev-1", types.SensorSoilMoisture, v, now.Add(time.Duration(i)*time.Minute)))
	}

	agg := a.DeviceAggregate("dev-1", types.SensorSoilMoisture, GranularityHour, now.Add(30*time.Minute))

	require.Equal(t, 12, agg.Count)
	assert.Equal(t, ScopeDevice, agg.Scope)
	assert.Equal(t, "dev-1", agg.ScopeKey)
	assert.True(t, agg.Partial, "current window is partial")
	assert.Equal(t, []string{"dev-1"}, agg.Devices)

	assert.LessOrEqual(t, *agg.Min, *agg.P10)
	assert.LessOrEqual(t, *agg.P10, *agg.P25)
	assert.LessOrEqual(t, *agg.P25, *agg.Median)
	assert.LessOrEqual(t, *agg.Median, *agg.P75)
	assert.LessOrEqual(t, *agg.P75, *agg.P90)
	assert.LessOrEqual(t, *agg.P90, *agg.Max)
}

func TestDeviceAggregateWindowFiltering(t *testing.T) {
	a := testAggregator(t, nil, Config{SampleInterval: time.Minute})
	now := time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC)

	// two readings in this hour, one in the previous hour
	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 40, now.Add(-90*time.Minute)))
	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 50, now.Add(-10*time.Minute)))
	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 60, now.Add(-5*time.Minute)))

	agg := a.DeviceAggregate("dev-1", types.SensorSoilMoisture, GranularityHour, now)
	assert.Equal(t, 2, agg.Count)
	assert.InDelta(t, 55, *agg.Mean, 1e-9)
}

func TestRainfallCumulativeSum(t *testing.T) {
	a := testAggregator(t, nil, Config{SampleInterval: time.Minute})
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

	for i, v := range []float64{0, 5, 2, 0, 3} {
		a.Ingest(context.Background(),
			reading("dev-1", types.SensorRainfall, v, now.Add(time.Duration(i)*time.Minute)))
	}

	agg := a.DeviceAggregate("dev-1", types.SensorRainfall, GranularityHour, now.Add(10*time.Minute))
	require.NotNil(t, agg.CumulativeSum)
	assert.InDelta(t, 10, *agg.CumulativeSum, 1e-9)

	// non-accumulating sensor types carry no cumulative sum
	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 30, now))
	moist := a.DeviceAggregate("dev-1", types.SensorSoilMoisture, GranularityHour, now.Add(10*time.Minute))
	assert.Nil(t, moist.CumulativeSum)
}

func TestFieldAggregateMergesDevices(t *testing.T) {
	a := testAggregator(t, nil, Config{SampleInterval: time.Minute})
	now := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)

	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 30, now))
	a.Ingest(context.Background(), reading("dev-2", types.SensorSoilMoisture, 50, now))
	other := reading("dev-3", types.SensorSoilMoisture, 90, now)
	other.FieldID = "field-2"
	a.Ingest(context.Background(), other)

	agg := a.FieldAggregate("field-1", types.SensorSoilMoisture, GranularityHour, now)

	require.Equal(t, 2, agg.Count)
	assert.Equal(t, ScopeField, agg.Scope)
	assert.InDelta(t, 40, *agg.Mean, 1e-9)
	assert.ElementsMatch(t, []string{"dev-1", "dev-2"}, agg.Devices)
}

func TestSensorTypeAggregateSpansFields(t *testing.T) {
	a := testAggregator(t, nil, Config{SampleInterval: time.Minute})
	now := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)

	a.Ingest(context.Background(), reading("dev-1", types.SensorAirTemperature, 20, now))
	other := reading("dev-3", types.SensorAirTemperature, 30, now)
	other.FieldID = "field-2"
	a.Ingest(context.Background(), other)
	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 55, now))

	agg := a.SensorTypeAggregate(types.SensorAirTemperature, GranularityHour, now)
	require.Equal(t, 2, agg.Count)
	assert.InDelta(t, 25, *agg.Mean, 1e-9)
}

func TestIngestFlagsOutliersAgainstSeries(t *testing.T) {
	a := testAggregator(t, nil, Config{SampleInterval: time.Minute})
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		a.Ingest(context.Background(),
			reading("dev-1", types.SensorSoilMoisture, 25+float64(i%3)*0.5,
				now.Add(time.Duration(i)*time.Minute)))
	}
	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 75, now.Add(21*time.Minute)))

	agg := a.DeviceAggregate("dev-1", types.SensorSoilMoisture, GranularityHour, now.Add(25*time.Minute))
	assert.Equal(t, 1, agg.OutlierCount)
}

func TestIngestNotifiesDriftOnEdgeOnly(t *testing.T) {
	a := testAggregator(t, nil, Config{SampleInterval: time.Minute, DriftWindow: 5})
	listener := &recordingListener{}
	a.AddListener(listener)
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

	// soil_temperature drift threshold is 2.5; shift the mean by 5
	for i := 0; i < 5; i++ {
		a.Ingest(context.Background(),
			reading("dev-1", types.SensorSoilTemperature, 20, now.Add(time.Duration(i)*time.Minute)))
	}
	for i := 5; i < 10; i++ {
		a.Ingest(context.Background(),
			reading("dev-1", types.SensorSoilTemperature, 25, now.Add(time.Duration(i)*time.Minute)))
	}

	require.Len(t, listener.drifts, 1, "edge fires once, not per sample")
	assert.Equal(t, "dev-1/soil_temperature", listener.drifts[0])
}

func TestFlushPublishesAggregates(t *testing.T) {
	bus := testutil.NewMockBus()
	a := testAggregator(t, bus, Config{SampleInterval: time.Minute, EmitAggregates: true})
	now := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)

	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 44, now))
	a.Flush(context.Background(), now)

	msgs := bus.Messages(types.SubjectAggregateComputed)
	require.Len(t, msgs, 1)

	var agg Aggregate
	require.NoError(t, json.Unmarshal(msgs[0], &agg))
	assert.Equal(t, "dev-1", agg.ScopeKey)
	assert.Equal(t, types.SensorSoilMoisture, agg.SensorType)
	assert.Equal(t, 1, agg.Count)
}

func TestFlushRaisesAnomalyAboveCeiling(t *testing.T) {
	a := testAggregator(t, nil, Config{
		SampleInterval:         time.Minute,
		OutlierFractionCeiling: 0.3,
	})
	listener := &recordingListener{}
	a.AddListener(listener)
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

	// every reading breaches the critical threshold, so the whole series
	// is flagged
	for i := 0; i < 5; i++ {
		a.Ingest(context.Background(),
			reading("dev-1", types.SensorSoilMoisture, 95, now.Add(time.Duration(i)*time.Minute)))
	}
	a.Flush(context.Background(), now.Add(10*time.Minute))

	require.Len(t, listener.anomalies, 1)
	assert.Equal(t, "dev-1/soil_moisture", listener.anomalies[0])
}

func TestStoredAggregatesRetention(t *testing.T) {
	a := testAggregator(t, nil, Config{
		SampleInterval: time.Minute,
		Retention:      24 * time.Hour,
	})
	now := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)

	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 44, now))
	a.Flush(context.Background(), now)
	require.Len(t, a.StoredAggregates("dev-1"), 1)

	// flushing again inside the same window replaces, not appends
	a.Ingest(context.Background(), reading("dev-1", types.SensorSoilMoisture, 46, now.Add(time.Minute)))
	a.Flush(context.Background(), now.Add(time.Minute))
	require.Len(t, a.StoredAggregates("dev-1"), 1)
	assert.Equal(t, 2, a.StoredAggregates("dev-1")[0].Count)

	// far future flush prunes the stale window
	a.Flush(context.Background(), now.Add(48*time.Hour))
	assert.Empty(t, a.StoredAggregates("dev-1"))
}

func TestSnapshotCombinesEvidence(t *testing.T) {
	bus := testutil.NewMockBus()
	devices := &stubDevices{devices: map[string]types.Device{
		"dev-1": {
			DeviceID:   "dev-1",
			Status:     types.StatusOnline,
			BatteryPct: types.Float64Ptr(15),
			SignalDBM:  types.Float64Ptr(-95),
			LastSeen:   time.Date(2026, 8, 31, 9, 29, 0, 0, time.UTC),
		},
	}}
	a := New(Deps{
		Name:    "aggregator",
		Config:  Config{SampleInterval: time.Minute},
		Bus:     bus,
		Devices: devices,
	})
	now := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		a.Ingest(context.Background(),
			reading("dev-1", types.SensorSoilMoisture, 40, now.Add(time.Duration(-i)*time.Minute)))
	}

	snap := a.Snapshot("dev-1", now)

	assert.Equal(t, "dev-1", snap.DeviceID)
	assert.Equal(t, types.StatusOnline, snap.Status)
	assert.Equal(t, 30, snap.ReadingsObserved)
	assert.Greater(t, snap.QualityScore, 0.0)
	require.NotNil(t, snap.BatteryPct)
	assert.Contains(t, snap.Recommendations, "replace or recharge battery")
	assert.Contains(t, snap.Recommendations, "relocate device closer to the gateway")
}

func TestSnapshotUnknownDeviceIsOffline(t *testing.T) {
	a := testAggregator(t, nil, Config{SampleInterval: time.Minute})

	snap := a.Snapshot("ghost", time.Now().UTC())
	assert.Equal(t, types.StatusOffline, snap.Status)
	assert.Zero(t, snap.ReadingsObserved)
	assert.Contains(t, snap.Recommendations, "check device power and connectivity")
}

func TestAggregatorLifecycleOverBus(t *testing.T) {
	bus := testutil.NewMockBus()
	a := testAggregator(t, bus, Config{SampleInterval: time.Minute})

	require.NoError(t, a.Initialize())
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(time.Second) }()

	r := reading("dev-9", types.SensorAirTemperature, 21, time.Now().UTC())
	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), types.SubjectReading, data))

	agg := a.DeviceAggregate("dev-9", types.SensorAirTemperature, GranularityHour, time.Now().UTC())
	assert.Equal(t, 1, agg.Count)

	assert.True(t, a.Health().Healthy)
	require.NoError(t, a.Stop(time.Second))
	assert.False(t, a.Health().Healthy)
}
