package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kafaat/sahool-iot-pipeline/component"
	"github.com/kafaat/sahool-iot-pipeline/errors"
	"github.com/kafaat/sahool-iot-pipeline/metric"
	"github.com/kafaat/sahool-iot-pipeline/pkg/ring"
	"github.com/kafaat/sahool-iot-pipeline/types"
)

// DeviceSource is the read capability the aggregator needs from the
// device registry.
type DeviceSource interface {
	Get(deviceID string) (types.Device, bool)
}

// AlertSource supplies active alert summaries for health snapshots. Wired
// at startup; nil disables the alerts list.
type AlertSource interface {
	ActiveAlertSummaries(deviceID string) []string
}

// ResultListener receives aggregation results that feed alerting.
type ResultListener interface {
	// OnDrift fires on the edge where drift is first detected for a
	// (device, sensor_type) series.
	OnDrift(deviceID string, sensorType types.SensorType, drift DriftResult)

	// OnAnomaly fires when a series' outlier fraction exceeds the
	// configured ceiling.
	OnAnomaly(deviceID string, sensorType types.SensorType, outlierFraction float64)
}

// Config holds aggregator tuning.
type Config struct {
	FlushInterval          time.Duration
	RingCapacity           int
	DriftWindow            int
	SampleInterval         time.Duration
	OutlierFractionCeiling float64
	EmitAggregates         bool
	Retention              time.Duration
	Outliers               OutlierConfig
}

// Deps holds runtime dependencies for the aggregator.
type Deps struct {
	Name            string
	Config          Config
	Bus             component.EventBus
	Devices         DeviceSource
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

type ringKey struct {
	deviceID   string
	sensorType types.SensorType
}

type seriesState struct {
	ring        *ring.Ring[types.Reading]
	driftActive bool
}

// Aggregator derives windowed statistics from the reading stream.
type Aggregator struct {
	name    string
	cfg     Config
	bus     component.EventBus
	devices DeviceSource
	logger  *slog.Logger

	mu     sync.RWMutex
	series map[ringKey]*seriesState

	// closed coarse aggregates retained for the configured window
	storeMu sync.Mutex
	store   []Aggregate

	listenersMu sync.RWMutex
	listeners   []ResultListener
	alerts      AlertSource

	ingested     atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time
	lastActivity atomic.Value // time.Time

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	lifeMu   sync.Mutex
}

var _ component.Lifecycle = (*Aggregator)(nil)

// New creates an aggregator.
func New(deps Deps) *Aggregator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "aggregator")
	}
	cfg := deps.Config
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 2048
	}
	if cfg.DriftWindow <= 0 {
		cfg.DriftWindow = 10
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 60 * time.Second
	}
	if cfg.OutlierFractionCeiling <= 0 {
		cfg.OutlierFractionCeiling = 0.3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	if cfg.Outliers.ZK <= 0 || len(cfg.Outliers.Enabled) == 0 {
		cfg.Outliers = DefaultOutlierConfig()
	}

	a := &Aggregator{
		name:      deps.Name,
		cfg:       cfg,
		bus:       deps.Bus,
		devices:   deps.Devices,
		logger:    logger,
		series:    make(map[ringKey]*seriesState),
		startTime: time.Now(),
	}
	a.lastActivity.Store(time.Time{})
	return a
}

// AddListener registers a result listener. Must be called before Start.
func (a *Aggregator) AddListener(l ResultListener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, l)
}

// SetAlertSource wires the active alert lookup for health snapshots.
func (a *Aggregator) SetAlertSource(src AlertSource) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.alerts = src
}

// Meta returns the component metadata.
func (a *Aggregator) Meta() component.Metadata {
	name := a.name
	if name == "" {
		name = "aggregator"
	}
	return component.Metadata{
		Name:        name,
		Type:        "aggregator",
		Description: "windowed statistics, outlier and drift detection, quality scoring",
		Version:     "1.0.0",
	}
}

// Health returns the current health status.
func (a *Aggregator) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    a.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(a.errorCount.Load()),
		Uptime:     time.Since(a.startTime),
	}
}

// DataFlow returns ingest throughput metrics.
func (a *Aggregator) DataFlow() component.FlowMetrics {
	ingested := a.ingested.Load()
	var perSecond float64
	if uptime := time.Since(a.startTime).Seconds(); uptime > 0 {
		perSecond = float64(ingested) / uptime
	}
	last, _ := a.lastActivity.Load().(time.Time)
	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		LastActivity:      last,
	}
}

// Initialize validates dependencies.
func (a *Aggregator) Initialize() error {
	if a.bus == nil {
		return errors.WrapInvalid(fmt.Errorf("nil event bus"),
			"aggregator", "Initialize", "dependency validation")
	}
	return nil
}

// Start subscribes to the reading stream and launches the flush loop.
func (a *Aggregator) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	if a.running.Load() {
		return nil
	}
	a.shutdown = make(chan struct{})
	a.done = make(chan struct{})
	a.running.Store(true)
	a.startTime = time.Now()

	if err := a.bus.Subscribe(ctx, types.SubjectReading, func(ctx context.Context, data []byte) {
		var r types.Reading
		if err := json.Unmarshal(data, &r); err != nil {
			a.errorCount.Add(1)
			return
		}
		a.Ingest(ctx, r)
	}); err != nil {
		a.running.Store(false)
		return errors.WrapTransient(err, "aggregator", "Start", "reading subscription")
	}

	go a.flushLoop(ctx)
	return nil
}

// Stop halts the flush loop.
func (a *Aggregator) Stop(timeout time.Duration) error {
	if !a.running.Load() {
		return nil
	}
	a.running.Store(false)
	close(a.shutdown)

	select {
	case <-a.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"aggregator", "Stop", "graceful shutdown")
	}
}

// Ingest runs outlier detection for one reading against its series and
// retains the annotated copy. Drift is evaluated on every append; the
// listener fires only on the detection edge.
func (a *Aggregator) Ingest(_ context.Context, r types.Reading) {
	a.ingested.Add(1)
	a.lastActivity.Store(time.Now())

	key := ringKey{deviceID: r.DeviceID, sensorType: r.SensorType}
	state := a.state(key)

	population := values(state.ring.Snapshot())
	Detect(&r, population, a.cfg.Outliers)
	state.ring.Append(r)

	drift := DetectDrift(values(state.ring.Snapshot()), a.cfg.DriftWindow,
		DriftThreshold(r.SensorType))

	a.mu.Lock()
	edge := drift.Detected && !state.driftActive
	state.driftActive = drift.Detected
	a.mu.Unlock()

	if edge {
		a.listenersMu.RLock()
		listeners := append([]ResultListener{}, a.listeners...)
		a.listenersMu.RUnlock()
		for _, l := range listeners {
			l.OnDrift(r.DeviceID, r.SensorType, drift)
		}
	}
}

func (a *Aggregator) state(key ringKey) *seriesState {
	a.mu.RLock()
	state, ok := a.series[key]
	a.mu.RUnlock()
	if ok {
		return state
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if state, ok = a.series[key]; ok {
		return state
	}
	state = &seriesState{ring: ring.New[types.Reading](a.cfg.RingCapacity)}
	a.series[key] = state
	return state
}

// flushLoop periodically recomputes aggregates and prunes retention.
func (a *Aggregator) flushLoop(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		case now := <-ticker.C:
			a.Flush(ctx, now.UTC())
		}
	}
}

// Flush recomputes the current hourly aggregate for every active series,
// publishes them when enabled, raises anomaly results, and prunes
// aggregates past retention. Exposed so tests can drive the clock.
func (a *Aggregator) Flush(ctx context.Context, now time.Time) {
	a.mu.RLock()
	keys := make([]ringKey, 0, len(a.series))
	for key := range a.series {
		keys = append(keys, key)
	}
	a.mu.RUnlock()

	for _, key := range keys {
		agg := a.DeviceAggregate(key.deviceID, key.sensorType, GranularityHour, now)
		if agg.Count == 0 {
			continue
		}

		if agg.Count > 0 {
			fraction := float64(agg.OutlierCount) / float64(agg.Count)
			if fraction > a.cfg.OutlierFractionCeiling {
				a.listenersMu.RLock()
				listeners := append([]ResultListener{}, a.listeners...)
				a.listenersMu.RUnlock()
				for _, l := range listeners {
					l.OnAnomaly(key.deviceID, key.sensorType, fraction)
				}
			}
		}

		if a.cfg.EmitAggregates {
			data, err := json.Marshal(agg)
			if err == nil {
				if err := a.bus.Publish(ctx, types.SubjectAggregateComputed, data); err != nil {
					a.errorCount.Add(1)
				}
			}
		}

		a.retain(agg)
	}

	a.prune(now)
}

func (a *Aggregator) retain(agg Aggregate) {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()

	// Replace the previous partial aggregate for the same window
	for i := range a.store {
		if a.store[i].ScopeKey == agg.ScopeKey &&
			a.store[i].SensorType == agg.SensorType &&
			a.store[i].Granularity == agg.Granularity &&
			a.store[i].Window.Start.Equal(agg.Window.Start) {
			a.store[i] = agg
			return
		}
	}
	a.store = append(a.store, agg)
}

func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-a.cfg.Retention)

	a.storeMu.Lock()
	defer a.storeMu.Unlock()

	kept := a.store[:0]
	for _, agg := range a.store {
		if agg.Window.End.After(cutoff) {
			kept = append(kept, agg)
		}
	}
	a.store = kept
}

// StoredAggregates returns retained aggregates for a scope key, newest last.
func (a *Aggregator) StoredAggregates(scopeKey string) []Aggregate {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()

	var out []Aggregate
	for _, agg := range a.store {
		if agg.ScopeKey == scopeKey {
			out = append(out, agg)
		}
	}
	return out
}

// DeviceAggregate recomputes the aggregate for one device series in the
// window containing now.
func (a *Aggregator) DeviceAggregate(deviceID string, st types.SensorType,
	g Granularity, now time.Time) Aggregate {

	window := WindowFor(now, g)
	key := ringKey{deviceID: deviceID, sensorType: st}

	a.mu.RLock()
	state, ok := a.series[key]
	a.mu.RUnlock()

	var readings []types.Reading
	if ok {
		readings = state.ring.Filter(func(r types.Reading) bool {
			return window.Contains(r.Timestamp)
		})
	}

	return a.build(ScopeDevice, deviceID, st, g, window, now, readings)
}

// FieldAggregate recomputes an aggregate across every device of a field
// for one sensor type.
func (a *Aggregator) FieldAggregate(fieldID string, st types.SensorType,
	g Granularity, now time.Time) Aggregate {

	window := WindowFor(now, g)
	readings := a.collect(st, window, func(r types.Reading) bool {
		return r.FieldID == fieldID
	})
	return a.build(ScopeField, fieldID, st, g, window, now, readings)
}

// SensorTypeAggregate recomputes an aggregate across all devices
// reporting one sensor type.
func (a *Aggregator) SensorTypeAggregate(st types.SensorType,
	g Granularity, now time.Time) Aggregate {

	window := WindowFor(now, g)
	readings := a.collect(st, window, func(types.Reading) bool { return true })
	return a.build(ScopeSensorType, string(st), st, g, window, now, readings)
}

func (a *Aggregator) collect(st types.SensorType, window Window,
	keep func(types.Reading) bool) []types.Reading {

	a.mu.RLock()
	states := make([]*seriesState, 0, len(a.series))
	for key, state := range a.series {
		if key.sensorType == st {
			states = append(states, state)
		}
	}
	a.mu.RUnlock()

	var out []types.Reading
	for _, state := range states {
		out = append(out, state.ring.Filter(func(r types.Reading) bool {
			return window.Contains(r.Timestamp) && keep(r)
		})...)
	}
	return out
}

func (a *Aggregator) build(scope Scope, scopeKey string, st types.SensorType,
	g Granularity, window Window, now time.Time, readings []types.Reading) Aggregate {

	agg := Aggregate{
		Scope:       scope,
		ScopeKey:    scopeKey,
		SensorType:  st,
		Window:      window,
		Granularity: g,
		Partial:     window.End.After(now),
	}

	if len(readings) == 0 {
		return agg
	}

	vals := values(readings)
	agg.Stats = Compute(vals)

	deviceSet := make(map[string]struct{})
	for _, r := range readings {
		deviceSet[r.DeviceID] = struct{}{}
		if r.OutlierFlag {
			agg.OutlierCount++
		}
	}
	for id := range deviceSet {
		agg.Devices = append(agg.Devices, id)
	}

	if st == types.SensorRainfall {
		agg.CumulativeSum = ptr(CumulativeSum(vals))
	}
	agg.RateOfChange = RateOfChange(vals, window.Hours())

	expected := a.expectedReadings(window, now)
	score := QualityScore(QualityInputs{
		Observed:     len(readings),
		Expected:     expected * len(deviceSet),
		OutlierCount: agg.OutlierCount,
	})
	agg.QualityScore = ptr(score)

	return agg
}

// expectedReadings returns how many samples the cadence predicts for the
// elapsed part of the window.
func (a *Aggregator) expectedReadings(window Window, now time.Time) int {
	end := window.End
	if end.After(now) {
		end = now
	}
	elapsed := end.Sub(window.Start)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / a.cfg.SampleInterval)
}

func values(readings []types.Reading) []float64 {
	out := make([]float64, len(readings))
	for i, r := range readings {
		out[i] = r.Value
	}
	return out
}
