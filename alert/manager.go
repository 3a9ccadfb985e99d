package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kafaat/sahool-iot-pipeline/aggregate"
	"github.com/kafaat/sahool-iot-pipeline/component"
	"github.com/kafaat/sahool-iot-pipeline/errors"
	"github.com/kafaat/sahool-iot-pipeline/metric"
	"github.com/kafaat/sahool-iot-pipeline/pkg/retry"
	"github.com/kafaat/sahool-iot-pipeline/thresholds"
	"github.com/kafaat/sahool-iot-pipeline/types"
)

// Config holds alert manager tuning.
type Config struct {
	CheckInterval      time.Duration // snooze expiry sweep cadence
	OutboxCapacity     int
	SustainedCount     int           // consecutive breaches that escalate to high
	TerminalRetention  time.Duration // how long resolved alerts stay queryable
	BatteryCriticalPct float64
}

// Deps holds runtime dependencies for the manager.
type Deps struct {
	Name            string
	Config          Config
	Bus             component.EventBus
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

type dedupKey struct {
	kind       Kind
	subjectRef string
}

type streakKey struct {
	deviceID   string
	sensorType types.SensorType
}

// Manager owns the alert store. All mutations are serialized behind a
// single mutex; publication is decoupled through a bounded outbox so a
// slow bus never blocks evaluation.
type Manager struct {
	name   string
	cfg    Config
	bus    component.EventBus
	logger *slog.Logger
	core   *metric.Core

	mu      sync.Mutex
	alerts  map[string]*Alert
	index   map[dedupKey]string // open alerts by (kind, subject_ref)
	streaks map[streakKey]int

	outbox  chan Event
	dropped atomic.Int64

	evaluated    atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time
	lastAlertAt  atomic.Value // time.Time
	lastActivity atomic.Value // time.Time

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	lifeMu   sync.Mutex
}

var _ component.Lifecycle = (*Manager)(nil)
var _ aggregate.ResultListener = (*Manager)(nil)
var _ aggregate.AlertSource = (*Manager)(nil)

// New creates an alert manager.
func New(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "alert-manager")
	}
	cfg := deps.Config
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if cfg.OutboxCapacity <= 0 {
		cfg.OutboxCapacity = 10000
	}
	if cfg.SustainedCount <= 0 {
		cfg.SustainedCount = 3
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = 24 * time.Hour
	}
	if cfg.BatteryCriticalPct <= 0 {
		cfg.BatteryCriticalPct = 5
	}

	m := &Manager{
		name:      deps.Name,
		cfg:       cfg,
		bus:       deps.Bus,
		logger:    logger,
		alerts:    make(map[string]*Alert),
		index:     make(map[dedupKey]string),
		streaks:   make(map[streakKey]int),
		outbox:    make(chan Event, cfg.OutboxCapacity),
		startTime: time.Now(),
	}
	if deps.MetricsRegistry != nil {
		m.core = deps.MetricsRegistry.Core
	}
	m.lastAlertAt.Store(time.Time{})
	m.lastActivity.Store(time.Time{})
	return m
}

// Meta returns the component metadata.
func (m *Manager) Meta() component.Metadata {
	name := m.name
	if name == "" {
		name = "alert-manager"
	}
	return component.Metadata{
		Name:        name,
		Type:        "alert-manager",
		Description: "alert evaluation, deduplication, lifecycle, and publication",
		Version:     "1.0.0",
	}
}

// Health returns the current health status.
func (m *Manager) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    m.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(m.errorCount.Load()),
		Uptime:     time.Since(m.startTime),
	}
}

// DataFlow returns evaluation throughput metrics.
func (m *Manager) DataFlow() component.FlowMetrics {
	evaluated := m.evaluated.Load()
	var perSecond float64
	if uptime := time.Since(m.startTime).Seconds(); uptime > 0 {
		perSecond = float64(evaluated) / uptime
	}
	last, _ := m.lastActivity.Load().(time.Time)
	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		LastActivity:      last,
	}
}

// Initialize validates dependencies.
func (m *Manager) Initialize() error {
	if m.bus == nil {
		return errors.WrapInvalid(fmt.Errorf("nil event bus"),
			"alert-manager", "Initialize", "dependency validation")
	}
	return nil
}

// Start subscribes to readings and launches the publisher and the snooze
// expiry sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.running.Load() {
		return nil
	}
	m.shutdown = make(chan struct{})
	m.done = make(chan struct{})
	m.running.Store(true)
	m.startTime = time.Now()

	if err := m.bus.Subscribe(ctx, types.SubjectReading, func(ctx context.Context, data []byte) {
		var r types.Reading
		if err := json.Unmarshal(data, &r); err != nil {
			m.errorCount.Add(1)
			return
		}
		m.Evaluate(ctx, r)
	}); err != nil {
		m.running.Store(false)
		return errors.WrapTransient(err, "alert-manager", "Start", "reading subscription")
	}

	go m.publishLoop(ctx)
	go m.sweepLoop(ctx)
	return nil
}

// Stop halts the publisher and sweep loops.
func (m *Manager) Stop(timeout time.Duration) error {
	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)
	close(m.shutdown)

	select {
	case <-m.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"alert-manager", "Stop", "graceful shutdown")
	}
}

// LastAlertAt returns when the manager last raised or re-raised an alert.
func (m *Manager) LastAlertAt() time.Time {
	t, _ := m.lastAlertAt.Load().(time.Time)
	return t
}

// OutboxDepth returns the number of events awaiting publication.
func (m *Manager) OutboxDepth() int {
	return len(m.outbox)
}

// DroppedEvents returns how many events were discarded to a full outbox.
func (m *Manager) DroppedEvents() int64 {
	return m.dropped.Load()
}

// Evaluate classifies one reading against the threshold table and raises
// or escalates threshold alerts. Three consecutive breaching samples for
// the same series escalate the alert to high priority; critical breaches
// are critical immediately.
func (m *Manager) Evaluate(_ context.Context, r types.Reading) {
	m.evaluated.Add(1)
	m.lastActivity.Store(time.Now())

	breach := thresholds.Evaluate(r.SensorType, r.Value)
	key := streakKey{deviceID: r.DeviceID, sensorType: r.SensorType}

	m.mu.Lock()
	if breach == thresholds.BreachNone {
		delete(m.streaks, key)
		m.mu.Unlock()
		return
	}
	m.streaks[key]++
	streak := m.streaks[key]
	m.mu.Unlock()

	kind := KindThresholdHigh
	if breach.Low() {
		kind = KindThresholdLow
	}
	priority := PriorityMedium
	if breach.Critical() {
		priority = PriorityCritical
	} else if streak >= m.cfg.SustainedCount {
		priority = PriorityHigh
	}

	// Battery readings below the warning floor are battery alerts, not
	// generic threshold_low ones, and start at high priority.
	if r.SensorType == types.SensorBattery && breach.Low() {
		kind = KindLowBattery
		priority = PriorityHigh
		if r.Value < m.cfg.BatteryCriticalPct {
			priority = PriorityCritical
		}
	}

	bound := breach.Bound(r.SensorType)
	m.raise(Alert{
		Kind:       kind,
		Priority:   priority,
		SubjectRef: r.DeviceID,
		TenantID:   r.TenantID,
		FieldID:    r.FieldID,
		SensorType: r.SensorType,
		Value:      types.Float64Ptr(r.Value),
		Threshold:  types.Float64Ptr(bound),
		Message: fmt.Sprintf("%s %s reading %.2f %s crossed threshold %.2f",
			r.DeviceID, r.SensorType, r.Value, r.Unit, bound),
	}, r.Timestamp)
}

// OnTransition implements the registry transition listener. Offline and
// low-battery edges raise alerts; recovery to online resolves them.
func (m *Manager) OnTransition(event types.DeviceEvent, device types.Device) {
	switch event.CurrentStatus {
	case types.StatusOffline:
		m.raise(Alert{
			Kind:       KindSensorOffline,
			Priority:   PriorityHigh,
			SubjectRef: event.DeviceID,
			TenantID:   event.TenantID,
			FieldID:    event.FieldID,
			Message: fmt.Sprintf("%s went offline, last seen %s",
				event.DeviceID, device.LastSeen.UTC().Format(time.RFC3339)),
		}, event.Timestamp)

	case types.StatusLowBattery:
		priority := PriorityHigh
		var value *float64
		if device.BatteryPct != nil {
			value = types.Float64Ptr(*device.BatteryPct)
			if *device.BatteryPct < m.cfg.BatteryCriticalPct {
				priority = PriorityCritical
			}
		}
		m.raise(Alert{
			Kind:       KindLowBattery,
			Priority:   priority,
			SubjectRef: event.DeviceID,
			TenantID:   event.TenantID,
			FieldID:    event.FieldID,
			Value:      value,
			Message:    fmt.Sprintf("%s battery low", event.DeviceID),
		}, event.Timestamp)

	case types.StatusOnline:
		if event.PreviousStatus == types.StatusOffline {
			m.resolveOpen(KindSensorOffline, event.DeviceID, event.Timestamp)
		}
		if event.PreviousStatus == types.StatusLowBattery {
			m.resolveOpen(KindLowBattery, event.DeviceID, event.Timestamp)
		}
	}
}

// OnDrift implements the aggregation result listener for drift findings.
func (m *Manager) OnDrift(deviceID string, st types.SensorType, drift aggregate.DriftResult) {
	m.raise(Alert{
		Kind:       KindSensorDrift,
		Priority:   PriorityLow,
		SubjectRef: deviceID,
		SensorType: st,
		Value:      types.Float64Ptr(drift.Magnitude),
		Threshold:  types.Float64Ptr(drift.Threshold),
		Message: fmt.Sprintf("%s %s mean shifted %.2f (threshold %.2f)",
			deviceID, st, drift.Magnitude, drift.Threshold),
	}, time.Now().UTC())
}

// OnAnomaly implements the aggregation result listener for outlier-rate
// findings.
func (m *Manager) OnAnomaly(deviceID string, st types.SensorType, fraction float64) {
	m.raise(Alert{
		Kind:       KindAnomaly,
		Priority:   PriorityMedium,
		SubjectRef: deviceID,
		SensorType: st,
		Value:      types.Float64Ptr(fraction),
		Message: fmt.Sprintf("%s %s outlier fraction %.0f%% exceeds ceiling",
			deviceID, st, 100*fraction),
	}, time.Now().UTC())
}

// Raise creates or escalates an alert from an external caller. Platform
// services use this for stock and expiry kinds.
func (m *Manager) Raise(a Alert) Alert {
	return m.raise(a, time.Now().UTC())
}

// raise deduplicates by (kind, subject_ref): an open alert for the pair
// absorbs the occurrence, keeps its ID, and escalates priority upward
// only. Every occurrence is published so downstream consumers see
// repeats.
func (m *Manager) raise(a Alert, at time.Time) Alert {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	m.mu.Lock()
	key := dedupKey{kind: a.Kind, subjectRef: a.SubjectRef}

	if id, ok := m.index[key]; ok {
		existing := m.alerts[id]
		existing.OccurrenceCount++
		existing.LastOccurrence = at
		existing.UpdatedAt = at
		if a.Value != nil {
			existing.Value = a.Value
		}
		if a.Message != "" {
			existing.Message = a.Message
		}
		if a.Priority.Exceeds(existing.Priority) {
			m.moveGauge(existing.Kind, existing.Priority, a.Priority)
			existing.Priority = a.Priority
		}
		snapshot := *existing
		m.mu.Unlock()

		m.lastAlertAt.Store(at)
		m.enqueue(Event{Alert: snapshot, Action: ActionReoccurred})
		return snapshot
	}

	a.ID = uuid.NewString()
	a.Status = StatusActive
	a.CreatedAt = at
	a.UpdatedAt = at
	a.OccurrenceCount = 1
	a.LastOccurrence = at
	stored := a
	m.alerts[a.ID] = &stored
	m.index[key] = a.ID
	m.mu.Unlock()

	if m.core != nil {
		m.core.AlertsActive.WithLabelValues(string(a.Kind), string(a.Priority)).Inc()
	}
	m.lastAlertAt.Store(at)
	m.logger.Info("alert raised",
		"kind", a.Kind, "priority", a.Priority, "subject", a.SubjectRef)
	m.enqueue(Event{Alert: a, Action: ActionCreated})
	return a
}

// resolveOpen resolves the open alert for (kind, subject_ref), if any.
func (m *Manager) resolveOpen(kind Kind, subjectRef string, at time.Time) {
	m.mu.Lock()
	key := dedupKey{kind: kind, subjectRef: subjectRef}
	id, ok := m.index[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	a := m.alerts[id]
	a.Status = StatusResolved
	a.ResolvedAt = &at
	a.UpdatedAt = at
	delete(m.index, key)
	kindLabel, prioLabel := a.Kind, a.Priority
	m.mu.Unlock()

	if m.core != nil {
		m.core.AlertsActive.WithLabelValues(string(kindLabel), string(prioLabel)).Dec()
	}
	m.logger.Info("alert auto-resolved", "kind", kind, "subject", subjectRef)
}

// Acknowledge marks an active alert as seen.
func (m *Manager) Acknowledge(id string) (Alert, error) {
	now := time.Now().UTC()
	return m.transition(id, StatusAcknowledged, func(a *Alert) {
		a.AcknowledgedAt = &now
	})
}

// Snooze silences an alert until the given time; the sweep loop
// reactivates it afterwards.
func (m *Manager) Snooze(id string, until time.Time) (Alert, error) {
	return m.transition(id, StatusSnoozed, func(a *Alert) {
		a.SnoozedUntil = &until
	})
}

// Resolve closes an alert. Resolved is terminal; the (kind, subject_ref)
// pair is freed so a later breach opens a fresh alert.
func (m *Manager) Resolve(id string) (Alert, error) {
	now := time.Now().UTC()
	a, err := m.transition(id, StatusResolved, func(a *Alert) {
		a.ResolvedAt = &now
	})
	if err != nil {
		return a, err
	}

	m.mu.Lock()
	delete(m.index, dedupKey{kind: a.Kind, subjectRef: a.SubjectRef})
	m.mu.Unlock()

	if m.core != nil {
		m.core.AlertsActive.WithLabelValues(string(a.Kind), string(a.Priority)).Dec()
	}
	return a, nil
}

func (m *Manager) transition(id string, to Status, apply func(*Alert)) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrAlertNotFound, id),
			"alert-manager", "transition", "alert lookup")
	}
	if !validTransition(a.Status, to) {
		return Alert{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s -> %s", errors.ErrAlertStateViolation, a.Status, to),
			"alert-manager", "transition", "lifecycle validation")
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	apply(a)
	return *a, nil
}

// Get returns a copy of one alert.
func (m *Manager) Get(id string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrAlertNotFound, id),
			"alert-manager", "Get", "alert lookup")
	}
	return *a, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status     Status
	Kind       Kind
	SubjectRef string
	Priority   Priority
}

// List returns copies of alerts matching the filter.
func (m *Manager) List(filter Filter) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alert
	for _, a := range m.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && a.Kind != filter.Kind {
			continue
		}
		if filter.SubjectRef != "" && a.SubjectRef != filter.SubjectRef {
			continue
		}
		if filter.Priority != "" && a.Priority != filter.Priority {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// ActiveAlertSummaries returns one-line summaries of open alerts for a
// device, for health snapshots.
func (m *Manager) ActiveAlertSummaries(deviceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, a := range m.alerts {
		if a.SubjectRef != deviceID || a.Status.Terminal() {
			continue
		}
		out = append(out, fmt.Sprintf("%s (%s)", a.Kind, a.Priority))
	}
	return out
}

// moveGauge shifts an open alert between priority labels. Callers hold mu.
func (m *Manager) moveGauge(kind Kind, from, to Priority) {
	if m.core == nil {
		return
	}
	m.core.AlertsActive.WithLabelValues(string(kind), string(from)).Dec()
	m.core.AlertsActive.WithLabelValues(string(kind), string(to)).Inc()
}

// enqueue hands an event to the publisher. A full outbox drops the
// oldest event so fresh alerts are never the ones lost.
func (m *Manager) enqueue(ev Event) {
	for {
		select {
		case m.outbox <- ev:
			if m.core != nil {
				m.core.OutboxDepth.Set(float64(len(m.outbox)))
			}
			return
		default:
		}
		select {
		case <-m.outbox:
			m.dropped.Add(1)
			m.logger.Warn("alert outbox full, dropped oldest event")
		default:
		}
	}
}

// publishLoop drains the outbox onto the bus with retries.
func (m *Manager) publishLoop(ctx context.Context) {
	defer close(m.done)

	cfg := retry.Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			m.drainOutbox(ctx, cfg)
			return
		case ev := <-m.outbox:
			m.publish(ctx, cfg, ev)
		}
	}
}

// drainOutbox makes a best-effort pass over queued events during shutdown.
func (m *Manager) drainOutbox(ctx context.Context, cfg retry.Config) {
	for {
		select {
		case ev := <-m.outbox:
			m.publish(ctx, cfg, ev)
		default:
			return
		}
	}
}

func (m *Manager) publish(ctx context.Context, cfg retry.Config, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.errorCount.Add(1)
		return
	}
	subject := types.SubjectAlertPrefix + string(ev.Alert.Kind)

	attempt := 0
	err = retry.Do(ctx, cfg, func() error {
		attempt++
		if attempt > 1 && m.core != nil {
			m.core.PublishRetries.Inc()
		}
		return m.bus.Publish(ctx, subject, data)
	})
	if err != nil {
		m.errorCount.Add(1)
		m.logger.Error("alert publish failed",
			"subject", subject, "alert_id", ev.Alert.ID, "error", err)
	}
	if m.core != nil {
		m.core.OutboxDepth.Set(float64(len(m.outbox)))
	}
}

// sweepLoop reactivates snoozed alerts whose snooze has expired.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case now := <-ticker.C:
			m.Sweep(now.UTC())
		}
	}
}

// Sweep returns expired snoozes to the active state and prunes resolved
// alerts past the terminal retention, keeping the store bounded. Exposed
// so tests can drive the clock.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	var reactivated []Alert
	for id, a := range m.alerts {
		if a.Status.Terminal() {
			cutoff := a.UpdatedAt
			if a.ResolvedAt != nil {
				cutoff = *a.ResolvedAt
			}
			if now.Sub(cutoff) >= m.cfg.TerminalRetention {
				delete(m.alerts, id)
			}
			continue
		}
		if a.Status != StatusSnoozed || a.SnoozedUntil == nil {
			continue
		}
		if a.SnoozedUntil.After(now) {
			continue
		}
		a.Status = StatusActive
		a.SnoozedUntil = nil
		a.UpdatedAt = now
		reactivated = append(reactivated, *a)
	}
	m.mu.Unlock()

	for _, a := range reactivated {
		m.logger.Info("alert reactivated after snooze", "alert_id", a.ID, "kind", a.Kind)
		m.enqueue(Event{Alert: a, Action: ActionReactivated})
	}
}
