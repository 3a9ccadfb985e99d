// Package registry maintains device identity and liveness. It is the
// exclusive owner of Device records: every transition between online,
// offline, error, and low_battery runs through here, and downstream
// consumers observe transitions as bus events or listener callbacks.
package registry

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
	"github.com/kafaat/sahool-iot-pipeline/types"
)

// TransitionListener observes liveness transitions. The alert manager
// registers one to turn offline and low-battery edges into alerts.
type TransitionListener interface {
	OnTransition(event types.DeviceEvent, device types.Device)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	TenantID string
	FieldID  string
	Type     types.DeviceType
	Status   types.DeviceStatus
}

// Patch describes a partial administrative update. Nil fields are left
// unchanged.
type Patch struct {
	TenantID           *string
	FieldID            *string
	Type               *types.DeviceType
	DeclaredSensorType *types.SensorType
	Status             *types.DeviceStatus
}

// Config holds registry tuning.
type Config struct {
	OfflineTimeout     time.Duration
	ScanInterval       time.Duration
	BatteryLowPct      float64
	BatteryCriticalPct float64
}

// Deps holds runtime dependencies for the registry.
type Deps struct {
	Name            string
	Config          Config
	Bus             component.EventBus
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// deviceEntry guards one device record with its own lock so observe on
// one device never contends with observe on another.
type deviceEntry struct {
	mu  sync.Mutex
	dev types.Device
}

// Registry is the process-wide device map.
type Registry struct {
	name   string
	cfg    Config
	bus    component.EventBus
	logger *slog.Logger
	core   *metric.Core

	devices sync.Map // device_id -> *deviceEntry

	listenersMu sync.RWMutex
	listeners   []TransitionListener

	onlineCount  atomic.Int64
	observed     atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time
	lastActivity atomic.Value // time.Time

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	mu       sync.Mutex
}

var _ component.Lifecycle = (*Registry)(nil)

// New creates a registry.
func New(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "device-registry")
	}
	cfg := deps.Config
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = 300 * time.Second
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 60 * time.Second
	}
	if cfg.BatteryLowPct <= 0 {
		cfg.BatteryLowPct = 20
	}
	if cfg.BatteryCriticalPct <= 0 {
		cfg.BatteryCriticalPct = 5
	}

	r := &Registry{
		name:      deps.Name,
		cfg:       cfg,
		bus:       deps.Bus,
		logger:    logger,
		startTime: time.Now(),
	}
	if deps.MetricsRegistry != nil {
		r.core = deps.MetricsRegistry.Core
	}
	r.lastActivity.Store(time.Time{})
	return r
}

// AddListener registers a transition listener. Must be called before Start.
func (r *Registry) AddListener(l TransitionListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Meta returns the component metadata.
func (r *Registry) Meta() component.Metadata {
	name := r.name
	if name == "" {
		name = "device-registry"
	}
	return component.Metadata{
		Name:        name,
		Type:        "registry",
		Description: "device identity and liveness tracking",
		Version:     "1.0.0",
	}
}

// Health returns the current health status.
func (r *Registry) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    r.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(r.errorCount.Load()),
		Uptime:     time.Since(r.startTime),
	}
}

// DataFlow returns observe throughput metrics.
func (r *Registry) DataFlow() component.FlowMetrics {
	observed := r.observed.Load()
	var perSecond float64
	if uptime := time.Since(r.startTime).Seconds(); uptime > 0 {
		perSecond = float64(observed) / uptime
	}
	var errorRate float64
	if observed > 0 {
		errorRate = float64(r.errorCount.Load()) / float64(observed)
	}
	last, _ := r.lastActivity.Load().(time.Time)
	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      last,
	}
}

// Initialize validates dependencies.
func (r *Registry) Initialize() error {
	if r.bus == nil {
		return errors.WrapInvalid(fmt.Errorf("nil event bus"),
			"device-registry", "Initialize", "dependency validation")
	}
	return nil
}

// Start launches the background liveness scan.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return nil
	}
	r.shutdown = make(chan struct{})
	r.done = make(chan struct{})
	r.running.Store(true)
	r.startTime = time.Now()

	go r.scanLoop(ctx)
	return nil
}

// Stop halts the scan loop.
func (r *Registry) Stop(timeout time.Duration) error {
	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)
	close(r.shutdown)

	select {
	case <-r.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"device-registry", "Stop", "graceful shutdown")
	}
}

// Observe upserts the device for a reading and applies the liveness
// transition rules. Conflicting concurrent observes resolve last-writer-wins.
func (r *Registry) Observe(ctx context.Context, reading types.Reading) {
	r.observed.Add(1)
	r.lastActivity.Store(time.Now())

	entryAny, _ := r.devices.LoadOrStore(reading.DeviceID, &deviceEntry{})
	entry := entryAny.(*deviceEntry)

	entry.mu.Lock()

	created := entry.dev.DeviceID == ""
	if created {
		entry.dev = types.Device{
			DeviceID:  reading.DeviceID,
			TenantID:  reading.TenantID,
			FieldID:   reading.FieldID,
			Type:      types.DeviceSensor,
			FirstSeen: reading.Timestamp,
		}
		if reading.SensorType.Valid() {
			entry.dev.DeclaredSensorType = reading.SensorType
		}
	}

	prevStatus := entry.dev.Status
	prevBattery := entry.dev.BatteryPct

	entry.dev.LastSeen = reading.Timestamp
	entry.dev.LastReadingRef = readingRef(reading)
	if reading.TenantID != "" {
		entry.dev.TenantID = reading.TenantID
	}
	if reading.FieldID != "" {
		entry.dev.FieldID = reading.FieldID
	}
	if reading.Metadata.Battery != nil {
		entry.dev.BatteryPct = reading.Metadata.Battery
	}
	if reading.Metadata.RSSI != nil {
		entry.dev.SignalDBM = reading.Metadata.RSSI
	}

	next := r.nextStatus(prevStatus, prevBattery, entry.dev.BatteryPct, reading)
	entry.dev.Status = next
	device := entry.dev
	entry.mu.Unlock()

	if created || next != prevStatus {
		r.transition(ctx, device, prevStatus, next, reading.Timestamp)
	}
}

// nextStatus applies the liveness transition table for an observe event.
func (r *Registry) nextStatus(prev types.DeviceStatus, prevBattery, battery *float64,
	reading types.Reading) types.DeviceStatus {

	// Battery edge beats everything: any state drops to low_battery when
	// the battery crosses below the threshold.
	if battery != nil && *battery < r.cfg.BatteryLowPct {
		return types.StatusLowBattery
	}

	if reading.Quality == types.QualityError &&
		(prev == types.StatusOnline || prev == types.StatusError || prev == "") {
		return types.StatusError
	}

	if reading.Finite() && reading.Quality != types.QualityError {
		// offline/error/low_battery recover to online once a healthy
		// reading arrives and the battery is back above the floor
		return types.StatusOnline
	}

	if prev == "" {
		return types.StatusOnline
	}
	return prev
}

// transition publishes the device event, updates gauges, and notifies
// listeners. The low-battery edge is delivered to listeners only; the bus
// carries the online/offline/error events named by the bus contract.
func (r *Registry) transition(ctx context.Context, device types.Device,
	prev, next types.DeviceStatus, at time.Time) {

	event := types.DeviceEvent{
		DeviceID:       device.DeviceID,
		TenantID:       device.TenantID,
		FieldID:        device.FieldID,
		PreviousStatus: prev,
		CurrentStatus:  next,
		Timestamp:      at.UTC(),
	}

	r.adjustOnlineCount(prev, next)

	subject := ""
	switch next {
	case types.StatusOnline:
		subject = types.SubjectDeviceOnline
	case types.StatusOffline:
		subject = types.SubjectDeviceOffline
	case types.StatusError:
		subject = types.SubjectDeviceError
	}

	if subject != "" {
		data, err := json.Marshal(event)
		if err == nil {
			if err := r.bus.Publish(ctx, subject, data); err != nil {
				r.errorCount.Add(1)
				r.logger.Warn("device event publish failed",
					"subject", subject, "device_id", device.DeviceID, "error", err)
			}
		}
	}

	r.logger.Info("device transition",
		"device_id", device.DeviceID, "from", string(prev), "to", string(next))

	r.listenersMu.RLock()
	listeners := append([]TransitionListener{}, r.listeners...)
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnTransition(event, device)
	}
}

func (r *Registry) adjustOnlineCount(prev, next types.DeviceStatus) {
	wasOnline := prev == types.StatusOnline
	isOnline := next == types.StatusOnline
	switch {
	case !wasOnline && isOnline:
		r.onlineCount.Add(1)
	case wasOnline && !isOnline:
		r.onlineCount.Add(-1)
	}
	if r.core != nil {
		r.core.DevicesOnline.Set(float64(r.onlineCount.Load()))
	}
}

// ApplyStatus applies an explicit status report from the device status
// topic. Used by the bridge for {root}/devices/{tenant}/{device}/status.
func (r *Registry) ApplyStatus(ctx context.Context, deviceID, tenantID string,
	status types.DeviceStatus, battery, rssi *float64, at time.Time) {

	entryAny, _ := r.devices.LoadOrStore(deviceID, &deviceEntry{})
	entry := entryAny.(*deviceEntry)

	entry.mu.Lock()
	if entry.dev.DeviceID == "" {
		entry.dev = types.Device{
			DeviceID:  deviceID,
			TenantID:  tenantID,
			Type:      types.DeviceSensor,
			FirstSeen: at,
		}
	}
	prev := entry.dev.Status
	entry.dev.LastSeen = at
	if battery != nil {
		entry.dev.BatteryPct = battery
	}
	if rssi != nil {
		entry.dev.SignalDBM = rssi
	}
	if battery != nil && *battery < r.cfg.BatteryLowPct && status == types.StatusOnline {
		status = types.StatusLowBattery
	}
	entry.dev.Status = status
	device := entry.dev
	entry.mu.Unlock()

	if prev != status {
		r.transition(ctx, device, prev, status, at)
	}
}

// Register adds a device administratively. Returns a conflict error when
// the device already exists.
func (r *Registry) Register(device types.Device) error {
	if device.DeviceID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty device_id", errors.ErrInvalidPayload),
			"device-registry", "Register", "device validation")
	}
	now := time.Now().UTC()
	if device.FirstSeen.IsZero() {
		device.FirstSeen = now
	}
	if device.Status == "" {
		device.Status = types.StatusOffline
	}
	entry := &deviceEntry{dev: device}
	if _, loaded := r.devices.LoadOrStore(device.DeviceID, entry); loaded {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDeviceExists, device.DeviceID),
			"device-registry", "Register", "device registration")
	}
	if device.Status == types.StatusOnline {
		r.adjustOnlineCount("", types.StatusOnline)
	}
	return nil
}

// Update applies an administrative patch.
func (r *Registry) Update(deviceID string, patch Patch) (types.Device, error) {
	entryAny, ok := r.devices.Load(deviceID)
	if !ok {
		return types.Device{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDeviceNotFound, deviceID),
			"device-registry", "Update", "device lookup")
	}
	entry := entryAny.(*deviceEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	prev := entry.dev.Status
	if patch.TenantID != nil {
		entry.dev.TenantID = *patch.TenantID
	}
	if patch.FieldID != nil {
		entry.dev.FieldID = *patch.FieldID
	}
	if patch.Type != nil {
		entry.dev.Type = *patch.Type
	}
	if patch.DeclaredSensorType != nil {
		entry.dev.DeclaredSensorType = *patch.DeclaredSensorType
	}
	if patch.Status != nil {
		entry.dev.Status = *patch.Status
		r.adjustOnlineCount(prev, *patch.Status)
	}
	return entry.dev, nil
}

// Delete removes a device.
func (r *Registry) Delete(deviceID string) error {
	entryAny, ok := r.devices.LoadAndDelete(deviceID)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDeviceNotFound, deviceID),
			"device-registry", "Delete", "device lookup")
	}
	entry := entryAny.(*deviceEntry)
	entry.mu.Lock()
	if entry.dev.Status == types.StatusOnline {
		r.adjustOnlineCount(types.StatusOnline, "")
	}
	entry.mu.Unlock()
	return nil
}

// Get returns a copy of a device record.
func (r *Registry) Get(deviceID string) (types.Device, bool) {
	entryAny, ok := r.devices.Load(deviceID)
	if !ok {
		return types.Device{}, false
	}
	entry := entryAny.(*deviceEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.dev, entry.dev.DeviceID != ""
}

// List returns a filtered snapshot of device records.
func (r *Registry) List(filter Filter) []types.Device {
	var out []types.Device
	r.devices.Range(func(_, entryAny any) bool {
		entry := entryAny.(*deviceEntry)
		entry.mu.Lock()
		dev := entry.dev
		entry.mu.Unlock()

		if dev.DeviceID == "" {
			return true
		}
		if filter.TenantID != "" && dev.TenantID != filter.TenantID {
			return true
		}
		if filter.FieldID != "" && dev.FieldID != filter.FieldID {
			return true
		}
		if filter.Type != "" && dev.Type != filter.Type {
			return true
		}
		if filter.Status != "" && dev.Status != filter.Status {
			return true
		}
		out = append(out, dev)
		return true
	})
	return out
}

// Stats returns device counts by status.
func (r *Registry) Stats() map[types.DeviceStatus]int {
	stats := make(map[types.DeviceStatus]int)
	r.devices.Range(func(_, entryAny any) bool {
		entry := entryAny.(*deviceEntry)
		entry.mu.Lock()
		status := entry.dev.Status
		ok := entry.dev.DeviceID != ""
		entry.mu.Unlock()
		if ok {
			stats[status]++
		}
		return true
	})
	return stats
}

// OnlineCount returns the number of online devices.
func (r *Registry) OnlineCount() int64 {
	return r.onlineCount.Load()
}

// scanLoop periodically sweeps for devices that went silent.
func (r *Registry) scanLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		case now := <-ticker.C:
			r.Scan(ctx, now.UTC())
		}
	}
}

// Scan marks devices offline when they have not been observed within the
// offline timeout. Exposed so tests can drive the clock directly.
func (r *Registry) Scan(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.cfg.OfflineTimeout)

	r.devices.Range(func(_, entryAny any) bool {
		entry := entryAny.(*deviceEntry)

		entry.mu.Lock()
		dev := entry.dev
		prev := dev.Status
		eligible := dev.DeviceID != "" &&
			(prev == types.StatusOnline || prev == types.StatusLowBattery) &&
			dev.LastSeen.Before(cutoff)
		if eligible {
			entry.dev.Status = types.StatusOffline
			dev = entry.dev
		}
		entry.mu.Unlock()

		if eligible {
			r.transition(ctx, dev, prev, types.StatusOffline, now)
		}
		return true
	})
}

func readingRef(r types.Reading) string {
	return fmt.Sprintf("%s/%s@%d", r.DeviceID, r.SensorType, r.Timestamp.UnixNano())
}
