// Package bridge connects the MQTT device fabric to the internal event
// bus: it subscribes to the device topic tree, normalizes raw payloads
// into canonical readings, classifies them against the threshold table,
// and publishes them on the bus while feeding the device registry.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kafaat/sahool-iot-pipeline/aggregate"
	"github.com/kafaat/sahool-iot-pipeline/component"
	"github.com/kafaat/sahool-iot-pipeline/errors"
	"github.com/kafaat/sahool-iot-pipeline/fabric"
	"github.com/kafaat/sahool-iot-pipeline/metric"
	"github.com/kafaat/sahool-iot-pipeline/normalize"
	"github.com/kafaat/sahool-iot-pipeline/pkg/retry"
	"github.com/kafaat/sahool-iot-pipeline/types"
)

// DeviceObserver is the registry capability the bridge needs.
type DeviceObserver interface {
	Observe(ctx context.Context, reading types.Reading)
	ApplyStatus(ctx context.Context, deviceID, tenantID string,
		status types.DeviceStatus, battery, rssi *float64, at time.Time)
}

// Config holds bridge tuning.
type Config struct {
	TopicRoot   string // device topic tree root, default "sahool"
	Passthrough bool   // forward unknown sensor types untranslated
}

// Deps holds runtime dependencies for the bridge.
type Deps struct {
	Name            string
	Config          Config
	Fabric          fabric.Client
	Bus             component.EventBus
	Registry        DeviceObserver
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Bridge is the messaging bridge component.
type Bridge struct {
	name       string
	cfg        Config
	fab        fabric.Client
	bus        component.EventBus
	registry   DeviceObserver
	normalizer *normalize.Normalizer
	logger     *slog.Logger
	core       *metric.Core

	ingested     atomic.Int64
	dropped      atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time
	lastActivity atomic.Value // time.Time

	running  atomic.Bool
	paused   atomic.Bool
	pubRetry retry.Config
	baseCtx  context.Context
	cancel   context.CancelFunc
}

var _ component.Lifecycle = (*Bridge)(nil)

// New creates a bridge.
func New(deps Deps) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "bridge")
	}
	cfg := deps.Config
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = "sahool"
	}

	b := &Bridge{
		name:       deps.Name,
		cfg:        cfg,
		fab:        deps.Fabric,
		bus:        deps.Bus,
		registry:   deps.Registry,
		normalizer: normalize.New(cfg.Passthrough),
		logger:     logger,
		startTime:  time.Now(),
		pubRetry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
	if deps.MetricsRegistry != nil {
		b.core = deps.MetricsRegistry.Core
	}
	b.lastActivity.Store(time.Time{})
	return b
}

// Meta returns the component metadata.
func (b *Bridge) Meta() component.Metadata {
	name := b.name
	if name == "" {
		name = "messaging-bridge"
	}
	return component.Metadata{
		Name:        name,
		Type:        "bridge",
		Description: "MQTT device fabric to internal event bus",
		Version:     "1.0.0",
	}
}

// Health reports healthy while the fabric connection is up.
func (b *Bridge) Health() component.HealthStatus {
	healthy := b.running.Load() && b.fab != nil && b.fab.Connected()
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(b.errorCount.Load()),
		Uptime:     time.Since(b.startTime),
	}
}

// DataFlow returns ingest throughput metrics.
func (b *Bridge) DataFlow() component.FlowMetrics {
	ingested := b.ingested.Load()
	var perSecond float64
	if uptime := time.Since(b.startTime).Seconds(); uptime > 0 {
		perSecond = float64(ingested) / uptime
	}
	var errorRate float64
	if total := ingested + b.dropped.Load(); total > 0 {
		errorRate = float64(b.dropped.Load()) / float64(total)
	}
	last, _ := b.lastActivity.Load().(time.Time)
	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      last,
	}
}

// Initialize validates dependencies.
func (b *Bridge) Initialize() error {
	if b.fab == nil {
		return errors.WrapInvalid(fmt.Errorf("nil fabric client"),
			"bridge", "Initialize", "dependency validation")
	}
	if b.bus == nil {
		return errors.WrapInvalid(fmt.Errorf("nil event bus"),
			"bridge", "Initialize", "dependency validation")
	}
	return nil
}

// Start connects to the fabric and subscribes to the device topic tree.
func (b *Bridge) Start(ctx context.Context) error {
	if b.running.Load() {
		return nil
	}
	b.baseCtx, b.cancel = context.WithCancel(ctx)
	b.startTime = time.Now()

	if err := b.fab.Connect(ctx); err != nil {
		return errors.WrapTransient(err, "bridge", "Start", "fabric connect")
	}

	b.fab.OnReconnect(func() {
		if b.core != nil {
			b.core.Reconnects.Inc()
		}
		b.logger.Info("fabric reconnected, subscriptions restored")
	})

	sensorPattern := b.cfg.TopicRoot + "/sensors/+/+/+"
	if err := b.fab.Subscribe(sensorPattern, b.handleSensorMessage); err != nil {
		return errors.WrapTransient(err, "bridge", "Start", "sensor subscription")
	}

	statusPattern := b.cfg.TopicRoot + "/devices/+/+/status"
	if err := b.fab.Subscribe(statusPattern, b.handleStatusMessage); err != nil {
		return errors.WrapTransient(err, "bridge", "Start", "status subscription")
	}

	b.running.Store(true)
	b.logger.Info("bridge started",
		"sensor_pattern", sensorPattern, "status_pattern", statusPattern)
	return nil
}

// Stop disconnects from the fabric.
func (b *Bridge) Stop(timeout time.Duration) error {
	if !b.running.Load() {
		return nil
	}
	b.running.Store(false)
	if b.cancel != nil {
		b.cancel()
	}
	b.fab.Disconnect(timeout)
	return nil
}

// handleSensorMessage is the hot path: parse topic, normalize, classify,
// publish, feed the registry. Malformed input drops the message with a
// reason counter; it never stops the stream.
func (b *Bridge) handleSensorMessage(rawTopic string, payload []byte) {
	b.lastActivity.Store(time.Now())

	topic, ok := b.parseSensorTopic(rawTopic)
	if !ok {
		b.drop("bad_topic", rawTopic, nil)
		return
	}

	reading, err := b.normalizer.NormalizeBytes(payload, topic)
	if err != nil {
		b.drop(dropReason(err), rawTopic, err)
		return
	}

	aggregate.ClassifyThreshold(&reading)

	data, err := json.Marshal(reading)
	if err != nil {
		b.drop("marshal_failed", rawTopic, err)
		return
	}

	ctx := b.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.publishReading(ctx, data); err != nil {
		b.drop("bus_publish", rawTopic, err)
		return
	}

	b.ingested.Add(1)
	if b.core != nil {
		b.core.ReadingsIngested.WithLabelValues(string(reading.SensorType)).Inc()
	}

	if b.registry != nil {
		b.registry.Observe(ctx, reading)
	}
}

// publishReading applies backpressure when the bus falls behind. The
// fabric delivers messages for a subscription in order, so blocking here
// pauses consumption; retries back off until the bus drains. Invalid
// errors and exhausted retries surface to the caller as a drop.
func (b *Bridge) publishReading(ctx context.Context, data []byte) error {
	err := b.bus.Publish(ctx, types.SubjectReading, data)
	if err == nil || !errors.IsTransient(err) {
		return err
	}

	b.paused.Store(true)
	defer b.paused.Store(false)
	b.logger.Warn("bus publish lagging, pausing fabric consumption", "error", err)

	return retry.Do(ctx, b.pubRetry, func() error {
		if !b.running.Load() {
			return retry.NonRetryable(err)
		}
		return b.bus.Publish(ctx, types.SubjectReading, data)
	})
}

// Paused reports whether the bridge is holding fabric consumption while
// the bus catches up.
func (b *Bridge) Paused() bool {
	return b.paused.Load()
}

// statusPayload is the device-published liveness message.
type statusPayload struct {
	Status  string   `json:"status"`
	Battery *float64 `json:"battery,omitempty"`
	RSSI    *float64 `json:"rssi,omitempty"`
}

// handleStatusMessage applies device-announced status (LWT offline
// messages included) to the registry.
func (b *Bridge) handleStatusMessage(rawTopic string, payload []byte) {
	b.lastActivity.Store(time.Now())

	parts := strings.Split(rawTopic, "/")
	// {root}/devices/{tenant}/{device}/status
	if len(parts) != 5 || parts[1] != "devices" || parts[4] != "status" {
		b.drop("bad_topic", rawTopic, nil)
		return
	}
	tenantID, deviceID := parts[2], parts[3]

	var sp statusPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		b.drop("parse_failed", rawTopic, err)
		return
	}

	status := types.DeviceStatus(sp.Status)
	switch status {
	case types.StatusOnline, types.StatusOffline, types.StatusError, types.StatusLowBattery:
	default:
		b.drop("bad_status", rawTopic, nil)
		return
	}

	ctx := b.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if b.registry != nil {
		b.registry.ApplyStatus(ctx, deviceID, tenantID, status,
			sp.Battery, sp.RSSI, time.Now().UTC())
	}
}

// parseSensorTopic splits {root}/sensors/{tenant}/{field}/{device}.
func (b *Bridge) parseSensorTopic(rawTopic string) (normalize.Topic, bool) {
	parts := strings.Split(rawTopic, "/")
	if len(parts) != 5 || parts[0] != b.cfg.TopicRoot || parts[1] != "sensors" {
		return normalize.Topic{}, false
	}
	return normalize.Topic{
		TenantID: parts[2],
		FieldID:  parts[3],
		DeviceID: parts[4],
		Raw:      rawTopic,
	}, true
}

func (b *Bridge) drop(reason, rawTopic string, err error) {
	b.dropped.Add(1)
	b.errorCount.Add(1)
	if b.core != nil {
		b.core.ReadingsDropped.WithLabelValues(reason).Inc()
	}
	b.logger.Warn("reading dropped", "reason", reason, "topic", rawTopic, "error", err)
}

// dropReason maps normalization errors onto drop counter labels.
func dropReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrParseFailed):
		return "parse_failed"
	case errors.Is(err, errors.ErrUnknownSensorType):
		return "unknown_sensor_type"
	case errors.Is(err, errors.ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, errors.ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "normalize_failed"
	}
}
