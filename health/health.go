// Package health aggregates component health into a single pipeline
// snapshot served by the gateway.
package health

import (
	"sync"
	"time"

	"github.com/kafaat/sahool-iot-pipeline/component"
)

// FabricStatus reports device fabric connectivity.
type FabricStatus interface {
	Connected() bool
}

// BusStatus reports event bus connectivity.
type BusStatus interface {
	IsConnected() bool
}

// RegistryStats supplies device counts.
type RegistryStats interface {
	OnlineCount() int64
}

// AlertStats supplies alert manager observables.
type AlertStats interface {
	LastAlertAt() time.Time
	OutboxDepth() int
}

// ComponentHealth is one component's view in the snapshot.
type ComponentHealth struct {
	Meta   component.Metadata     `json:"meta"`
	Health component.HealthStatus `json:"health"`
	Flow   component.FlowMetrics  `json:"flow"`
}

// Snapshot is the pipeline-wide health view.
type Snapshot struct {
	Healthy         bool              `json:"healthy"`
	Timestamp       time.Time         `json:"timestamp"`
	FabricConnected bool              `json:"fabric_connected"`
	BusConnected    bool              `json:"bus_connected"`
	DevicesOnline   int64             `json:"devices_online"`
	ReadingsPerMin  float64           `json:"readings_per_minute"`
	OutboxDepth     int               `json:"outbox_depth"`
	LastAlertAt     *time.Time        `json:"last_alert_at,omitempty"`
	Components      []ComponentHealth `json:"components"`
}

// Monitor collects health from registered components and connectivity
// sources.
type Monitor struct {
	mu         sync.RWMutex
	components []component.Discoverable
	fabric     FabricStatus
	bus        BusStatus
	registry   RegistryStats
	alerts     AlertStats
	ingest     component.Discoverable // bridge, for the readings rate
}

// NewMonitor creates an empty monitor; wire sources before serving.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Register adds a component to the snapshot.
func (m *Monitor) Register(c component.Discoverable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
}

// SetFabric wires fabric connectivity.
func (m *Monitor) SetFabric(f FabricStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fabric = f
}

// SetBus wires bus connectivity.
func (m *Monitor) SetBus(b BusStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = b
}

// SetRegistry wires device counts.
func (m *Monitor) SetRegistry(r RegistryStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = r
}

// SetAlerts wires alert manager observables.
func (m *Monitor) SetAlerts(a AlertStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = a
}

// SetIngest wires the component whose flow rate counts as the pipeline
// ingest rate.
func (m *Monitor) SetIngest(c component.Discoverable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest = c
}

// Snapshot assembles the current pipeline health. The pipeline is
// healthy when every registered component is healthy and both transports
// are connected.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Healthy:   true,
		Timestamp: time.Now().UTC(),
	}

	for _, c := range m.components {
		ch := ComponentHealth{
			Meta:   c.Meta(),
			Health: c.Health(),
			Flow:   c.DataFlow(),
		}
		if !ch.Health.Healthy {
			snap.Healthy = false
		}
		snap.Components = append(snap.Components, ch)
	}

	if m.fabric != nil {
		snap.FabricConnected = m.fabric.Connected()
		if !snap.FabricConnected {
			snap.Healthy = false
		}
	}
	if m.bus != nil {
		snap.BusConnected = m.bus.IsConnected()
		if !snap.BusConnected {
			snap.Healthy = false
		}
	}
	if m.registry != nil {
		snap.DevicesOnline = m.registry.OnlineCount()
	}
	if m.alerts != nil {
		snap.OutboxDepth = m.alerts.OutboxDepth()
		if at := m.alerts.LastAlertAt(); !at.IsZero() {
			snap.LastAlertAt = &at
		}
	}
	if m.ingest != nil {
		snap.ReadingsPerMin = m.ingest.DataFlow().MessagesPerSecond * 60
	}

	return snap
}
